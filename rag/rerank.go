package rag

import (
	"sort"
	"strings"
	"unicode"

	"github.com/gamma-omg/rag-chat/docstore"
)

const (
	DefaultSemanticWeight = 0.7
	DefaultLexicalWeight  = 0.3
)

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a an and are as at be but by can could did do does
		for from had has have how i if in into is it its me my of on or our so than that
		the their them then there these they this those to was we were what when where
		which who whom why will with would you your about explain tell describe please`) {
		stopWords[w] = struct{}{}
	}
}

// Reranker blends the cosine score of each chunk with the share of question
// keywords the chunk contains.
type Reranker struct {
	SemanticWeight float64
	LexicalWeight  float64
}

func DefaultReranker() Reranker {
	return Reranker{SemanticWeight: DefaultSemanticWeight, LexicalWeight: DefaultLexicalWeight}
}

type ranked struct {
	chunk    docstore.Chunk
	cosine   float64
	combined float64
}

// Rerank orders chunks by combined score, then by cosine, then by position
// in the document. Returned scores are the combined ones.
func (r Reranker) Rerank(question string, res docstore.RetrievalResult) docstore.RetrievalResult {
	kw := keywords(question)

	items := make([]ranked, len(res.Chunks))
	for i, c := range res.Chunks {
		items[i] = ranked{
			chunk:    c,
			cosine:   res.Scores[i],
			combined: r.SemanticWeight*res.Scores[i] + r.LexicalWeight*overlap(kw, c.Text),
		}
	}

	return sortRanked(items)
}

// Lexical ranks chunks by keyword overlap alone and keeps the best k.
func (r Reranker) Lexical(question string, chunks []docstore.Chunk, k int) docstore.RetrievalResult {
	kw := keywords(question)

	items := make([]ranked, len(chunks))
	for i, c := range chunks {
		items[i] = ranked{chunk: c, combined: overlap(kw, c.Text)}
	}

	return sortRanked(items).Head(k)
}

func sortRanked(items []ranked) docstore.RetrievalResult {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.combined != b.combined {
			return a.combined > b.combined
		}
		if a.cosine != b.cosine {
			return a.cosine > b.cosine
		}
		return a.chunk.Index < b.chunk.Index
	})

	res := docstore.RetrievalResult{
		Chunks: make([]docstore.Chunk, len(items)),
		Scores: make([]float64, len(items)),
	}
	for i, it := range items {
		res.Chunks[i] = it.chunk
		res.Scores[i] = it.combined
	}

	return res
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// keywords returns the distinct non-stop-words of text in order of first
// appearance.
func keywords(text string) []string {
	seen := map[string]struct{}{}
	var res []string
	for _, w := range tokenize(text) {
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		res = append(res, w)
	}

	return res
}

func overlap(kw []string, text string) float64 {
	if len(kw) == 0 {
		return 0
	}

	words := map[string]struct{}{}
	for _, w := range tokenize(text) {
		words[w] = struct{}{}
	}

	hits := 0
	for _, w := range kw {
		if _, ok := words[w]; ok {
			hits++
		}
	}

	return float64(hits) / float64(len(kw))
}
