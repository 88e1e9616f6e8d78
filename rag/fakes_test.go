package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/gamma-omg/rag-chat/docstore"
	"github.com/stretchr/testify/require"
)

// scriptedGenerator replays replies in order and records every prompt.
type scriptedGenerator struct {
	mu      sync.Mutex
	replies []scriptedReply
	prompts []string
}

type scriptedReply struct {
	text string
	err  error
}

func replyText(s string) scriptedReply { return scriptedReply{text: s} }

func replyErr(msg string) scriptedReply { return scriptedReply{err: errors.New(msg)} }

func newGenerator(replies ...scriptedReply) *scriptedGenerator {
	return &scriptedGenerator{replies: replies}
}

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.prompts = append(g.prompts, prompt)
	if len(g.replies) == 0 {
		return "", errors.New("no scripted reply")
	}

	r := g.replies[0]
	if len(g.replies) > 1 {
		g.replies = g.replies[1:]
	}

	return r.text, r.err
}

func (g *scriptedGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.prompts)
}

func (g *scriptedGenerator) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.prompts) == 0 {
		return ""
	}

	return g.prompts[len(g.prompts)-1]
}

// bagEmbedder embeds text as word counts over a fixed vocabulary plus a
// small constant component, so every text has a non-zero vector.
type bagEmbedder struct {
	vocab []string
	fail  map[string]bool

	mu    sync.Mutex
	calls []string
}

func newBagEmbedder(vocab ...string) *bagEmbedder {
	return &bagEmbedder{vocab: vocab, fail: map[string]bool{}}
}

func (e *bagEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls = append(e.calls, text)
	e.mu.Unlock()

	if e.fail[text] {
		return nil, errors.New("embedding service unavailable")
	}

	vec := make([]float32, len(e.vocab)+1)
	for _, w := range tokenize(text) {
		for i, v := range e.vocab {
			if w == v {
				vec[i]++
			}
		}
	}
	vec[len(e.vocab)] = 0.1

	return vec, nil
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("embedding service unavailable")
}

func buildIndex(t *testing.T, e Embedder, texts ...string) *docstore.Index {
	t.Helper()

	chunks := make([]docstore.Chunk, len(texts))
	offset := 0
	for i, text := range texts {
		vec, err := e.Embed(context.Background(), text)
		require.NoError(t, err)

		chunks[i] = docstore.Chunk{
			ID:        fmt.Sprintf("doc#%d", i),
			Index:     i,
			Text:      text,
			Embedding: vec,
			Offset:    offset,
		}
		offset += len(text) + 1
	}

	idx, err := docstore.NewIndex("doc", chunks, nil)
	require.NoError(t, err)

	return idx
}

// unavailableIndex fails every search, as a dead vector store would.
type unavailableIndex struct {
	*docstore.Index
}

func (unavailableIndex) Search(ctx context.Context, vec []float32, k int) (docstore.RetrievalResult, error) {
	return docstore.RetrievalResult{}, errors.New("connection refused")
}

func turns(texts ...string) []Turn {
	res := make([]Turn, len(texts))
	for i, text := range texts {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		res[i] = Turn{Role: role, Text: text}
	}

	return res
}

func texts(res docstore.RetrievalResult) []string {
	out := make([]string, len(res.Chunks))
	for i, c := range res.Chunks {
		out[i] = c.Text
	}

	return out
}

func assertNonIncreasing(t *testing.T, scores []float64) {
	t.Helper()

	for i := 1; i < len(scores); i++ {
		require.LessOrEqualf(t, scores[i], scores[i-1], "score %d increases: %v", i, scores)
	}
}

func words(n int, word string) string {
	return strings.TrimSpace(strings.Repeat(word+" ", n))
}
