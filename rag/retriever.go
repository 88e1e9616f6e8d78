package rag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gamma-omg/rag-chat/docstore"
)

type RetrieverConfig struct {
	Log        *slog.Logger
	Embedder   Embedder
	Classifier DepthClassifier
	StandardK  int
	DetailedK  int

	// Reranker defaults to DefaultReranker when both weights are zero.
	Reranker    Reranker
	Synonyms    Synonyms
	CallTimeout time.Duration
}

// AdaptiveRetriever picks a retrieval depth from the wording of the question,
// fetches the nearest chunks and re-ranks them with a lexical signal.
type AdaptiveRetriever struct {
	log       *slog.Logger
	embedder  Embedder
	classify  DepthClassifier
	standardK int
	detailedK int
	reranker  Reranker
	synonyms  Synonyms
	timeout   time.Duration
}

func NewAdaptiveRetriever(cfg RetrieverConfig) *AdaptiveRetriever {
	r := &AdaptiveRetriever{
		log:       cfg.Log,
		embedder:  cfg.Embedder,
		classify:  cfg.Classifier,
		standardK: cfg.StandardK,
		detailedK: cfg.DetailedK,
		reranker:  cfg.Reranker,
		synonyms:  cfg.Synonyms,
		timeout:   cfg.CallTimeout,
	}

	if r.log == nil {
		r.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if r.classify == nil {
		r.classify = KeywordDepth
	}
	if r.standardK <= 0 {
		r.standardK = StandardDepth
	}
	if r.detailedK <= 0 {
		r.detailedK = DetailedDepth
	}
	if r.reranker == (Reranker{}) {
		r.reranker = DefaultReranker()
	}
	if r.timeout <= 0 {
		r.timeout = DefaultCallTimeout
	}

	return r
}

// Plan classifies the question and sizes the request accordingly.
func (r *AdaptiveRetriever) Plan(question string, filters ...ChunkFilter) RetrievalRequest {
	req := RetrievalRequest{
		Query:   question,
		Depth:   r.classify(question),
		K:       r.standardK,
		Filters: filters,
	}
	if req.Depth == DepthDetailed {
		req.K = r.detailedK
	}

	return req
}

func (r *AdaptiveRetriever) Retrieve(ctx context.Context, question string, index ChunkIndex, filters ...ChunkFilter) (Retrieval, error) {
	return r.Search(ctx, r.Plan(question, filters...), index)
}

// Search returns min(K, matching chunks) chunks ranked by combined score. A
// question that cannot be embedded degrades to lexical-only ranking; an
// index that cannot be searched is reported as ErrChunkStoreUnavailable.
func (r *AdaptiveRetriever) Search(ctx context.Context, req RetrievalRequest, index ChunkIndex) (Retrieval, error) {
	out := Retrieval{Request: req, Outcome: OutcomeOK}
	if index == nil || index.Len() == 0 || req.K <= 0 {
		return out, nil
	}

	vec, err := r.embedQuestion(ctx, req.Query, index.Dim())
	if err != nil {
		r.log.Warn("question embedding failed, falling back to lexical ranking", slog.String("err", err.Error()))
		out.Result = r.reranker.Lexical(req.Query, r.filter(req, index.Chunks()), req.K)
		out.Outcome = OutcomeDegraded
		return out, nil
	}

	fetch := req.K
	if len(req.Filters) > 0 {
		fetch = index.Len()
	}

	res, err := index.Search(ctx, vec, fetch)
	if err != nil {
		return out, fmt.Errorf("%w: %w", ErrChunkStoreUnavailable, err)
	}

	if len(req.Filters) > 0 {
		res = r.filterResult(req, res)
	}

	out.Result = r.reranker.Rerank(req.Query, res).Head(req.K)
	return out, nil
}

func (r *AdaptiveRetriever) embedQuestion(ctx context.Context, question string, dim int) ([]float32, error) {
	if r.embedder == nil {
		return nil, errors.New("no embedder configured")
	}

	var (
		all  [][]float32
		errs []error
	)
	for _, v := range r.synonyms.Expand(question) {
		vec, err := r.embedOne(ctx, v, dim)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		all = append(all, vec)
	}

	if len(all) == 0 {
		return nil, fmt.Errorf("%w: %w", docstore.ErrEmbedding, errors.Join(errs...))
	}

	return average(all), nil
}

func (r *AdaptiveRetriever) embedOne(ctx context.Context, text string, dim int) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if len(vec) == 0 || (dim > 0 && len(vec) != dim) {
		return nil, fmt.Errorf("%w: got %d, want %d", docstore.ErrDimensionMismatch, len(vec), dim)
	}

	return vec, nil
}

func (r *AdaptiveRetriever) filter(req RetrievalRequest, chunks []docstore.Chunk) []docstore.Chunk {
	if len(req.Filters) == 0 {
		return chunks
	}

	res := make([]docstore.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if req.accepts(c) {
			res = append(res, c)
		}
	}

	return res
}

func (r *AdaptiveRetriever) filterResult(req RetrievalRequest, res docstore.RetrievalResult) docstore.RetrievalResult {
	var out docstore.RetrievalResult
	for i, c := range res.Chunks {
		if req.accepts(c) {
			out.Chunks = append(out.Chunks, c)
			out.Scores = append(out.Scores, res.Scores[i])
		}
	}

	return out
}
