package docstore

import (
	"context"
	"errors"
	"fmt"
)

// Chunk is a bounded span of document text plus its embedding. Index is the
// chunk's position in document order and doubles as its tie-break key.
type Chunk struct {
	ID        string
	Index     int
	Text      string
	Embedding []float32
	Offset    int
}

// RetrievalResult holds chunks and their scores, aligned 1:1 and ordered by
// descending score.
type RetrievalResult struct {
	Chunks []Chunk
	Scores []float64
}

func (r RetrievalResult) Len() int {
	return len(r.Chunks)
}

// Head returns the first n entries of the result.
func (r RetrievalResult) Head(n int) RetrievalResult {
	n = min(max(n, 0), len(r.Chunks))
	return RetrievalResult{
		Chunks: r.Chunks[:n:n],
		Scores: r.Scores[:n:n],
	}
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Backend is an approximate nearest-neighbour structure that proposes
// candidate chunks for a query vector.
type Backend interface {
	Add(ctx context.Context, chunks []Chunk) error
	Nearest(ctx context.Context, vec []float32, k int) ([]int, error)
	Drop(ctx context.Context) error
}

// BackendFactory creates an empty backend for one version of a document.
// Backends of different versions never share storage, so a live index keeps
// working while its successor is being built.
type BackendFactory func(ctx context.Context, docID string, version string) (Backend, error)

var ErrEmbedding = errors.New("embedding failed")

// EmbeddingError records why a single chunk could not be embedded.
type EmbeddingError struct {
	Chunk int
	Err   error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("chunk %d: %s: %v", e.Chunk, ErrEmbedding, e.Err)
}

func (e *EmbeddingError) Unwrap() []error {
	return []error{ErrEmbedding, e.Err}
}

// IngestStats reports the outcome of ingesting a document.
type IngestStats struct {
	Chunks  int
	Dropped int
	Err     error
}
