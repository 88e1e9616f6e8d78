package docstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
)

var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Index is the read-only chunk collection of a single document. It is never
// mutated after construction, so concurrent searches need no locking.
type Index struct {
	docID   string
	chunks  []Chunk
	vectors [][]float32
	dim     int
	backend Backend
}

// NewIndex builds an index over chunks whose embeddings share one
// dimensionality. backend may be nil, in which case search is an exact scan.
func NewIndex(docID string, chunks []Chunk, backend Backend) (*Index, error) {
	idx := &Index{
		docID:   docID,
		chunks:  chunks,
		vectors: make([][]float32, len(chunks)),
		backend: backend,
	}

	for i, c := range chunks {
		if i == 0 {
			idx.dim = len(c.Embedding)
		}
		if len(c.Embedding) != idx.dim {
			return nil, fmt.Errorf("chunk %s has %d dimensions, expected %d: %w", c.ID, len(c.Embedding), idx.dim, ErrDimensionMismatch)
		}
		idx.vectors[i] = normalize(c.Embedding)
	}

	return idx, nil
}

func (idx *Index) DocID() string { return idx.docID }

func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}

	return len(idx.chunks)
}

func (idx *Index) Dim() int { return idx.dim }

// Chunks returns the chunks in document order. Callers must not modify them.
func (idx *Index) Chunks() []Chunk { return idx.chunks }

// Search returns up to k chunks ordered by cosine similarity to vec. Ties are
// broken by document order.
func (idx *Index) Search(ctx context.Context, vec []float32, k int) (RetrievalResult, error) {
	if len(idx.chunks) == 0 || k <= 0 {
		return RetrievalResult{}, nil
	}

	if len(vec) != idx.dim {
		return RetrievalResult{}, fmt.Errorf("query has %d dimensions, index has %d: %w", len(vec), idx.dim, ErrDimensionMismatch)
	}

	q := normalize(vec)
	candidates, err := idx.candidates(ctx, q, k)
	if err != nil {
		return RetrievalResult{}, err
	}

	type scored struct {
		pos   int
		score float64
	}

	ranked := make([]scored, 0, len(candidates))
	for _, pos := range candidates {
		ranked = append(ranked, scored{pos: pos, score: dot(q, idx.vectors[pos])})
	}

	slices.SortFunc(ranked, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.pos, b.pos)
	})

	n := min(k, len(ranked))
	res := RetrievalResult{
		Chunks: make([]Chunk, 0, n),
		Scores: make([]float64, 0, n),
	}
	for _, r := range ranked[:n] {
		res.Chunks = append(res.Chunks, idx.chunks[r.pos])
		res.Scores = append(res.Scores, r.score)
	}

	return res, nil
}

func (idx *Index) candidates(ctx context.Context, q []float32, k int) ([]int, error) {
	if idx.backend == nil {
		all := make([]int, len(idx.chunks))
		for i := range all {
			all[i] = i
		}
		return all, nil
	}

	ids, err := idx.backend.Nearest(ctx, q, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query vector backend: %w", err)
	}

	seen := make(map[int]struct{}, len(ids))
	res := make([]int, 0, len(ids))
	for _, id := range ids {
		if id < 0 || id >= len(idx.chunks) {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		res = append(res, id)
	}

	return res, nil
}

// Drop releases the backend resources held for this document.
func (idx *Index) Drop(ctx context.Context) error {
	if idx == nil || idx.backend == nil {
		return nil
	}

	return idx.backend.Drop(ctx)
}

func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}

	res := make([]float32, len(v))
	if norm == 0 {
		return res
	}

	norm = math.Sqrt(norm)
	for i, x := range v {
		res[i] = float32(float64(x) / norm)
	}

	return res
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range min(len(a), len(b)) {
		sum += float64(a[i]) * float64(b[i])
	}

	return sum
}
