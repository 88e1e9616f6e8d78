package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

type Chunkifier interface {
	Chunkify(text string) []Piece
}

type IngesterConfig struct {
	Log        *slog.Logger
	Embedder   Embedder
	Chunkifier Chunkifier
	// Backends is optional; without it indexes are searched by exact scan.
	Backends BackendFactory
	// Dimension of chunk vectors. Zero means the first embedded chunk decides.
	Dimension     int
	EmbedAttempts int
	Workers       int
	CallTimeout   time.Duration
}

// Ingester turns document text into a fresh Index.
type Ingester struct {
	log         *slog.Logger
	embedder    Embedder
	chunkifier  Chunkifier
	backends    BackendFactory
	dimension   int
	attempts    int
	workers     int
	callTimeout time.Duration
}

func NewIngester(cfg IngesterConfig) *Ingester {
	in := &Ingester{
		log:         cfg.Log,
		embedder:    cfg.Embedder,
		chunkifier:  cfg.Chunkifier,
		backends:    cfg.Backends,
		dimension:   cfg.Dimension,
		attempts:    max(cfg.EmbedAttempts, 1),
		workers:     cfg.Workers,
		callTimeout: cfg.CallTimeout,
	}

	if in.log == nil {
		in.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if in.chunkifier == nil {
		in.chunkifier = &WordChunkifier{ChunkWords: DefaultChunkWords, MinWords: DefaultMinWords}
	}
	if in.workers <= 0 {
		in.workers = 4
	}
	if in.callTimeout <= 0 {
		in.callTimeout = 30 * time.Second
	}

	return in
}

// Ingest chunks and embeds text. Chunks that cannot be embedded, or whose
// vector has the wrong dimensionality, are dropped and reported in the stats
// rather than failing the document.
func (in *Ingester) Ingest(ctx context.Context, docID string, text string) (*Index, IngestStats, error) {
	pieces := in.chunkifier.Chunkify(text)

	vecs := make([][]float32, len(pieces))
	errs := make([]error, len(pieces))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.workers)
	for i, p := range pieces {
		g.Go(func() error {
			vecs[i], errs[i] = in.embed(gctx, p.Text)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, IngestStats{}, fmt.Errorf("ingestion of %s interrupted: %w", docID, err)
	}

	dim := in.dimension
	chunks := make([]Chunk, 0, len(pieces))
	var dropped []error

	for i, p := range pieces {
		err := errs[i]
		if err == nil && len(vecs[i]) == 0 {
			err = errors.New("empty vector")
		}
		if err == nil && dim == 0 {
			dim = len(vecs[i])
		}
		if err == nil && len(vecs[i]) != dim {
			err = fmt.Errorf("got %d dimensions, want %d: %w", len(vecs[i]), dim, ErrDimensionMismatch)
		}

		if err != nil {
			e := &EmbeddingError{Chunk: i, Err: err}
			in.log.Warn("dropping chunk", "doc", docID, "chunk", i, "error", err)
			dropped = append(dropped, e)
			continue
		}

		chunks = append(chunks, Chunk{
			ID:        fmt.Sprintf("%s#%d", docID, i),
			Index:     len(chunks),
			Text:      p.Text,
			Embedding: vecs[i],
			Offset:    p.Offset,
		})
	}

	stats := IngestStats{
		Chunks:  len(chunks),
		Dropped: len(dropped),
		Err:     errors.Join(dropped...),
	}

	backend, err := in.populateBackend(ctx, docID, Version(text), chunks)
	if err != nil {
		return nil, stats, err
	}

	idx, err := NewIndex(docID, chunks, backend)
	if err != nil {
		return nil, stats, err
	}

	in.log.Info("document ingested", "doc", docID, "chunks", stats.Chunks, "dropped", stats.Dropped, "dim", idx.Dim())
	return idx, stats, nil
}

// populateBackend fills a backend of its own for this version of the
// document. On failure only that backend is dropped.
func (in *Ingester) populateBackend(ctx context.Context, docID string, version string, chunks []Chunk) (Backend, error) {
	if in.backends == nil || len(chunks) == 0 {
		return nil, nil
	}

	b, err := in.backends(ctx, docID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector backend for %s: %w", docID, err)
	}

	if err := b.Add(ctx, chunks); err != nil {
		if e := b.Drop(ctx); e != nil {
			in.log.Warn("failed to drop partial backend", "doc", docID, "error", e)
		}
		return nil, fmt.Errorf("failed to populate vector backend for %s: %w", docID, err)
	}

	return b, nil
}

// Version identifies a document text. Equal texts share a version.
func Version(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:4])
}

func (in *Ingester) embed(ctx context.Context, text string) ([]float32, error) {
	var err error
	for range in.attempts {
		var vec []float32
		vec, err = in.embedOnce(ctx, text)
		if err == nil {
			return vec, nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	return nil, err
}

func (in *Ingester) embedOnce(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, in.callTimeout)
	defer cancel()

	return in.embedder.Embed(ctx, text)
}
