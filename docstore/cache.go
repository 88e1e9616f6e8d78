package docstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// EmbeddingCache persists vectors keyed by model and text hash so that
// unchanged documents are not re-embedded after a restart.
type EmbeddingCache struct {
	db *sqlx.DB
}

func OpenEmbeddingCache(path string) (*EmbeddingCache, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedding cache: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS embeddings (
		model TEXT NOT NULL,
		hash TEXT NOT NULL,
		vector BLOB NOT NULL,
		PRIMARY KEY (model, hash)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create embedding cache schema: %w", err)
	}

	return &EmbeddingCache{db: db}, nil
}

func (c *EmbeddingCache) Get(ctx context.Context, model string, text string) ([]float32, bool, error) {
	var blob []byte
	err := c.db.GetContext(ctx, &blob, `SELECT vector FROM embeddings WHERE model = ? AND hash = ?`, model, textHash(text))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached embedding: %w", err)
	}

	vec, err := decodeVector(blob)
	if err != nil {
		return nil, false, err
	}

	return vec, true, nil
}

func (c *EmbeddingCache) Put(ctx context.Context, model string, text string, vec []float32) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO embeddings (model, hash, vector) VALUES (?, ?, ?)`,
		model, textHash(text), encodeVector(vec))
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}

	return nil
}

func (c *EmbeddingCache) Close() error {
	return c.db.Close()
}

// CachedEmbedder consults the cache before calling the wrapped embedder.
// Cache failures are logged and otherwise ignored.
type CachedEmbedder struct {
	log   *slog.Logger
	inner Embedder
	cache *EmbeddingCache
	model string
}

func NewCachedEmbedder(inner Embedder, cache *EmbeddingCache, model string, log *slog.Logger) *CachedEmbedder {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &CachedEmbedder{log: log, inner: inner, cache: cache, model: model}
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, ok, err := e.cache.Get(ctx, e.model, text)
	if err != nil {
		e.log.Warn("embedding cache lookup failed", "error", err)
	}
	if ok {
		return vec, nil
	}

	vec, err = e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := e.cache.Put(ctx, e.model, text, vec); err != nil {
		e.log.Warn("embedding cache write failed", "error", err)
	}

	return vec, nil
}

func textHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}

	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("corrupt cached vector of %d bytes", len(buf))
	}

	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}

	return vec, nil
}
