package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	chroma "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"
)

const ChunkOffset = "offset"

type ChromaConfig struct {
	BaseURL       string
	EmbeddingFunc embeddings.EmbeddingFunction
	RequestSize   int
	Prefix        string
}

// ChromaBackend keeps the vectors of one document in its own Chroma
// collection. Chunk positions are used as point ids.
type ChromaBackend struct {
	col         chroma.Collection
	requestSize int
	drop        func(ctx context.Context) error
}

// NewChromaBackends connects to Chroma and returns a factory creating one
// collection per document.
func NewChromaBackends(cfg ChromaConfig) (BackendFactory, error) {
	client, err := chroma.NewHTTPClient(chroma.WithBaseURL(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create Chroma client: %w", err)
	}

	return func(ctx context.Context, docID string, version string) (Backend, error) {
		name := collectionName(cfg.Prefix, docID, version)

		// only a leftover from a previous run can carry this name
		_ = client.DeleteCollection(ctx, name)

		col, err := client.CreateCollection(ctx, name, chroma.WithEmbeddingFunctionCreate(cfg.EmbeddingFunc))
		if err != nil {
			return nil, fmt.Errorf("failed to create collection %s: %w", name, err)
		}

		return &ChromaBackend{
			col:         col,
			requestSize: cfg.RequestSize,
			drop: func(ctx context.Context) error {
				return client.DeleteCollection(ctx, name)
			},
		}, nil
	}, nil
}

func (b *ChromaBackend) Add(ctx context.Context, chunks []Chunk) error {
	size := b.requestSize
	if size <= 0 {
		size = len(chunks)
	}

	for start := 0; start < len(chunks); start += size {
		bucket := chunks[start:min(start+size, len(chunks))]

		ids := make([]chroma.DocumentID, 0, len(bucket))
		texts := make([]string, 0, len(bucket))
		embs := make([]embeddings.Embedding, 0, len(bucket))
		metas := make([]chroma.DocumentMetadata, 0, len(bucket))
		for _, c := range bucket {
			ids = append(ids, chroma.DocumentID(strconv.Itoa(c.Index)))
			texts = append(texts, c.Text)
			embs = append(embs, embeddings.NewEmbeddingFromFloat32(c.Embedding))
			metas = append(metas, chroma.NewDocumentMetadata(chroma.NewIntAttribute(ChunkOffset, int64(c.Offset))))
		}

		err := b.col.Add(ctx,
			chroma.WithIDs(ids...),
			chroma.WithTexts(texts...),
			chroma.WithEmbeddings(embs...),
			chroma.WithMetadatas(metas...),
		)
		if err != nil {
			return fmt.Errorf("failed to add chunks %d-%d: %w", start, start+len(bucket)-1, err)
		}
	}

	return nil
}

func (b *ChromaBackend) Nearest(ctx context.Context, vec []float32, k int) ([]int, error) {
	r, err := b.col.Query(ctx,
		chroma.WithQueryEmbeddings(embeddings.NewEmbeddingFromFloat32(vec)),
		chroma.WithNResults(k),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection: %w", err)
	}

	groups := r.GetIDGroups()
	if len(groups) == 0 {
		return nil, nil
	}

	res := make([]int, 0, len(groups[0]))
	for _, id := range groups[0] {
		pos, err := strconv.Atoi(string(id))
		if err != nil {
			return nil, fmt.Errorf("unexpected chunk id %q: %w", id, err)
		}
		res = append(res, pos)
	}

	return res, nil
}

func (b *ChromaBackend) Drop(ctx context.Context) error {
	if b.drop == nil {
		return nil
	}

	if err := b.drop(ctx); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}

	return nil
}

func collectionName(prefix string, docID string, version string) string {
	if prefix == "" {
		prefix = "doc"
	}

	sum := sha256.Sum256([]byte(docID))
	return prefix + "-" + hex.EncodeToString(sum[:8]) + "-" + version
}
