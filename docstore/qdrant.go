package docstore

import (
	"context"
	"fmt"
	"io"

	qdrantclient "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const qdrantBatch = 100

// QdrantBackend keeps the vectors of one document in its own Qdrant
// collection, created on first Add with the chunks' dimensionality.
type QdrantBackend struct {
	collections qdrantclient.CollectionsClient
	points      qdrantclient.PointsClient
	name        string
}

// NewQdrantBackends connects to Qdrant's gRPC endpoint. The returned closer
// owns the connection.
func NewQdrantBackends(addr string, prefix string) (BackendFactory, io.Closer, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Qdrant at %s: %w", addr, err)
	}

	factory := qdrantBackends(qdrantclient.NewCollectionsClient(conn), qdrantclient.NewPointsClient(conn), prefix)
	return factory, conn, nil
}

func qdrantBackends(collections qdrantclient.CollectionsClient, points qdrantclient.PointsClient, prefix string) BackendFactory {
	return func(ctx context.Context, docID string, version string) (Backend, error) {
		return &QdrantBackend{
			collections: collections,
			points:      points,
			name:        collectionName(prefix, docID, version),
		}, nil
	}
}

func (b *QdrantBackend) Add(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	// only a leftover from a previous run can carry this name
	_, _ = b.collections.Delete(ctx, &qdrantclient.DeleteCollection{CollectionName: b.name})

	_, err := b.collections.Create(ctx, &qdrantclient.CreateCollection{
		CollectionName: b.name,
		VectorsConfig: &qdrantclient.VectorsConfig{
			Config: &qdrantclient.VectorsConfig_Params{
				Params: &qdrantclient.VectorParams{
					Size:     uint64(len(chunks[0].Embedding)),
					Distance: qdrantclient.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", b.name, err)
	}

	wait := true
	batch := make([]*qdrantclient.PointStruct, 0, qdrantBatch)
	for i, c := range chunks {
		batch = append(batch, &qdrantclient.PointStruct{
			Id: &qdrantclient.PointId{
				PointIdOptions: &qdrantclient.PointId_Num{Num: uint64(c.Index)},
			},
			Vectors: &qdrantclient.Vectors{
				VectorsOptions: &qdrantclient.Vectors_Vector{
					Vector: &qdrantclient.Vector{Data: c.Embedding},
				},
			},
		})

		if len(batch) < qdrantBatch && i < len(chunks)-1 {
			continue
		}

		_, err := b.points.Upsert(ctx, &qdrantclient.UpsertPoints{
			CollectionName: b.name,
			Wait:           &wait,
			Points:         batch,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert points into %s: %w", b.name, err)
		}
		batch = batch[:0]
	}

	return nil
}

func (b *QdrantBackend) Nearest(ctx context.Context, vec []float32, k int) ([]int, error) {
	resp, err := b.points.Search(ctx, &qdrantclient.SearchPoints{
		CollectionName: b.name,
		Vector:         vec,
		Limit:          uint64(k),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search in %s: %w", b.name, err)
	}

	res := make([]int, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		res = append(res, int(p.GetId().GetNum()))
	}

	return res, nil
}

func (b *QdrantBackend) Drop(ctx context.Context) error {
	_, err := b.collections.Delete(ctx, &qdrantclient.DeleteCollection{CollectionName: b.name})
	if err != nil {
		return fmt.Errorf("failed to drop collection %s: %w", b.name, err)
	}

	return nil
}
