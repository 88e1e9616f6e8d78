package docstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	qdrantclient "github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

type mockCollections struct {
	qdrantclient.CollectionsClient
	mock.Mock
}

func (c *mockCollections) Create(ctx context.Context, in *qdrantclient.CreateCollection, opts ...grpc.CallOption) (*qdrantclient.CollectionOperationResponse, error) {
	args := c.Called(in.GetCollectionName(), in.GetVectorsConfig().GetParams().GetSize())
	return &qdrantclient.CollectionOperationResponse{Result: true}, args.Error(0)
}

func (c *mockCollections) Delete(ctx context.Context, in *qdrantclient.DeleteCollection, opts ...grpc.CallOption) (*qdrantclient.CollectionOperationResponse, error) {
	args := c.Called(in.GetCollectionName())
	return &qdrantclient.CollectionOperationResponse{Result: true}, args.Error(0)
}

type mockPoints struct {
	qdrantclient.PointsClient
	mock.Mock
}

func (p *mockPoints) Upsert(ctx context.Context, in *qdrantclient.UpsertPoints, opts ...grpc.CallOption) (*qdrantclient.PointsOperationResponse, error) {
	args := p.Called(in.GetCollectionName(), len(in.GetPoints()))
	return &qdrantclient.PointsOperationResponse{}, args.Error(0)
}

func (p *mockPoints) Search(ctx context.Context, in *qdrantclient.SearchPoints, opts ...grpc.CallOption) (*qdrantclient.SearchResponse, error) {
	args := p.Called(in.GetCollectionName(), in.GetLimit())
	resp, _ := args.Get(0).(*qdrantclient.SearchResponse)
	return resp, args.Error(1)
}

func scoredPoint(id uint64) *qdrantclient.ScoredPoint {
	return &qdrantclient.ScoredPoint{
		Id: &qdrantclient.PointId{PointIdOptions: &qdrantclient.PointId_Num{Num: id}},
	}
}

func Test_QdrantAdd(t *testing.T) {
	cols := new(mockCollections)
	points := new(mockPoints)
	b := QdrantBackend{collections: cols, points: points, name: "rag-01"}

	cols.On("Delete", "rag-01").Return(nil)
	cols.On("Create", "rag-01", uint64(2)).Return(nil)
	points.On("Upsert", "rag-01", 3).Return(nil).Once()

	require.NoError(t, b.Add(context.Background(), makeChunks(
		[]float32{1, 0}, []float32{0, 1}, []float32{1, 1},
	)))
	cols.AssertExpectations(t)
	points.AssertExpectations(t)
}

func Test_QdrantAdd_Batches(t *testing.T) {
	cols := new(mockCollections)
	points := new(mockPoints)
	b := QdrantBackend{collections: cols, points: points, name: "rag-01"}

	cols.On("Delete", mock.Anything).Return(nil)
	cols.On("Create", mock.Anything, mock.Anything).Return(nil)
	points.On("Upsert", "rag-01", qdrantBatch).Return(nil).Twice()
	points.On("Upsert", "rag-01", 5).Return(nil).Once()

	vecs := make([][]float32, 2*qdrantBatch+5)
	for i := range vecs {
		vecs[i] = []float32{1, float32(i)}
	}
	require.NoError(t, b.Add(context.Background(), makeChunks(vecs...)))
	points.AssertExpectations(t)
}

func Test_QdrantAdd_CreateFailure(t *testing.T) {
	cols := new(mockCollections)
	b := QdrantBackend{collections: cols, points: new(mockPoints), name: "rag-01"}

	cols.On("Delete", mock.Anything).Return(errors.New("not found"))
	cols.On("Create", mock.Anything, mock.Anything).Return(errors.New("unavailable"))

	err := b.Add(context.Background(), makeChunks([]float32{1, 0}))
	assert.ErrorContains(t, err, "unavailable")
}

func Test_QdrantNearest(t *testing.T) {
	points := new(mockPoints)
	b := QdrantBackend{collections: new(mockCollections), points: points, name: "rag-01"}

	points.On("Search", "rag-01", uint64(3)).Return(&qdrantclient.SearchResponse{
		Result: []*qdrantclient.ScoredPoint{scoredPoint(7), scoredPoint(2), scoredPoint(0)},
	}, nil)

	ids, err := b.Nearest(context.Background(), []float32{1, 0}, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{7, 2, 0}, ids)
}

func Test_QdrantNearest_Failure(t *testing.T) {
	points := new(mockPoints)
	b := QdrantBackend{collections: new(mockCollections), points: points, name: "rag-01"}

	points.On("Search", mock.Anything, mock.Anything).Return(nil, errors.New("deadline exceeded"))

	_, err := b.Nearest(context.Background(), []float32{1, 0}, 3)
	assert.ErrorContains(t, err, "deadline exceeded")
}

func Test_QdrantDrop(t *testing.T) {
	cols := new(mockCollections)
	b := QdrantBackend{collections: cols, points: new(mockPoints), name: "rag-01"}

	cols.On("Delete", "rag-01").Return(nil).Once()

	require.NoError(t, b.Drop(context.Background()))
	cols.AssertExpectations(t)
}

// qdrantServer keeps collections in memory so that backends of different
// document versions can be observed side by side.
type qdrantServer struct {
	mu          sync.Mutex
	collections map[string]map[uint64]bool
	failUpsert  bool
}

type serverCollections struct {
	qdrantclient.CollectionsClient
	srv *qdrantServer
}

type serverPoints struct {
	qdrantclient.PointsClient
	srv *qdrantServer
}

func newQdrantServer() *qdrantServer {
	return &qdrantServer{collections: map[string]map[uint64]bool{}}
}

func (s *qdrantServer) backends(prefix string) BackendFactory {
	return qdrantBackends(&serverCollections{srv: s}, &serverPoints{srv: s}, prefix)
}

func (c *serverCollections) Create(ctx context.Context, in *qdrantclient.CreateCollection, opts ...grpc.CallOption) (*qdrantclient.CollectionOperationResponse, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if _, ok := c.srv.collections[in.GetCollectionName()]; ok {
		return nil, errors.New("collection already exists")
	}
	c.srv.collections[in.GetCollectionName()] = map[uint64]bool{}
	return &qdrantclient.CollectionOperationResponse{Result: true}, nil
}

func (c *serverCollections) Delete(ctx context.Context, in *qdrantclient.DeleteCollection, opts ...grpc.CallOption) (*qdrantclient.CollectionOperationResponse, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	delete(c.srv.collections, in.GetCollectionName())
	return &qdrantclient.CollectionOperationResponse{Result: true}, nil
}

func (p *serverPoints) Upsert(ctx context.Context, in *qdrantclient.UpsertPoints, opts ...grpc.CallOption) (*qdrantclient.PointsOperationResponse, error) {
	p.srv.mu.Lock()
	defer p.srv.mu.Unlock()

	if p.srv.failUpsert {
		return nil, errors.New("disk full")
	}
	col, ok := p.srv.collections[in.GetCollectionName()]
	if !ok {
		return nil, errors.New("collection not found")
	}
	for _, pt := range in.GetPoints() {
		col[pt.GetId().GetNum()] = true
	}
	return &qdrantclient.PointsOperationResponse{}, nil
}

func (p *serverPoints) Search(ctx context.Context, in *qdrantclient.SearchPoints, opts ...grpc.CallOption) (*qdrantclient.SearchResponse, error) {
	p.srv.mu.Lock()
	defer p.srv.mu.Unlock()

	col, ok := p.srv.collections[in.GetCollectionName()]
	if !ok {
		return nil, errors.New("collection not found")
	}

	resp := &qdrantclient.SearchResponse{}
	for id := range col {
		resp.Result = append(resp.Result, scoredPoint(id))
	}
	return resp, nil
}

func (s *qdrantServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.collections)
}

func (s *qdrantServer) setFailUpsert(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpsert = fail
}

func Test_Qdrant_ReingestKeepsLiveIndex(t *testing.T) {
	srv := newQdrantServer()
	in := NewIngester(IngesterConfig{
		Embedder: vectors(map[string][]float32{
			"a b c": {1, 0},
			"d e f": {0, 1},
			"g h i": {1, 1},
		}),
		Chunkifier: &WordChunkifier{ChunkWords: 3, MinWords: 1},
		Backends:   srv.backends("rag"),
	})
	ctx := context.Background()

	v1, _, err := in.Ingest(ctx, "policy.pdf", "a b c\nd e f")
	require.NoError(t, err)

	res, err := v1.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Len())

	// a successful re-ingest builds next to the live version
	v2, _, err := in.Ingest(ctx, "policy.pdf", "a b c\nd e f\ng h i")
	require.NoError(t, err)
	assert.Equal(t, 2, srv.count())

	res, err = v1.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Len())

	require.NoError(t, v1.Drop(ctx))
	assert.Equal(t, 1, srv.count())

	// a failed re-ingest drops only its own collection
	srv.setFailUpsert(true)
	v3, _, err := in.Ingest(ctx, "policy.pdf", "g h i")
	assert.ErrorContains(t, err, "disk full")
	assert.Nil(t, v3)
	assert.Equal(t, 1, srv.count())

	res, err = v2.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Len())
}
