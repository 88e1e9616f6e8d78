package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/amikos-tech/chroma-go/pkg/embeddings"
	gemini "github.com/amikos-tech/chroma-go/pkg/embeddings/gemini"
	openai "github.com/amikos-tech/chroma-go/pkg/embeddings/openai"
)

// ChromaEmbedder adapts a chroma embedding function to the Embed contract
// used by ingestion and retrieval.
type ChromaEmbedder struct {
	ef embeddings.EmbeddingFunction
}

func NewChromaEmbedder(ef embeddings.EmbeddingFunction) *ChromaEmbedder {
	return &ChromaEmbedder{ef: ef}
}

func (e *ChromaEmbedder) Func() embeddings.EmbeddingFunction {
	return e.ef
}

func (e *ChromaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	emb, err := e.ef.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}

	if emb == nil {
		return nil, errors.New("embedding function returned no vector")
	}

	vec := emb.ContentAsFloat32()
	if len(vec) == 0 {
		return nil, errors.New("embedding function returned an empty vector")
	}

	return vec, nil
}

func NewOpenAIEmbeddingFunction(apiKey string, model string) (embeddings.EmbeddingFunction, error) {
	ef, err := openai.NewOpenAIEmbeddingFunction(apiKey, openai.WithModel(openai.EmbeddingModel(model)))
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI embedding function: %w", err)
	}

	return ef, nil
}

func NewGeminiEmbeddingFunction(apiKey string, model string) (embeddings.EmbeddingFunction, error) {
	ef, err := gemini.NewGeminiEmbeddingFunction(
		gemini.WithAPIKey(apiKey),
		gemini.WithDefaultModel(embeddings.EmbeddingModel(model)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini embedding function: %w", err)
	}

	return ef, nil
}
