package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

const DefaultOllamaURL = "http://localhost:11434"

type OllamaConfig struct {
	BaseURL        string
	Model          string
	EmbeddingModel string
	Temperature    float64
	Timeout        time.Duration
}

// OllamaClient talks to a local Ollama server. It serves both as a text
// generator and as an embedder.
type OllamaClient struct {
	client      *api.Client
	model       string
	embedModel  string
	temperature float64
}

func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	raw := cfg.BaseURL
	if raw == "" {
		raw = DefaultOllamaURL
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama URL %q: %w", raw, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return &OllamaClient{
		client:      api.NewClient(u, &http.Client{Timeout: timeout}),
		model:       cfg.Model,
		embedModel:  cfg.EmbeddingModel,
		temperature: cfg.Temperature,
	}, nil
}

func (c *OllamaClient) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if c.model == "" {
		return "", errors.New("generation model is not set")
	}

	stream := false
	opts := map[string]any{"temperature": c.temperature}
	if maxTokens > 0 {
		opts["num_predict"] = maxTokens
	}

	req := &api.GenerateRequest{
		Model:   c.model,
		System:  systemPrompt,
		Prompt:  prompt,
		Stream:  &stream,
		Options: opts,
	}

	var sb strings.Builder
	err := c.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		sb.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate with %s: %w", c.model, err)
	}

	return strings.TrimSpace(sb.String()), nil
}

func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.embedModel == "" {
		return nil, errors.New("embedding model is not set")
	}

	resp, err := c.client.Embeddings(ctx, &api.EmbeddingRequest{
		Model:  c.embedModel,
		Prompt: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed with %s: %w", c.embedModel, err)
	}

	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("model %s returned an empty embedding", c.embedModel)
	}

	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}

	return vec, nil
}
