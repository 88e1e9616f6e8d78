package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogFile       string `yaml:"log"`
	DocRoot       string `yaml:"doc_root"`
	MergeEventsMs int    `yaml:"write_debounce_ms"`
	ServerAddr    string `yaml:"server_addr"`
	ChunkWords    int    `yaml:"chunk_words"`
	MinChunkWords int    `yaml:"min_chunk_words"`
	EmbedWorkers  int    `yaml:"embed_workers"`
	EmbedAttempts int    `yaml:"embed_attempts"`
	CallTimeoutMs int    `yaml:"call_timeout_ms"`

	Embeddings  EmbeddingsConfig  `yaml:"embeddings"`
	Generation  GenerationConfig  `yaml:"generation"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Answer      AnswerConfig      `yaml:"answer"`
}

type EmbeddingsConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	ApiKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Cache    string `yaml:"cache"`
}

type GenerationConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	ApiKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float64 `yaml:"temperature"`
}

type VectorStoreConfig struct {
	Type        string `yaml:"type"`
	Addr        string `yaml:"addr"`
	Prefix      string `yaml:"prefix"`
	RequestSize int    `yaml:"request_size"`
}

type RetrievalConfig struct {
	StandardK      int                 `yaml:"standard_k"`
	DetailedK      int                 `yaml:"detailed_k"`
	SemanticWeight float64             `yaml:"semantic_weight"`
	LexicalWeight  float64             `yaml:"lexical_weight"`
	Synonyms       map[string][]string `yaml:"synonyms"`
}

type AnswerConfig struct {
	MaxContextChars int `yaml:"max_context_chars"`
	MaxTokens       int `yaml:"max_tokens"`
	MaxAttempts     int `yaml:"max_attempts"`
	BackoffMs       int `yaml:"backoff_ms"`
	RecentTurns     int `yaml:"recent_turns"`
	HistoryTurns    int `yaml:"history_turns"`
	KeepTurns       int `yaml:"keep_turns"`
	SummaryTokens   int `yaml:"summary_tokens"`
}

func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMs) * time.Millisecond
}

func readConfig(cfgPath string) (*Config, error) {
	cfgFile, err := os.Open(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("unable to open config file: %w", err)
	}
	defer cfgFile.Close()

	cfg := &Config{}
	dec := yaml.NewDecoder(cfgFile)
	err = dec.Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to parse config file: %w", err)
	}

	cfg.Embeddings.ApiKey = os.ExpandEnv(cfg.Embeddings.ApiKey)
	cfg.Embeddings.BaseURL = os.ExpandEnv(cfg.Embeddings.BaseURL)
	cfg.Generation.ApiKey = os.ExpandEnv(cfg.Generation.ApiKey)
	cfg.Generation.BaseURL = os.ExpandEnv(cfg.Generation.BaseURL)
	cfg.VectorStore.Addr = os.ExpandEnv(cfg.VectorStore.Addr)

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogFile == "" {
		cfg.LogFile = "rag-chat.log"
	}
	if cfg.DocRoot == "" {
		cfg.DocRoot = "docs"
	}
	if cfg.MergeEventsMs <= 0 {
		cfg.MergeEventsMs = 500
	}
	if cfg.ServerAddr == "" {
		cfg.ServerAddr = "localhost:8080"
	}
	if cfg.EmbedAttempts <= 0 {
		cfg.EmbedAttempts = 2
	}
	if cfg.CallTimeoutMs <= 0 {
		cfg.CallTimeoutMs = 30000
	}
	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "openai"
	}
	if cfg.Generation.Provider == "" {
		cfg.Generation.Provider = "openai"
	}
	if cfg.VectorStore.Type == "" {
		cfg.VectorStore.Type = "memory"
	}
	if cfg.VectorStore.Prefix == "" {
		cfg.VectorStore.Prefix = "rag"
	}
}

func (c *Config) validate() error {
	var errs []error

	switch c.Embeddings.Provider {
	case "openai", "gemini", "ollama":
	default:
		errs = append(errs, fmt.Errorf("unknown embeddings provider %q", c.Embeddings.Provider))
	}

	switch c.Generation.Provider {
	case "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("unknown generation provider %q", c.Generation.Provider))
	}

	switch c.VectorStore.Type {
	case "memory", "qdrant":
	case "chroma":
		if c.Embeddings.Provider == "ollama" {
			errs = append(errs, errors.New("chroma vector store needs the openai or gemini embeddings provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown vector store %q", c.VectorStore.Type))
	}

	if c.Generation.Model == "" {
		errs = append(errs, errors.New("generation model is not set"))
	}

	r := c.Retrieval
	if r.SemanticWeight < 0 || r.LexicalWeight < 0 {
		errs = append(errs, errors.New("retrieval weights must not be negative"))
	}

	return errors.Join(errs...)
}
