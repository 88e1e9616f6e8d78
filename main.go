package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/amikos-tech/chroma-go/pkg/embeddings"
	"github.com/gamma-omg/rag-chat/docstore"
	"github.com/gamma-omg/rag-chat/llm"
	"github.com/gamma-omg/rag-chat/rag"
	"github.com/gamma-omg/rag-chat/readers"
	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
)

type embedderStack struct {
	embedder docstore.Embedder
	ef       embeddings.EmbeddingFunction
	model    string
}

func createEmbedder(cfg *Config) (*embedderStack, error) {
	ec := cfg.Embeddings

	switch ec.Provider {
	case "openai":
		ef, err := llm.NewOpenAIEmbeddingFunction(ec.ApiKey, ec.Model)
		if err != nil {
			return nil, err
		}
		return &embedderStack{embedder: llm.NewChromaEmbedder(ef), ef: ef, model: "openai/" + ec.Model}, nil

	case "gemini":
		ef, err := llm.NewGeminiEmbeddingFunction(ec.ApiKey, ec.Model)
		if err != nil {
			return nil, err
		}
		return &embedderStack{embedder: llm.NewChromaEmbedder(ef), ef: ef, model: "gemini/" + ec.Model}, nil

	case "ollama":
		client, err := llm.NewOllamaClient(llm.OllamaConfig{
			BaseURL:        ec.BaseURL,
			EmbeddingModel: ec.Model,
		})
		if err != nil {
			return nil, err
		}
		return &embedderStack{embedder: client, model: "ollama/" + ec.Model}, nil
	}

	return nil, fmt.Errorf("invalid embeddings provider %q", ec.Provider)
}

func createGenerator(cfg *Config) (rag.Generator, error) {
	gc := cfg.Generation

	switch gc.Provider {
	case "openai":
		return llm.NewOpenAIGenerator(llm.OpenAIConfig{
			ApiKey:      gc.ApiKey,
			BaseURL:     gc.BaseURL,
			Model:       gc.Model,
			Temperature: gc.Temperature,
		})

	case "ollama":
		return llm.NewOllamaClient(llm.OllamaConfig{
			BaseURL:     gc.BaseURL,
			Model:       gc.Model,
			Temperature: gc.Temperature,
		})
	}

	return nil, fmt.Errorf("invalid generation provider %q", gc.Provider)
}

// createBackends returns nil for the in-memory store, in which case indexes
// are searched by exact scan.
func createBackends(cfg *Config, ef embeddings.EmbeddingFunction) (docstore.BackendFactory, io.Closer, error) {
	vs := cfg.VectorStore

	switch vs.Type {
	case "memory":
		return nil, nil, nil

	case "chroma":
		backends, err := docstore.NewChromaBackends(docstore.ChromaConfig{
			BaseURL:       vs.Addr,
			EmbeddingFunc: ef,
			RequestSize:   vs.RequestSize,
			Prefix:        vs.Prefix,
		})
		return backends, nil, err

	case "qdrant":
		return docstore.NewQdrantBackends(vs.Addr, vs.Prefix)
	}

	return nil, nil, fmt.Errorf("invalid vector store %q", vs.Type)
}

func buildPipeline(cfg *Config, logger *slog.Logger, gen rag.Generator, embedder rag.Embedder) *rag.Pipeline {
	timeout := cfg.CallTimeout()

	return rag.NewPipeline(rag.PipelineConfig{
		Log: logger,
		Rewriter: rag.NewQueryRewriter(rag.RewriterConfig{
			Log:         logger,
			Generator:   gen,
			RecentTurns: cfg.Answer.RecentTurns,
			CallTimeout: timeout,
		}),
		History: rag.NewHistoryResolver(rag.HistoryConfig{
			Log:         logger,
			Generator:   gen,
			MaxTurns:    cfg.Answer.HistoryTurns,
			CallTimeout: timeout,
		}),
		Retriever: rag.NewAdaptiveRetriever(rag.RetrieverConfig{
			Log:       logger,
			Embedder:  embedder,
			StandardK: cfg.Retrieval.StandardK,
			DetailedK: cfg.Retrieval.DetailedK,
			Reranker: rag.Reranker{
				SemanticWeight: cfg.Retrieval.SemanticWeight,
				LexicalWeight:  cfg.Retrieval.LexicalWeight,
			},
			Synonyms:    rag.Synonyms(cfg.Retrieval.Synonyms),
			CallTimeout: timeout,
		}),
		Synthesizer: rag.NewAnswerSynthesizer(rag.SynthesizerConfig{
			Log:             logger,
			Generator:       gen,
			MaxContextChars: cfg.Answer.MaxContextChars,
			MaxTokens:       cfg.Answer.MaxTokens,
			MaxAttempts:     cfg.Answer.MaxAttempts,
			Backoff:         time.Duration(cfg.Answer.BackoffMs) * time.Millisecond,
			CallTimeout:     timeout,
		}),
	})
}

func main() {
	reset := flag.Bool("reset", false, "Drop the embedding cache before starting")
	cfgPath := flag.String("config", "cfg/config.yaml", "Configuration file")
	question := flag.String("ask", "", "Answer a single question about -doc and exit")
	docPath := flag.String("doc", "", "Document for -ask and -chat")
	chat := flag.Bool("chat", false, "Chat about -doc in the terminal")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := readConfig(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	logFile, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		log.Fatalf("failed to open log file: %s", err)
	}
	defer logFile.Close()

	logger := slog.New(slog.NewJSONHandler(logFile, nil))

	if *reset && cfg.Embeddings.Cache != "" {
		err = os.Remove(cfg.Embeddings.Cache)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Fatalf("failed to reset embedding cache: %s", err)
		}
	}

	es, err := createEmbedder(cfg)
	if err != nil {
		log.Fatal(err)
	}

	embedder := es.embedder
	if cfg.Embeddings.Cache != "" {
		cache, err := docstore.OpenEmbeddingCache(cfg.Embeddings.Cache)
		if err != nil {
			log.Fatal(err)
		}
		defer cache.Close()

		embedder = docstore.NewCachedEmbedder(embedder, cache, es.model, logger)
	}

	gen, err := createGenerator(cfg)
	if err != nil {
		log.Fatal(err)
	}

	backends, closer, err := createBackends(cfg, es.ef)
	if err != nil {
		log.Fatal(err)
	}
	if closer != nil {
		defer closer.Close()
	}

	chunkWords := cfg.ChunkWords
	if chunkWords <= 0 {
		chunkWords = docstore.DefaultChunkWords
	}
	minWords := cfg.MinChunkWords
	if minWords <= 0 {
		minWords = docstore.DefaultMinWords
	}

	ingester := docstore.NewIngester(docstore.IngesterConfig{
		Log:           logger,
		Embedder:      embedder,
		Chunkifier:    &docstore.WordChunkifier{ChunkWords: chunkWords, MinWords: minWords},
		Backends:      backends,
		EmbedAttempts: cfg.EmbedAttempts,
		Workers:       cfg.EmbedWorkers,
		CallTimeout:   cfg.CallTimeout(),
	})

	pipeline := buildPipeline(cfg, logger, gen, embedder)
	sessions := NewSessionLog(cfg.Answer.KeepTurns, rag.NewSummarizer(rag.SummarizerConfig{
		Log:         logger,
		Generator:   gen,
		MaxTokens:   cfg.Answer.SummaryTokens,
		CallTimeout: cfg.CallTimeout(),
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if *question != "" || *chat {
		if *docPath == "" {
			log.Fatal("-doc is required with -ask and -chat")
		}

		doc, err := loadDocument(ctx, ingester, readers.Default(), *docPath)
		if err != nil {
			log.Fatal(err)
		}

		t := &terminal{answerer: pipeline, sessions: sessions, out: os.Stdout}
		if *question != "" {
			err = t.ask(ctx, doc, *question)
		} else {
			err = t.chat(ctx, doc, os.Stdin)
		}
		if err != nil {
			log.Fatal(err)
		}
		return
	}

	reg := &DocRegistry{
		log:              logger,
		root:             cfg.DocRoot,
		mergeEventsDelay: time.Duration(cfg.MergeEventsMs) * time.Millisecond,
		ingester:         ingester,
		readers:          readers.Default(),
	}

	go func() {
		if err := reg.Sync(ctx); err != nil {
			logger.Error("initial sync incomplete", "error", err)
		}

		// stop the server through ctx so deferred closes run
		if err := reg.Watch(ctx); err != nil {
			logger.Error("failed to watch documents", "root", cfg.DocRoot, "error", err)
			cancel()
		}
	}()

	srv := NewRagServer(logger, pipeline, reg, sessions)
	sse := server.NewSSEServer(srv, server.WithBaseURL(fmt.Sprintf("http://%s", cfg.ServerAddr)))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sse.Shutdown(shutdownCtx)
	}()

	log.Println(sse.Start(cfg.ServerAddr))
}
