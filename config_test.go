package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func Test_readConfig(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test")

	path := writeConfig(t, `
log: /tmp/rag.log
doc_root: /data/docs
write_debounce_ms: 250
server_addr: 0.0.0.0:9000
chunk_words: 300
embeddings:
  provider: openai
  model: text-embedding-3-small
  api_key: ${TEST_OPENAI_KEY}
  cache: /tmp/embeddings.db
generation:
  provider: ollama
  model: llama3.2
  base_url: http://localhost:11434
vector_store:
  type: qdrant
  addr: localhost:6334
retrieval:
  standard_k: 10
  detailed_k: 30
  semantic_weight: 0.6
  lexical_weight: 0.4
  synonyms:
    IVF: [in vitro fertilization, assisted reproduction]
answer:
  max_context_chars: 12000
  max_attempts: 5
  keep_turns: 8
`)

	cfg, err := readConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/rag.log", cfg.LogFile)
	assert.Equal(t, "/data/docs", cfg.DocRoot)
	assert.Equal(t, 250, cfg.MergeEventsMs)
	assert.Equal(t, 300, cfg.ChunkWords)
	assert.Equal(t, "sk-test", cfg.Embeddings.ApiKey)
	assert.Equal(t, "ollama", cfg.Generation.Provider)
	assert.Equal(t, "qdrant", cfg.VectorStore.Type)
	assert.Equal(t, "rag", cfg.VectorStore.Prefix)
	assert.Equal(t, 0.4, cfg.Retrieval.LexicalWeight)
	assert.Equal(t, []string{"in vitro fertilization", "assisted reproduction"}, cfg.Retrieval.Synonyms["IVF"])
	assert.Equal(t, 5, cfg.Answer.MaxAttempts)
	assert.Equal(t, 8, cfg.Answer.KeepTurns)
	assert.Equal(t, 30*time.Second, cfg.CallTimeout())
}

func Test_readConfig_Defaults(t *testing.T) {
	cfg, err := readConfig(writeConfig(t, "generation:\n  model: gpt-4o-mini\n"))
	require.NoError(t, err)

	assert.Equal(t, "docs", cfg.DocRoot)
	assert.Equal(t, "openai", cfg.Embeddings.Provider)
	assert.Equal(t, "memory", cfg.VectorStore.Type)
	assert.Equal(t, 500, cfg.MergeEventsMs)
	assert.Equal(t, 2, cfg.EmbedAttempts)
}

func Test_readConfig_Invalid(t *testing.T) {
	tests := []string{
		"generation:\n  model: m\nembeddings:\n  provider: cohere\n",
		"generation:\n  provider: anthropic\n  model: m\n",
		"generation:\n  model: m\nvector_store:\n  type: faiss\n",
		"generation:\n  model: m\nembeddings:\n  provider: ollama\nvector_store:\n  type: chroma\n",
		"embeddings:\n  provider: openai\n",
		"generation:\n  model: m\nretrieval:\n  lexical_weight: -1\n",
		"generation: [",
	}

	for _, content := range tests {
		_, err := readConfig(writeConfig(t, content))
		assert.Error(t, err, content)
	}

	_, err := readConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
