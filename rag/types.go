package rag

import (
	"context"
	"time"

	"github.com/gamma-omg/rag-chat/docstore"
)

type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChunkIndex is the read side of a document index. *docstore.Index
// implements it.
type ChunkIndex interface {
	Len() int
	Dim() int
	Chunks() []docstore.Chunk
	Search(ctx context.Context, vec []float32, k int) (docstore.RetrievalResult, error)
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// History is a chronological, append-only conversation. Summary is a recap
// of older turns the caller already holds.
type History struct {
	Summary string
	Turns   []Turn
}

// Recent returns at most n of the latest turns.
func (h History) Recent(n int) []Turn {
	if n <= 0 {
		return nil
	}

	if len(h.Turns) <= n {
		return h.Turns
	}

	return h.Turns[len(h.Turns)-n:]
}

type Intent string

const (
	IntentFactualQuery  Intent = "factual_query"
	IntentClarification Intent = "clarification"
	IntentFollowUp      Intent = "follow_up"
	IntentOther         Intent = "other"
	IntentUnknown       Intent = "unknown"
)

type Rewrite struct {
	Question string
	Intent   Intent
}

type Depth string

const (
	DepthStandard Depth = "standard"
	DepthDetailed Depth = "detailed"
)

// ChunkFilter reports whether a chunk may be used to answer a question.
type ChunkFilter func(c docstore.Chunk) bool

type RetrievalRequest struct {
	Query   string
	Depth   Depth
	K       int
	Filters []ChunkFilter
}

func (r RetrievalRequest) accepts(c docstore.Chunk) bool {
	for _, f := range r.Filters {
		if !f(c) {
			return false
		}
	}

	return true
}

type Retrieval struct {
	Request RetrievalRequest
	Result  docstore.RetrievalResult
	Outcome Outcome
}

// Outcome is the explicit result of a pipeline stage.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeDegraded Outcome = "degraded"
	OutcomeFailed   Outcome = "failed"
)

type Stage string

const (
	StageRewriting        Stage = "REWRITING"
	StageResolvingHistory Stage = "RESOLVING_HISTORY"
	StageRetrieving       Stage = "RETRIEVING"
	StageSynthesizing     Stage = "SYNTHESIZING"
	StageDone             Stage = "DONE"
	StageFailed           Stage = "FAILED"
)

type StageReport struct {
	Stage    Stage         `json:"stage"`
	Outcome  Outcome       `json:"outcome"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}

type Answer struct {
	Text     string
	Grounded bool
	Evidence docstore.RetrievalResult
	Question string
	Intent   Intent
	Depth    Depth
	Digest   string
	Trace    []StageReport
}

// Degraded reports whether any stage fell back to a degraded path.
func (a *Answer) Degraded() bool {
	for _, r := range a.Trace {
		if r.Outcome == OutcomeDegraded {
			return true
		}
	}

	return false
}
