package rag

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gamma-omg/rag-chat/docstore"
)

const (
	DefaultMaxContextChars = 24000
	DefaultMaxAttempts     = 3
	DefaultAnswerTokens    = 2000
	DefaultBackoff         = 500 * time.Millisecond
	DefaultMaxBackoff      = 8 * time.Second

	// RefusalText is the reply the model is told to give when the context
	// does not hold the answer.
	RefusalText = "I cannot find the answer to this question in the document."

	chunkSeparator = "\n---\n"
)

type SynthesizerConfig struct {
	Log             *slog.Logger
	Generator       Generator
	MaxContextChars int
	MaxTokens       int
	MaxAttempts     int

	// Backoff is the wait before the first retry, doubled for every next
	// one. A negative value retries immediately.
	Backoff     time.Duration
	MaxBackoff  time.Duration
	CallTimeout time.Duration
}

type AnswerSynthesizer struct {
	log             *slog.Logger
	gen             Generator
	maxContextChars int
	maxTokens       int
	maxAttempts     int
	backoff         time.Duration
	maxBackoff      time.Duration
	timeout         time.Duration
	sleep           func(ctx context.Context, d time.Duration) error
}

func NewAnswerSynthesizer(cfg SynthesizerConfig) *AnswerSynthesizer {
	s := &AnswerSynthesizer{
		log:             cfg.Log,
		gen:             cfg.Generator,
		maxContextChars: cfg.MaxContextChars,
		maxTokens:       cfg.MaxTokens,
		maxAttempts:     cfg.MaxAttempts,
		backoff:         cfg.Backoff,
		maxBackoff:      cfg.MaxBackoff,
		timeout:         cfg.CallTimeout,
		sleep:           sleepCtx,
	}

	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.maxContextChars <= 0 {
		s.maxContextChars = DefaultMaxContextChars
	}
	if s.maxTokens <= 0 {
		s.maxTokens = DefaultAnswerTokens
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.backoff < 0 {
		s.backoff = 0
	} else if s.backoff == 0 {
		s.backoff = DefaultBackoff
	}
	if s.maxBackoff <= 0 {
		s.maxBackoff = DefaultMaxBackoff
	}

	return s
}

// Synthesize asks the model to answer from the retrieved chunks. The
// evidence of the answer is exactly the chunks placed in the prompt.
func (s *AnswerSynthesizer) Synthesize(ctx context.Context, question string, digest string, res docstore.RetrievalResult) (*Answer, error) {
	evidence := s.fit(res)
	prompt := BuildPrompt(question, digest, evidence)

	var (
		reply string
		err   error
	)
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			if serr := s.sleep(ctx, s.delay(attempt-1)); serr != nil {
				return nil, &GenerationError{Attempts: attempt - 1, Err: serr}
			}
		}

		reply, err = generate(ctx, s.gen, s.timeout, prompt, s.maxTokens)
		if err == nil {
			break
		}

		s.log.Warn("answer generation attempt failed",
			slog.Int("attempt", attempt),
			slog.String("err", err.Error()))

		if ctx.Err() != nil {
			return nil, &GenerationError{Attempts: attempt, Err: err}
		}
	}

	if err != nil {
		return nil, &GenerationError{Attempts: s.maxAttempts, Err: err}
	}

	return &Answer{
		Text:     reply,
		Grounded: evidence.Len() > 0 && !isRefusal(reply),
		Evidence: evidence,
		Question: question,
		Digest:   digest,
	}, nil
}

// fit keeps the longest prefix of the ranked chunks whose texts fit in the
// context budget.
func (s *AnswerSynthesizer) fit(res docstore.RetrievalResult) docstore.RetrievalResult {
	size := 0
	for i, c := range res.Chunks {
		n := len(c.Text)
		if i > 0 {
			n += len(chunkSeparator)
		}

		if size+n > s.maxContextChars {
			return res.Head(i)
		}
		size += n
	}

	return res
}

func (s *AnswerSynthesizer) delay(retry int) time.Duration {
	d := s.backoff
	for i := 1; i < retry && d < s.maxBackoff; i++ {
		d *= 2
	}

	return min(d, s.maxBackoff)
}

// BuildPrompt assembles the answering prompt: instructions, the history
// digest, the chunk texts in ranked order and the question.
func BuildPrompt(question string, digest string, evidence docstore.RetrievalResult) string {
	var sb strings.Builder

	sb.WriteString("Answer the question using ONLY the document context below. ")
	sb.WriteString("Never add facts from outside the document. ")
	sb.WriteString("If the context does not contain the answer, reply exactly: ")
	sb.WriteString(RefusalText)
	sb.WriteString("\n\n")

	if digest != "" {
		sb.WriteString("PREVIOUS CONVERSATION:\n")
		sb.WriteString(digest)
		sb.WriteString("\n\n")
	}

	sb.WriteString("DOCUMENT CONTEXT:\n")
	for i, c := range evidence.Chunks {
		if i > 0 {
			sb.WriteString(chunkSeparator)
		}
		sb.WriteString(c.Text)
	}

	sb.WriteString("\n\nQUESTION: ")
	sb.WriteString(question)
	sb.WriteByte('\n')

	return sb.String()
}

func isRefusal(reply string) bool {
	norm := func(s string) string {
		return strings.ToLower(strings.Trim(strings.TrimSpace(s), ".\"'"))
	}

	return norm(reply) == norm(RefusalText)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
