package rag

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

const (
	DefaultRecentTurns   = 6
	defaultRewriteTokens = 150
	defaultRewriteRunes  = 600
	understoodPrefix     = "UNDERSTOOD:"
	intentPrefix         = "INTENT:"
)

type RewriterConfig struct {
	Log         *slog.Logger
	Generator   Generator
	RecentTurns int
	MaxTokens   int
	CallTimeout time.Duration
}

// QueryRewriter turns a raw question into a self-contained one and labels
// its intent, using the latest turns to resolve references.
type QueryRewriter struct {
	log         *slog.Logger
	gen         Generator
	recentTurns int
	maxTokens   int
	timeout     time.Duration
}

func NewQueryRewriter(cfg RewriterConfig) *QueryRewriter {
	r := &QueryRewriter{
		log:         cfg.Log,
		gen:         cfg.Generator,
		recentTurns: cfg.RecentTurns,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.CallTimeout,
	}

	if r.log == nil {
		r.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if r.recentTurns <= 0 {
		r.recentTurns = DefaultRecentTurns
	}
	if r.maxTokens <= 0 {
		r.maxTokens = defaultRewriteTokens
	}

	return r
}

// Rewrite never fails: without prior turns the question is returned as is,
// and a failing model degrades to the raw question with an unknown intent.
func (r *QueryRewriter) Rewrite(ctx context.Context, raw string, recent []Turn) (Rewrite, Outcome) {
	if len(recent) > r.recentTurns {
		recent = recent[len(recent)-r.recentTurns:]
	}

	if len(recent) == 0 || r.gen == nil {
		return Rewrite{Question: raw, Intent: IntentFactualQuery}, OutcomeOK
	}

	reply, err := generate(ctx, r.gen, r.timeout, r.prompt(raw, recent), r.maxTokens)
	if err == nil {
		var rw Rewrite
		rw, err = parseRewrite(reply)
		if err == nil {
			return rw, OutcomeOK
		}
	}

	r.log.Warn("question rewrite failed, using raw question", slog.String("err", err.Error()))
	return Rewrite{Question: raw, Intent: IntentUnknown}, OutcomeDegraded
}

func (r *QueryRewriter) prompt(question string, recent []Turn) string {
	var sb strings.Builder
	sb.WriteString("You are a question understanding agent. Using the conversation below, rephrase the latest question ")
	sb.WriteString("so that it can be understood on its own: replace references such as \"it\" or \"that\" with what they refer to. ")
	sb.WriteString("Then classify the intent as one of: factual_query, clarification, follow_up, other.\n\n")
	sb.WriteString("Conversation:\n")
	writeTurns(&sb, recent, defaultRewriteRunes)
	sb.WriteString("\nQuestion: ")
	sb.WriteString(question)
	sb.WriteString("\n\nRespond in this format:\n")
	sb.WriteString(understoodPrefix + " [rephrased question]\n")
	sb.WriteString(intentPrefix + " [intent type]\n")

	return sb.String()
}

func parseRewrite(reply string) (Rewrite, error) {
	rw := Rewrite{Intent: IntentFactualQuery}

	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)

		if v, ok := cutPrefixFold(line, understoodPrefix); ok {
			rw.Question = strings.TrimSpace(v)
		} else if v, ok := cutPrefixFold(line, intentPrefix); ok {
			rw.Intent = normalizeIntent(v)
		}
	}

	if rw.Question == "" {
		return Rewrite{}, fmt.Errorf("%w: no rewritten question in %q", ErrMalformedReply, reply)
	}

	return rw, nil
}

func normalizeIntent(s string) Intent {
	s = strings.ToLower(strings.Trim(strings.TrimSpace(s), "[]\"'`*."))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)

	switch Intent(s) {
	case IntentFactualQuery, IntentClarification, IntentFollowUp:
		return Intent(s)
	case "factual", "fact", "question", "query":
		return IntentFactualQuery
	case "followup", "follow_up_question":
		return IntentFollowUp
	}

	return IntentOther
}

func cutPrefixFold(s string, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}

	return s[len(prefix):], true
}
