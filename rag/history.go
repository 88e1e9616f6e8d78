package rag

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"
)

const (
	DefaultHistoryTurns  = 6
	DefaultMaxTurnRunes  = 400
	defaultHistoryTokens = 200
	referencesPrefix     = "REFERENCES_HISTORY:"
)

type Relevance int

const (
	RelevanceUndecided Relevance = iota
	RelevanceYes
	RelevanceNo
)

// FollowUpPolicy decides from the rewritten question alone whether earlier
// turns matter. Undecided questions are left to the model.
type FollowUpPolicy func(rw Rewrite) Relevance

func IntentPolicy(rw Rewrite) Relevance {
	switch rw.Intent {
	case IntentFollowUp, IntentClarification:
		return RelevanceYes
	case IntentFactualQuery:
		return RelevanceNo
	}

	return RelevanceUndecided
}

type HistoryConfig struct {
	Log          *slog.Logger
	Generator    Generator
	Policy       FollowUpPolicy
	MaxTurns     int
	MaxTurnRunes int
	CallTimeout  time.Duration
}

type HistoryResolver struct {
	log          *slog.Logger
	gen          Generator
	policy       FollowUpPolicy
	maxTurns     int
	maxTurnRunes int
	timeout      time.Duration
}

func NewHistoryResolver(cfg HistoryConfig) *HistoryResolver {
	h := &HistoryResolver{
		log:          cfg.Log,
		gen:          cfg.Generator,
		policy:       cfg.Policy,
		maxTurns:     cfg.MaxTurns,
		maxTurnRunes: cfg.MaxTurnRunes,
		timeout:      cfg.CallTimeout,
	}

	if h.log == nil {
		h.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if h.policy == nil {
		h.policy = IntentPolicy
	}
	if h.maxTurns <= 0 {
		h.maxTurns = DefaultHistoryTurns
	}
	if h.maxTurnRunes <= 0 {
		h.maxTurnRunes = DefaultMaxTurnRunes
	}

	return h
}

// Resolve returns a digest of the conversation relevant to the question, or
// an empty string when the question stands on its own. Only the most recent
// turns are ever quoted; older ones reach the digest through the caller's
// summary.
func (h *HistoryResolver) Resolve(ctx context.Context, rw Rewrite, history History) (string, Outcome) {
	turns := history.Recent(h.maxTurns)
	if len(turns) == 0 && history.Summary == "" {
		return "", OutcomeOK
	}

	switch h.policy(rw) {
	case RelevanceYes:
		return h.digest(history.Summary, turns), OutcomeOK
	case RelevanceNo:
		return "", OutcomeOK
	}

	if len(turns) == 0 || h.gen == nil {
		return "", OutcomeOK
	}

	refers, err := h.askModel(ctx, rw.Question, turns)
	if err != nil {
		h.log.Warn("history analysis failed, continuing without history", slog.String("err", err.Error()))
		return "", OutcomeDegraded
	}

	if !refers {
		return "", OutcomeOK
	}

	return h.digest(history.Summary, turns), OutcomeOK
}

func (h *HistoryResolver) askModel(ctx context.Context, question string, turns []Turn) (bool, error) {
	var sb strings.Builder
	sb.WriteString("You are a history analysis agent. Determine if the current question references or relates to the previous conversation.\n\n")
	sb.WriteString("Chat history:\n")
	writeTurns(&sb, turns, h.maxTurnRunes)
	sb.WriteString("\nCurrent question: ")
	sb.WriteString(question)
	sb.WriteString("\n\nDoes this question reference the previous conversation? Answer YES or NO.\n\n")
	sb.WriteString("Format:\n" + referencesPrefix + " [YES/NO]\n")

	reply, err := generate(ctx, h.gen, h.timeout, sb.String(), defaultHistoryTokens)
	if err != nil {
		return false, err
	}

	return parseReferences(reply)
}

func parseReferences(reply string) (bool, error) {
	for _, line := range strings.Split(reply, "\n") {
		v, ok := cutPrefixFold(strings.TrimSpace(line), referencesPrefix)
		if !ok {
			continue
		}

		v = strings.ToUpper(strings.Trim(strings.TrimSpace(v), "[]*."))
		switch {
		case strings.HasPrefix(v, "YES"):
			return true, nil
		case strings.HasPrefix(v, "NO"):
			return false, nil
		}
	}

	return false, ErrMalformedReply
}

func (h *HistoryResolver) digest(summary string, turns []Turn) string {
	var sb strings.Builder

	if s := strings.TrimSpace(summary); s != "" {
		sb.WriteString("Summary of earlier conversation: ")
		sb.WriteString(s)
		sb.WriteByte('\n')
	}

	if len(turns) > 0 {
		sb.WriteString("Recent conversation:\n")
		writeTurns(&sb, turns, h.maxTurnRunes)
	}

	return strings.TrimSpace(sb.String())
}
