package rag

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"
)

const (
	DefaultSummaryTokens = 800
	summaryPrefix        = "SUMMARY:"
	keyPointsPrefix      = "KEY POINTS:"
)

type Summary struct {
	Text      string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
}

type SummarizerConfig struct {
	Log          *slog.Logger
	Generator    Generator
	MaxTokens    int
	MaxTurnRunes int
	CallTimeout  time.Duration
}

// Summarizer condenses a conversation into a short summary and its key points.
type Summarizer struct {
	log          *slog.Logger
	gen          Generator
	maxTokens    int
	maxTurnRunes int
	timeout      time.Duration
}

func NewSummarizer(cfg SummarizerConfig) *Summarizer {
	s := &Summarizer{
		log:          cfg.Log,
		gen:          cfg.Generator,
		maxTokens:    cfg.MaxTokens,
		maxTurnRunes: cfg.MaxTurnRunes,
		timeout:      cfg.CallTimeout,
	}

	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.maxTokens <= 0 {
		s.maxTokens = DefaultSummaryTokens
	}
	if s.maxTurnRunes <= 0 {
		s.maxTurnRunes = DefaultMaxTurnRunes
	}

	return s
}

// Summarize never fails. Without a usable model reply the summary lists the
// questions the user asked and the outcome is degraded.
func (s *Summarizer) Summarize(ctx context.Context, turns []Turn) (Summary, Outcome) {
	if len(turns) == 0 {
		return Summary{}, OutcomeOK
	}
	if s.gen == nil {
		return questionsSummary(turns), OutcomeOK
	}

	var sb strings.Builder
	sb.WriteString("You are a study assistant helping the user review a conversation about their document.\n\n")
	sb.WriteString("Analyze the conversation below and provide:\n")
	sb.WriteString("1. A concise summary of the main topics discussed\n")
	sb.WriteString("2. A bulleted list of key points and important information\n\n")
	sb.WriteString("Format:\n" + summaryPrefix + "\n[summary]\n\n" + keyPointsPrefix + "\n- [point]\n- [point]\n\n")
	sb.WriteString("Conversation:\n")
	writeTurns(&sb, turns, s.maxTurnRunes)

	reply, err := generate(ctx, s.gen, s.timeout, sb.String(), s.maxTokens)
	if err == nil {
		var sum Summary
		sum, err = parseSummary(reply)
		if err == nil {
			return sum, OutcomeOK
		}
	}

	s.log.Warn("summarization failed, listing questions instead", slog.String("err", err.Error()))
	return questionsSummary(turns), OutcomeDegraded
}

func parseSummary(reply string) (Summary, error) {
	const (
		preamble = iota
		inSummary
		inPoints
	)

	var (
		section = preamble
		text    []string
		sum     Summary
	)

	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)

		if rest, ok := cutPrefixFold(line, summaryPrefix); ok {
			section = inSummary
			line = strings.TrimSpace(rest)
		} else if rest, ok := cutPrefixFold(line, keyPointsPrefix); ok {
			section = inPoints
			line = strings.TrimSpace(rest)
		}

		if line == "" {
			continue
		}

		switch section {
		case inSummary:
			text = append(text, line)
		case inPoints:
			if p, ok := bullet(line); ok {
				sum.KeyPoints = append(sum.KeyPoints, p)
			}
		}
	}

	sum.Text = strings.Join(text, " ")
	if sum.Text == "" {
		return Summary{}, ErrMalformedReply
	}

	return sum, nil
}

func bullet(line string) (string, bool) {
	for _, marker := range []string{"-", "*", "•"} {
		if rest, ok := strings.CutPrefix(line, marker); ok {
			rest = strings.TrimSpace(rest)
			return rest, rest != ""
		}
	}

	return "", false
}

func questionsSummary(turns []Turn) Summary {
	var questions []string
	for _, t := range turns {
		if t.Role != RoleUser {
			continue
		}
		if q := strings.TrimSpace(t.Text); q != "" {
			questions = append(questions, q)
		}
	}

	if len(questions) == 0 {
		return Summary{}
	}

	return Summary{
		Text:      "The user previously asked: " + strings.Join(questions, "; "),
		KeyPoints: questions,
	}
}
