package rag

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const DefaultCallTimeout = 30 * time.Second

func generate(ctx context.Context, gen Generator, timeout time.Duration, prompt string, maxTokens int) (string, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := gen.Generate(ctx, prompt, maxTokens)
	if err != nil {
		return "", err
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", fmt.Errorf("%w: empty reply", ErrMalformedReply)
	}

	return reply, nil
}

func writeTurns(sb *strings.Builder, turns []Turn, maxRunes int) {
	for _, t := range turns {
		sb.WriteString(strings.ToUpper(string(t.Role)))
		sb.WriteString(": ")
		sb.WriteString(clip(strings.TrimSpace(t.Text), maxRunes))
		sb.WriteByte('\n')
	}
}

func clip(s string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}

	n := 0
	for i := range s {
		if n == maxRunes {
			return strings.TrimRight(s[:i], " \t\n") + "..."
		}
		n++
	}

	return s
}
