package main

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/gamma-omg/rag-chat/rag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userTurn(text string) rag.Turn {
	return rag.Turn{Role: rag.RoleUser, Text: text}
}

func assistantTurn(text string) rag.Turn {
	return rag.Turn{Role: rag.RoleAssistant, Text: text}
}

func Test_SessionLog(t *testing.T) {
	log := NewSessionLog(0, nil)

	id := log.Start("policy.pdf")
	assert.NotEmpty(t, id)
	assert.NotEqual(t, id, log.Start("policy.pdf"))

	require.NoError(t, log.Append(id, userTurn("What is covered?"), assistantTurn("Hospital stays.")))

	s, err := log.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "policy.pdf", s.Document)
	require.Len(t, s.Turns, 2)
	assert.Equal(t, rag.RoleUser, s.Turns[0].Role)
	assert.False(t, s.Turns[0].Timestamp.IsZero())

	// returned sessions are copies
	s.Turns[0].Text = "changed"
	again, err := log.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "What is covered?", again.Turns[0].Text)

	h, err := log.History(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, h.Summary)
	assert.Len(t, h.Turns, 2)
}

func Test_SessionLog_Unknown(t *testing.T) {
	log := NewSessionLog(0, nil)

	_, err := log.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.ErrorIs(t, log.Append("missing", userTurn("hi")), ErrUnknownSession)

	_, err = log.History(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func Test_SessionLog_HistorySummarizesOlderTurns(t *testing.T) {
	log := NewSessionLog(2, nil)
	id := log.Start("doc.txt")

	require.NoError(t, log.Append(id,
		userTurn("What is the premium?"), assistantTurn("100 a year."),
		userTurn("Is there a grace period?"), assistantTurn("30 days."),
		userTurn("And for renewals?"), assistantTurn("15 days."),
	))

	h, err := log.History(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "The user previously asked: What is the premium?; Is there a grace period?", h.Summary)
	assert.Equal(t, []rag.Turn{userTurn("And for renewals?"), assistantTurn("15 days.")}, stripTimes(h.Turns))
}

// countingSummarizer numbers its summaries so reuse can be observed.
type countingSummarizer struct {
	mu      sync.Mutex
	calls   int
	outcome rag.Outcome
}

func (c *countingSummarizer) Summarize(ctx context.Context, turns []rag.Turn) (rag.Summary, rag.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	return rag.Summary{
		Text:      fmt.Sprintf("summary %d of %d turns", c.calls, len(turns)),
		KeyPoints: []string{turns[0].Text},
	}, c.outcome
}

func (c *countingSummarizer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func Test_SessionLog_HistoryReusesSummary(t *testing.T) {
	sum := &countingSummarizer{outcome: rag.OutcomeOK}
	log := NewSessionLog(2, sum)
	id := log.Start("doc.txt")

	require.NoError(t, log.Append(id,
		userTurn("q1"), assistantTurn("a1"),
		userTurn("q2"), assistantTurn("a2"),
	))

	h, err := log.History(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "summary 1 of 2 turns", h.Summary)

	// nothing new fell out of the window
	h, err = log.History(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "summary 1 of 2 turns", h.Summary)
	assert.Equal(t, 1, sum.count())

	require.NoError(t, log.Append(id, userTurn("q3"), assistantTurn("a3")))
	h, err = log.History(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "summary 2 of 4 turns", h.Summary)
	assert.Equal(t, []rag.Turn{userTurn("q3"), assistantTurn("a3")}, stripTimes(h.Turns))
}

func Test_SessionLog_HistoryRetriesDegradedSummary(t *testing.T) {
	sum := &countingSummarizer{outcome: rag.OutcomeDegraded}
	log := NewSessionLog(2, sum)
	id := log.Start("doc.txt")
	require.NoError(t, log.Append(id, userTurn("q1"), assistantTurn("a1"), userTurn("q2"), assistantTurn("a2")))

	_, err := log.History(context.Background(), id)
	require.NoError(t, err)
	_, err = log.History(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.count())
}

func Test_SessionLog_Summarize(t *testing.T) {
	sum := &countingSummarizer{outcome: rag.OutcomeOK}
	log := NewSessionLog(0, sum)
	id := log.Start("doc.txt")
	require.NoError(t, log.Append(id, userTurn("q1"), assistantTurn("a1")))

	s, outcome, err := log.Summarize(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, rag.OutcomeOK, outcome)
	assert.Equal(t, "summary 1 of 2 turns", s.Text)
	assert.Equal(t, []string{"q1"}, s.KeyPoints)

	_, _, err = log.Summarize(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func Test_SessionLog_ConcurrentAppend(t *testing.T) {
	log := NewSessionLog(0, nil)
	id := log.Start("doc.txt")

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, log.Append(id, userTurn(fmt.Sprintf("q%d", i))))
		}()
	}
	wg.Wait()

	s, err := log.Get(id)
	require.NoError(t, err)
	assert.Len(t, s.Turns, 20)
}

func stripTimes(turns []rag.Turn) []rag.Turn {
	res := make([]rag.Turn, len(turns))
	for i, t := range turns {
		res[i] = rag.Turn{Role: t.Role, Text: t.Text}
	}
	return res
}
