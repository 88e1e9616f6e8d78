package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gamma-omg/rag-chat/rag"
	"github.com/google/uuid"
)

var ErrUnknownSession = errors.New("unknown session")

const defaultKeepTurns = 20

type summarizer interface {
	Summarize(ctx context.Context, turns []rag.Turn) (rag.Summary, rag.Outcome)
}

type Session struct {
	ID       string     `json:"id"`
	Document string     `json:"document"`
	Started  time.Time  `json:"started"`
	Turns    []rag.Turn `json:"turns"`

	// summary of Turns[:folded], reused until more turns fall out of the window
	summary string
	folded  int
}

// SessionLog keeps conversations in memory. Turns beyond the newest keep are
// folded into the summary handed to the pipeline.
type SessionLog struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	keep       int
	summarizer summarizer
}

// NewSessionLog creates an empty log. Without a summarizer older turns are
// summarized by listing the questions asked.
func NewSessionLog(keep int, sum summarizer) *SessionLog {
	if keep <= 0 {
		keep = defaultKeepTurns
	}
	if sum == nil {
		sum = rag.NewSummarizer(rag.SummarizerConfig{})
	}

	return &SessionLog{
		sessions:   make(map[string]*Session),
		keep:       keep,
		summarizer: sum,
	}
}

// Start opens a conversation about document and returns its id.
func (l *SessionLog) Start(document string) string {
	s := &Session{
		ID:       uuid.NewString(),
		Document: document,
		Started:  time.Now(),
	}

	l.mu.Lock()
	l.sessions[s.ID] = s
	l.mu.Unlock()

	return s.ID
}

func (l *SessionLog) Get(id string) (Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	res := *s
	res.Turns = append([]rag.Turn(nil), s.Turns...)
	return res, nil
}

func (l *SessionLog) Append(id string, turns ...rag.Turn) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	for _, t := range turns {
		if t.Timestamp.IsZero() {
			t.Timestamp = time.Now()
		}
		s.Turns = append(s.Turns, t)
	}

	return nil
}

// History returns the conversation in the form the pipeline consumes.
func (l *SessionLog) History(ctx context.Context, id string) (rag.History, error) {
	s, err := l.Get(id)
	if err != nil {
		return rag.History{}, err
	}

	if len(s.Turns) <= l.keep {
		return rag.History{Turns: s.Turns}, nil
	}

	cut := len(s.Turns) - l.keep
	if s.folded == cut {
		return rag.History{Summary: s.summary, Turns: s.Turns[cut:]}, nil
	}

	sum, outcome := l.summarizer.Summarize(ctx, s.Turns[:cut])
	if outcome == rag.OutcomeOK {
		l.mu.Lock()
		if live, ok := l.sessions[id]; ok && live.folded < cut {
			live.summary = sum.Text
			live.folded = cut
		}
		l.mu.Unlock()
	}

	return rag.History{
		Summary: sum.Text,
		Turns:   s.Turns[cut:],
	}, nil
}

// Summarize condenses the whole conversation of a session.
func (l *SessionLog) Summarize(ctx context.Context, id string) (rag.Summary, rag.Outcome, error) {
	s, err := l.Get(id)
	if err != nil {
		return rag.Summary{}, rag.OutcomeFailed, err
	}

	sum, outcome := l.summarizer.Summarize(ctx, s.Turns)
	return sum, outcome, nil
}
