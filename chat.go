package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gamma-omg/rag-chat/rag"
	"github.com/gamma-omg/rag-chat/readers"
)

var (
	promptColor   = color.New(color.FgGreen, color.Bold)
	answerColor   = color.New(color.FgCyan)
	evidenceColor = color.New(color.FgHiBlack)
	warnColor     = color.New(color.FgYellow)
	errorColor    = color.New(color.FgRed)
)

// loadDocument reads and indexes a single file for the terminal modes.
func loadDocument(ctx context.Context, in ingester, rs []readers.FileReader, path string) (Document, error) {
	reader := readers.Find(rs, path)
	if reader == nil {
		return Document{}, fmt.Errorf("unsupported document type: %s", filepath.Ext(path))
	}

	text, err := reader.ReadText(path)
	if err != nil {
		return Document{}, fmt.Errorf("failed to read document %s: %w", path, err)
	}

	name := filepath.Base(path)
	idx, stats, err := in.Ingest(ctx, name, text)
	if err != nil {
		return Document{}, fmt.Errorf("failed to ingest document %s: %w", path, err)
	}

	return Document{
		Name:     name,
		File:     path,
		Crc:      crc32.Checksum([]byte(text), crc32.IEEETable),
		Index:    idx,
		Stats:    stats,
		Ingested: time.Now(),
	}, nil
}

type terminal struct {
	answerer answerer
	sessions *SessionLog
	out      io.Writer
	session  string
}

func (t *terminal) answer(ctx context.Context, doc Document, question string) (*rag.Answer, error) {
	if t.session == "" {
		t.session = t.sessions.Start(doc.Name)
	}

	history, err := t.sessions.History(ctx, t.session)
	if err != nil {
		return nil, err
	}

	ans, err := t.answerer.Answer(ctx, question, doc.Index, history)
	if err != nil {
		return nil, err
	}

	err = t.sessions.Append(t.session,
		rag.Turn{Role: rag.RoleUser, Text: question},
		rag.Turn{Role: rag.RoleAssistant, Text: ans.Text},
	)
	if err != nil {
		return nil, err
	}

	return ans, nil
}

func (t *terminal) print(ans *rag.Answer) {
	answerColor.Fprintln(t.out, ans.Text)

	if ans.Degraded() {
		warnColor.Fprintln(t.out, "(answered with reduced quality, some steps fell back)")
	}

	for i, c := range ans.Evidence.Chunks {
		evidenceColor.Fprintf(t.out, "  [%s %.2f] %s\n", c.ID, ans.Evidence.Scores[i], preview(c.Text, 80))
	}
}

func (t *terminal) ask(ctx context.Context, doc Document, question string) error {
	ans, err := t.answer(ctx, doc, question)
	if err != nil {
		return err
	}

	t.print(ans)
	return nil
}

// chat answers questions read line by line from in until it is exhausted or
// the user types exit. Failed questions are reported and the chat goes on.
func (t *terminal) chat(ctx context.Context, doc Document, in io.Reader) error {
	fmt.Fprintf(t.out, "Chatting about %s (%d chunks). Type exit to quit.\n", doc.Name, doc.Index.Len())

	scanner := bufio.NewScanner(in)
	for {
		promptColor.Fprint(t.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(t.out)
			return scanner.Err()
		}

		q := strings.TrimSpace(scanner.Text())
		if q == "" {
			continue
		}
		if q == "exit" || q == "quit" {
			return nil
		}

		ans, err := t.answer(ctx, doc, q)
		switch {
		case errors.Is(err, rag.ErrEmptyIndex):
			errorColor.Fprintln(t.out, noAnswerMessage)
		case errors.Is(err, rag.ErrGeneration), errors.Is(err, rag.ErrChunkStoreUnavailable):
			errorColor.Fprintln(t.out, unavailableMessage)
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			errorColor.Fprintln(t.out, err.Error())
		default:
			t.print(ans)
		}
	}
}

func preview(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= n {
		return text
	}

	return string(r[:n]) + "..."
}
