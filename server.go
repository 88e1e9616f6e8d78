package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gamma-omg/rag-chat/rag"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"
)

type answerer interface {
	Answer(ctx context.Context, question string, index rag.ChunkIndex, history rag.History, filters ...rag.ChunkFilter) (*rag.Answer, error)
}

type documentSource interface {
	Lookup(name string) (Document, bool)
	List() []Document
}

const (
	unavailableMessage = "answering is temporarily unavailable, please try again later"
	noAnswerMessage    = "no answer found: the document has no indexed content"

	maxBatchQuestions = 20
	batchWorkers      = 4
)

const (
	failureNoAnswer    = "no_answer"
	failureUnavailable = "unavailable"
	failureError       = "error"
)

type ragServer struct {
	log      *slog.Logger
	answerer answerer
	docs     documentSource
	sessions *SessionLog
}

type evidenceItem struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	Text  string  `json:"text"`
}

type askResponse struct {
	Session  string            `json:"session"`
	Document string            `json:"document"`
	Answer   string            `json:"answer"`
	Grounded bool              `json:"grounded"`
	Degraded bool              `json:"degraded"`
	Question string            `json:"question"`
	Intent   rag.Intent        `json:"intent"`
	Depth    rag.Depth         `json:"depth"`
	Evidence []evidenceItem    `json:"evidence"`
	Trace    []rag.StageReport `json:"trace"`
}

type failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type batchItem struct {
	Question string         `json:"question"`
	Answer   string         `json:"answer,omitempty"`
	Grounded bool           `json:"grounded"`
	Degraded bool           `json:"degraded"`
	Evidence []evidenceItem `json:"evidence,omitempty"`
	Error    *failure       `json:"error,omitempty"`
}

type batchResponse struct {
	Document string      `json:"document"`
	Results  []batchItem `json:"results"`
}

type summaryResponse struct {
	Session   string   `json:"session"`
	Document  string   `json:"document"`
	Turns     int      `json:"turns"`
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
	Degraded  bool     `json:"degraded"`
}

type documentInfo struct {
	Name     string    `json:"name"`
	Chunks   int       `json:"chunks"`
	Dropped  int       `json:"dropped"`
	Ingested time.Time `json:"ingested"`
}

func NewRagServer(log *slog.Logger, a answerer, docs documentSource, sessions *SessionLog) *server.MCPServer {
	rs := &ragServer{
		log:      log,
		answerer: a,
		docs:     docs,
		sessions: sessions,
	}

	srv := server.NewMCPServer("RAG chat", "0.1.0", server.WithToolCapabilities(false))

	srv.AddTool(mcp.NewTool("ask",
		mcp.WithDescription("Answer a question about one of the user documents. Pass the returned session to ask follow-up questions."),
		mcp.WithString("question",
			mcp.Required(),
			mcp.Description("The question to answer"),
		),
		mcp.WithString("document",
			mcp.Description("Document name as listed by the documents tool. Optional when a session is given or only one document exists"),
		),
		mcp.WithString("session",
			mcp.Description("Session id returned by a previous ask call"),
		),
	), rs.handleAsk)

	srv.AddTool(mcp.NewTool("batch",
		mcp.WithDescription("Answer several independent questions about one document. Results keep the order of the questions"),
		mcp.WithArray("questions",
			mcp.Required(),
			mcp.Description(fmt.Sprintf("Questions to answer, at most %d", maxBatchQuestions)),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithString("document",
			mcp.Description("Document name as listed by the documents tool. Optional when only one document exists"),
		),
	), rs.handleBatch)

	srv.AddTool(mcp.NewTool("documents",
		mcp.WithDescription("List the documents that can be asked about"),
	), rs.handleDocuments)

	srv.AddTool(mcp.NewTool("history",
		mcp.WithDescription("Return the transcript of a session"),
		mcp.WithString("session",
			mcp.Required(),
			mcp.Description("Session id returned by the ask tool"),
		),
	), rs.handleHistory)

	srv.AddTool(mcp.NewTool("summarize",
		mcp.WithDescription("Summarize a session with its key points for quick review"),
		mcp.WithString("session",
			mcp.Required(),
			mcp.Description("Session id returned by the ask tool"),
		),
	), rs.handleSummarize)

	return srv
}

func (rs *ragServer) handleAsk(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := request.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sessionID := request.GetString("session", "")
	docName := request.GetString("document", "")

	var history rag.History
	if sessionID != "" {
		s, err := rs.sessions.Get(sessionID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if docName == "" {
			docName = s.Document
		}
		if docName != s.Document {
			return mcp.NewToolResultError(fmt.Sprintf("session %s is about %s", sessionID, s.Document)), nil
		}

		history, err = rs.sessions.History(ctx, sessionID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	doc, err := rs.resolveDocument(docName)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ans, err := rs.answerer.Answer(ctx, question, doc.Index, history)
	if err != nil {
		return mcp.NewToolResultError(rs.classify(doc.Name, err).Message), nil
	}

	if sessionID == "" {
		sessionID = rs.sessions.Start(doc.Name)
	}

	err = rs.sessions.Append(sessionID,
		rag.Turn{Role: rag.RoleUser, Text: question},
		rag.Turn{Role: rag.RoleAssistant, Text: ans.Text},
	)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp := askResponse{
		Session:  sessionID,
		Document: doc.Name,
		Answer:   ans.Text,
		Grounded: ans.Grounded,
		Degraded: ans.Degraded(),
		Question: ans.Question,
		Intent:   ans.Intent,
		Depth:    ans.Depth,
		Evidence: evidence(ans),
		Trace:    ans.Trace,
	}

	return jsonResult(resp)
}

// handleBatch answers questions concurrently without session history. A failed
// question is reported in its own result and does not affect the others.
func (rs *ragServer) handleBatch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	questions, err := request.RequireStringSlice("questions")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(questions) == 0 {
		return mcp.NewToolResultError("questions must not be empty"), nil
	}
	if len(questions) > maxBatchQuestions {
		return mcp.NewToolResultError(fmt.Sprintf("at most %d questions per batch, got %d", maxBatchQuestions, len(questions))), nil
	}

	doc, err := rs.resolveDocument(request.GetString("document", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	results := make([]batchItem, len(questions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchWorkers)
	for i, q := range questions {
		g.Go(func() error {
			results[i] = rs.answerOne(gctx, doc, q)
			return nil
		})
	}
	_ = g.Wait()

	return jsonResult(batchResponse{Document: doc.Name, Results: results})
}

func (rs *ragServer) answerOne(ctx context.Context, doc Document, question string) batchItem {
	item := batchItem{Question: question}

	ans, err := rs.answerer.Answer(ctx, question, doc.Index, rag.History{})
	if err != nil {
		f := rs.classify(doc.Name, err)
		item.Error = &f
		return item
	}

	item.Answer = ans.Text
	item.Grounded = ans.Grounded
	item.Degraded = ans.Degraded()
	item.Evidence = evidence(ans)
	return item
}

// classify maps a pipeline error to what the caller is told.
func (rs *ragServer) classify(docName string, err error) failure {
	switch {
	case errors.Is(err, rag.ErrEmptyIndex):
		return failure{Kind: failureNoAnswer, Message: noAnswerMessage}
	case errors.Is(err, rag.ErrGeneration), errors.Is(err, rag.ErrChunkStoreUnavailable):
		rs.log.Error("question failed", "doc", docName, "error", err)
		return failure{Kind: failureUnavailable, Message: unavailableMessage}
	}

	return failure{Kind: failureError, Message: err.Error()}
}

func evidence(ans *rag.Answer) []evidenceItem {
	items := make([]evidenceItem, ans.Evidence.Len())
	for i, c := range ans.Evidence.Chunks {
		items[i] = evidenceItem{ID: c.ID, Score: ans.Evidence.Scores[i], Text: c.Text}
	}

	return items
}

func (rs *ragServer) handleDocuments(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	docs := rs.docs.List()

	infos := make([]documentInfo, len(docs))
	for i, d := range docs {
		infos[i] = documentInfo{
			Name:     d.Name,
			Chunks:   d.Index.Len(),
			Dropped:  d.Stats.Dropped,
			Ingested: d.Ingested,
		}
	}

	return jsonResult(infos)
}

func (rs *ragServer) handleHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s, err := rs.sessions.Get(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(s)
}

func (rs *ragServer) handleSummarize(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s, err := rs.sessions.Get(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sum, outcome, err := rs.sessions.Summarize(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(summaryResponse{
		Session:   id,
		Document:  s.Document,
		Turns:     len(s.Turns),
		Summary:   sum.Text,
		KeyPoints: sum.KeyPoints,
		Degraded:  outcome == rag.OutcomeDegraded,
	})
}

func (rs *ragServer) resolveDocument(name string) (Document, error) {
	if name != "" {
		doc, ok := rs.docs.Lookup(name)
		if !ok {
			return Document{}, fmt.Errorf("unknown document %q", name)
		}
		return doc, nil
	}

	docs := rs.docs.List()
	if len(docs) != 1 {
		return Document{}, fmt.Errorf("document is required, %d documents are available", len(docs))
	}

	return docs[0], nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(string(raw)), nil
}
