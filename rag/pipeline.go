package rag

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gamma-omg/rag-chat/docstore"
)

type questionRewriter interface {
	Rewrite(ctx context.Context, raw string, recent []Turn) (Rewrite, Outcome)
}

type historyResolver interface {
	Resolve(ctx context.Context, rw Rewrite, history History) (string, Outcome)
}

type chunkRetriever interface {
	Retrieve(ctx context.Context, question string, index ChunkIndex, filters ...ChunkFilter) (Retrieval, error)
}

type answerSynthesizer interface {
	Synthesize(ctx context.Context, question string, digest string, res docstore.RetrievalResult) (*Answer, error)
}

type PipelineConfig struct {
	Log         *slog.Logger
	Rewriter    questionRewriter
	History     historyResolver
	Retriever   chunkRetriever
	Synthesizer answerSynthesizer
}

// Pipeline answers one question at a time against a document index. It
// holds no per-question state, so concurrent calls are safe.
type Pipeline struct {
	log         *slog.Logger
	rewriter    questionRewriter
	history     historyResolver
	retriever   chunkRetriever
	synthesizer answerSynthesizer
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		log:         cfg.Log,
		rewriter:    cfg.Rewriter,
		history:     cfg.History,
		retriever:   cfg.Retriever,
		synthesizer: cfg.Synthesizer,
	}

	if p.log == nil {
		p.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return p
}

type run struct {
	log   *slog.Logger
	start time.Time
	trace []StageReport
}

func (r *run) report(stage Stage, started time.Time, outcome Outcome, err error) {
	rep := StageReport{Stage: stage, Outcome: outcome, Duration: time.Since(started)}
	if err != nil {
		rep.Err = err.Error()
	}
	r.trace = append(r.trace, rep)

	if outcome != OutcomeOK {
		r.log.Warn("stage finished", slog.String("stage", string(stage)), slog.String("outcome", string(outcome)), slog.String("err", rep.Err))
	}
}

func (r *run) fail(stage Stage, started time.Time, err error) error {
	r.report(stage, started, OutcomeFailed, err)
	r.report(StageFailed, r.start, OutcomeFailed, err)
	r.log.Error("question failed", slog.String("stage", string(stage)), slog.String("err", err.Error()))

	return err
}

// Answer runs the question through rewriting, history resolution, retrieval
// and synthesis. Only ErrEmptyIndex, ErrChunkStoreUnavailable and
// ErrGeneration end a run early; the other stages degrade instead.
func (p *Pipeline) Answer(ctx context.Context, question string, index ChunkIndex, history History, filters ...ChunkFilter) (*Answer, error) {
	r := &run{log: p.log, start: time.Now()}

	if index == nil || index.Len() == 0 {
		return nil, r.fail(StageRewriting, r.start, ErrEmptyIndex)
	}

	started := time.Now()
	rw, outcome := p.rewriter.Rewrite(ctx, question, history.Turns)
	r.report(StageRewriting, started, outcome, nil)
	if err := ctx.Err(); err != nil {
		return nil, r.fail(StageRewriting, started, err)
	}

	started = time.Now()
	digest, outcome := p.history.Resolve(ctx, rw, history)
	r.report(StageResolvingHistory, started, outcome, nil)
	if err := ctx.Err(); err != nil {
		return nil, r.fail(StageResolvingHistory, started, err)
	}

	started = time.Now()
	ret, err := p.retriever.Retrieve(ctx, rw.Question, index, filters...)
	if err != nil {
		return nil, r.fail(StageRetrieving, started, fmt.Errorf("failed to retrieve chunks: %w", err))
	}
	r.report(StageRetrieving, started, ret.Outcome, nil)

	started = time.Now()
	ans, err := p.synthesizer.Synthesize(ctx, rw.Question, digest, ret.Result)
	if err != nil {
		return nil, r.fail(StageSynthesizing, started, fmt.Errorf("failed to synthesize answer: %w", err))
	}
	r.report(StageSynthesizing, started, OutcomeOK, nil)
	r.report(StageDone, r.start, OutcomeOK, nil)

	ans.Intent = rw.Intent
	ans.Depth = ret.Request.Depth
	ans.Trace = r.trace

	p.log.Info("question answered",
		slog.String("question", question),
		slog.String("rewritten", rw.Question),
		slog.String("intent", string(rw.Intent)),
		slog.String("depth", string(ret.Request.Depth)),
		slog.Int("retrieved", ret.Result.Len()),
		slog.Int("evidence", ans.Evidence.Len()),
		slog.Bool("history", digest != ""),
		slog.Bool("grounded", ans.Grounded),
		slog.Duration("elapsed", time.Since(r.start)))

	return ans, nil
}
