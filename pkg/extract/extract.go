// Package extract runs the per-match pipeline: load a replay through an
// engine, walk sampled ticks strictly in order, and materialize the wide
// table, message table, and schema artifact for that match.
//
// A match is processed on one goroutine with no internal concurrency: the
// engine is a stateful stepper and snapshots must be taken in tick order.
// Every failure is caught and folded into the Result; Run never panics
// through to the caller and never aborts sibling matches.
package extract

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/replayflow/replayflow/internal/model"
	"github.com/replayflow/replayflow/pkg/aggregate"
	"github.com/replayflow/replayflow/pkg/errors"
	"github.com/replayflow/replayflow/pkg/schema"
	"github.com/replayflow/replayflow/pkg/sink"
	"github.com/replayflow/replayflow/pkg/source"
	"github.com/replayflow/replayflow/pkg/telemetry"
	"github.com/replayflow/replayflow/pkg/track"
	"github.com/replayflow/replayflow/pkg/widerow"
)

// Mode selects how the schema is discovered.
type Mode string

const (
	// ModeTwoPass closes the schema in a dedicated discovery pass, then
	// reloads the replay and streams rows against the frozen schema.
	ModeTwoPass Mode = "two_pass"

	// ModeSinglePass grows the schema while extracting and buffers rows
	// in memory until the final column set is known.
	ModeSinglePass Mode = "single_pass"
)

// ParseMode validates a mode flag value.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeTwoPass, ModeSinglePass:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q (want two_pass or single_pass)", s)
}

// State names a phase of the per-match pipeline.
type State string

const (
	StatePending     State = "pending"
	StateLoading     State = "loading"
	StateSchemaPass  State = "schema_pass"
	StateExtractPass State = "extract_pass"
	StateWriting     State = "writing"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
)

// DefaultStride is the sampling interval in game loops.
const DefaultStride = 8

// Options configures a pipeline. The zero value means two-pass mode at
// the default stride, writing to the current directory.
type Options struct {
	Mode   Mode
	Stride int
	Sink   sink.Config
	Logger *log.Logger
}

func (o Options) stride() int {
	if o.Stride <= 0 {
		return DefaultStride
	}
	return o.Stride
}

// Result is the outcome of one match. State is either StateSucceeded or
// StateFailed; a failed result carries the coded error.
type Result struct {
	Replay       string
	State        State
	Rows         int64
	Ticks        int64
	WarningCount int64
	Duration     time.Duration
	Err          error
}

// Succeeded reports whether the match produced complete artifacts.
func (r *Result) Succeeded() bool {
	return r.State == StateSucceeded
}

// Pipeline processes matches one at a time through a borrowed engine.
// The caller owns the engine lifecycle; the pipeline never closes it.
type Pipeline struct {
	engine source.Engine
	opts   Options
	logger *log.Logger

	lastTick model.Tick
	budget   string
}

// New creates a pipeline around an engine.
func New(engine source.Engine, opts Options) *Pipeline {
	if opts.Mode == "" {
		opts.Mode = ModeTwoPass
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{engine: engine, opts: opts, logger: logger}
}

// Run processes one match end to end. The returned Result is never nil
// and Run never returns an error: any failure in loading, either pass,
// or writing becomes a StateFailed result with a coded error and the
// tick at failure, so one bad replay cannot abort sibling work.
func (p *Pipeline) Run(ctx context.Context, replayPath string) *Result {
	start := time.Now()
	res := &Result{Replay: replayPath, State: StatePending}
	p.lastTick = 0
	p.budget = ""
	if dl, ok := ctx.Deadline(); ok {
		p.budget = time.Until(dl).Round(time.Second).String()
	}

	ctx, span := telemetry.StartSpan(ctx, "match.extract", trace.WithAttributes(
		attribute.String("replay", sink.Stem(replayPath)),
		attribute.String("mode", string(p.opts.Mode)),
		attribute.Int("stride", p.opts.stride()),
	))
	defer span.End()

	err := p.run(ctx, replayPath, res)
	res.Duration = time.Since(start)
	if err != nil {
		phase := res.State
		res.State = StateFailed
		res.Err = p.classify(ctx, replayPath, err)
		telemetry.RecordError(ctx, res.Err)
		p.logger.Printf("extract failed: replay=%s phase=%s tick=%d err=%v",
			sink.Stem(replayPath), phase, p.lastTick, res.Err)
		return res
	}
	res.State = StateSucceeded
	telemetry.SetAttributes(ctx,
		attribute.Int64("rows", res.Rows),
		attribute.Int64("ticks", res.Ticks),
		attribute.Int64("warnings", res.WarningCount),
	)
	return res
}

func (p *Pipeline) run(ctx context.Context, replayPath string, res *Result) error {
	if p.opts.Mode == ModeSinglePass {
		return p.runSinglePass(ctx, replayPath, res)
	}
	return p.runTwoPass(ctx, replayPath, res)
}

func (p *Pipeline) runTwoPass(ctx context.Context, replayPath string, res *Result) error {
	meta := p.meta(replayPath)

	res.State = StateLoading
	src, err := p.load(ctx, replayPath)
	if err != nil {
		return err
	}

	res.State = StateSchemaPass
	frozen, err := p.schemaPass(ctx, src)
	src.Close()
	if err != nil {
		return err
	}

	src, err = p.reload(ctx, replayPath)
	if err != nil {
		return err
	}
	defer src.Close()

	res.State = StateExtractPass
	strat := schema.NewFrozen(frozen)
	w, err := sink.NewWideWriter(p.opts.Sink, replayPath, frozen, meta)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			w.Abort()
		}
	}()

	pass, err := p.extractPass(ctx, src, strat, w.Append)
	res.Ticks, res.WarningCount = pass.ticks, pass.warnings
	if err != nil {
		return err
	}

	res.State = StateWriting
	wres, err := p.finalize(ctx, w, replayPath, meta, frozen, pass.messages)
	if err != nil {
		return err
	}
	committed = true
	res.Rows = wres.Rows
	return nil
}

func (p *Pipeline) runSinglePass(ctx context.Context, replayPath string, res *Result) error {
	meta := p.meta(replayPath)

	res.State = StateLoading
	src, err := p.load(ctx, replayPath)
	if err != nil {
		return err
	}
	defer src.Close()

	res.State = StateExtractPass
	strat := schema.NewGrowing()
	pass, err := p.extractPass(ctx, src, strat, nil)
	res.Ticks, res.WarningCount = pass.ticks, pass.warnings
	if err != nil {
		return err
	}

	// The full grown schema is known only now; buffered rows narrower
	// than it are back-filled with missing markers by the writer.
	res.State = StateWriting
	final := strat.Schema()
	w, err := sink.NewWideWriter(p.opts.Sink, replayPath, final, meta)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			w.Abort()
		}
	}()
	for _, row := range pass.rows {
		if err := w.Append(row); err != nil {
			return err
		}
	}

	wres, err := p.finalize(ctx, w, replayPath, meta, final, pass.messages)
	if err != nil {
		return err
	}
	committed = true
	res.Rows = wres.Rows
	return nil
}

func (p *Pipeline) meta(replayPath string) sink.Meta {
	return sink.Meta{
		Replay: sink.Stem(replayPath),
		Mode:   string(p.opts.Mode),
		Stride: p.opts.stride(),
	}
}

func (p *Pipeline) load(ctx context.Context, replayPath string) (source.Source, error) {
	ctx, span := telemetry.StartSpan(ctx, "match.load")
	defer span.End()

	src, err := p.engine.Load(ctx, replayPath)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	return src, nil
}

// reload starts the extract pass over from loop zero. The schema pass
// already proved the replay loads, so a failure here is a pass-restart
// problem, not a bad asset.
func (p *Pipeline) reload(ctx context.Context, replayPath string) (source.Source, error) {
	src, err := p.engine.Load(ctx, replayPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodePassRestart, "reloading replay for extract pass")
	}
	return src, nil
}

// schemaPass walks the whole match once, observing identities, upgrades,
// and economy blocks without building rows. Defaulted-attribute warnings
// stay silent here; the extract pass reports them.
func (p *Pipeline) schemaPass(ctx context.Context, src source.Source) (*schema.Schema, error) {
	ctx, span := telemetry.StartSpan(ctx, "match.schema_pass")
	defer span.End()

	acc := schema.NewAccumulator()
	_, _, err := p.walk(ctx, src, true, func(sn *model.Snapshot, records map[model.StableID]*track.Record, aggregates map[model.Side]aggregate.State) error {
		acc.Observe(records, aggregates)
		return nil
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	s := acc.Freeze()
	telemetry.SetAttributes(ctx, attribute.Int("columns", s.Len()))
	return s, nil
}

type passResult struct {
	rows     []widerow.Row
	messages []model.ChatMessage
	ticks    int64
	warnings int64
}

// extractPass builds one row per sampled tick. With an emit function the
// rows stream straight to the sink; without one they are buffered for a
// later write against the final schema. Chat lines are collected either
// way.
func (p *Pipeline) extractPass(ctx context.Context, src source.Source, strat schema.Strategy, emit func(widerow.Row) error) (*passResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "match.extract_pass")
	defer span.End()

	out := &passResult{}
	ticks, warnings, err := p.walk(ctx, src, false, func(sn *model.Snapshot, records map[model.StableID]*track.Record, aggregates map[model.Side]aggregate.State) error {
		strat.Observe(records, aggregates)
		row, err := widerow.Build(sn.Tick, records, aggregates, strat.Schema())
		if err != nil {
			return err
		}
		if emit == nil {
			out.rows = append(out.rows, row)
		} else if err := emit(row); err != nil {
			return err
		}
		out.messages = append(out.messages, sn.Messages...)
		return nil
	})
	out.ticks, out.warnings = ticks, warnings
	if err != nil {
		telemetry.RecordError(ctx, err)
		return out, err
	}
	telemetry.SetAttributes(ctx,
		attribute.Int64("ticks", ticks),
		attribute.Int64("warnings", warnings),
	)
	return out, nil
}

type tickFunc func(sn *model.Snapshot, records map[model.StableID]*track.Record, aggregates map[model.Side]aggregate.State) error

// walk advances src by the configured stride and feeds each sampled
// snapshot through a fresh tracker and extractor, strictly in tick order.
func (p *Pipeline) walk(ctx context.Context, src source.Source, silent bool, fn tickFunc) (ticks, warnings int64, err error) {
	tr := track.New()
	ex := aggregate.NewExtractor()
	if silent {
		tr.SetLogger(nil)
		ex.SetLogger(nil)
	} else {
		tr.SetLogger(p.logger)
		ex.SetLogger(p.logger)
	}
	count := func() int64 { return tr.Warnings() + ex.Warnings() }
	stride := p.opts.stride()

	for {
		ended, err := src.Advance(ctx, stride)
		if err != nil {
			return ticks, count(), err
		}
		if ended {
			return ticks, count(), nil
		}
		sn, err := src.Snapshot()
		if err != nil {
			return ticks, count(), err
		}
		p.lastTick = sn.Tick

		records, err := tr.Process(sn.Tick, sn.Entities, sn.Removed)
		if err != nil {
			return ticks, count(), err
		}
		aggregates := ex.ExtractAll(sn.Tick, sn.Players)
		if err := fn(sn, records, aggregates); err != nil {
			return ticks, count(), err
		}
		ticks++
	}
}

// finalize writes the remaining artifacts and commits the wide table
// last: if the wide table exists, the schema and message artifacts
// beside it are complete. The message table is written even when no
// chat was seen.
func (p *Pipeline) finalize(ctx context.Context, w *sink.WideWriter, replayPath string, meta sink.Meta, s *schema.Schema, messages []model.ChatMessage) (*sink.Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "match.write")
	defer span.End()

	if err := p.opts.Sink.WriteSchemaDoc(replayPath, sink.NewSchemaDoc(meta, s)); err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	mw, err := sink.NewMessagesWriter(p.opts.Sink, replayPath, meta)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	for _, m := range messages {
		if err := mw.Append(m); err != nil {
			mw.Abort()
			telemetry.RecordError(ctx, err)
			return nil, err
		}
	}
	if _, err := mw.Close(); err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	wres, err := w.Close()
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	telemetry.SetAttributes(ctx,
		attribute.Int64("rows", wres.Rows),
		attribute.Int64("bytes", wres.Bytes),
	)
	return wres, nil
}

// classify maps a failure to its coded form and pins the tick at
// failure. A deadline hit during any phase is the match timeout,
// whatever error the dying engine surfaced first.
func (p *Pipeline) classify(ctx context.Context, replayPath string, err error) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		if !errors.IsCode(err, errors.CodeTimeout) {
			return errors.Wrap(err, errors.CodeTimeout, "match exceeded wall-clock budget").
				WithContext("replay", replayPath).
				WithContext("budget", p.budget).
				WithContext("tick", int64(p.lastTick))
		}
	case context.Canceled:
		if !errors.IsCode(err, errors.CodeCanceled) {
			return errors.Wrap(err, errors.CodeCanceled, "match canceled").
				WithContext("tick", int64(p.lastTick))
		}
	}

	rfe, ok := err.(*errors.ReplayFlowError)
	if !ok {
		return errors.Wrap(err, errors.CodeUnknown, "match failed").
			WithContext("tick", int64(p.lastTick))
	}
	if _, has := rfe.Context["tick"]; !has {
		rfe.WithContext("tick", int64(p.lastTick))
	}
	return rfe
}
