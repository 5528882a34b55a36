// Package batch fans a replay set out over a fixed pool of workers.
// Each worker owns exactly one engine instance and runs matches through
// pkg/extract sequentially; engines are never shared and workers share
// no mutable state, so a failing match can never corrupt a sibling.
//
// Failure containment is the core contract: per-match errors fold into
// the Summary, a panic inside one match fails only that match, and a
// timed-out match gets its engine killed and restarted before the
// worker takes the next job. Retryable failures get bounded extra
// passes at the end of the run.
package batch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/replayflow/replayflow/pkg/checkpoint"
	"github.com/replayflow/replayflow/pkg/errors"
	"github.com/replayflow/replayflow/pkg/extract"
	"github.com/replayflow/replayflow/pkg/sink"
	"github.com/replayflow/replayflow/pkg/source"
	"github.com/replayflow/replayflow/pkg/tui"
)

const (
	// DefaultWorkers is the number of concurrent engine instances.
	DefaultWorkers = 4

	// DefaultMatchTimeout bounds one match end to end, including both
	// passes and the final write.
	DefaultMatchTimeout = 10 * time.Minute

	// DefaultRestartEvery restarts a worker's engine after each match.
	// Replay engines leak state across loads; a fresh process per match
	// is the safe default.
	DefaultRestartEvery = 1
)

// Options configures an orchestrator run. The zero value runs four
// workers with a ten-minute match budget and a fresh engine per match,
// without retries or checkpointing.
type Options struct {
	// Workers is the number of concurrent engines.
	Workers int

	// MatchTimeout is the wall-clock budget for one match. On expiry
	// the match fails with the timeout code and the worker's engine is
	// restarted before the next job.
	MatchTimeout time.Duration

	// RestartEvery restarts a worker's engine after this many matches.
	RestartEvery int

	// RetryPasses is how many extra passes run over retryable failures.
	// Zero disables retries; negative is treated as zero.
	RetryPasses int

	// Resume skips replays the checkpoint store already records as
	// complete. Requires Checkpoint.
	Resume bool

	// Checkpoint records each successful match when set. A failing
	// checkpoint write is logged, never surfaced as a match failure.
	Checkpoint checkpoint.Store

	// Extract configures the per-match pipeline shared by all workers.
	Extract extract.Options

	// Progress renders a terminal progress bar per pass.
	Progress bool

	Logger *log.Logger
}

func (o Options) workers() int {
	if o.Workers <= 0 {
		return DefaultWorkers
	}
	return o.Workers
}

func (o Options) matchTimeout() time.Duration {
	if o.MatchTimeout <= 0 {
		return DefaultMatchTimeout
	}
	return o.MatchTimeout
}

func (o Options) restartEvery() int {
	if o.RestartEvery <= 0 {
		return DefaultRestartEvery
	}
	return o.RestartEvery
}

func (o Options) retryPasses() int {
	if o.RetryPasses < 0 {
		return 0
	}
	return o.RetryPasses
}

// Failure pairs a replay with the coded error that sank it.
type Failure struct {
	Replay string
	Err    error
}

// Summary aggregates one orchestrator run. Every replay passed to Run
// lands in exactly one of Successful, Failed, or Skipped; Timings holds
// the last attempt's duration for every attempted replay.
type Summary struct {
	RunID           string
	Successful      []string
	Failed          []Failure
	Skipped         []string
	Timings         map[string]time.Duration
	TotalDuration   time.Duration
	AverageDuration time.Duration
	RowsWritten     int64

	// Matches holds the last attempt's full result for every attempted
	// replay, in input order. The report workbook is built from these.
	Matches []*extract.Result
}

// Attempted returns how many replays actually ran.
func (s *Summary) Attempted() int {
	return len(s.Successful) + len(s.Failed)
}

// Orchestrator runs replay sets through engine-owning workers.
type Orchestrator struct {
	factory source.Factory
	opts    Options
	logger  *log.Logger
}

// New creates an orchestrator. The factory is called once per worker
// per pass; every engine it returns is owned and closed by its worker.
func New(factory source.Factory, opts Options) (*Orchestrator, error) {
	if factory == nil {
		return nil, errors.New(errors.CodeEngineStart, "batch requires an engine factory")
	}
	if opts.Resume && opts.Checkpoint == nil {
		return nil, errors.New(errors.CodeCheckpoint, "resume requires a checkpoint store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{factory: factory, opts: opts, logger: logger}, nil
}

// Run processes every replay and returns the aggregated summary. The
// returned error covers run-level problems only (bad input set, no
// worker could start); per-match failures are reported in the summary.
// Cancelling ctx stops workers after their current match; replays never
// attempted are reported failed with the cancellation code.
func (o *Orchestrator) Run(ctx context.Context, replays []string) (*Summary, error) {
	start := time.Now()
	sum := &Summary{
		RunID:   uuid.NewString(),
		Timings: make(map[string]time.Duration, len(replays)),
	}

	if err := checkStems(replays); err != nil {
		return nil, err
	}

	pending, skipped, err := o.filterDone(ctx, replays)
	if err != nil {
		return nil, err
	}
	sum.Skipped = skipped

	c := &collector{
		outcomes: make(map[string]*extract.Result, len(pending)),
		store:    o.opts.Checkpoint,
		runID:    sum.RunID,
		logger:   o.logger,
	}

	for pass := 0; pass <= o.opts.retryPasses(); pass++ {
		if len(pending) == 0 || ctx.Err() != nil {
			break
		}
		if pass > 0 {
			o.logger.Printf("batch: retry pass %d over %d replays", pass, len(pending))
		}
		if err := o.runPass(ctx, pending, c); err != nil {
			return nil, err
		}
		pending = c.retryable(pending)
	}

	// A cancellation before or between passes can leave replays with no
	// outcome at all. Mark them so every non-skipped replay is accounted
	// for.
	skippedSet := make(map[string]bool, len(skipped))
	for _, r := range skipped {
		skippedSet[r] = true
	}
	for _, r := range replays {
		if skippedSet[r] || c.has(r) {
			continue
		}
		c.record(ctx, &extract.Result{
			Replay: r,
			State:  extract.StateFailed,
			Err:    errors.Canceled("match not started").WithContext("replay", r),
		})
	}

	for _, replay := range replays {
		res, ok := c.outcomes[replay]
		if !ok {
			continue // skipped via checkpoint
		}
		sum.Matches = append(sum.Matches, res)
		sum.Timings[replay] = res.Duration
		if res.Succeeded() {
			sum.Successful = append(sum.Successful, replay)
			sum.RowsWritten += res.Rows
		} else {
			sum.Failed = append(sum.Failed, Failure{Replay: replay, Err: res.Err})
		}
	}
	sum.TotalDuration = time.Since(start)
	if n := sum.Attempted(); n > 0 {
		var total time.Duration
		for _, d := range sum.Timings {
			total += d
		}
		sum.AverageDuration = total / time.Duration(n)
	}
	return sum, nil
}

// checkStems rejects input sets whose stems collide. Artifacts are
// keyed by stem; two replays sharing one would silently overwrite each
// other's output.
func checkStems(replays []string) error {
	seen := make(map[string]string, len(replays))
	for _, r := range replays {
		stem := sink.Stem(r)
		if prev, ok := seen[stem]; ok {
			return fmt.Errorf("replays %s and %s share the output stem %q", prev, r, stem)
		}
		seen[stem] = r
	}
	return nil
}

// filterDone splits the input into pending and already-done sets when
// resume is enabled.
func (o *Orchestrator) filterDone(ctx context.Context, replays []string) (pending, skipped []string, err error) {
	if !o.opts.Resume {
		return replays, nil, nil
	}
	for _, r := range replays {
		done, err := o.opts.Checkpoint.IsDone(ctx, sink.Stem(r))
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.CodeCheckpoint, "consulting checkpoint store").
				WithContext("replay", r)
		}
		if done {
			skipped = append(skipped, r)
		} else {
			pending = append(pending, r)
		}
	}
	return pending, skipped, nil
}

// runPass fans one replay list over the worker pool. The job channel is
// buffered with the whole list so workers never block producing, and
// leftovers are drained and marked after the pool exits.
func (o *Orchestrator) runPass(ctx context.Context, replays []string, c *collector) error {
	jobs := make(chan string, len(replays))
	for _, r := range replays {
		jobs <- r
	}
	close(jobs)

	var bar *progressbar.ProgressBar
	if o.opts.Progress {
		bar = tui.ShowProgress(int64(len(replays)), "extracting")
	}
	c.setBar(bar)
	defer c.setBar(nil)

	workers := o.opts.workers()
	if workers > len(replays) {
		workers = len(replays)
	}

	var started atomic.Int32
	var startErr struct {
		mu  sync.Mutex
		err error
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		id := i
		g.Go(func() error {
			engine, err := o.factory()
			if err != nil {
				o.logger.Printf("batch: worker %d: engine start failed: %v", id, err)
				startErr.mu.Lock()
				if startErr.err == nil {
					startErr.err = err
				}
				startErr.mu.Unlock()
				return nil // siblings carry the pass
			}
			started.Add(1)
			o.runWorker(gctx, id, engine, jobs, c)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if started.Load() == 0 && workers > 0 {
		return errors.Wrap(startErr.err, errors.CodeEngineStart, "no worker could start an engine")
	}

	// Jobs nobody took: the run was cancelled or every worker lost its
	// engine. Record them so the summary accounts for every replay.
	for r := range jobs {
		var err *errors.ReplayFlowError
		if ctx.Err() != nil {
			err = errors.Canceled("match not started")
		} else {
			err = errors.New(errors.CodeEngineStart, "no worker available for match")
		}
		c.record(ctx, &extract.Result{
			Replay: r,
			State:  extract.StateFailed,
			Err:    err.WithContext("replay", r),
		})
	}
	if bar != nil {
		bar.Finish()
	}
	return nil
}

// runWorker drains the job channel through one engine, closing whatever
// engine it holds on exit. The worker exits when the channel closes,
// the context ends, or the engine dies and cannot be replaced; it never
// returns an error, so a sick worker cannot cancel its siblings.
func (o *Orchestrator) runWorker(ctx context.Context, id int, engine source.Engine, jobs <-chan string, c *collector) {
	defer func() {
		if engine != nil {
			engine.Close()
		}
	}()

	sinceRestart := 0
	for {
		select {
		case <-ctx.Done():
			return
		case replay, ok := <-jobs:
			if !ok {
				return
			}
			res := o.runMatch(ctx, engine, replay)
			c.record(ctx, res)
			sinceRestart++

			if o.needsRestart(res) || sinceRestart >= o.opts.restartEvery() {
				if engine = o.recycle(ctx, id, engine); engine == nil {
					return
				}
				sinceRestart = 0
			}
		}
	}
}

// needsRestart reports whether the match left the engine unusable. A
// timed-out match was killed mid-protocol; a protocol error means the
// conversation is desynced. Both poison the instance.
func (o *Orchestrator) needsRestart(res *extract.Result) bool {
	if res.Succeeded() {
		return false
	}
	return errors.IsCode(res.Err, errors.CodeTimeout) ||
		errors.IsCode(res.Err, errors.CodeEngineProtocol)
}

// recycle restarts the worker's engine, falling back to a whole new
// instance from the factory. Returns nil when the worker is left
// engineless and must exit.
func (o *Orchestrator) recycle(ctx context.Context, id int, engine source.Engine) source.Engine {
	err := engine.Restart(ctx)
	if err == nil {
		return engine
	}
	if ctx.Err() != nil {
		// Shutting down; the worker's deferred close handles it.
		return engine
	}
	o.logger.Printf("batch: worker %d: engine restart failed: %v", id, err)
	engine.Close()
	fresh, err := o.factory()
	if err != nil {
		o.logger.Printf("batch: worker %d: engine replacement failed, worker exiting: %v", id, err)
		return nil
	}
	return fresh
}

// runMatch runs one match under its wall-clock budget with panic
// containment. A panic anywhere in the pipeline becomes a worker-panic
// failure for this match only.
func (o *Orchestrator) runMatch(ctx context.Context, engine source.Engine, replay string) (res *extract.Result) {
	mctx, cancel := context.WithTimeout(ctx, o.opts.matchTimeout())
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			res = &extract.Result{
				Replay: replay,
				State:  extract.StateFailed,
				Err: errors.New(errors.CodeWorkerPanic, fmt.Sprintf("match panicked: %v", r)).
					WithContext("replay", replay),
			}
		}
	}()

	return extract.New(engine, o.opts.Extract).Run(mctx, replay)
}

// collector gathers match results across workers. record is the only
// place a result is observed, so the progress bar, checkpoint write,
// and outcome map always agree.
type collector struct {
	mu       sync.Mutex
	outcomes map[string]*extract.Result
	bar      *progressbar.ProgressBar
	store    checkpoint.Store
	runID    string
	logger   *log.Logger
}

func (c *collector) setBar(bar *progressbar.ProgressBar) {
	c.mu.Lock()
	c.bar = bar
	c.mu.Unlock()
}

func (c *collector) has(replay string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.outcomes[replay]
	return ok
}

func (c *collector) record(ctx context.Context, res *extract.Result) {
	c.mu.Lock()
	c.outcomes[res.Replay] = res
	bar := c.bar
	c.mu.Unlock()

	if bar != nil {
		bar.Add(1)
	}
	if c.store != nil && res.Succeeded() {
		e := checkpoint.Entry{
			Replay:      sink.Stem(res.Replay),
			Path:        res.Replay,
			RunID:       c.runID,
			Rows:        res.Rows,
			CompletedAt: time.Now().UTC(),
		}
		if err := c.store.MarkDone(ctx, e); err != nil {
			c.logger.Printf("batch: checkpoint write failed for %s: %v", res.Replay, err)
		}
	}
}

// retryable returns, in input order, the replays whose last attempt
// failed with a retryable code.
func (c *collector) retryable(replays []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, r := range replays {
		res, ok := c.outcomes[r]
		if ok && !res.Succeeded() && errors.IsRetryable(res.Err) {
			out = append(out, r)
		}
	}
	return out
}
