package batch

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/replayflow/replayflow/internal/model"
	"github.com/replayflow/replayflow/pkg/checkpoint"
	"github.com/replayflow/replayflow/pkg/errors"
	"github.com/replayflow/replayflow/pkg/extract"
	"github.com/replayflow/replayflow/pkg/sink"
	"github.com/replayflow/replayflow/pkg/source"
)

var quiet = log.New(io.Discard, "", 0)

func ent(key model.EntityKey, side model.Side, cat string, x float64) model.RawEntity {
	return model.RawEntity{
		Key: key, Side: side, Class: model.ClassUnit, Category: cat,
		Pos:    model.Position{X: x, Y: 2, Z: 0},
		Health: 45, HealthMax: 45,
	}
}

// script builds a small healthy match with seed-dependent economy so
// different replays produce different tables.
func script(steps int, seed int64) *source.Script {
	sc := &source.Script{}
	for i := 0; i < steps; i++ {
		tick := model.Tick((i + 1) * 8)
		sn := model.Snapshot{
			Tick: tick,
			Players: map[model.Side]model.PlayerState{
				model.Side1: {Minerals: seed + int64(i*50), FoodUsed: 10},
				model.Side2: {Minerals: seed + int64(i*40), FoodUsed: 9},
			},
			Entities: []model.RawEntity{ent(1, model.Side1, "scv", 10)},
		}
		if i >= 1 {
			sn.Entities = append(sn.Entities, ent(21, model.Side2, "probe", 90))
		}
		sc.Snapshots = append(sc.Snapshots, sn)
	}
	return sc
}

// registry builds a factory serving the same script set from a fresh
// engine per worker, capturing every engine it hands out.
type registry struct {
	mu      sync.Mutex
	scripts map[string]*source.Script
	engines []*source.ScriptedEngine
}

func newRegistry() *registry {
	return &registry{scripts: make(map[string]*source.Script)}
}

func (r *registry) add(path string, sc *source.Script) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[path] = sc
}

func (r *registry) factory() (source.Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	eng := source.NewScriptedEngine()
	for path, sc := range r.scripts {
		eng.Register(path, sc)
	}
	r.engines = append(r.engines, eng)
	return eng, nil
}

func (r *registry) totalRestarts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.engines {
		n += e.Restarts()
	}
	return n
}

func run(t *testing.T, reg *registry, opts Options, replays []string) *Summary {
	t.Helper()
	o, err := New(reg.factory, opts)
	if err != nil {
		t.Fatal(err)
	}
	sum, err := o.Run(context.Background(), replays)
	if err != nil {
		t.Fatal(err)
	}
	return sum
}

func readWide(t *testing.T, cfg sink.Config, replay string) *sink.Table {
	t.Helper()
	tbl, err := sink.ReadParquet(context.Background(), cfg.WideTablePath(replay))
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

// A failing match must not disturb its siblings: the survivors'
// artifacts are identical to what a solo run of each produces.
func TestOrchestrator_IsolatesFailingMatch(t *testing.T) {
	bad := script(6, 100)
	// Duplicate key at the fifth sampled tick.
	bad.Snapshots[4].Entities = append(bad.Snapshots[4].Entities,
		ent(1, model.Side1, "scv", 55))

	reg := newRegistry()
	reg.add("m1.SC2Replay", script(6, 50))
	reg.add("m2.SC2Replay", bad)
	reg.add("m3.SC2Replay", script(4, 70))

	batchCfg := sink.Config{Dir: t.TempDir()}
	sum := run(t, reg, Options{
		Extract: extract.Options{Mode: extract.ModeTwoPass, Sink: batchCfg, Logger: quiet},
		Logger:  quiet,
	}, []string{"m1.SC2Replay", "m2.SC2Replay", "m3.SC2Replay"})

	if got := sum.Successful; len(got) != 2 || got[0] != "m1.SC2Replay" || got[1] != "m3.SC2Replay" {
		t.Fatalf("successful = %v", got)
	}
	if len(sum.Failed) != 1 || sum.Failed[0].Replay != "m2.SC2Replay" {
		t.Fatalf("failed = %v", sum.Failed)
	}
	if !errors.IsCode(sum.Failed[0].Err, errors.CodeMalformedSnapshot) {
		t.Fatalf("m2 err = %v", sum.Failed[0].Err)
	}
	if sum.RowsWritten != 6+4 {
		t.Errorf("rows written = %d, want 10", sum.RowsWritten)
	}
	for _, r := range []string{"m1.SC2Replay", "m2.SC2Replay", "m3.SC2Replay"} {
		if _, ok := sum.Timings[r]; !ok {
			t.Errorf("no timing recorded for %s", r)
		}
	}

	// Solo runs of the survivors for comparison.
	soloCfg := sink.Config{Dir: t.TempDir()}
	for _, replay := range []string{"m1.SC2Replay", "m3.SC2Replay"} {
		eng, _ := reg.factory()
		res := extract.New(eng, extract.Options{
			Mode: extract.ModeTwoPass, Sink: soloCfg, Logger: quiet,
		}).Run(context.Background(), replay)
		if !res.Succeeded() {
			t.Fatalf("solo %s: %+v", replay, res)
		}

		batch := readWide(t, batchCfg, replay)
		solo := readWide(t, soloCfg, replay)
		if len(batch.Columns) != len(solo.Columns) {
			t.Fatalf("%s: column counts differ: %d vs %d", replay, len(batch.Columns), len(solo.Columns))
		}
		if len(batch.Rows) != len(solo.Rows) {
			t.Fatalf("%s: row counts differ: %d vs %d", replay, len(batch.Rows), len(solo.Rows))
		}
		for i := range batch.Rows {
			for _, col := range batch.Columns {
				a, b := batch.Rows[i][col], solo.Rows[i][col]
				if a.String() != b.String() {
					t.Fatalf("%s row %d column %s: batch=%s solo=%s", replay, i, col, a, b)
				}
			}
		}
	}
}

func TestOrchestrator_TimeoutFailsAndRestartsEngine(t *testing.T) {
	hung := script(6, 10)
	hung.HangFromTick = 24

	reg := newRegistry()
	reg.add("hang.SC2Replay", hung)

	sum := run(t, reg, Options{
		MatchTimeout: 30 * time.Millisecond,
		RetryPasses:  1,
		Extract:      extract.Options{Sink: sink.Config{Dir: t.TempDir()}, Logger: quiet},
		Logger:       quiet,
	}, []string{"hang.SC2Replay"})

	if len(sum.Failed) != 1 {
		t.Fatalf("failed = %v", sum.Failed)
	}
	if !errors.IsCode(sum.Failed[0].Err, errors.CodeTimeout) {
		t.Fatalf("err = %v, want %s", sum.Failed[0].Err, errors.CodeTimeout)
	}
	if !errors.IsRetryable(sum.Failed[0].Err) {
		t.Error("timeout must be retryable")
	}
	// One engine per pass, each restarted after its timed-out match.
	if len(reg.engines) != 2 {
		t.Errorf("engines created = %d, want 2 (main pass + retry pass)", len(reg.engines))
	}
	if got := reg.totalRestarts(); got < 1 {
		t.Errorf("engine restarts = %d, want at least 1", got)
	}
}

func TestOrchestrator_RetryPassRecoversFlakyMatch(t *testing.T) {
	reg := newRegistry()
	reg.add("flaky.SC2Replay", script(5, 30))
	reg.add("steady.SC2Replay", script(3, 60))

	// Fail the first load of the flaky replay with a retryable code.
	var flaked atomic.Bool
	factory := func() (source.Engine, error) {
		eng, err := reg.factory()
		if err != nil {
			return nil, err
		}
		return &gatedEngine{Engine: eng, path: "flaky.SC2Replay", tripped: &flaked}, nil
	}

	cfg := sink.Config{Dir: t.TempDir()}
	o, err := New(factory, Options{
		RetryPasses: 1,
		Extract:     extract.Options{Sink: cfg, Logger: quiet},
		Logger:      quiet,
	})
	if err != nil {
		t.Fatal(err)
	}
	sum, err := o.Run(context.Background(), []string{"flaky.SC2Replay", "steady.SC2Replay"})
	if err != nil {
		t.Fatal(err)
	}

	if len(sum.Successful) != 2 || len(sum.Failed) != 0 {
		t.Fatalf("successful=%v failed=%v", sum.Successful, sum.Failed)
	}
	if tbl := readWide(t, cfg, "flaky.SC2Replay"); len(tbl.Rows) != 5 {
		t.Errorf("flaky rows = %d, want 5", len(tbl.Rows))
	}
}

// gatedEngine fails the first Load of one path, then delegates.
type gatedEngine struct {
	source.Engine
	path    string
	tripped *atomic.Bool
}

func (g *gatedEngine) Load(ctx context.Context, replayPath string) (source.Source, error) {
	if replayPath == g.path && g.tripped.CompareAndSwap(false, true) {
		return nil, errors.New(errors.CodeEngineStart, "engine came up sideways")
	}
	return g.Engine.Load(ctx, replayPath)
}

func TestOrchestrator_ResumeSkipsCompleted(t *testing.T) {
	store, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	prior := checkpoint.Entry{
		Replay: "m1", Path: "m1.SC2Replay", RunID: "prior-run",
		Rows: 6, CompletedAt: time.Now().UTC(),
	}
	if err := store.MarkDone(context.Background(), prior); err != nil {
		t.Fatal(err)
	}

	reg := newRegistry()
	reg.add("m1.SC2Replay", script(6, 10))
	reg.add("m2.SC2Replay", script(3, 20))

	sum := run(t, reg, Options{
		Resume:     true,
		Checkpoint: store,
		Extract:    extract.Options{Sink: sink.Config{Dir: t.TempDir()}, Logger: quiet},
		Logger:     quiet,
	}, []string{"m1.SC2Replay", "m2.SC2Replay"})

	if len(sum.Skipped) != 1 || sum.Skipped[0] != "m1.SC2Replay" {
		t.Fatalf("skipped = %v", sum.Skipped)
	}
	if len(sum.Successful) != 1 || sum.Successful[0] != "m2.SC2Replay" {
		t.Fatalf("successful = %v", sum.Successful)
	}
	if _, ok := sum.Timings["m1.SC2Replay"]; ok {
		t.Error("skipped replay should have no timing")
	}

	// The fresh completion is recorded alongside the prior one.
	done, err := store.Done(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 2 {
		t.Fatalf("done entries = %d, want 2", len(done))
	}
	for _, e := range done {
		if e.Replay == "m2" && e.RunID != sum.RunID {
			t.Errorf("m2 run id = %q, want %q", e.RunID, sum.RunID)
		}
	}
}

func TestOrchestrator_PanicFailsOnlyThatMatch(t *testing.T) {
	reg := newRegistry()
	reg.add("ok.SC2Replay", script(4, 10))

	factory := func() (source.Engine, error) {
		eng, err := reg.factory()
		if err != nil {
			return nil, err
		}
		return &boobyTrappedEngine{Engine: eng, path: "boom.SC2Replay"}, nil
	}

	cfg := sink.Config{Dir: t.TempDir()}
	o, err := New(factory, Options{
		Extract: extract.Options{Sink: cfg, Logger: quiet},
		Logger:  quiet,
	})
	if err != nil {
		t.Fatal(err)
	}
	sum, err := o.Run(context.Background(), []string{"boom.SC2Replay", "ok.SC2Replay"})
	if err != nil {
		t.Fatal(err)
	}

	if len(sum.Successful) != 1 || sum.Successful[0] != "ok.SC2Replay" {
		t.Fatalf("successful = %v", sum.Successful)
	}
	if len(sum.Failed) != 1 || !errors.IsCode(sum.Failed[0].Err, errors.CodeWorkerPanic) {
		t.Fatalf("failed = %v", sum.Failed)
	}
	if errors.IsRetryable(sum.Failed[0].Err) {
		t.Error("panic must not be retryable")
	}
	if tbl := readWide(t, cfg, "ok.SC2Replay"); len(tbl.Rows) != 4 {
		t.Errorf("ok rows = %d, want 4", len(tbl.Rows))
	}
}

// boobyTrappedEngine panics inside Load for one path.
type boobyTrappedEngine struct {
	source.Engine
	path string
}

func (b *boobyTrappedEngine) Load(ctx context.Context, replayPath string) (source.Source, error) {
	if replayPath == b.path {
		panic("engine bridge wrote to a closed pipe")
	}
	return b.Engine.Load(ctx, replayPath)
}

func TestOrchestrator_CancelledRunAccountsEveryReplay(t *testing.T) {
	reg := newRegistry()
	reg.add("m1.SC2Replay", script(3, 10))
	reg.add("m2.SC2Replay", script(3, 20))

	o, err := New(reg.factory, Options{
		Extract: extract.Options{Sink: sink.Config{Dir: t.TempDir()}, Logger: quiet},
		Logger:  quiet,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := o.Run(ctx, []string{"m1.SC2Replay", "m2.SC2Replay"})
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Failed) != 2 {
		t.Fatalf("failed = %v", sum.Failed)
	}
	for _, f := range sum.Failed {
		if !errors.IsCode(f.Err, errors.CodeCanceled) {
			t.Errorf("%s err = %v, want %s", f.Replay, f.Err, errors.CodeCanceled)
		}
	}
}

func TestOrchestrator_RejectsCollidingStems(t *testing.T) {
	reg := newRegistry()
	o, err := New(reg.factory, Options{Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}
	_, err = o.Run(context.Background(), []string{"a/m1.SC2Replay", "b/m1.SC2Replay"})
	if err == nil {
		t.Fatal("colliding stems accepted")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Error("nil factory accepted")
	}
	reg := newRegistry()
	if _, err := New(reg.factory, Options{Resume: true}); err == nil {
		t.Error("resume without checkpoint store accepted")
	}
}

func TestOrchestrator_EmptyRun(t *testing.T) {
	reg := newRegistry()
	sum := run(t, reg, Options{Logger: quiet}, nil)
	if sum.Attempted() != 0 || len(sum.Skipped) != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.RunID == "" {
		t.Error("empty run still needs a run id")
	}
}
