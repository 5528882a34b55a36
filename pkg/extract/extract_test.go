package extract

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/replayflow/replayflow/internal/model"
	"github.com/replayflow/replayflow/pkg/errors"
	"github.com/replayflow/replayflow/pkg/sink"
	"github.com/replayflow/replayflow/pkg/source"
)

func ent(key model.EntityKey, side model.Side, class model.Class, cat string, x float64) model.RawEntity {
	e := model.RawEntity{
		Key: key, Side: side, Class: class, Category: cat,
		Pos:    model.Position{X: x, Y: 1, Z: 0},
		Health: 45, HealthMax: 45,
	}
	if class == model.ClassBuilding {
		e.Health, e.HealthMax = 500, 500
		e.BuildProgress = 1
	}
	return e
}

// matchScript builds a small match: an scv from the start, a marine from
// step 2, a zealot on the other side from step 3, chat at the first and
// last sampled ticks.
func matchScript(steps int) *source.Script {
	sc := &source.Script{}
	for i := 0; i < steps; i++ {
		tick := model.Tick((i + 1) * 8)
		sn := model.Snapshot{
			Tick: tick,
			Players: map[model.Side]model.PlayerState{
				model.Side1: {Minerals: int64(50 * (i + 1)), FoodUsed: 12},
				model.Side2: {Minerals: int64(40 * (i + 1)), FoodUsed: 11},
			},
			Entities: []model.RawEntity{ent(1, model.Side1, model.ClassUnit, "scv", 10)},
		}
		if i >= 2 {
			sn.Entities = append(sn.Entities, ent(11, model.Side1, model.ClassUnit, "marine", 20))
		}
		if i >= 3 {
			sn.Entities = append(sn.Entities, ent(21, model.Side2, model.ClassUnit, "zealot", 90))
		}
		if i == 0 {
			sn.Messages = []model.ChatMessage{{Tick: tick, Side: model.Side1, Text: "gl hf"}}
		}
		if i == steps-1 {
			sn.Messages = []model.ChatMessage{{Tick: tick, Side: model.Side2, Text: "gg"}}
		}
		sc.Snapshots = append(sc.Snapshots, sn)
	}
	return sc
}

func newEngine(t *testing.T, replay string, sc *source.Script) *source.ScriptedEngine {
	t.Helper()
	eng := source.NewScriptedEngine()
	eng.Register(replay, sc)
	return eng
}

func runMatch(t *testing.T, eng *source.ScriptedEngine, replay string, opts Options) *Result {
	t.Helper()
	return New(eng, opts).Run(context.Background(), replay)
}

func TestPipeline_TwoPass(t *testing.T) {
	const replay = "m1.SC2Replay"
	eng := newEngine(t, replay, matchScript(6))
	cfg := sink.Config{Dir: t.TempDir()}

	res := runMatch(t, eng, replay, Options{Mode: ModeTwoPass, Sink: cfg})
	if !res.Succeeded() {
		t.Fatalf("result = %+v", res)
	}
	if res.Rows != 6 || res.Ticks != 6 {
		t.Fatalf("rows=%d ticks=%d", res.Rows, res.Ticks)
	}
	if got := eng.Loads(); got != 2 {
		t.Errorf("engine loads = %d, want 2 (schema pass + extract pass)", got)
	}

	tbl, err := sink.ReadParquet(context.Background(), cfg.WideTablePath(replay))
	if err != nil {
		t.Fatal(err)
	}
	if len(tbl.Rows) != 6 {
		t.Fatalf("wide table rows = %d", len(tbl.Rows))
	}
	if tbl.Meta["replayflow:mode"] != "two_pass" {
		t.Errorf("mode metadata = %q", tbl.Meta["replayflow:mode"])
	}
	// Marine discovered at step 2 still has a column in every row.
	if v, ok := tbl.Rows[0]["p1_marine_001_x"]; !ok || !v.IsMissing() {
		t.Errorf("row 0 marine x = %v, want missing", v)
	}
	if v := tbl.Rows[2]["p1_marine_001_x"]; v.Float != 20 {
		t.Errorf("row 2 marine x = %v", v.Float)
	}

	doc, err := sink.ReadSchemaDoc(cfg.SchemaDocPath(replay))
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Columns) != len(tbl.Columns) {
		t.Errorf("doc columns = %d, table columns = %d", len(doc.Columns), len(tbl.Columns))
	}

	msgs, err := sink.ReadParquet(context.Background(), cfg.MessagesPath(replay))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs.Rows) != 2 {
		t.Fatalf("message rows = %d", len(msgs.Rows))
	}
	if v := msgs.Rows[0]["message"]; v.Str != "gl hf" {
		t.Errorf("first message = %q", v.Str)
	}
	if v := msgs.Rows[1]["message"]; v.Str != "gg" {
		t.Errorf("last message = %q", v.Str)
	}
}

func TestPipeline_SinglePassMatchesTwoPass(t *testing.T) {
	const replay = "m2.SC2Replay"

	cfgTwo := sink.Config{Dir: t.TempDir()}
	resTwo := runMatch(t, newEngine(t, replay, matchScript(5)), replay,
		Options{Mode: ModeTwoPass, Sink: cfgTwo})
	if !resTwo.Succeeded() {
		t.Fatalf("two-pass: %+v", resTwo)
	}

	cfgOne := sink.Config{Dir: t.TempDir()}
	eng := newEngine(t, replay, matchScript(5))
	resOne := runMatch(t, eng, replay, Options{Mode: ModeSinglePass, Sink: cfgOne})
	if !resOne.Succeeded() {
		t.Fatalf("single-pass: %+v", resOne)
	}
	if got := eng.Loads(); got != 1 {
		t.Errorf("single-pass loads = %d, want 1", got)
	}

	two, err := sink.ReadParquet(context.Background(), cfgTwo.WideTablePath(replay))
	if err != nil {
		t.Fatal(err)
	}
	one, err := sink.ReadParquet(context.Background(), cfgOne.WideTablePath(replay))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(two.Columns, one.Columns) {
		t.Fatal("modes disagree on column list")
	}
	if len(two.Rows) != len(one.Rows) {
		t.Fatalf("row counts differ: %d vs %d", len(two.Rows), len(one.Rows))
	}
	for i := range two.Rows {
		for _, col := range two.Columns {
			a, b := two.Rows[i][col], one.Rows[i][col]
			if a.String() != b.String() {
				t.Fatalf("row %d column %s: two_pass=%s single_pass=%s", i, col, a, b)
			}
		}
	}
}

func TestPipeline_MalformedSnapshotFails(t *testing.T) {
	const replay = "dup.SC2Replay"
	sc := matchScript(6)
	// Duplicate key mid-match.
	sc.Snapshots[4].Entities = append(sc.Snapshots[4].Entities,
		ent(1, model.Side1, model.ClassUnit, "scv", 99))

	dir := t.TempDir()
	res := runMatch(t, newEngine(t, replay, sc), replay,
		Options{Mode: ModeTwoPass, Sink: sink.Config{Dir: dir}})

	if res.State != StateFailed {
		t.Fatalf("state = %s", res.State)
	}
	if !errors.IsCode(res.Err, errors.CodeMalformedSnapshot) {
		t.Fatalf("err = %v", res.Err)
	}
	rfe, ok := res.Err.(*errors.ReplayFlowError)
	if !ok || rfe.Context["tick"] != int64(40) {
		t.Errorf("tick context = %v", res.Err)
	}

	// The failure hit the schema pass, before any artifact opened.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("leftover artifacts: %v", entries)
	}
}

func TestPipeline_SinglePassAbortsOnFailure(t *testing.T) {
	const replay = "dup2.SC2Replay"
	sc := matchScript(6)
	sc.Snapshots[4].Entities = append(sc.Snapshots[4].Entities,
		ent(1, model.Side1, model.ClassUnit, "scv", 99))

	dir := t.TempDir()
	res := runMatch(t, newEngine(t, replay, sc), replay,
		Options{Mode: ModeSinglePass, Sink: sink.Config{Dir: dir}})
	if res.State != StateFailed {
		t.Fatalf("state = %s", res.State)
	}
	if res.Ticks != 4 {
		t.Errorf("ticks before failure = %d, want 4", res.Ticks)
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, "*.parquet"))
	if len(leftovers) != 0 {
		t.Errorf("leftover parquet files: %v", leftovers)
	}
}

func TestPipeline_TimeoutMapsToTimeoutCode(t *testing.T) {
	const replay = "hang.SC2Replay"
	sc := matchScript(6)
	sc.HangFromTick = 24

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	eng := newEngine(t, replay, sc)
	res := New(eng, Options{Mode: ModeTwoPass, Sink: sink.Config{Dir: t.TempDir()}}).Run(ctx, replay)

	if res.State != StateFailed {
		t.Fatalf("state = %s", res.State)
	}
	if !errors.IsCode(res.Err, errors.CodeTimeout) {
		t.Fatalf("err = %v, want %s", res.Err, errors.CodeTimeout)
	}
	if !errors.IsRetryable(res.Err) {
		t.Error("timeout should be retryable")
	}
}

func TestPipeline_UnknownReplayFails(t *testing.T) {
	eng := source.NewScriptedEngine()
	res := New(eng, Options{Sink: sink.Config{Dir: t.TempDir()}}).
		Run(context.Background(), "missing.SC2Replay")

	if res.State != StateFailed {
		t.Fatalf("state = %s", res.State)
	}
	if !errors.IsCode(res.Err, errors.CodeReplayNotFound) {
		t.Fatalf("err = %v", res.Err)
	}
	if errors.IsRetryable(res.Err) {
		t.Error("missing replay must not be retryable")
	}
}

func TestPipeline_EmptyChatStillWritesMessages(t *testing.T) {
	const replay = "quiet.SC2Replay"
	sc := matchScript(3)
	for i := range sc.Snapshots {
		sc.Snapshots[i].Messages = nil
	}
	cfg := sink.Config{Dir: t.TempDir()}
	res := runMatch(t, newEngine(t, replay, sc), replay, Options{Mode: ModeTwoPass, Sink: cfg})
	if !res.Succeeded() {
		t.Fatalf("result = %+v", res)
	}
	msgs, err := sink.ReadParquet(context.Background(), cfg.MessagesPath(replay))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs.Rows) != 0 {
		t.Errorf("message rows = %d, want 0", len(msgs.Rows))
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"two_pass", ModeTwoPass, false},
		{"single_pass", ModeSinglePass, false},
		{"three_pass", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
