package track

import (
	"math"
	"testing"

	"github.com/replayflow/replayflow/internal/model"
	"github.com/replayflow/replayflow/pkg/errors"
)

func unit(key model.EntityKey, side model.Side, category string, x, y float64) model.RawEntity {
	return model.RawEntity{
		Key:      key,
		Side:     side,
		Class:    model.ClassUnit,
		Category: category,
		Pos:      model.Position{X: x, Y: y, Z: 8},
		Health:   45, HealthMax: 45,
	}
}

func building(key model.EntityKey, side model.Side, category string, progress float64) model.RawEntity {
	return model.RawEntity{
		Key:           key,
		Side:          side,
		Class:         model.ClassBuilding,
		Category:      category,
		Pos:           model.Position{X: 30, Y: 40, Z: 8},
		BuildProgress: progress,
	}
}

func mustProcess(t *testing.T, tr *Tracker, tick model.Tick, entities []model.RawEntity, removed []model.EntityKey) map[model.StableID]*Record {
	t.Helper()
	out, err := tr.Process(tick, entities, removed)
	if err != nil {
		t.Fatalf("Process(tick=%d) failed: %v", tick, err)
	}
	return out
}

func TestTracker_OrdinalMonotonicity(t *testing.T) {
	tr := New()
	tr.SetLogger(nil)

	// Tick 1: marine A appears.
	out := mustProcess(t, tr, 1, []model.RawEntity{unit(100, model.Side1, "marine", 1, 1)}, nil)
	idA := model.StableID{Side: model.Side1, Category: "marine", Ordinal: 1}
	if rec, ok := out[idA]; !ok || rec.State != UnitCreated {
		t.Fatalf("tick 1: expected %s created, got %+v", idA, out)
	}

	// Tick 2: still there.
	out = mustProcess(t, tr, 2, []model.RawEntity{unit(100, model.Side1, "marine", 2, 1)}, nil)
	if out[idA].State != UnitPersisting {
		t.Fatalf("tick 2: expected persisting, got %v", out[idA].State)
	}

	// Tick 3: gone.
	out = mustProcess(t, tr, 3, nil, nil)
	if out[idA].State != UnitRemoved {
		t.Fatalf("tick 3: expected removed, got %+v", out)
	}

	// Tick 4: nothing.
	out = mustProcess(t, tr, 4, nil, nil)
	if len(out) != 0 {
		t.Fatalf("tick 4: removal must be emitted exactly once, got %d records", len(out))
	}

	// Tick 5: a different marine appears. Must be ordinal 2, never 1.
	out = mustProcess(t, tr, 5, []model.RawEntity{unit(200, model.Side1, "marine", 5, 5)}, nil)
	idB := model.StableID{Side: model.Side1, Category: "marine", Ordinal: 2}
	if rec, ok := out[idB]; !ok || rec.State != UnitCreated {
		t.Fatalf("tick 5: expected %s created, got %+v", idB, out)
	}
	if _, reused := out[idA]; reused {
		t.Fatal("tick 5: ordinal 1 was reused after removal")
	}
}

func TestTracker_CreatedAndRemovedAdjacent(t *testing.T) {
	tr := New()
	tr.SetLogger(nil)

	out := mustProcess(t, tr, 10, []model.RawEntity{unit(7, model.Side2, "zergling", 3, 3)}, nil)
	id := model.StableID{Side: model.Side2, Category: "zergling", Ordinal: 1}
	if out[id].State != UnitCreated {
		t.Fatalf("expected created, got %v", out[id].State)
	}

	out = mustProcess(t, tr, 11, nil, nil)
	rec := out[id]
	if rec == nil || rec.State != UnitRemoved {
		t.Fatalf("expected removed on adjacent tick, got %+v", out)
	}
	if rec.RemovedTick != 11 || !rec.HasRemoved {
		t.Fatalf("removed tick = %d, want 11", rec.RemovedTick)
	}
	// Last known position is carried onto the terminal record.
	if rec.Pos.X != 3 || rec.Pos.Y != 3 {
		t.Fatalf("terminal record lost last known position: %+v", rec.Pos)
	}
}

func TestTracker_ConstructionLifecycle(t *testing.T) {
	tr := New()
	tr.SetLogger(nil)
	id := model.StableID{Side: model.Side1, Category: "barracks", Ordinal: 1}

	steps := []struct {
		tick     model.Tick
		progress float64
		want     BuildState
	}{
		{1, 0.0, BuildInitiated},
		{2, 0.4, BuildInProgress},
		{3, 1.0, BuildCompleted},
		{4, 1.0, BuildCompleted},
	}
	for _, s := range steps {
		out := mustProcess(t, tr, s.tick, []model.RawEntity{building(50, model.Side1, "barracks", s.progress)}, nil)
		rec := out[id]
		if rec == nil || rec.Build != s.want {
			t.Fatalf("tick %d: build state = %v, want %v", s.tick, rec.Build, s.want)
		}
	}

	// The completion tick is stamped once, at the first 1.0 observation.
	out := mustProcess(t, tr, 5, []model.RawEntity{building(50, model.Side1, "barracks", 1.0)}, nil)
	if got := out[id].CompletedTick; got != 3 {
		t.Fatalf("completed tick = %d, want 3", got)
	}

	// Destroyed after completion: removed, not cancelled.
	out = mustProcess(t, tr, 6, nil, nil)
	rec := out[id]
	if rec.Build != BuildRemoved || rec.Cancelled {
		t.Fatalf("expected destroy (removed, not cancelled), got %+v", rec)
	}
	if !rec.HasCompleted || rec.CompletedTick != 3 {
		t.Fatalf("destroy must keep the completion stamp, got %+v", rec)
	}
}

func TestTracker_ConstructionCancelled(t *testing.T) {
	tr := New()
	tr.SetLogger(nil)
	id := model.StableID{Side: model.Side2, Category: "spawning_pool", Ordinal: 1}

	var states []BuildState
	out := mustProcess(t, tr, 1, []model.RawEntity{building(9, model.Side2, "spawning_pool", 0.0)}, nil)
	states = append(states, out[id].Build)
	out = mustProcess(t, tr, 2, []model.RawEntity{building(9, model.Side2, "spawning_pool", 0.3)}, nil)
	states = append(states, out[id].Build)
	out = mustProcess(t, tr, 3, nil, nil)
	states = append(states, out[id].Build)

	for _, s := range states {
		if s == BuildCompleted {
			t.Fatalf("cancelled construction must never emit completed: %v", states)
		}
	}
	rec := out[id]
	if rec.Build != BuildRemoved || !rec.Cancelled {
		t.Fatalf("expected cancellation, got %+v", rec)
	}
	if rec.HasCompleted {
		t.Fatal("cancelled building must not carry a completion stamp")
	}
}

func TestTracker_FirstSeenAlreadyComplete(t *testing.T) {
	tr := New()
	tr.SetLogger(nil)

	out := mustProcess(t, tr, 40, []model.RawEntity{building(3, model.Side1, "command_center", 1.0)}, nil)
	id := model.StableID{Side: model.Side1, Category: "command_center", Ordinal: 1}
	rec := out[id]
	if rec.Build != BuildCompleted {
		t.Fatalf("expected completed on first sight, got %v", rec.Build)
	}
	// Started tick is approximated as the first-seen tick.
	if rec.StartedTick != 40 || rec.CompletedTick != 40 {
		t.Fatalf("started/completed = %d/%d, want 40/40", rec.StartedTick, rec.CompletedTick)
	}
}

func TestTracker_TieBreakByEntityKey(t *testing.T) {
	tr := New()
	tr.SetLogger(nil)

	// Supplied in descending key order; ordinals must follow ascending keys.
	out := mustProcess(t, tr, 1, []model.RawEntity{
		unit(900, model.Side1, "marine", 0, 0),
		unit(100, model.Side1, "marine", 1, 1),
		unit(500, model.Side1, "marine", 2, 2),
	}, nil)

	wantByOrdinal := map[int]float64{1: 1, 2: 2, 3: 0} // ordinal -> X of its key
	for ord, wantX := range wantByOrdinal {
		id := model.StableID{Side: model.Side1, Category: "marine", Ordinal: ord}
		rec, ok := out[id]
		if !ok {
			t.Fatalf("missing ordinal %d", ord)
		}
		if rec.Pos.X != wantX {
			t.Fatalf("ordinal %d assigned to wrong entity: x=%v, want %v", ord, rec.Pos.X, wantX)
		}
	}
}

func TestTracker_EngineRemovedList(t *testing.T) {
	tr := New()
	tr.SetLogger(nil)

	mustProcess(t, tr, 1, []model.RawEntity{unit(1, model.Side1, "scv", 0, 0)}, nil)

	// The key is absent anyway; the engine list is a cross-check, and keys
	// never tracked (key 999) are skipped.
	out := mustProcess(t, tr, 2, nil, []model.EntityKey{1, 999})
	id := model.StableID{Side: model.Side1, Category: "scv", Ordinal: 1}
	if out[id] == nil || out[id].State != UnitRemoved {
		t.Fatalf("expected removal via engine list, got %+v", out)
	}

	// A key both alive and on the list stays alive.
	mustProcess(t, tr, 3, []model.RawEntity{unit(5, model.Side1, "scv", 0, 0)}, nil)
	out = mustProcess(t, tr, 4, []model.RawEntity{unit(5, model.Side1, "scv", 1, 0)}, []model.EntityKey{5})
	id5 := model.StableID{Side: model.Side1, Category: "scv", Ordinal: 2}
	if out[id5].State != UnitPersisting {
		t.Fatalf("visible entity must not be removed by the cross-check list: %v", out[id5].State)
	}
}

func TestTracker_StructurallyInvalid(t *testing.T) {
	t.Run("duplicate key", func(t *testing.T) {
		tr := New()
		tr.SetLogger(nil)
		_, err := tr.Process(1, []model.RawEntity{
			unit(10, model.Side1, "marine", 0, 0),
			unit(10, model.Side1, "marine", 1, 1),
		}, nil)
		if !errors.IsCode(err, errors.CodeMalformedSnapshot) {
			t.Fatalf("expected E201, got %v", err)
		}
	})

	t.Run("tick not increasing", func(t *testing.T) {
		tr := New()
		tr.SetLogger(nil)
		mustProcess(t, tr, 5, nil, nil)
		_, err := tr.Process(5, nil, nil)
		if !errors.IsCode(err, errors.CodeMalformedSnapshot) {
			t.Fatalf("expected E201, got %v", err)
		}
	})
}

func TestTracker_DefaultedAttributes(t *testing.T) {
	tr := New()
	tr.SetLogger(nil)

	bad := unit(1, model.Side1, "marine", 0, 0)
	bad.Health = -5
	bad.Energy = math.NaN()
	bad.Pos.X = math.Inf(1)

	out := mustProcess(t, tr, 1, []model.RawEntity{bad}, nil)
	id := model.StableID{Side: model.Side1, Category: "marine", Ordinal: 1}
	rec := out[id]
	if rec.Health != 0 || rec.Energy != 0 {
		t.Fatalf("invalid vitals must default to 0, got health=%v energy=%v", rec.Health, rec.Energy)
	}
	if !math.IsNaN(rec.Pos.X) {
		t.Fatalf("non-finite position must default to NaN, got %v", rec.Pos.X)
	}
	if tr.Warnings() == 0 {
		t.Fatal("defaulted attributes must be counted as warnings")
	}

	// A single bad entity never fails the snapshot; an unowned side is
	// skipped rather than tracked.
	neutral := unit(2, model.SideNone, "mineral_field", 0, 0)
	out = mustProcess(t, tr, 2, []model.RawEntity{bad, neutral}, nil)
	if len(out) != 1 {
		t.Fatalf("neutral entity must be skipped, got %d records", len(out))
	}
}

func TestTracker_ReappearAfterRemoval(t *testing.T) {
	tr := New()
	tr.SetLogger(nil)

	mustProcess(t, tr, 1, []model.RawEntity{unit(1, model.Side1, "medivac", 0, 0)}, nil)
	mustProcess(t, tr, 2, nil, nil)

	out := mustProcess(t, tr, 3, []model.RawEntity{unit(1, model.Side1, "medivac", 9, 9)}, nil)
	if len(out) != 0 {
		t.Fatalf("a removed key reappearing must be ignored, got %+v", out)
	}
	if tr.Warnings() == 0 {
		t.Fatal("reappearance should be counted as a warning")
	}
}

func TestTracker_Reset(t *testing.T) {
	tr := New()
	tr.SetLogger(nil)

	mustProcess(t, tr, 1, []model.RawEntity{unit(1, model.Side1, "marine", 0, 0)}, nil)
	mustProcess(t, tr, 2, []model.RawEntity{
		unit(1, model.Side1, "marine", 0, 0),
		unit(2, model.Side1, "marine", 1, 0),
	}, nil)

	tr.Reset()

	// After a reset the next pass starts from ordinal 1 again.
	out := mustProcess(t, tr, 1, []model.RawEntity{unit(77, model.Side1, "marine", 0, 0)}, nil)
	id := model.StableID{Side: model.Side1, Category: "marine", Ordinal: 1}
	if rec, ok := out[id]; !ok || rec.State != UnitCreated {
		t.Fatalf("reset did not clear ordinal state: %+v", out)
	}
}
