package aggregate

import (
	"testing"

	"github.com/replayflow/replayflow/internal/model"
)

func TestExtractor_IdempotentAccumulation(t *testing.T) {
	e := NewExtractor()
	e.SetLogger(nil)

	ticks := []struct {
		tick     model.Tick
		upgrades []model.UpgradeRef
	}{
		{1, nil},
		{2, []model.UpgradeRef{{ID: 7, Name: "stimpack"}}},
		{3, []model.UpgradeRef{{ID: 7, Name: "stimpack"}}},
	}

	var last State
	for _, step := range ticks {
		last = e.Extract(step.tick, model.Side1, &model.PlayerState{Upgrades: step.upgrades})
	}

	if len(last.Upgrades) != 1 {
		t.Fatalf("expected exactly one completion, got %d", len(last.Upgrades))
	}
	c := last.Upgrades[7]
	if c.Tick != 2 {
		t.Fatalf("completion tick = %d, want 2 (first appearance, never re-stamped)", c.Tick)
	}
	if c.Ref.Name != "stimpack" {
		t.Fatalf("completion name = %q, want stimpack", c.Ref.Name)
	}
}

func TestExtractor_MonotonicSet(t *testing.T) {
	e := NewExtractor()
	e.SetLogger(nil)

	e.Extract(10, model.Side2, &model.PlayerState{Upgrades: []model.UpgradeRef{{ID: 3, Name: "zerg_melee_weapons_level1"}}})

	// The id vanishing from the engine list must not un-complete it.
	st := e.Extract(20, model.Side2, &model.PlayerState{})
	if _, ok := st.Upgrades[3]; !ok {
		t.Fatal("completed upgrade was dropped when the engine list shrank")
	}
	if st.Upgrades[3].Tick != 10 {
		t.Fatalf("completion tick = %d, want 10", st.Upgrades[3].Tick)
	}
}

func TestExtractor_SidesIndependent(t *testing.T) {
	e := NewExtractor()
	e.SetLogger(nil)

	e.Extract(5, model.Side1, &model.PlayerState{Upgrades: []model.UpgradeRef{{ID: 1, Name: "a"}}})
	st2 := e.Extract(5, model.Side2, &model.PlayerState{})
	if len(st2.Upgrades) != 0 {
		t.Fatalf("side 2 must not see side 1 completions: %+v", st2.Upgrades)
	}
}

func TestExtractor_ScalarCopy(t *testing.T) {
	e := NewExtractor()
	e.SetLogger(nil)

	ps := &model.PlayerState{
		Minerals: 450, Vespene: 200,
		FoodUsed: 45, FoodCap: 60, FoodArmy: 30, FoodWorkers: 15,
		IdleWorkerCount: 2, ArmyCount: 30,
		CollectedMinerals: 15000, CollectedVespene: 8000,
		CollectionRateMinerals: 1200, CollectionRateVespene: 600,
	}
	st := e.Extract(100, model.Side1, ps)

	if st.Minerals != 450 || st.Vespene != 200 {
		t.Fatalf("resources: got %d/%d", st.Minerals, st.Vespene)
	}
	if st.FoodUsed != 45 || st.FoodCap != 60 || st.FoodArmy != 30 || st.FoodWorkers != 15 {
		t.Fatalf("food block mismatch: %+v", st)
	}
	if st.CollectionRateMinerals != 1200 || st.CollectionRateVespene != 600 {
		t.Fatalf("collection rates mismatch: %+v", st)
	}
}

func TestExtractor_MissingBlockDefaults(t *testing.T) {
	e := NewExtractor()
	e.SetLogger(nil)

	st := e.Extract(1, model.Side2, nil)
	if st.Minerals != 0 || st.FoodCap != 0 || len(st.Upgrades) != 0 {
		t.Fatalf("missing block must default to zeroes, got %+v", st)
	}
	if e.Warnings() != 1 {
		t.Fatalf("warnings = %d, want 1", e.Warnings())
	}

	missing := e.ExtractAll(2, map[model.Side]model.PlayerState{
		model.Side1: {Minerals: 50},
	})
	if missing[model.Side1].Minerals != 50 {
		t.Fatalf("present side lost data: %+v", missing[model.Side1])
	}
	if missing[model.Side2].Minerals != 0 {
		t.Fatalf("absent side must be zeroed: %+v", missing[model.Side2])
	}
}

func TestExtractor_Reset(t *testing.T) {
	e := NewExtractor()
	e.SetLogger(nil)

	e.Extract(1, model.Side1, &model.PlayerState{Upgrades: []model.UpgradeRef{{ID: 9, Name: "x"}}})
	e.Reset()

	st := e.Extract(1, model.Side1, &model.PlayerState{})
	if len(st.Upgrades) != 0 {
		t.Fatal("reset must clear accumulated completions")
	}
}
