package source

import (
	"math"

	"github.com/replayflow/replayflow/internal/model"
)

// DemoReplayName is the replay path the demo command registers its
// synthetic match under.
const DemoReplayName = "demo" + ReplayExtension

// DemoScript builds a short synthetic 1v1 match exercising every column
// family: workers and army on both sides, buildings that complete, a
// building that is destroyed, upgrades, a mid-game unit death and chat.
// Snapshots are pre-sampled at a stride of 8 loops.
func DemoScript() *Script {
	const stride = 8
	const steps = 40

	snaps := make([]model.Snapshot, 0, steps)
	for i := 1; i <= steps; i++ {
		tick := model.Tick(i * stride)

		workers := minInt(12, 6+i/4)
		marines := 0
		if i >= 8 {
			marines = minInt(8, (i-8)/3+1)
		}
		zealots := 0
		if i >= 10 {
			zealots = minInt(6, (i-10)/4+1)
		}

		snap := model.Snapshot{
			Tick: tick,
			Players: map[model.Side]model.PlayerState{
				model.Side1: demoEconomy(i, workers, marines),
				model.Side2: demoEconomy(i, workers, zealots*2),
			},
		}

		for w := 0; w < workers; w++ {
			snap.Entities = append(snap.Entities,
				demoUnit(1001+model.EntityKey(w), model.Side1, "scv", 45, i+w),
				demoUnit(2001+model.EntityKey(w), model.Side2, "probe", 20, i+w))
		}
		for m := 0; m < marines; m++ {
			key := 1101 + model.EntityKey(m)
			// The first marine dies at step 30.
			if m == 0 && i >= 30 {
				if i == 30 {
					snap.Removed = append(snap.Removed, key)
				}
				continue
			}
			snap.Entities = append(snap.Entities, demoUnit(key, model.Side1, "marine", 45, i+m))
		}
		for z := 0; z < zealots; z++ {
			snap.Entities = append(snap.Entities, demoUnit(2101+model.EntityKey(z), model.Side2, "zealot", 100, i+z))
		}

		if i >= 3 {
			snap.Entities = append(snap.Entities, demoBuilding(1202, model.Side1, "supplydepot", float64(i-3)*0.34))
		}
		if i >= 5 {
			snap.Entities = append(snap.Entities, demoBuilding(1201, model.Side1, "barracks", float64(i-5)*0.2))
		}
		if i >= 6 && i < 35 {
			snap.Entities = append(snap.Entities, demoBuilding(2201, model.Side2, "gateway", float64(i-6)*0.25))
		}
		if i == 35 {
			snap.Removed = append(snap.Removed, 2201)
		}

		if i >= 20 {
			p := snap.Players[model.Side1]
			p.Upgrades = []model.UpgradeRef{{ID: 15, Name: "stimpack"}}
			snap.Players[model.Side1] = p
		}
		if i >= 26 {
			p := snap.Players[model.Side2]
			p.Upgrades = []model.UpgradeRef{{ID: 86, Name: "charge"}}
			snap.Players[model.Side2] = p
		}

		switch i {
		case 1:
			snap.Messages = []model.ChatMessage{{Tick: tick, Side: model.Side1, Text: "gl hf"}}
		case 2:
			snap.Messages = []model.ChatMessage{{Tick: tick, Side: model.Side2, Text: "glhf"}}
		case 38:
			snap.Messages = []model.ChatMessage{{Tick: tick, Side: model.Side2, Text: "gg"}}
		}

		snaps = append(snaps, snap)
	}
	return &Script{Snapshots: snaps}
}

func demoEconomy(i, workers, army int) model.PlayerState {
	return model.PlayerState{
		Minerals:               int64(50 + (i*37)%400),
		Vespene:                int64((i * 13) % 250),
		FoodUsed:               int64(workers + army),
		FoodCap:                int64(15 + minInt(i/6, 8)*8),
		FoodArmy:               int64(army),
		FoodWorkers:            int64(workers),
		IdleWorkerCount:        int64(i % 3),
		ArmyCount:              int64(army),
		CollectedMinerals:      int64(50 * i),
		CollectedVespene:       int64(15 * i),
		CollectionRateMinerals: 600 + 12*float64(i),
		CollectionRateVespene:  150 + 4*float64(i),
	}
}

func demoUnit(key model.EntityKey, side model.Side, cat string, maxHealth float64, phase int) model.RawEntity {
	angle := float64(phase) / 5
	base := 30.0
	if side == model.Side2 {
		base = 120.0
	}
	return model.RawEntity{
		Key: key, Side: side, Class: model.ClassUnit, Category: cat,
		Pos: model.Position{
			X: base + 10*math.Cos(angle),
			Y: base + 10*math.Sin(angle),
			Z: 8,
		},
		Health: maxHealth, HealthMax: maxHealth,
	}
}

func demoBuilding(key model.EntityKey, side model.Side, cat string, progress float64) model.RawEntity {
	x := 25.0
	if side == model.Side2 {
		x = 125.0
	}
	return model.RawEntity{
		Key: key, Side: side, Class: model.ClassBuilding, Category: cat,
		Pos:           model.Position{X: x, Y: x, Z: 8},
		Health:        1000,
		HealthMax:     1000,
		BuildProgress: math.Min(progress, 1.0),
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
