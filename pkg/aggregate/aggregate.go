// Package aggregate extracts per-side scalar state from snapshots. It is a
// stateless copy of the engine's economy block, except for upgrade
// completions, which accumulate monotonically: once an upgrade id is seen
// it stays completed for the rest of the match, stamped with the tick it
// first appeared.
package aggregate

import (
	"log"

	"github.com/replayflow/replayflow/internal/model"
)

// Completion records one upgrade completion.
type Completion struct {
	Ref  model.UpgradeRef
	Tick model.Tick
}

// State is the extracted aggregate view of one side at one tick.
type State struct {
	Side model.Side

	Minerals               int64
	Vespene                int64
	FoodUsed               int64
	FoodCap                int64
	FoodArmy               int64
	FoodWorkers            int64
	IdleWorkerCount        int64
	ArmyCount              int64
	CollectedMinerals      int64
	CollectedVespene       int64
	CollectionRateMinerals float64
	CollectionRateVespene  float64

	// Upgrades holds every completion accumulated so far, keyed by upgrade
	// id. The map is a copy; callers may keep it.
	Upgrades map[uint32]Completion
}

// Extractor accumulates upgrade completions per side. One Extractor serves
// one pass over one match.
type Extractor struct {
	seen     map[model.Side]map[uint32]Completion
	warnings int64
	logger   *log.Logger
}

// NewExtractor creates an empty Extractor.
func NewExtractor() *Extractor {
	return &Extractor{
		seen:   make(map[model.Side]map[uint32]Completion),
		logger: log.Default(),
	}
}

// SetLogger overrides the warning logger. Nil silences warnings.
func (e *Extractor) SetLogger(l *log.Logger) {
	e.logger = l
}

// Warnings returns the number of defaulted-field warnings so far.
func (e *Extractor) Warnings() int64 {
	return e.warnings
}

// Reset discards accumulated completions between passes.
func (e *Extractor) Reset() {
	e.seen = make(map[model.Side]map[uint32]Completion)
	e.warnings = 0
}

// Extract copies one side's scalar block and folds its upgrade list into
// the accumulator. A nil block (side missing from the snapshot) yields
// zeroes and a warning; it is never fatal. Feeding the same upgrade id on
// consecutive ticks stamps it once, at the tick it first appeared, and
// never re-stamps it. Ids that vanish from the engine list stay completed.
func (e *Extractor) Extract(tick model.Tick, side model.Side, ps *model.PlayerState) State {
	st := State{Side: side}

	if ps == nil {
		e.warnings++
		if e.logger != nil {
			e.logger.Printf("[aggregate] tick %d: no common block for side %d, defaulting to zeroes", tick, side)
		}
	} else {
		st.Minerals = ps.Minerals
		st.Vespene = ps.Vespene
		st.FoodUsed = ps.FoodUsed
		st.FoodCap = ps.FoodCap
		st.FoodArmy = ps.FoodArmy
		st.FoodWorkers = ps.FoodWorkers
		st.IdleWorkerCount = ps.IdleWorkerCount
		st.ArmyCount = ps.ArmyCount
		st.CollectedMinerals = ps.CollectedMinerals
		st.CollectedVespene = ps.CollectedVespene
		st.CollectionRateMinerals = ps.CollectionRateMinerals
		st.CollectionRateVespene = ps.CollectionRateVespene

		seen := e.seen[side]
		if seen == nil {
			seen = make(map[uint32]Completion)
			e.seen[side] = seen
		}
		for _, ref := range ps.Upgrades {
			if _, done := seen[ref.ID]; !done {
				seen[ref.ID] = Completion{Ref: ref, Tick: tick}
			}
		}
	}

	st.Upgrades = make(map[uint32]Completion, len(e.seen[side]))
	for id, c := range e.seen[side] {
		st.Upgrades[id] = c
	}
	return st
}

// ExtractAll extracts every playable side from one snapshot's player map,
// substituting zeroes for sides the snapshot is missing.
func (e *Extractor) ExtractAll(tick model.Tick, players map[model.Side]model.PlayerState) map[model.Side]State {
	out := make(map[model.Side]State, len(model.Sides))
	for _, side := range model.Sides {
		if ps, ok := players[side]; ok {
			out[side] = e.Extract(tick, side, &ps)
		} else {
			out[side] = e.Extract(tick, side, nil)
		}
	}
	return out
}
