// Package track implements stateful per-entity lifecycle tracking. It turns
// a stream of "everything visible right now" snapshots into stable, ordered
// identities with derived lifecycle state, which is what makes a fixed wide
// schema possible at all.
package track

import (
	"log"
	"math"
	"sort"

	"github.com/replayflow/replayflow/internal/model"
	"github.com/replayflow/replayflow/pkg/errors"
)

// maxLoggedWarnings caps per-match warning log lines. Warnings beyond the
// cap are still counted.
const maxLoggedWarnings = 25

// entityState is the retained per-entity history between ticks.
type entityState struct {
	id    model.StableID
	class model.Class

	pos        model.Position
	health     float64
	healthMax  float64
	shields    float64
	shieldsMax float64
	energy     float64
	energyMax  float64
	progress   float64

	started      model.Tick
	completed    model.Tick
	hasCompleted bool
	removed      bool
}

type ordinalKey struct {
	side     model.Side
	category string
}

// Tracker assigns stable identities and derives lifecycle state, one
// snapshot at a time. One Tracker serves one pass over one match; Reset it
// (or build a new one) before reuse. Not safe for concurrent use, which is
// fine: a match is processed strictly sequentially.
type Tracker struct {
	entities map[model.EntityKey]*entityState
	ordinals map[ordinalKey]int
	prev     map[model.EntityKey]struct{}

	lastTick model.Tick
	started  bool

	warnings int64
	logger   *log.Logger
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		entities: make(map[model.EntityKey]*entityState),
		ordinals: make(map[ordinalKey]int),
		prev:     make(map[model.EntityKey]struct{}),
		logger:   log.Default(),
	}
}

// SetLogger overrides the warning logger. A nil logger silences warnings
// but keeps counting them.
func (t *Tracker) SetLogger(l *log.Logger) {
	t.logger = l
}

// Warnings returns the number of defaulted-attribute warnings so far.
func (t *Tracker) Warnings() int64 {
	return t.warnings
}

// Reset discards all tracked state so the Tracker can serve another pass.
// Ordinal counters reset too: passes never share identity state.
func (t *Tracker) Reset() {
	t.entities = make(map[model.EntityKey]*entityState)
	t.ordinals = make(map[ordinalKey]int)
	t.prev = make(map[model.EntityKey]struct{})
	t.lastTick = 0
	t.started = false
	t.warnings = 0
}

// Process consumes the complete entity set visible at tick, plus the
// engine's own removed-key list for the interval since the previous tick,
// and returns one Record per stable id touched this tick.
//
// Removal is detected as (previous keys - current keys), unioned with the
// engine list as a cross-check. A removed entity is emitted exactly once,
// with its last known position; its ordinal is never reissued. Entities of
// one (side, category) first seen in the same tick receive ordinals in
// ascending EntityKey order, so identical input always yields identical
// identities.
//
// Structurally invalid input (duplicate EntityKey, non-increasing tick) is
// fatal for the match. Malformed attributes on a single entity are never
// fatal: they are replaced with documented defaults and counted.
func (t *Tracker) Process(tick model.Tick, entities []model.RawEntity, removed []model.EntityKey) (map[model.StableID]*Record, error) {
	if t.started && tick <= t.lastTick {
		return nil, errors.MalformedSnapshot(tick, "tick not increasing").
			WithContext("previous_tick", t.lastTick)
	}
	t.started = true
	t.lastTick = tick

	sorted := make([]model.RawEntity, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	current := make(map[model.EntityKey]struct{}, len(sorted))
	for i := range sorted {
		key := sorted[i].Key
		if _, dup := current[key]; dup {
			return nil, errors.MalformedSnapshot(tick, "duplicate entity key").
				WithContext("key", key)
		}
		current[key] = struct{}{}
	}

	out := make(map[model.StableID]*Record, len(sorted))

	t.emitRemoved(tick, current, removed, out)

	for i := range sorted {
		t.observe(tick, &sorted[i], out)
	}

	t.prev = current
	return out, nil
}

// emitRemoved emits one terminal record for every key that disappeared.
func (t *Tracker) emitRemoved(tick model.Tick, current map[model.EntityKey]struct{}, engineRemoved []model.EntityKey, out map[model.StableID]*Record) {
	gone := make([]model.EntityKey, 0)
	for key := range t.prev {
		if _, ok := current[key]; !ok {
			gone = append(gone, key)
		}
	}
	for _, key := range engineRemoved {
		// The engine list may contain keys we never tracked (projectiles,
		// neutral debris) or keys still visible this tick; both are skipped.
		if _, ok := current[key]; ok {
			continue
		}
		if st, ok := t.entities[key]; ok && !st.removed {
			gone = append(gone, key)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })

	for _, key := range gone {
		st, ok := t.entities[key]
		if !ok || st.removed {
			continue
		}
		st.removed = true

		rec := t.recordFromState(st)
		rec.RemovedTick = tick
		rec.HasRemoved = true
		if st.class == model.ClassBuilding {
			rec.Build = BuildRemoved
			rec.Cancelled = !st.hasCompleted
		} else {
			rec.State = UnitRemoved
		}
		out[st.id] = rec
	}
}

// observe folds one raw entity into the tracked state and emits its record.
func (t *Tracker) observe(tick model.Tick, e *model.RawEntity, out map[model.StableID]*Record) {
	if !e.Side.Valid() {
		t.warnf(tick, "entity %d has side %d, skipping", e.Key, e.Side)
		return
	}

	category := e.Category
	if category == "" {
		category = "unknown"
		t.warnf(tick, "entity %d has empty category, defaulting to %q", e.Key, category)
	}

	st, known := t.entities[e.Key]
	if known && st.removed {
		// Terminal state is terminal. A key resurfacing after removal is an
		// engine visibility quirk, not a new entity.
		t.warnf(tick, "entity %s (key %d) reappeared after removal, ignoring", st.id, e.Key)
		return
	}

	if !known {
		k := ordinalKey{side: e.Side, category: category}
		t.ordinals[k]++
		st = &entityState{
			id:      model.StableID{Side: e.Side, Category: category, Ordinal: t.ordinals[k]},
			class:   e.Class,
			started: tick,
		}
		t.entities[e.Key] = st
	}

	st.pos = t.sanitizePosition(tick, e)
	st.health = t.sanitizeVital(tick, e.Key, "health", e.Health)
	st.healthMax = t.sanitizeVital(tick, e.Key, "health_max", e.HealthMax)
	st.shields = t.sanitizeVital(tick, e.Key, "shields", e.Shields)
	st.shieldsMax = t.sanitizeVital(tick, e.Key, "shields_max", e.ShieldsMax)
	st.energy = t.sanitizeVital(tick, e.Key, "energy", e.Energy)
	st.energyMax = t.sanitizeVital(tick, e.Key, "energy_max", e.EnergyMax)
	st.progress = t.sanitizeProgress(tick, e.Key, e.BuildProgress)

	rec := t.recordFromState(st)

	if st.class == model.ClassBuilding {
		switch {
		case st.progress >= 1.0:
			if !st.hasCompleted {
				st.hasCompleted = true
				st.completed = tick
			}
			rec.Build = BuildCompleted
		case st.progress > 0:
			rec.Build = BuildInProgress
		default:
			rec.Build = BuildInitiated
		}
		rec.HasCompleted = st.hasCompleted
		rec.CompletedTick = st.completed
		rec.Progress = st.progress
	} else {
		if known {
			rec.State = UnitPersisting
		} else {
			rec.State = UnitCreated
		}
	}

	out[st.id] = rec
}

// recordFromState copies the retained state into a fresh per-tick record.
func (t *Tracker) recordFromState(st *entityState) *Record {
	return &Record{
		ID:            st.id,
		Class:         st.class,
		Pos:           st.pos,
		Health:        st.health,
		HealthMax:     st.healthMax,
		Shields:       st.shields,
		ShieldsMax:    st.shieldsMax,
		Energy:        st.energy,
		EnergyMax:     st.energyMax,
		Progress:      st.progress,
		StartedTick:   st.started,
		CompletedTick: st.completed,
		HasCompleted:  st.hasCompleted,
	}
}

// sanitizePosition replaces infinite coordinates with NaN, the documented
// missing marker for position columns.
func (t *Tracker) sanitizePosition(tick model.Tick, e *model.RawEntity) model.Position {
	p := e.Pos
	for _, v := range []*float64{&p.X, &p.Y, &p.Z} {
		if math.IsInf(*v, 0) {
			*v = math.NaN()
			t.warnf(tick, "entity %d has non-finite position, defaulting to NaN", e.Key)
		}
	}
	return p
}

// sanitizeVital clamps NaN and negative vitals to 0.
func (t *Tracker) sanitizeVital(tick model.Tick, key model.EntityKey, field string, v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		t.warnf(tick, "entity %d has invalid %s %v, defaulting to 0", key, field, v)
		return 0
	}
	return v
}

// sanitizeProgress clamps progress into [0, 1]; NaN defaults to 0.
func (t *Tracker) sanitizeProgress(tick model.Tick, key model.EntityKey, v float64) float64 {
	switch {
	case math.IsNaN(v):
		t.warnf(tick, "entity %d has NaN progress, defaulting to 0", key)
		return 0
	case v < 0:
		t.warnf(tick, "entity %d has progress %v, clamping to 0", key, v)
		return 0
	case v > 1:
		t.warnf(tick, "entity %d has progress %v, clamping to 1", key, v)
		return 1
	default:
		return v
	}
}

func (t *Tracker) warnf(tick model.Tick, format string, args ...interface{}) {
	t.warnings++
	if t.logger == nil || t.warnings > maxLoggedWarnings {
		return
	}
	prefixed := append([]interface{}{tick}, args...)
	t.logger.Printf("[track] tick %d: "+format, prefixed...)
}
