package track

import (
	"github.com/replayflow/replayflow/internal/model"
)

// UnitState is the lifecycle state of a mobile unit at one tick.
type UnitState uint8

const (
	// UnitCreated marks the first tick the unit is visible.
	UnitCreated UnitState = iota
	// UnitPersisting marks a unit visible on a previous tick and still alive.
	UnitPersisting
	// UnitRemoved marks the tick the unit left play. Emitted exactly once.
	UnitRemoved
)

// String returns the column value for the state.
func (s UnitState) String() string {
	switch s {
	case UnitCreated:
		return "created"
	case UnitPersisting:
		return "persisting"
	case UnitRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// BuildState is the construction state of a building at one tick.
type BuildState uint8

const (
	// BuildInitiated: construction observed at progress 0.
	BuildInitiated BuildState = iota
	// BuildInProgress: progress strictly between 0 and 1.
	BuildInProgress
	// BuildCompleted: progress reached 1.0. The completion tick is stamped
	// the first time this happens and never re-stamped.
	BuildCompleted
	// BuildRemoved: the building left play. Emitted exactly once. Whether it
	// was cancelled or destroyed is decided by the presence of a completion
	// tick.
	BuildRemoved
)

// String returns the column value for the state.
func (s BuildState) String() string {
	switch s {
	case BuildInitiated:
		return "initiated"
	case BuildInProgress:
		return "in_progress"
	case BuildCompleted:
		return "completed"
	case BuildRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Record is the tracked view of one entity at one tick. Owned by the
// Tracker; rebuilt every tick; callers must not retain it across ticks.
type Record struct {
	ID    model.StableID
	Class model.Class
	Pos   model.Position

	// Unit fields (ClassUnit).
	State      UnitState
	Health     float64
	HealthMax  float64
	Shields    float64
	ShieldsMax float64
	Energy     float64
	EnergyMax  float64

	// Building fields (ClassBuilding).
	Build         BuildState
	Progress      float64
	StartedTick   model.Tick
	CompletedTick model.Tick
	HasCompleted  bool
	RemovedTick   model.Tick
	HasRemoved    bool

	// Cancelled is set on a removed building that never reached completion.
	Cancelled bool
}

// Live reports whether the record is in a non-removed state. Live records
// feed the per-category count columns.
func (r *Record) Live() bool {
	if r.Class == model.ClassBuilding {
		return r.Build != BuildRemoved
	}
	return r.State != UnitRemoved
}
