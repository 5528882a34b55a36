// Package model defines core data structures for ReplayFlow.
package model

import "fmt"

// Tick is the engine game-loop index. Strictly increasing within one pass
// over a match; the unit of one output row.
type Tick = int64

// TicksPerSecond is the engine simulation rate at normal game speed, used to
// derive the timestamp_seconds column.
const TicksPerSecond = 22.4

// EntityKey is the engine-assigned tag for one unit or building instance.
// Valid only within a single match and pass; never persisted.
type EntityKey = uint64

// Side identifies a player. Replays processed here are 1v1, so valid sides
// are 1 and 2. SideNone marks neutral or unowned entities.
type Side uint8

const (
	SideNone Side = 0
	Side1    Side = 1
	Side2    Side = 2
)

// Sides lists the playable sides in column order.
var Sides = []Side{Side1, Side2}

// Valid reports whether the side is a playable side.
func (s Side) Valid() bool {
	return s == Side1 || s == Side2
}

// Prefix returns the column prefix for the side ("p1", "p2").
func (s Side) Prefix() string {
	return fmt.Sprintf("p%d", uint8(s))
}

// Class distinguishes mobile units from constructible buildings. The two
// classes carry different attribute bags and different lifecycle states.
type Class uint8

const (
	ClassUnit Class = iota
	ClassBuilding
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassUnit:
		return "unit"
	case ClassBuilding:
		return "building"
	default:
		return "unknown"
	}
}

// Position is a world-space coordinate. Z is terrain height.
type Position struct {
	X float64
	Y float64
	Z float64
}

// RawEntity is one entity as reported by the snapshot source. The set of
// RawEntities in a Snapshot is a complete re-statement of everything visible
// at that tick, not a delta.
type RawEntity struct {
	Key      EntityKey
	Side     Side
	Class    Class
	Category string // lowercased engine type name, e.g. "marine", "barracks"
	Pos      Position

	// Vitals (units; buildings report them too but they are unused there).
	Health     float64
	HealthMax  float64
	Shields    float64
	ShieldsMax float64
	Energy     float64
	EnergyMax  float64

	// BuildProgress is the construction fraction in [0.0, 1.0].
	// Only meaningful for ClassBuilding.
	BuildProgress float64
}

// UpgradeRef identifies one completed upgrade in a player's common block.
// Name is the engine-native identifier, lowercased for column naming; it may
// be empty when the engine cannot resolve the id.
type UpgradeRef struct {
	ID   uint32
	Name string
}

// ColumnName returns the name used in upgrade column construction, falling
// back to the numeric id when the engine gave no name.
func (u UpgradeRef) ColumnName() string {
	if u.Name != "" {
		return u.Name
	}
	return fmt.Sprintf("id%d", u.ID)
}

// PlayerState is the per-side aggregate block of one snapshot: economy
// scalars plus the engine's list of completed upgrades.
type PlayerState struct {
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

	Upgrades []UpgradeRef
}

// ChatMessage is one chat line from the replay stream.
type ChatMessage struct {
	Tick Tick
	Side Side
	Text string
}

// Snapshot is the complete observable state at one tick.
type Snapshot struct {
	Tick     Tick
	Players  map[Side]PlayerState
	Entities []RawEntity

	// Removed lists keys the engine reported destroyed since the previous
	// snapshot. Used as a cross-check against disappearance detection.
	Removed []EntityKey

	// Messages are chat lines that became visible at this tick.
	Messages []ChatMessage
}
