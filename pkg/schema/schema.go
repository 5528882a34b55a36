// Package schema builds the wide-table column schema for one match. A
// first pass (or, in single-pass mode, the growing run itself) observes
// which entities and upgrades ever exist; the resulting Schema is the
// closed, ordered column list every row must conform to exactly.
package schema

import (
	"fmt"

	"github.com/replayflow/replayflow/internal/model"
)

// Type is the semantic column type.
type Type uint8

const (
	TypeInt64 Type = iota
	TypeFloat64
	TypeString
	TypeBool
)

// String returns the type name used in the schema artifact.
func (t Type) String() string {
	switch t {
	case TypeInt64:
		return "int64"
	case TypeFloat64:
		return "float64"
	case TypeString:
		return "string"
	case TypeBool:
		return "bool"
	default:
		return "unknown"
	}
}

// ParseType parses a type name from a schema artifact.
func ParseType(s string) (Type, error) {
	switch s {
	case "int64":
		return TypeInt64, nil
	case "float64":
		return TypeFloat64, nil
	case "string":
		return TypeString, nil
	case "bool":
		return TypeBool, nil
	default:
		return TypeInt64, fmt.Errorf("unknown column type %q", s)
	}
}

// MissingMarker returns the documented missing-value convention for the
// type: NaN for reals, null for integers and strings, false for booleans.
func (t Type) MissingMarker() string {
	switch t {
	case TypeFloat64:
		return "NaN"
	case TypeBool:
		return "false"
	default:
		return "null"
	}
}

// Kind classifies a column's role in the wide table. The row builder
// uses it to pick the right default: count columns are zero when no
// entity of the category is alive, everything else starts at the
// type's missing marker.
type Kind uint8

const (
	KindBase Kind = iota
	KindEconomy
	KindSlot
	KindCount
	KindUpgradeFlag
	KindUpgradeLoop
)

// String returns the kind name used in the schema artifact.
func (k Kind) String() string {
	switch k {
	case KindBase:
		return "base"
	case KindEconomy:
		return "economy"
	case KindSlot:
		return "slot"
	case KindCount:
		return "count"
	case KindUpgradeFlag:
		return "upgrade_flag"
	case KindUpgradeLoop:
		return "upgrade_loop"
	default:
		return "unknown"
	}
}

// Column is one output column.
type Column struct {
	Name string
	Type Type
	Kind Kind
	Desc string
}

// Schema is an ordered, de-duplicated, frozen column list. Build one with
// an Accumulator; after that it is read-only.
type Schema struct {
	columns []Column
	index   map[string]int
}

// NewSchema builds a Schema from an ordered column list. Duplicate names
// keep the first occurrence.
func NewSchema(columns []Column) *Schema {
	s := &Schema{index: make(map[string]int, len(columns))}
	for _, c := range columns {
		if _, dup := s.index[c.Name]; dup {
			continue
		}
		s.index[c.Name] = len(s.columns)
		s.columns = append(s.columns, c)
	}
	return s
}

// Len returns the column count.
func (s *Schema) Len() int {
	return len(s.columns)
}

// Columns returns the ordered column list. Callers must not mutate it.
func (s *Schema) Columns() []Column {
	return s.columns
}

// Names returns the ordered column names.
func (s *Schema) Names() []string {
	names := make([]string, len(s.columns))
	for i, c := range s.columns {
		names[i] = c.Name
	}
	return names
}

// Lookup returns the column with the given name.
func (s *Schema) Lookup(name string) (Column, bool) {
	i, ok := s.index[name]
	if !ok {
		return Column{}, false
	}
	return s.columns[i], true
}

// Has reports whether the schema contains the column.
func (s *Schema) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Base column names present in every schema regardless of observed data.
const (
	ColGameLoop         = "game_loop"
	ColTimestampSeconds = "timestamp_seconds"
)

// unitAttrs is the per-ordinal attribute set for mobile units, in column
// order.
var unitAttrs = []Column{
	{Name: "x", Type: TypeFloat64, Desc: "X coordinate"},
	{Name: "y", Type: TypeFloat64, Desc: "Y coordinate"},
	{Name: "z", Type: TypeFloat64, Desc: "Z coordinate (terrain height)"},
	{Name: "health", Type: TypeFloat64, Desc: "Current health"},
	{Name: "health_max", Type: TypeFloat64, Desc: "Maximum health"},
	{Name: "shields", Type: TypeFloat64, Desc: "Current shields"},
	{Name: "shields_max", Type: TypeFloat64, Desc: "Maximum shields"},
	{Name: "energy", Type: TypeFloat64, Desc: "Current energy"},
	{Name: "energy_max", Type: TypeFloat64, Desc: "Maximum energy"},
	{Name: "state", Type: TypeString, Desc: "Lifecycle state (created/persisting/removed)"},
}

// buildingAttrs is the per-ordinal attribute set for buildings.
var buildingAttrs = []Column{
	{Name: "x", Type: TypeFloat64, Desc: "X coordinate"},
	{Name: "y", Type: TypeFloat64, Desc: "Y coordinate"},
	{Name: "z", Type: TypeFloat64, Desc: "Z coordinate (terrain height)"},
	{Name: "status", Type: TypeString, Desc: "Construction status (initiated/in_progress/completed/removed)"},
	{Name: "progress", Type: TypeFloat64, Desc: "Construction progress fraction (0.0-1.0)"},
	{Name: "started_loop", Type: TypeInt64, Desc: "Game loop when construction was first observed"},
	{Name: "completed_loop", Type: TypeInt64, Desc: "Game loop when construction completed"},
	{Name: "destroyed_loop", Type: TypeInt64, Desc: "Game loop when the building left play"},
}

// economyCols is the fixed per-side aggregate column set.
var economyCols = []Column{
	{Name: "minerals", Type: TypeInt64, Desc: "Current minerals"},
	{Name: "vespene", Type: TypeInt64, Desc: "Current vespene gas"},
	{Name: "food_used", Type: TypeInt64, Desc: "Supply used"},
	{Name: "food_cap", Type: TypeInt64, Desc: "Supply capacity"},
	{Name: "food_army", Type: TypeInt64, Desc: "Supply used by army"},
	{Name: "food_workers", Type: TypeInt64, Desc: "Supply used by workers"},
	{Name: "idle_worker_count", Type: TypeInt64, Desc: "Idle worker count"},
	{Name: "army_count", Type: TypeInt64, Desc: "Army unit count"},
	{Name: "collected_minerals", Type: TypeInt64, Desc: "Cumulative minerals collected"},
	{Name: "collected_vespene", Type: TypeInt64, Desc: "Cumulative vespene collected"},
	{Name: "collection_rate_minerals", Type: TypeFloat64, Desc: "Mineral collection rate"},
	{Name: "collection_rate_vespene", Type: TypeFloat64, Desc: "Vespene collection rate"},
}

// AttrsForClass returns the per-ordinal attribute columns for a class.
func AttrsForClass(class model.Class) []Column {
	if class == model.ClassBuilding {
		return buildingAttrs
	}
	return unitAttrs
}

// CountColumn returns the live-count column name for a (side, category).
func CountColumn(side model.Side, category string) string {
	return fmt.Sprintf("%s_%s_count", side.Prefix(), category)
}

// UpgradeColumn returns the completion-flag column name for an upgrade.
func UpgradeColumn(side model.Side, name string) string {
	return fmt.Sprintf("%s_upgrade_%s", side.Prefix(), name)
}

// UpgradeLoopColumn returns the completion-tick column name for an upgrade.
func UpgradeLoopColumn(side model.Side, name string) string {
	return UpgradeColumn(side, name) + "_loop"
}
