// Package widerow materializes one wide-table row per sampled tick,
// total over the active schema: every schema column gets a value, with
// documented missing markers for anything the tick's data does not
// populate.
package widerow

import (
	"fmt"
	"math"
	"strconv"

	"github.com/replayflow/replayflow/pkg/schema"
)

// Value is one cell of a wide row. Exactly one of the payload fields is
// meaningful, selected by Type; Null marks an int64 or string cell with
// no value. Missing float64 cells carry NaN rather than null, and
// missing bool cells are false, matching the schema artifact's
// missing-marker convention.
type Value struct {
	Type  schema.Type
	Null  bool
	Int   int64
	Float float64
	Str   string
	Bool  bool
}

// Int64 returns an int64 cell.
func Int64(v int64) Value {
	return Value{Type: schema.TypeInt64, Int: v}
}

// Float64 returns a float64 cell.
func Float64(v float64) Value {
	return Value{Type: schema.TypeFloat64, Float: v}
}

// Str returns a string cell.
func Str(v string) Value {
	return Value{Type: schema.TypeString, Str: v}
}

// Bool returns a bool cell.
func Bool(v bool) Value {
	return Value{Type: schema.TypeBool, Bool: v}
}

// Missing returns the missing marker for a column type: NaN for float64,
// null for int64 and string, false for bool.
func Missing(t schema.Type) Value {
	switch t {
	case schema.TypeFloat64:
		return Value{Type: t, Float: math.NaN()}
	case schema.TypeBool:
		return Value{Type: t}
	default:
		return Value{Type: t, Null: true}
	}
}

// IsMissing reports whether the cell holds its type's missing marker.
// For bool columns the marker is false, which a real false is
// indistinguishable from.
func (v Value) IsMissing() bool {
	switch v.Type {
	case schema.TypeFloat64:
		return v.Null || math.IsNaN(v.Float)
	case schema.TypeBool:
		return !v.Bool
	default:
		return v.Null
	}
}

// String renders the cell the way the schema artifact documents it.
func (v Value) String() string {
	if v.Null {
		return "null"
	}
	switch v.Type {
	case schema.TypeInt64:
		return strconv.FormatInt(v.Int, 10)
	case schema.TypeFloat64:
		if math.IsNaN(v.Float) {
			return "NaN"
		}
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case schema.TypeString:
		return v.Str
	case schema.TypeBool:
		return strconv.FormatBool(v.Bool)
	default:
		return fmt.Sprintf("?%d", v.Type)
	}
}
