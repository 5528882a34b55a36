package model

import "fmt"

// StableID is the pipeline-assigned identity for one entity instance:
// (side, category, ordinal). Ordinals are 1-based, handed out in order of
// first appearance per (side, category), and never reused within a pass,
// even after the entity is removed. This keeps column names stable: the
// columns under "p1_marine_003" refer to the same logical slot for the
// whole match.
type StableID struct {
	Side     Side
	Category string
	Ordinal  int
}

// String returns the column prefix form, e.g. "p1_marine_003".
func (id StableID) String() string {
	return fmt.Sprintf("%s_%s_%03d", id.Side.Prefix(), id.Category, id.Ordinal)
}

// Column returns the full column name for one attribute of this entity,
// e.g. Column("health") -> "p1_marine_003_health".
func (id StableID) Column(attr string) string {
	return id.String() + "_" + attr
}
