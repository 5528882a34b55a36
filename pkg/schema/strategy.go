package schema

import (
	"github.com/replayflow/replayflow/internal/model"
	"github.com/replayflow/replayflow/pkg/aggregate"
	"github.com/replayflow/replayflow/pkg/track"
)

// Strategy controls how the schema evolves while rows are materialized.
// The row builder consumes whatever Schema() returns and never knows
// which strategy produced it.
type Strategy interface {
	// Observe is called once per tick, before that tick's row is built.
	Observe(records map[model.StableID]*track.Record, aggregates map[model.Side]aggregate.State)

	// Schema returns the column set rows must currently conform to.
	Schema() *Schema

	// Mode returns the strategy name recorded in the schema artifact.
	Mode() string
}

// Frozen is the two-pass strategy: the schema was closed by a dedicated
// discovery pass and never changes during row materialization.
type Frozen struct {
	schema *Schema
}

// NewFrozen wraps a closed schema.
func NewFrozen(s *Schema) *Frozen {
	return &Frozen{schema: s}
}

// Observe is a no-op; the schema is already closed.
func (f *Frozen) Observe(map[model.StableID]*track.Record, map[model.Side]aggregate.State) {}

// Schema returns the frozen schema.
func (f *Frozen) Schema() *Schema {
	return f.schema
}

// Mode returns "two_pass".
func (f *Frozen) Mode() string {
	return "two_pass"
}

// Growing is the single-pass strategy: the schema extends as new entities
// and upgrades are discovered. Rows built before a column first appears
// lack it; the sink back-fills missing markers at write time so the
// artifact stays rectangular.
type Growing struct {
	acc     *Accumulator
	cached  *Schema
	version int64
}

// NewGrowing creates a growing strategy with a fresh accumulator.
func NewGrowing() *Growing {
	return &Growing{acc: NewAccumulator(), version: -1}
}

// Observe extends the schema with anything new in this tick.
func (g *Growing) Observe(records map[model.StableID]*track.Record, aggregates map[model.Side]aggregate.State) {
	g.acc.Observe(records, aggregates)
}

// Schema returns the current column set, rebuilt only when an observation
// actually changed it.
func (g *Growing) Schema() *Schema {
	if g.cached == nil || g.version != g.acc.Version() {
		g.cached = g.acc.Freeze()
		g.version = g.acc.Version()
	}
	return g.cached
}

// Mode returns "single_pass".
func (g *Growing) Mode() string {
	return "single_pass"
}
