package widerow

import (
	"fmt"

	"github.com/replayflow/replayflow/internal/model"
	"github.com/replayflow/replayflow/pkg/aggregate"
	"github.com/replayflow/replayflow/pkg/errors"
	"github.com/replayflow/replayflow/pkg/schema"
	"github.com/replayflow/replayflow/pkg/track"
)

// Row is one materialized row keyed by column name. Column order lives in
// the schema; the sink iterates schema order when writing, so the map is
// only ever consumed through it.
type Row map[string]Value

// Build materializes the row for one sampled tick. The result covers the
// schema exactly: prefilled missing markers (count columns start at zero)
// overwritten by whatever the tick's records and aggregates populate. Any
// attempt to place a value outside the schema, or a final column count
// that differs from the schema's, is a desync and fatal for the match.
func Build(tick model.Tick, records map[model.StableID]*track.Record, aggregates map[model.Side]aggregate.State, s *schema.Schema) (Row, error) {
	if s == nil || s.Len() == 0 {
		return nil, errors.SchemaDesync(tick, "no schema to build against")
	}

	row := make(Row, s.Len())
	for _, c := range s.Columns() {
		if c.Kind == schema.KindCount {
			row[c.Name] = Int64(0)
			continue
		}
		row[c.Name] = Missing(c.Type)
	}

	row[schema.ColGameLoop] = Int64(tick)
	row[schema.ColTimestampSeconds] = Float64(float64(tick) / model.TicksPerSecond)

	for side, st := range aggregates {
		if err := row.setEconomy(tick, s, side, st); err != nil {
			return nil, err
		}
		for _, c := range st.Upgrades {
			name := c.Ref.ColumnName()
			if err := row.set(tick, s, schema.UpgradeColumn(side, name), Bool(true)); err != nil {
				return nil, err
			}
			if err := row.set(tick, s, schema.UpgradeLoopColumn(side, name), Int64(c.Tick)); err != nil {
				return nil, err
			}
		}
	}

	type liveKey struct {
		side model.Side
		cat  string
	}
	counts := make(map[liveKey]int64)
	for id, rec := range records {
		if err := row.setRecord(tick, s, id, rec); err != nil {
			return nil, err
		}
		if rec.Live() {
			counts[liveKey{id.Side, id.Category}]++
		}
	}
	for k, n := range counts {
		if err := row.set(tick, s, schema.CountColumn(k.side, k.cat), Int64(n)); err != nil {
			return nil, err
		}
	}

	if len(row) != s.Len() {
		return nil, errors.SchemaDesync(tick, fmt.Sprintf("row has %d columns, schema has %d", len(row), s.Len()))
	}
	return row, nil
}

// set places a cell, verifying the column exists and the type matches.
func (r Row) set(tick model.Tick, s *schema.Schema, name string, v Value) error {
	c, ok := s.Lookup(name)
	if !ok {
		return errors.SchemaDesync(tick, fmt.Sprintf("column %s not in schema", name))
	}
	if c.Type != v.Type {
		return errors.SchemaDesync(tick, fmt.Sprintf("column %s is %s, got %s", name, c.Type, v.Type))
	}
	r[name] = v
	return nil
}

func (r Row) setEconomy(tick model.Tick, s *schema.Schema, side model.Side, st aggregate.State) error {
	p := side.Prefix()
	cells := []struct {
		name string
		val  Value
	}{
		{p + "_minerals", Int64(st.Minerals)},
		{p + "_vespene", Int64(st.Vespene)},
		{p + "_food_used", Int64(st.FoodUsed)},
		{p + "_food_cap", Int64(st.FoodCap)},
		{p + "_food_army", Int64(st.FoodArmy)},
		{p + "_food_workers", Int64(st.FoodWorkers)},
		{p + "_idle_worker_count", Int64(st.IdleWorkerCount)},
		{p + "_army_count", Int64(st.ArmyCount)},
		{p + "_collected_minerals", Int64(st.CollectedMinerals)},
		{p + "_collected_vespene", Int64(st.CollectedVespene)},
		{p + "_collection_rate_minerals", Float64(st.CollectionRateMinerals)},
		{p + "_collection_rate_vespene", Float64(st.CollectionRateVespene)},
	}
	for _, c := range cells {
		if err := r.set(tick, s, c.name, c.val); err != nil {
			return err
		}
	}
	return nil
}

func (r Row) setRecord(tick model.Tick, s *schema.Schema, id model.StableID, rec *track.Record) error {
	type cell struct {
		attr string
		val  Value
	}
	var cells []cell
	if rec.Class == model.ClassBuilding {
		cells = []cell{
			{"x", Float64(rec.Pos.X)},
			{"y", Float64(rec.Pos.Y)},
			{"z", Float64(rec.Pos.Z)},
			{"status", Str(rec.Build.String())},
			{"progress", Float64(rec.Progress)},
			{"started_loop", Int64(rec.StartedTick)},
			{"completed_loop", loopOrMissing(rec.CompletedTick, rec.HasCompleted)},
			{"destroyed_loop", loopOrMissing(rec.RemovedTick, rec.HasRemoved)},
		}
	} else {
		cells = []cell{
			{"x", Float64(rec.Pos.X)},
			{"y", Float64(rec.Pos.Y)},
			{"z", Float64(rec.Pos.Z)},
			{"health", Float64(rec.Health)},
			{"health_max", Float64(rec.HealthMax)},
			{"shields", Float64(rec.Shields)},
			{"shields_max", Float64(rec.ShieldsMax)},
			{"energy", Float64(rec.Energy)},
			{"energy_max", Float64(rec.EnergyMax)},
			{"state", Str(rec.State.String())},
		}
	}
	for _, c := range cells {
		if err := r.set(tick, s, id.Column(c.attr), c.val); err != nil {
			return err
		}
	}
	return nil
}

func loopOrMissing(t model.Tick, stamped bool) Value {
	if !stamped {
		return Missing(schema.TypeInt64)
	}
	return Int64(t)
}
