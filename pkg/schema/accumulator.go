package schema

import (
	"fmt"
	"sort"

	"github.com/replayflow/replayflow/internal/model"
	"github.com/replayflow/replayflow/pkg/aggregate"
	"github.com/replayflow/replayflow/pkg/track"
)

type categoryKey struct {
	side     model.Side
	category string
}

type categoryInfo struct {
	class  model.Class
	maxOrd int
}

// Accumulator observes tracked records and aggregate state across a pass
// and derives the closed column set. Because ordinals are never reused,
// the maximum ordinal ever seen per (side, category) equals the total
// number of instances, so columns exist for every slot 1..N.
type Accumulator struct {
	categories map[categoryKey]*categoryInfo
	upgrades   map[model.Side]map[string]struct{}
	version    int64
}

// NewAccumulator creates an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		categories: make(map[categoryKey]*categoryInfo),
		upgrades:   make(map[model.Side]map[string]struct{}),
	}
}

// Reset discards observations between passes or matches.
func (a *Accumulator) Reset() {
	a.categories = make(map[categoryKey]*categoryInfo)
	a.upgrades = make(map[model.Side]map[string]struct{})
	a.version++
}

// Version increments whenever an observation changed the eventual schema.
// The growing strategy uses it to cache the built schema between ticks.
func (a *Accumulator) Version() int64 {
	return a.version
}

// Observe folds one tick's records and aggregate state into the schema.
func (a *Accumulator) Observe(records map[model.StableID]*track.Record, aggregates map[model.Side]aggregate.State) {
	for id, rec := range records {
		k := categoryKey{side: id.Side, category: id.Category}
		info := a.categories[k]
		if info == nil {
			info = &categoryInfo{class: rec.Class}
			a.categories[k] = info
			a.version++
		}
		if id.Ordinal > info.maxOrd {
			info.maxOrd = id.Ordinal
			a.version++
		}
	}

	for side, st := range aggregates {
		for _, c := range st.Upgrades {
			name := c.Ref.ColumnName()
			seen := a.upgrades[side]
			if seen == nil {
				seen = make(map[string]struct{})
				a.upgrades[side] = seen
			}
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				a.version++
			}
		}
	}
}

// Freeze builds the closed, ordered Schema from everything observed so
// far. Order is deterministic: base columns, per-side economy, per-side
// entity slots (categories alphabetical, ordinals ascending), per-side
// category counts, per-side upgrades (alphabetical).
func (a *Accumulator) Freeze() *Schema {
	var cols []Column

	cols = append(cols,
		Column{Name: ColGameLoop, Type: TypeInt64, Kind: KindBase, Desc: "Engine game loop of this row"},
		Column{Name: ColTimestampSeconds, Type: TypeFloat64, Kind: KindBase, Desc: "Game time in seconds (game_loop / 22.4)"},
	)

	for _, side := range model.Sides {
		for _, c := range economyCols {
			cols = append(cols, Column{
				Name: fmt.Sprintf("%s_%s", side.Prefix(), c.Name),
				Type: c.Type,
				Kind: KindEconomy,
				Desc: fmt.Sprintf("%s for %s", c.Desc, side.Prefix()),
			})
		}
	}

	for _, side := range model.Sides {
		for _, cat := range a.sortedCategories(side) {
			info := a.categories[categoryKey{side: side, category: cat}]
			attrs := AttrsForClass(info.class)
			for ord := 1; ord <= info.maxOrd; ord++ {
				id := model.StableID{Side: side, Category: cat, Ordinal: ord}
				for _, attr := range attrs {
					cols = append(cols, Column{
						Name: id.Column(attr.Name),
						Type: attr.Type,
						Kind: KindSlot,
						Desc: fmt.Sprintf("%s for %s", attr.Desc, id),
					})
				}
			}
		}
	}

	for _, side := range model.Sides {
		for _, cat := range a.sortedCategories(side) {
			cols = append(cols, Column{
				Name: CountColumn(side, cat),
				Type: TypeInt64,
				Kind: KindCount,
				Desc: fmt.Sprintf("Live %s count for %s", cat, side.Prefix()),
			})
		}
	}

	for _, side := range model.Sides {
		names := make([]string, 0, len(a.upgrades[side]))
		for name := range a.upgrades[side] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			cols = append(cols,
				Column{
					Name: UpgradeColumn(side, name),
					Type: TypeBool,
					Kind: KindUpgradeFlag,
					Desc: fmt.Sprintf("Upgrade %s completed for %s", name, side.Prefix()),
				},
				Column{
					Name: UpgradeLoopColumn(side, name),
					Type: TypeInt64,
					Kind: KindUpgradeLoop,
					Desc: fmt.Sprintf("Game loop upgrade %s completed for %s", name, side.Prefix()),
				},
			)
		}
	}

	return NewSchema(cols)
}

func (a *Accumulator) sortedCategories(side model.Side) []string {
	var cats []string
	for k := range a.categories {
		if k.side == side {
			cats = append(cats, k.category)
		}
	}
	sort.Strings(cats)
	return cats
}
