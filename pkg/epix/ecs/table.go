package ecs

import (
	"slices"
	"strconv"
	"strings"

	"pkg.world.dev/epix/pkg/assert"
)

// tableID is the index of a table in the world's table list.
type tableID = int

// table stores the values of every table-stored component of a set of archetypes. Columns are
// sorted by type id and always have the same length as the entity list.
type table struct {
	id       tableID
	ids      []TypeID         // Sorted type ids, parallel to columns
	columns  []abstractColumn // Component data
	entities []Entity         // Entity owning each row
}

func newTable(id tableID, ids []TypeID, registry *Registry) *table {
	assert.That(slices.IsSorted(ids), "table type ids must be sorted")
	columns := make([]abstractColumn, len(ids))
	for i, cid := range ids {
		columns[i] = registry.Info(cid).newColumn()
	}
	return &table{
		id:       id,
		ids:      ids,
		columns:  columns,
		entities: make([]Entity, 0),
	}
}

func (t *table) len() int {
	return len(t.entities)
}

// column returns the column storing id, or nil if the table doesn't store it.
func (t *table) column(id TypeID) abstractColumn {
	i, found := slices.BinarySearch(t.ids, id)
	if !found {
		return nil
	}
	return t.columns[i]
}

func (t *table) has(id TypeID) bool {
	_, found := slices.BinarySearch(t.ids, id)
	return found
}

// allocate adds a row for e, filled with zero values added at tick. Returns the new row.
func (t *table) allocate(e Entity, tick Tick) int {
	t.entities = append(t.entities, e)
	for _, col := range t.columns {
		col.extend(tick)
		assert.That(col.len() == len(t.entities), "column length doesn't match entities")
	}
	return len(t.entities) - 1
}

// swapRemove removes row by moving the last row into its place. If a row was moved, returns the
// entity that now occupies row.
func (t *table) swapRemove(row int) (Entity, bool) {
	assert.That(row < len(t.entities), "table row out of bounds")

	for _, col := range t.columns {
		_, err := col.swapRemove(row)
		assert.That(err == nil, "column row out of bounds")
	}

	last := len(t.entities) - 1
	t.entities[row] = t.entities[last]
	t.entities = t.entities[:last]

	if row == last {
		return 0, false
	}
	return t.entities[row], true
}

// moveTo moves row into dst. Values stored by both tables keep their ticks, values only stored by
// dst are zero-initialized at tick, and values only stored by t are dropped. Returns the row in
// dst and, if a row was moved to fill the hole in t, the entity that now occupies row.
func (t *table) moveTo(row int, dst *table, tick Tick) (int, Entity, bool) {
	assert.That(t != dst, "cannot move a row into the same table")
	assert.That(row < len(t.entities), "table row out of bounds")

	dst.entities = append(dst.entities, t.entities[row])
	for i, cid := range dst.ids {
		src := t.column(cid)
		if src == nil {
			dst.columns[i].extend(tick)
			continue
		}
		err := src.moveRow(row, dst.columns[i])
		assert.That(err == nil, "column row out of bounds")
	}
	newRow := len(dst.entities) - 1

	swapped, ok := t.swapRemove(row)
	return newRow, swapped, ok
}

func (t *table) checkTicks(now Tick) {
	for _, col := range t.columns {
		col.checkTicks(now)
	}
}

// -------------------------------------------------------------------------------------------------
// Table registry
// -------------------------------------------------------------------------------------------------

// tables deduplicates tables by their sorted type set.
type tables struct {
	list  []*table
	byKey map[string]tableID
}

func newTables(registry *Registry) tables {
	t := tables{
		list:  make([]*table, 0),
		byKey: make(map[string]tableID),
	}
	t.findOrCreate(nil, registry) // Table 0 is the empty table
	return t
}

// findOrCreate returns the table storing exactly ids, creating it if it doesn't exist.
func (t *tables) findOrCreate(ids []TypeID, registry *Registry) *table {
	key := typeSetKey(ids)
	if id, ok := t.byKey[key]; ok {
		return t.list[id]
	}
	tbl := newTable(len(t.list), slices.Clone(ids), registry)
	t.list = append(t.list, tbl)
	t.byKey[key] = tbl.id
	return tbl
}

// typeSetKey returns the lookup key of a sorted type set.
func typeSetKey(ids []TypeID) string {
	var sb strings.Builder
	for i, id := range ids {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatUint(uint64(id), 10))
	}
	return sb.String()
}
