package ecs

import (
	"slices"

	"pkg.world.dev/epix/pkg/assert"
	"pkg.world.dev/epix/pkg/epix/bitset"
)

// ArchetypeID is the unique identifier for an archetype. Archetypes are never destroyed, so ids are
// stable and dense.
type ArchetypeID = int

type archetypeRecord struct {
	entity   Entity
	tableRow int
}

// archetype is the set of entities holding exactly the same component types. Its table components
// live in a shared table, its sparse components in the world's sparse sets.
type archetype struct {
	id               ArchetypeID
	ids              []TypeID      // Sorted ids of every component
	components       bitset.Bitset // Every component
	tableComponents  bitset.Bitset // Components stored in the table
	sparseComponents bitset.Bitset // Components stored in sparse sets
	table            tableID
	records          []archetypeRecord

	// Cached structural moves: component id -> archetype with/without that component.
	insertEdges map[TypeID]ArchetypeID
	removeEdges map[TypeID]ArchetypeID
}

func (a *archetype) len() int {
	return len(a.records)
}

func (a *archetype) has(id TypeID) bool {
	return a.components.Test(int(id))
}

// allocate appends e and returns its archetype row.
func (a *archetype) allocate(e Entity, tableRow int) int {
	a.records = append(a.records, archetypeRecord{entity: e, tableRow: tableRow})
	return len(a.records) - 1
}

// swapRemove removes row by moving the last record into its place. If a record was moved, returns
// the entity that now occupies row.
func (a *archetype) swapRemove(row int) (Entity, bool) {
	assert.That(row < len(a.records), "archetype row out of bounds")

	last := len(a.records) - 1
	a.records[row] = a.records[last]
	a.records = a.records[:last]

	if row == last {
		return 0, false
	}
	return a.records[row].entity, true
}

func (a *archetype) setTableRow(row, tableRow int) {
	a.records[row].tableRow = tableRow
}

// -------------------------------------------------------------------------------------------------
// Archetype registry
// -------------------------------------------------------------------------------------------------

type archetypes struct {
	list  []*archetype
	byKey map[string]ArchetypeID
}

func newArchetypes() archetypes {
	return archetypes{
		list:  make([]*archetype, 0),
		byKey: make(map[string]ArchetypeID),
	}
}

// version returns a counter that changes whenever an archetype is added.
func (a *archetypes) version() int {
	return len(a.list)
}

// findOrCreate returns the archetype holding exactly ids, creating it and its table if needed.
func (a *archetypes) findOrCreate(ids []TypeID, registry *Registry, tbls *tables) *archetype {
	assert.That(slices.IsSorted(ids), "archetype type ids must be sorted")

	key := typeSetKey(ids)
	if id, ok := a.byKey[key]; ok {
		return a.list[id]
	}

	arch := &archetype{
		id:          len(a.list),
		ids:         slices.Clone(ids),
		records:     make([]archetypeRecord, 0),
		insertEdges: make(map[TypeID]ArchetypeID),
		removeEdges: make(map[TypeID]ArchetypeID),
	}
	tableIDs := make([]TypeID, 0, len(ids))
	for _, id := range ids {
		arch.components.Set(int(id))
		if registry.Info(id).Storage == StorageSparse {
			arch.sparseComponents.Set(int(id))
			continue
		}
		arch.tableComponents.Set(int(id))
		tableIDs = append(tableIDs, id)
	}
	arch.table = tbls.findOrCreate(tableIDs, registry).id

	a.list = append(a.list, arch)
	a.byKey[key] = arch.id
	return arch
}

// with returns the archetype of src plus id.
func (a *archetypes) with(src *archetype, id TypeID, registry *Registry, tbls *tables) *archetype {
	if dst, ok := src.insertEdges[id]; ok {
		return a.list[dst]
	}
	ids := slices.Clone(src.ids)
	if i, found := slices.BinarySearch(ids, id); !found {
		ids = slices.Insert(ids, i, id)
	}
	dst := a.findOrCreate(ids, registry, tbls)
	src.insertEdges[id] = dst.id
	if dst.id != src.id {
		dst.removeEdges[id] = src.id
	}
	return dst
}

// without returns the archetype of src minus id.
func (a *archetypes) without(src *archetype, id TypeID, registry *Registry, tbls *tables) *archetype {
	if dst, ok := src.removeEdges[id]; ok {
		return a.list[dst]
	}
	ids := slices.DeleteFunc(slices.Clone(src.ids), func(x TypeID) bool { return x == id })
	dst := a.findOrCreate(ids, registry, tbls)
	src.removeEdges[id] = dst.id
	if dst.id != src.id {
		dst.insertEdges[id] = src.id
	}
	return dst
}
