package ecs

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pkg.world.dev/epix/pkg/testutils"
)

// -------------------------------------------------------------------------------------------------
// Model-based fuzzing world operations
// -------------------------------------------------------------------------------------------------
// Applies random spawn/despawn/insert/remove/mutate operations to a world and to a map of entity to
// components. After every operation the storage bookkeeping (entity locations, archetype records,
// table rows, column lengths) is checked for consistency, and the component values are compared
// against the model.
// -------------------------------------------------------------------------------------------------

type worldModel map[Entity]map[string]Component

func TestWorld_ModelFuzz(t *testing.T) {
	t.Parallel()
	prng := testutils.NewRand(t)

	const opsMax = 1 << 12

	w := newTestWorld(t)
	model := make(worldModel)
	dead := make([]Entity, 0)

	for range opsMax {
		switch testutils.RandWeightedOp(prng, worldOps) {
		case w_spawn:
			comps := randComponents(prng)
			e, err := w.Spawn(comps...)
			require.NoError(t, err)
			require.NotContains(t, model, e, "entity id handed out twice")

			model[e] = make(map[string]Component)
			for _, c := range comps {
				model[e][c.Name()] = c
			}

		case w_despawn:
			if len(model) == 0 {
				continue
			}
			e := testutils.RandMapKey(prng, model)
			require.NoError(t, w.Despawn(e))
			delete(model, e)
			dead = append(dead, e)

		case w_despawnDead:
			if len(dead) == 0 {
				continue
			}
			e := dead[prng.IntN(len(dead))]
			// Property: operations on despawned entities fail instead of touching a reused slot.
			require.ErrorIs(t, w.Despawn(e), ErrEntityNotFound)
			require.ErrorIs(t, w.Insert(e, testutils.Health{HP: 1}), ErrEntityNotFound)

		case w_insert:
			if len(model) == 0 {
				continue
			}
			e := testutils.RandMapKey(prng, model)
			comps := randComponents(prng)
			require.NoError(t, w.Insert(e, comps...))
			for _, c := range comps {
				model[e][c.Name()] = c
			}

		case w_remove:
			if len(model) == 0 {
				continue
			}
			e := testutils.RandMapKey(prng, model)
			name := componentNames[prng.IntN(len(componentNames))]
			id, err := w.registry.Lookup(name)
			require.NoError(t, err)

			err = w.RemoveByID(e, TypeID(id)) //nolint:gosec // small
			if _, ok := model[e][name]; !ok {
				require.ErrorIs(t, err, ErrComponentNotFound)
				continue
			}
			require.NoError(t, err)
			delete(model[e], name)

		case w_mutate:
			if len(model) == 0 {
				continue
			}
			e := testutils.RandMapKey(prng, model)
			health, err := GetMut[testutils.Health](w, e)
			if _, ok := model[e]["Health"]; !ok {
				require.ErrorIs(t, err, ErrComponentNotFound)
				continue
			}
			require.NoError(t, err)
			health.HP += 10
			model[e]["Health"] = *health

		default:
			panic("unreachable")
		}

		checkWorldConsistency(t, w)
	}

	require.Equal(t, len(model), w.Len())
	for e, comps := range model {
		checkEntity(t, w, e, comps)
	}
	for _, e := range dead {
		assert.False(t, w.Alive(e))
	}
}

type worldOp uint8

const (
	w_spawn       worldOp = 30
	w_despawn     worldOp = 15
	w_despawnDead worldOp = 5
	w_insert      worldOp = 20
	w_remove      worldOp = 19
	w_mutate      worldOp = 10
)

var worldOps = []worldOp{w_spawn, w_despawn, w_despawnDead, w_insert, w_remove, w_mutate}

var componentNames = []string{"Position", "Velocity", "Health", "Frozen", "Marker"}

func newTestWorld(t *testing.T) *World {
	t.Helper()
	w := NewWorld()
	_, err := RegisterComponent[testutils.Position](w)
	require.NoError(t, err)
	_, err = RegisterComponent[testutils.Velocity](w)
	require.NoError(t, err)
	_, err = RegisterComponent[testutils.Health](w)
	require.NoError(t, err)
	_, err = RegisterComponent[testutils.Frozen](w)
	require.NoError(t, err)
	_, err = RegisterComponent[testutils.Marker](w)
	require.NoError(t, err)
	return w
}

// randComponents returns a random set of distinct components with random values.
func randComponents(prng *rand.Rand) []Component {
	makers := []func() Component{
		func() Component { return testutils.Position{X: float64(prng.IntN(100)), Y: float64(prng.IntN(100))} },
		func() Component { return testutils.Velocity{X: float64(prng.IntN(10)), Y: float64(prng.IntN(10))} },
		func() Component { return testutils.Health{HP: prng.IntN(1000)} },
		func() Component { return testutils.Frozen{} },
		func() Component { return testutils.Marker{Tag: randTag(prng.IntN(1000))} },
	}
	comps := make([]Component, 0, len(makers))
	for _, i := range testutils.RandSubset(prng, len(makers), 0.4) {
		comps = append(comps, makers[i]())
	}
	return comps
}

func checkEntity(t *testing.T, w *World, e Entity, comps map[string]Component) {
	t.Helper()
	require.True(t, w.Alive(e))
	checkComponent[testutils.Position](t, w, e, comps)
	checkComponent[testutils.Velocity](t, w, e, comps)
	checkComponent[testutils.Health](t, w, e, comps)
	checkComponent[testutils.Frozen](t, w, e, comps)
	checkComponent[testutils.Marker](t, w, e, comps)
}

func checkComponent[T Component](t *testing.T, w *World, e Entity, comps map[string]Component) {
	t.Helper()
	var zero T
	expected, ok := comps[zero.Name()]
	got, err := Get[T](w, e)
	if !ok {
		require.ErrorIs(t, err, ErrComponentNotFound)
		assert.False(t, Has[T](w, e))
		return
	}
	require.NoError(t, err)
	assert.Equal(t, expected, got, "entity %s component %s", e, zero.Name())
	assert.True(t, Has[T](w, e))
}

// checkWorldConsistency checks that entity locations, archetype records, and tables agree.
func checkWorldConsistency(t *testing.T, w *World) {
	t.Helper()

	total := 0
	for _, arch := range w.archetypes.list {
		tbl := w.tables.list[arch.table]
		for row, rec := range arch.records {
			loc, err := w.entities.get(rec.entity)
			require.NoError(t, err)
			require.Equal(t, arch.id, loc.Archetype)
			require.Equal(t, row, loc.ArchetypeRow)
			require.Equal(t, rec.tableRow, loc.TableRow)
			require.Equal(t, tbl.id, loc.Table)
			require.Equal(t, rec.entity, tbl.entities[rec.tableRow])

			for id := range arch.sparseComponents.Ones() {
				require.True(t, w.sparse[TypeID(id)].contains(rec.entity)) //nolint:gosec // small
			}
		}
		total += arch.len()
	}
	require.Equal(t, w.Len(), total)

	for _, tbl := range w.tables.list {
		for _, col := range tbl.columns {
			require.Equal(t, tbl.len(), col.len())
		}
	}
}

// -------------------------------------------------------------------------------------------------
// Structural operations
// -------------------------------------------------------------------------------------------------

func TestWorld_ComponentNotRegistered(t *testing.T) {
	t.Parallel()

	w := NewWorld()
	_, err := w.Spawn(testutils.Position{})
	require.ErrorIs(t, err, ErrComponentNotRegistered)
	assert.Equal(t, 0, w.Len())

	_, err = ComponentID[testutils.Position](w)
	require.ErrorIs(t, err, ErrComponentNotRegistered)
}

func TestWorld_ArchetypesAreDeduplicated(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)
	e1, err := w.Spawn(testutils.Position{}, testutils.Velocity{})
	require.NoError(t, err)
	count := w.ArchetypeCount()

	// Component order doesn't matter.
	e2, err := w.Spawn(testutils.Velocity{}, testutils.Position{})
	require.NoError(t, err)
	assert.Equal(t, count, w.ArchetypeCount())

	loc1, err := w.Location(e1)
	require.NoError(t, err)
	loc2, err := w.Location(e2)
	require.NoError(t, err)
	assert.Equal(t, loc1.Archetype, loc2.Archetype)
	assert.Equal(t, loc1.Table, loc2.Table)
}

func TestWorld_InsertRemoveEdges(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)
	healthID, err := ComponentID[testutils.Health](w)
	require.NoError(t, err)

	e, err := w.Spawn(testutils.Position{X: 1})
	require.NoError(t, err)
	before, err := w.Location(e)
	require.NoError(t, err)

	require.NoError(t, w.Insert(e, testutils.Health{HP: 10}))
	after, err := w.Location(e)
	require.NoError(t, err)

	src := w.archetypes.list[before.Archetype]
	dst := w.archetypes.list[after.Archetype]
	assert.Equal(t, dst.id, src.insertEdges[healthID])
	assert.Equal(t, src.id, dst.removeEdges[healthID])

	// Values survive the move.
	pos, err := Get[testutils.Position](w, e)
	require.NoError(t, err)
	assert.Equal(t, testutils.Position{X: 1}, pos)

	// Removing goes back to the original archetype.
	require.NoError(t, Remove[testutils.Health](w, e))
	back, err := w.Location(e)
	require.NoError(t, err)
	assert.Equal(t, before.Archetype, back.Archetype)
}

func TestWorld_SparseComponentsDontMoveTables(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)
	e, err := w.Spawn(testutils.Position{X: 3})
	require.NoError(t, err)
	before, err := w.Location(e)
	require.NoError(t, err)

	require.NoError(t, w.Insert(e, testutils.Marker{Tag: "boss"}))
	after, err := w.Location(e)
	require.NoError(t, err)

	assert.NotEqual(t, before.Archetype, after.Archetype)
	assert.Equal(t, before.Table, after.Table)
	assert.Equal(t, before.TableRow, after.TableRow)

	marker, err := Get[testutils.Marker](w, e)
	require.NoError(t, err)
	assert.Equal(t, "boss", marker.Tag)

	require.NoError(t, w.Despawn(e))
	markerID, err := ComponentID[testutils.Marker](w)
	require.NoError(t, err)
	assert.Equal(t, 0, w.sparse[markerID].len())
}

func TestWorld_InsertExistingMarksChanged(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)
	e, err := w.Spawn(testutils.Health{HP: 1})
	require.NoError(t, err)
	added := w.ChangeTick()

	w.IncrementChangeTick()
	require.NoError(t, w.Insert(e, testutils.Health{HP: 2}))

	ticks, err := Ticks[testutils.Health](w, e)
	require.NoError(t, err)
	assert.Equal(t, added, ticks.Added)
	assert.Equal(t, w.ChangeTick(), ticks.Modified)

	hp, err := Get[testutils.Health](w, e)
	require.NoError(t, err)
	assert.Equal(t, 2, hp.HP)
}

// -------------------------------------------------------------------------------------------------
// Table
// -------------------------------------------------------------------------------------------------

func TestTable_SwapRemoveReportsSwappedEntity(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)
	posID, err := ComponentID[testutils.Position](w)
	require.NoError(t, err)

	tbl := w.tables.findOrCreate([]TypeID{posID}, w.registry)
	e0, e1, e2 := newEntity(10, 0), newEntity(11, 0), newEntity(12, 0)
	for i, e := range []Entity{e0, e1, e2} {
		row := tbl.allocate(e, 1)
		require.NoError(t, tbl.column(posID).setAbstract(row, testutils.Position{X: float64(i)}, 1))
	}

	swapped, ok := tbl.swapRemove(0)
	require.True(t, ok)
	// The entity formerly at row 2 now occupies row 0, not row 1's entity.
	assert.Equal(t, e2, swapped)
	assert.Equal(t, 2, tbl.len())

	value, err := tbl.column(posID).getAbstract(0)
	require.NoError(t, err)
	assert.Equal(t, testutils.Position{X: 2}, value)

	_, ok = tbl.swapRemove(1)
	assert.False(t, ok)
}

func TestTable_MoveTo(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)
	posID, err := ComponentID[testutils.Position](w)
	require.NoError(t, err)
	velID, err := ComponentID[testutils.Velocity](w)
	require.NoError(t, err)
	hpID, err := ComponentID[testutils.Health](w)
	require.NoError(t, err)

	src := w.tables.findOrCreate(sortedUnique([]TypeID{posID, velID}), w.registry)
	dst := w.tables.findOrCreate(sortedUnique([]TypeID{posID, hpID}), w.registry)

	e0, e1 := newEntity(0, 0), newEntity(1, 0)
	for i, e := range []Entity{e0, e1} {
		row := src.allocate(e, 1)
		require.NoError(t, src.column(posID).setAbstract(row, testutils.Position{X: float64(i)}, 2))
		require.NoError(t, src.column(velID).setAbstract(row, testutils.Velocity{X: float64(i)}, 2))
	}

	newRow, swapped, ok := src.moveTo(0, dst, 5)
	require.True(t, ok)
	assert.Equal(t, e1, swapped)
	assert.Equal(t, 0, newRow)
	assert.Equal(t, 1, src.len())
	assert.Equal(t, 1, dst.len())

	// Shared columns keep values and ticks, target-only columns are zero-initialized at the tick.
	pos, err := dst.column(posID).getAbstract(newRow)
	require.NoError(t, err)
	assert.Equal(t, testutils.Position{X: 0}, pos)
	posTicks, err := dst.column(posID).ticksAt(newRow)
	require.NoError(t, err)
	assert.Equal(t, ComponentTicks{Added: 1, Modified: 2}, posTicks)

	hp, err := dst.column(hpID).getAbstract(newRow)
	require.NoError(t, err)
	assert.Equal(t, testutils.Health{}, hp)
	hpTicks, err := dst.column(hpID).ticksAt(newRow)
	require.NoError(t, err)
	assert.Equal(t, ComponentTicks{Added: 5, Modified: 5}, hpTicks)

	// Tables are deduplicated by type set.
	assert.Same(t, src, w.tables.findOrCreate(sortedUnique([]TypeID{velID, posID}), w.registry))
}

// -------------------------------------------------------------------------------------------------
// Resources
// -------------------------------------------------------------------------------------------------

func TestWorld_Resources(t *testing.T) {
	t.Parallel()

	w := NewWorld()
	_, err := Resource[testutils.Counter](w)
	require.ErrorIs(t, err, ErrResourceNotFound)
	assert.False(t, HasResource[testutils.Counter](w))

	InsertResource(w, testutils.Counter{Value: 1})
	counter, err := Resource[testutils.Counter](w)
	require.NoError(t, err)
	assert.Equal(t, 1, counter.Value)

	w.IncrementChangeTick()
	counter, err = ResourceMut[testutils.Counter](w)
	require.NoError(t, err)
	counter.Value++

	ticks, err := ResourceTicks[testutils.Counter](w)
	require.NoError(t, err)
	assert.Equal(t, Tick(1), ticks.Added)
	assert.Equal(t, Tick(2), ticks.Modified)

	// Inserting again replaces the value in place.
	InsertResource(w, testutils.Counter{Value: 10})
	counter, err = Resource[testutils.Counter](w)
	require.NoError(t, err)
	assert.Equal(t, 10, counter.Value)

	require.NoError(t, RemoveResource[testutils.Counter](w))
	require.ErrorIs(t, RemoveResource[testutils.Counter](w), ErrResourceNotFound)
	require.ErrorIs(t, RemoveResource[testutils.Score](w), ErrResourceNotFound)
}

// -------------------------------------------------------------------------------------------------
// Change ticks
// -------------------------------------------------------------------------------------------------

func TestWorld_CheckChangeTicks(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)
	e, err := w.Spawn(testutils.Health{HP: 1}, testutils.Marker{Tag: "x"})
	require.NoError(t, err)
	InsertResource(w, testutils.Score{})

	// Not enough ticks have passed.
	assert.False(t, w.CheckChangeTicks())

	now := Tick(CheckTickThreshold) + Tick(MaxChangeAge)
	w.changeTick.Store(uint32(now))
	require.True(t, w.CheckChangeTicks())

	hp, err := Ticks[testutils.Health](w, e)
	require.NoError(t, err)
	marker, err := Ticks[testutils.Marker](w, e)
	require.NoError(t, err)
	score, err := ResourceTicks[testutils.Score](w)
	require.NoError(t, err)

	// Property: after a check every stored tick is at most MaxChangeAge old.
	for _, ticks := range []ComponentTicks{hp, marker, score} {
		assert.LessOrEqual(t, uint32(now.RelativeTo(ticks.Added)), MaxChangeAge)
		assert.LessOrEqual(t, uint32(now.RelativeTo(ticks.Modified)), MaxChangeAge)
	}

	// The next check waits for another threshold.
	assert.False(t, w.CheckChangeTicks())
}
