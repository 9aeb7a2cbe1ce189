package ecs

import (
	"slices"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"pkg.world.dev/epix/pkg/assert"
)

// World owns every entity, component, and resource.
//
// Reads and writes of component values and resources may happen concurrently as long as the
// accesses don't conflict; the scheduler guarantees this for systems. Structural changes (spawning,
// despawning, inserting and removing components, inserting resources) require exclusive access and
// are normally queued through Commands.
type World struct {
	id         uuid.UUID
	registry   *Registry
	entities   entityManager
	tables     tables
	archetypes archetypes
	sparse     map[TypeID]*sparseStorage
	resources  map[TypeID]*resourceData

	changeTick    atomic.Uint32
	lastCheckTick Tick

	logger zerolog.Logger
}

// WorldOption configures a World.
type WorldOption func(*World)

// WithLogger sets the logger used for deferred command failures and diagnostics.
func WithLogger(logger zerolog.Logger) WorldOption {
	return func(w *World) { w.logger = logger }
}

// NewWorld creates a new World instance.
func NewWorld(opts ...WorldOption) *World {
	registry := newRegistry()
	w := &World{
		id:         uuid.New(),
		registry:   registry,
		entities:   newEntityManager(),
		tables:     newTables(registry),
		archetypes: newArchetypes(),
		sparse:     make(map[TypeID]*sparseStorage),
		resources:  make(map[TypeID]*resourceData),
		logger:     zerolog.Nop(),
	}
	w.archetypes.findOrCreate(nil, registry, &w.tables) // Archetype 0 is the empty archetype
	w.changeTick.Store(1)

	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the unique id of the world.
func (w *World) ID() uuid.UUID {
	return w.id
}

// Registry returns the type registry of the world.
func (w *World) Registry() *Registry {
	return w.registry
}

func (w *World) Logger() *zerolog.Logger {
	return &w.logger
}

// Len returns the number of alive entities.
func (w *World) Len() int {
	return w.entities.len()
}

// ArchetypeCount returns the number of archetypes created so far.
func (w *World) ArchetypeCount() int {
	return len(w.archetypes.list)
}

// Alive checks if an entity exists in the world.
func (w *World) Alive(e Entity) bool {
	return w.entities.isAlive(e)
}

// Location returns where the entity's data is stored.
func (w *World) Location(e Entity) (EntityLocation, error) {
	return w.entities.get(e)
}

// -------------------------------------------------------------------------------------------------
// Change ticks
// -------------------------------------------------------------------------------------------------

// ChangeTick returns the current value of the change clock.
func (w *World) ChangeTick() Tick {
	return Tick(w.changeTick.Load())
}

// IncrementChangeTick advances the change clock and returns the value before the increment.
func (w *World) IncrementChangeTick() Tick {
	return Tick(w.changeTick.Add(1) - 1)
}

// CheckChangeTicks rebases every stored tick when CheckTickThreshold ticks have passed since the
// last check. Returns true if a rebase happened, in which case the caller must rebase the ticks it
// stores itself (e.g. system last-run ticks) with the current change tick.
func (w *World) CheckChangeTicks() bool {
	now := w.ChangeTick()
	if uint32(now.RelativeTo(w.lastCheckTick)) < CheckTickThreshold {
		return false
	}
	w.checkTicks(now)
	return true
}

func (w *World) checkTicks(now Tick) {
	for _, tbl := range w.tables.list {
		tbl.checkTicks(now)
	}
	for _, s := range w.sparse {
		s.checkTicks(now)
	}
	for _, r := range w.resources {
		r.ticks.Added.CheckTick(now)
		r.ticks.Modified.CheckTick(now)
	}
	w.lastCheckTick = now
}

// -------------------------------------------------------------------------------------------------
// Entity operations
// -------------------------------------------------------------------------------------------------

// Spawn creates an entity with the given components. Every component type must be registered.
func (w *World) Spawn(components ...Component) (Entity, error) {
	e, err := w.entities.reserve()
	if err != nil {
		return 0, err
	}
	if err := w.spawnReserved(e, components); err != nil {
		releaseErr := w.entities.release(e)
		assert.That(releaseErr == nil, "reserved entity must be releasable")
		return 0, err
	}
	return e, nil
}

// spawnReserved places a reserved entity into the archetype of its components.
func (w *World) spawnReserved(e Entity, components []Component) error {
	ids, err := w.componentIDs(components)
	if err != nil {
		return err
	}

	arch := w.archetypes.findOrCreate(sortedUnique(ids), w.registry, &w.tables)
	tbl := w.tables.list[arch.table]
	tick := w.ChangeTick()

	tableRow := tbl.allocate(e, tick)
	loc := EntityLocation{
		Archetype:    arch.id,
		ArchetypeRow: arch.allocate(e, tableRow),
		Table:        tbl.id,
		TableRow:     tableRow,
	}
	w.entities.place(e, loc)

	return w.writeValues(e, loc, ids, components, tick)
}

// Despawn deletes an entity and all its components from the world.
func (w *World) Despawn(e Entity) error {
	loc, err := w.entities.get(e)
	if err != nil {
		return err
	}

	arch := w.archetypes.list[loc.Archetype]
	if swapped, ok := arch.swapRemove(loc.ArchetypeRow); ok {
		w.fixArchetypeRow(swapped, loc.ArchetypeRow)
	}
	if swapped, ok := w.tables.list[loc.Table].swapRemove(loc.TableRow); ok {
		w.fixTableRow(swapped, loc.TableRow)
	}
	for id := range arch.sparseComponents.Ones() {
		w.sparse[TypeID(id)].remove(e) //nolint:gosec // type ids fit in uint32
	}

	return w.entities.release(e)
}

// Insert adds components to an entity. Components the entity already has are replaced and marked
// changed.
func (w *World) Insert(e Entity, components ...Component) error {
	loc, err := w.entities.get(e)
	if err != nil {
		return err
	}
	ids, err := w.componentIDs(components)
	if err != nil {
		return err
	}

	src := w.archetypes.list[loc.Archetype]
	dst := src
	for _, id := range ids {
		dst = w.archetypes.with(dst, id, w.registry, &w.tables)
	}

	tick := w.ChangeTick()
	if dst != src {
		loc = w.moveEntity(e, loc, src, dst, tick)
	}
	return w.writeValues(e, loc, ids, components, tick)
}

// RemoveByID removes the component with the given id from an entity.
func (w *World) RemoveByID(e Entity, id TypeID) error {
	loc, err := w.entities.get(e)
	if err != nil {
		return err
	}
	src := w.archetypes.list[loc.Archetype]
	if !src.has(id) {
		return eris.Wrapf(ErrComponentNotFound, "entity %s, component %s", e, w.registry.Info(id).Name)
	}

	dst := w.archetypes.without(src, id, w.registry, &w.tables)
	w.moveEntity(e, loc, src, dst, w.ChangeTick())
	return nil
}

// moveEntity moves an entity from src to dst and returns its new location.
func (w *World) moveEntity(e Entity, loc EntityLocation, src, dst *archetype, tick Tick) EntityLocation {
	assert.That(src.id == loc.Archetype, "entity is not in the source archetype")

	if swapped, ok := src.swapRemove(loc.ArchetypeRow); ok {
		w.fixArchetypeRow(swapped, loc.ArchetypeRow)
	}

	newLoc := EntityLocation{Archetype: dst.id, Table: dst.table, TableRow: loc.TableRow}
	if src.table != dst.table {
		srcTable, dstTable := w.tables.list[src.table], w.tables.list[dst.table]
		newRow, swapped, ok := srcTable.moveTo(loc.TableRow, dstTable, tick)
		if ok {
			w.fixTableRow(swapped, loc.TableRow)
		}
		newLoc.TableRow = newRow
	}
	newLoc.ArchetypeRow = dst.allocate(e, newLoc.TableRow)

	dropped := src.sparseComponents.AndNot(dst.sparseComponents)
	for id := range dropped.Ones() {
		w.sparse[TypeID(id)].remove(e) //nolint:gosec // type ids fit in uint32
	}

	w.entities.setLocation(e, newLoc)
	return newLoc
}

// fixArchetypeRow updates the location of an entity that was moved into row by a swap remove.
func (w *World) fixArchetypeRow(e Entity, row int) {
	loc, err := w.entities.get(e)
	assert.That(err == nil, "swapped entity must be alive")
	loc.ArchetypeRow = row
	w.entities.setLocation(e, loc)
}

// fixTableRow updates the location and archetype record of an entity that was moved into row by a
// swap remove.
func (w *World) fixTableRow(e Entity, row int) {
	loc, err := w.entities.get(e)
	assert.That(err == nil, "swapped entity must be alive")
	loc.TableRow = row
	w.archetypes.list[loc.Archetype].setTableRow(loc.ArchetypeRow, row)
	w.entities.setLocation(e, loc)
}

// writeValues stores component values of an entity at loc.
func (w *World) writeValues(e Entity, loc EntityLocation, ids []TypeID, components []Component, tick Tick) error {
	tbl := w.tables.list[loc.Table]
	for i, c := range components {
		id := ids[i]
		if w.registry.Info(id).Storage == StorageSparse {
			if err := w.sparseFor(id).insert(e, c, tick); err != nil {
				return err
			}
			continue
		}
		col := tbl.column(id)
		assert.That(col != nil, "table is missing column for %s", c.Name())
		if err := col.setAbstract(loc.TableRow, c, tick); err != nil {
			return err
		}
	}
	return nil
}

// componentIDs returns the type id of every component, in order.
func (w *World) componentIDs(components []Component) ([]TypeID, error) {
	ids := make([]TypeID, len(components))
	for i, c := range components {
		id, err := w.registry.componentTypeID(c)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func (w *World) sparseFor(id TypeID) *sparseStorage {
	s, ok := w.sparse[id]
	if !ok {
		s = newSparseStorage(w.registry.Info(id).newColumn)
		w.sparse[id] = s
	}
	return s
}

func sortedUnique(ids []TypeID) []TypeID {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// -------------------------------------------------------------------------------------------------
// Component access
// -------------------------------------------------------------------------------------------------

// Get gets a component from an entity.
// Returns an error if the entity doesn't exist or doesn't contain the component type.
func Get[T Component](w *World, e Entity) (T, error) {
	col, row, err := componentColumn[T](w, e)
	if err != nil {
		var zero T
		return zero, err
	}
	return col.get(row)
}

// GetMut returns a pointer to a component of an entity and marks it changed.
func GetMut[T Component](w *World, e Entity) (*T, error) {
	col, row, err := componentColumn[T](w, e)
	if err != nil {
		return nil, err
	}
	return col.getMut(row, w.ChangeTick())
}

// Ticks returns the change ticks of a component of an entity.
func Ticks[T Component](w *World, e Entity) (ComponentTicks, error) {
	col, row, err := componentColumn[T](w, e)
	if err != nil {
		return ComponentTicks{}, err
	}
	return col.ticksAt(row)
}

// Has checks if an entity has a specific component type.
// Returns false if either the entity doesn't exist or doesn't have the component.
func Has[T Component](w *World, e Entity) bool {
	_, _, err := componentColumn[T](w, e)
	return err == nil
}

// Remove removes a component from an entity.
// Returns an error if the entity or the component to remove doesn't exist.
func Remove[T Component](w *World, e Entity) error {
	id, err := ComponentID[T](w)
	if err != nil {
		return err
	}
	return w.RemoveByID(e, id)
}

// componentColumn returns the typed column and row holding component T of e.
func componentColumn[T Component](w *World, e Entity) (*column[T], int, error) {
	id, err := ComponentID[T](w)
	if err != nil {
		return nil, 0, err
	}
	loc, err := w.entities.get(e)
	if err != nil {
		return nil, 0, err
	}
	if !w.archetypes.list[loc.Archetype].has(id) {
		var zero T
		return nil, 0, eris.Wrapf(ErrComponentNotFound, "entity %s, component %s", e, zero.Name())
	}

	if w.registry.Info(id).Storage == StorageSparse {
		s := w.sparse[id]
		row, err := s.denseRow(e)
		if err != nil {
			return nil, 0, err
		}
		return sparseColumn[T](s), row, nil
	}
	return tableColumn[T](w.tables.list[loc.Table], id), loc.TableRow, nil
}

// tableColumn returns the typed column of id in tbl.
func tableColumn[T any](tbl *table, id TypeID) *column[T] {
	col, ok := tbl.column(id).(*column[T])
	assert.That(ok, "table column holds a different type")
	return col
}
