package ecs

import (
	"github.com/rotisserie/eris"
	"pkg.world.dev/epix/pkg/assert"
	"pkg.world.dev/epix/pkg/epix/access"
)

// -------------------------------------------------------------------------------------------------
// Component slot
// -------------------------------------------------------------------------------------------------

// componentSlot resolves where the values of one component type live for the current archetype
// and row of a query.
type componentSlot[C Component] struct {
	id     TypeID
	sparse bool
	col    *column[C]     // nil if the current archetype doesn't have the component
	store  *sparseStorage // Only set for sparse components
	row    int
	ctx    *fetchContext
}

func (s *componentSlot[C]) init(w *World) error {
	id, err := registerComponent[C](w.registry)
	if err != nil {
		return err
	}
	s.id = id
	s.sparse = w.registry.Info(id).Storage == StorageSparse
	return nil
}

func (s *componentSlot[C]) setArchetype(ctx *fetchContext, arch *archetype, tbl *table) {
	s.ctx = ctx
	s.col, s.store = nil, nil
	if !arch.has(s.id) {
		return
	}
	if s.sparse {
		s.store = ctx.world.sparse[s.id]
		s.col = sparseColumn[C](s.store)
		return
	}
	s.col = tableColumn[C](tbl, s.id)
}

// rowOf returns the row holding e's value, or -1 if the current archetype lacks the component.
func (s *componentSlot[C]) rowOf(e Entity, tableRow int) int {
	if s.col == nil {
		return -1
	}
	if !s.sparse {
		return tableRow
	}
	row, err := s.store.denseRow(e)
	assert.That(err == nil, "sparse component missing for entity in matching archetype")
	return row
}

func (s *componentSlot[C]) setRow(e Entity, tableRow int) {
	s.row = s.rowOf(e, tableRow)
}

func (s *componentSlot[C]) ticks() ComponentTicks {
	return ComponentTicks{Added: s.col.added[s.row], Modified: s.col.modified[s.row]}
}

func addRead(fa *access.FilteredAccess, id TypeID) error {
	if fa.Access().HasComponentWrite(int(id)) {
		return eris.Wrapf(ErrConflictingAccess, "component %d is both read and written", id)
	}
	fa.AddComponentRead(int(id))
	return nil
}

func addOptionalRead(fa *access.FilteredAccess, id TypeID) error {
	if fa.Access().HasComponentWrite(int(id)) {
		return eris.Wrapf(ErrConflictingAccess, "component %d is both read and written", id)
	}
	fa.AddOptionalComponentRead(int(id))
	return nil
}

// addFilterRead records the read of a change filter. A component the query already writes is
// required by the write, so the filter adds nothing to the access.
func addFilterRead(fa *access.FilteredAccess, id TypeID) error {
	if fa.Access().HasComponentWrite(int(id)) {
		return nil
	}
	fa.AddComponentRead(int(id))
	return nil
}

func addWrite(fa *access.FilteredAccess, id TypeID) error {
	if fa.Access().HasComponentRead(int(id)) {
		return eris.Wrapf(ErrConflictingAccess, "component %d is accessed more than once", id)
	}
	fa.AddComponentWrite(int(id))
	return nil
}

// -------------------------------------------------------------------------------------------------
// Data terms
// -------------------------------------------------------------------------------------------------

// Ref is a read-only reference to a component of the current entity.
type Ref[C Component] struct {
	slot componentSlot[C]
}

var _ queryTerm = &Ref[Component]{}

func (r *Ref[C]) initTerm(w *World, fa *access.FilteredAccess) error {
	if err := r.slot.init(w); err != nil {
		return err
	}
	return addRead(fa, r.slot.id)
}

func (r *Ref[C]) setArchetype(ctx *fetchContext, arch *archetype, tbl *table) {
	r.slot.setArchetype(ctx, arch, tbl)
}

func (r *Ref[C]) setRow(e Entity, tableRow int) {
	r.slot.setRow(e, tableRow)
}

// Get returns the component value.
func (r *Ref[C]) Get() C {
	return r.slot.col.values[r.slot.row]
}

// Ticks returns the change ticks of the component.
func (r *Ref[C]) Ticks() ComponentTicks {
	return r.slot.ticks()
}

// IsAdded reports whether the component was added since the system last ran.
func (r *Ref[C]) IsAdded() bool {
	return r.slot.ticks().IsAdded(r.slot.ctx.lastRun, r.slot.ctx.thisRun)
}

// IsChanged reports whether the component was added or modified since the system last ran.
func (r *Ref[C]) IsChanged() bool {
	return r.slot.ticks().IsChanged(r.slot.ctx.lastRun, r.slot.ctx.thisRun)
}

// Mut is a mutable reference to a component of the current entity. Writes mark the component
// changed.
type Mut[C Component] struct {
	slot componentSlot[C]
}

func (m *Mut[C]) initTerm(w *World, fa *access.FilteredAccess) error {
	if err := m.slot.init(w); err != nil {
		return err
	}
	return addWrite(fa, m.slot.id)
}

func (m *Mut[C]) setArchetype(ctx *fetchContext, arch *archetype, tbl *table) {
	m.slot.setArchetype(ctx, arch, tbl)
}

func (m *Mut[C]) setRow(e Entity, tableRow int) {
	m.slot.setRow(e, tableRow)
}

func (m *Mut[C]) Get() C {
	return m.slot.col.values[m.slot.row]
}

// Set overwrites the component value.
func (m *Mut[C]) Set(value C) {
	m.slot.col.values[m.slot.row] = value
	m.slot.col.modified[m.slot.row] = m.slot.ctx.thisRun
}

// Ptr returns a pointer to the component value, marking it changed. The pointer is only valid
// until the next structural change.
func (m *Mut[C]) Ptr() *C {
	m.slot.col.modified[m.slot.row] = m.slot.ctx.thisRun
	return &m.slot.col.values[m.slot.row]
}

func (m *Mut[C]) Ticks() ComponentTicks {
	return m.slot.ticks()
}

func (m *Mut[C]) IsAdded() bool {
	return m.slot.ticks().IsAdded(m.slot.ctx.lastRun, m.slot.ctx.thisRun)
}

func (m *Mut[C]) IsChanged() bool {
	return m.slot.ticks().IsChanged(m.slot.ctx.lastRun, m.slot.ctx.thisRun)
}

// Opt fetches a component if the current entity has it. It doesn't restrict which entities match.
type Opt[C Component] struct {
	slot componentSlot[C]
}

func (o *Opt[C]) initTerm(w *World, fa *access.FilteredAccess) error {
	if err := o.slot.init(w); err != nil {
		return err
	}
	return addOptionalRead(fa, o.slot.id)
}

func (o *Opt[C]) setArchetype(ctx *fetchContext, arch *archetype, tbl *table) {
	o.slot.setArchetype(ctx, arch, tbl)
}

func (o *Opt[C]) setRow(e Entity, tableRow int) {
	o.slot.setRow(e, tableRow)
}

// Get returns the component value and whether the entity has it.
func (o *Opt[C]) Get() (C, bool) {
	if o.slot.row < 0 {
		var zero C
		return zero, false
	}
	return o.slot.col.values[o.slot.row], true
}

// -------------------------------------------------------------------------------------------------
// Filter terms
// -------------------------------------------------------------------------------------------------

// With restricts a query to entities that have component C, without fetching it.
type With[C Component] struct{}

func (With[C]) initTerm(w *World, fa *access.FilteredAccess) error {
	id, err := registerComponent[C](w.registry)
	if err != nil {
		return err
	}
	fa.AndWith(int(id))
	return nil
}

func (With[C]) setArchetype(*fetchContext, *archetype, *table) {}
func (With[C]) setRow(Entity, int)                            {}

// Without restricts a query to entities that don't have component C.
type Without[C Component] struct{}

func (Without[C]) initTerm(w *World, fa *access.FilteredAccess) error {
	id, err := registerComponent[C](w.registry)
	if err != nil {
		return err
	}
	fa.AndWithout(int(id))
	return nil
}

func (Without[C]) setArchetype(*fetchContext, *archetype, *table) {}
func (Without[C]) setRow(Entity, int)                            {}

// Added restricts a query to entities whose component C was added since the system last ran.
type Added[C Component] struct {
	slot componentSlot[C]
}

func (a *Added[C]) initTerm(w *World, fa *access.FilteredAccess) error {
	if err := a.slot.init(w); err != nil {
		return err
	}
	return addFilterRead(fa, a.slot.id)
}

func (a *Added[C]) setArchetype(ctx *fetchContext, arch *archetype, tbl *table) {
	a.slot.setArchetype(ctx, arch, tbl)
}

func (a *Added[C]) setRow(Entity, int) {}

func (a *Added[C]) matchesRow(e Entity, tableRow int) bool {
	row := a.slot.rowOf(e, tableRow)
	if row < 0 {
		return false
	}
	return a.slot.col.added[row].NewerThan(a.slot.ctx.lastRun, a.slot.ctx.thisRun)
}

// Changed restricts a query to entities whose component C was added or modified since the system
// last ran.
type Changed[C Component] struct {
	slot componentSlot[C]
}

func (c *Changed[C]) initTerm(w *World, fa *access.FilteredAccess) error {
	if err := c.slot.init(w); err != nil {
		return err
	}
	return addFilterRead(fa, c.slot.id)
}

func (c *Changed[C]) setArchetype(ctx *fetchContext, arch *archetype, tbl *table) {
	c.slot.setArchetype(ctx, arch, tbl)
}

func (c *Changed[C]) setRow(Entity, int) {}

func (c *Changed[C]) matchesRow(e Entity, tableRow int) bool {
	row := c.slot.rowOf(e, tableRow)
	if row < 0 {
		return false
	}
	return c.slot.col.modified[row].NewerThan(c.slot.ctx.lastRun, c.slot.ctx.thisRun)
}
