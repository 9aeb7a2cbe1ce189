package ecs

import (
	"github.com/rs/zerolog"
	"pkg.world.dev/epix/pkg/assert"
	"pkg.world.dev/epix/pkg/epix/access"
)

var _ systemParam = &BaseSystemState{}
var _ systemParam = &Res[int]{}
var _ systemParam = &ResMut[int]{}
var _ systemParam = &Local[int]{}
var _ systemParam = &WorldRef{}
var _ systemParam = &Commands{}
var _ systemParam = &Query[struct{}]{}

// -------------------------------------------------------------------------------------------------
// Base system state
// -------------------------------------------------------------------------------------------------

// BaseSystemState can be embedded in a system's state to access the system's logger and ticks.
//
// Example:
//
//	type DebugState struct {
//	    ecs.BaseSystemState
//	}
//
//	func Debug(state *DebugState) error {
//	    state.Logger().Info().Uint32("tick", uint32(state.ThisRun())).Msg("debug")
//	    return nil
//	}
type BaseSystemState struct {
	meta *systemMeta
}

func (b *BaseSystemState) init(_ *World, meta *systemMeta) error {
	b.meta = meta
	return nil
}

func (b *BaseSystemState) validate(*World, *systemMeta) error { return nil }
func (b *BaseSystemState) prepare(*World, *systemMeta) error  { return nil }

// Logger returns the system's logger, tagged with the system name.
func (b *BaseSystemState) Logger() *zerolog.Logger {
	return &b.meta.logger
}

func (b *BaseSystemState) SystemName() string {
	return b.meta.name
}

// LastRun returns the change tick at the start of the previous run.
func (b *BaseSystemState) LastRun() Tick {
	return b.meta.lastRun
}

// ThisRun returns the change tick of the current run.
func (b *BaseSystemState) ThisRun() Tick {
	return b.meta.thisRun
}

// -------------------------------------------------------------------------------------------------
// Resources
// -------------------------------------------------------------------------------------------------

// Res is read-only access to the resource of type T. The system fails validation if the resource
// doesn't exist.
type Res[T any] struct {
	id   TypeID
	data *resourceData
	meta *systemMeta
}

func (r *Res[T]) init(w *World, meta *systemMeta) error {
	r.id = registerResource[T](w.registry)
	r.meta = meta
	fa := access.NewFiltered()
	fa.AddResourceRead(int(r.id))
	return meta.addAccess(&fa)
}

func (r *Res[T]) validate(w *World, _ *systemMeta) error {
	_, err := w.resourceByID(r.id)
	return err
}

func (r *Res[T]) prepare(w *World, _ *systemMeta) error {
	data, err := w.resourceByID(r.id)
	if err != nil {
		return err
	}
	r.data = data
	return nil
}

// Get returns the resource value.
func (r *Res[T]) Get() T {
	return *r.ptr()
}

func (r *Res[T]) ptr() *T {
	ptr, ok := r.data.value.(*T)
	assert.That(ok, "resource holds a different type")
	return ptr
}

// IsAdded reports whether the resource was inserted since the system last ran.
func (r *Res[T]) IsAdded() bool {
	return r.data.ticks.IsAdded(r.meta.lastRun, r.meta.thisRun)
}

// IsChanged reports whether the resource was inserted or modified since the system last ran.
func (r *Res[T]) IsChanged() bool {
	return r.data.ticks.IsChanged(r.meta.lastRun, r.meta.thisRun)
}

// ResMut is read-write access to the resource of type T. Writes mark the resource changed.
type ResMut[T any] struct {
	Res[T]
}

func (r *ResMut[T]) init(w *World, meta *systemMeta) error {
	r.id = registerResource[T](w.registry)
	r.meta = meta
	fa := access.NewFiltered()
	fa.AddResourceWrite(int(r.id))
	return meta.addAccess(&fa)
}

// Set overwrites the resource value.
func (r *ResMut[T]) Set(value T) {
	*r.ptr() = value
	r.data.ticks.SetChanged(r.meta.thisRun)
}

// Ptr returns a pointer to the resource value and marks it changed.
func (r *ResMut[T]) Ptr() *T {
	r.data.ticks.SetChanged(r.meta.thisRun)
	return r.ptr()
}

// -------------------------------------------------------------------------------------------------
// Local state
// -------------------------------------------------------------------------------------------------

// Local is state owned by a single system that persists between runs.
type Local[T any] struct {
	value T
}

func (l *Local[T]) init(*World, *systemMeta) error     { return nil }
func (l *Local[T]) validate(*World, *systemMeta) error { return nil }
func (l *Local[T]) prepare(*World, *systemMeta) error  { return nil }

// Get returns a pointer to the local value.
func (l *Local[T]) Get() *T {
	return &l.value
}

// -------------------------------------------------------------------------------------------------
// Exclusive world access
// -------------------------------------------------------------------------------------------------

// WorldRef gives a system exclusive access to the whole world. A system with a WorldRef never runs
// concurrently with another system.
type WorldRef struct {
	world *World
}

func (r *WorldRef) init(w *World, meta *systemMeta) error {
	fa := access.NewFiltered()
	fa.WriteAll()
	if err := meta.addAccess(&fa); err != nil {
		return err
	}
	meta.exclusive = true
	return nil
}

func (r *WorldRef) validate(*World, *systemMeta) error { return nil }

func (r *WorldRef) prepare(w *World, _ *systemMeta) error {
	r.world = w
	return nil
}

// World returns the world the system runs on.
func (r *WorldRef) World() *World {
	return r.world
}

// -------------------------------------------------------------------------------------------------
// Commands
// -------------------------------------------------------------------------------------------------

func (c *Commands) init(w *World, meta *systemMeta) error {
	c.world = w
	meta.deferred = true
	return nil
}

func (c *Commands) validate(*World, *systemMeta) error { return nil }
func (c *Commands) prepare(*World, *systemMeta) error  { return nil }

func (c *Commands) applyDeferred(w *World) {
	if err := c.Apply(w); err != nil {
		w.logger.Warn().Err(err).Msg("deferred commands failed")
	}
}
