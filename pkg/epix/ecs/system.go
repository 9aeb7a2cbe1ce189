package ecs

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"pkg.world.dev/epix/pkg/epix/access"
)

// SystemBase is the part of a runnable unit of work the scheduler needs, regardless of what the
// unit returns.
type SystemBase interface {
	// Name returns the system's name, used in logs and errors.
	Name() string
	// Initialize resolves the system's parameters against w and computes its access. Calling it
	// again with the same world is a no-op.
	Initialize(w *World) error
	// Access returns the access computed by Initialize.
	Access() *access.FilteredAccessSet
	// Validate checks that every parameter can be fetched, e.g. that required resources exist.
	Validate(w *World) error
	// ApplyDeferred applies structural changes queued during the last run.
	ApplyDeferred(w *World)
	// IsDeferred reports whether the system queues changes that ApplyDeferred must apply.
	IsDeferred() bool
	// IsExclusive reports whether the system requires exclusive access to the world.
	IsExclusive() bool
	// CheckChangeTick rebases the system's last-run tick relative to now.
	CheckChangeTick(now Tick)
	// LastRun returns the change tick at the start of the system's last run.
	LastRun() Tick
}

// System is a unit of work.
type System interface {
	SystemBase
	Run(w *World) error
}

// Condition is a unit of work that decides whether other systems should run.
type Condition interface {
	SystemBase
	Evaluate(w *World) (bool, error)
}

// -------------------------------------------------------------------------------------------------
// System parameters
// -------------------------------------------------------------------------------------------------

// systemParam is implemented by every field type allowed in a system's state struct.
type systemParam interface {
	// init registers the types the parameter uses and adds its access to meta.
	init(w *World, meta *systemMeta) error
	// validate checks that the parameter can be fetched.
	validate(w *World, meta *systemMeta) error
	// prepare binds the parameter to the world before the system body runs.
	prepare(w *World, meta *systemMeta) error
}

// deferredParam is implemented by parameters that buffer work until ApplyDeferred.
type deferredParam interface {
	applyDeferred(w *World)
}

// systemMeta is the bookkeeping shared by a system and its parameters.
type systemMeta struct {
	name      string
	world     *World
	access    access.FilteredAccessSet
	lastRun   Tick
	thisRun   Tick
	exclusive bool
	deferred  bool
	logger    zerolog.Logger
}

// addAccess adds a parameter's access to the system, failing if it conflicts with the access of
// another parameter of the same system.
func (m *systemMeta) addAccess(fa *access.FilteredAccess) error {
	if !m.access.IsCompatibleWith(fa) {
		conflicts := m.access.ConflictsWith(fa)
		return eris.Wrapf(ErrConflictingAccess, "system %s: %s", m.name, m.describe(conflicts))
	}
	m.access.Add(fa)
	return nil
}

// describe names the conflicting types.
func (m *systemMeta) describe(conflicts access.Conflicts) string {
	if conflicts.All {
		return "conflicts on every type"
	}
	names := make([]string, 0, conflicts.IDs.Count())
	for id := range conflicts.IDs.Ones() {
		if id < m.world.registry.Len() {
			names = append(names, m.world.registry.Info(TypeID(id)).Name) //nolint:gosec // fits
			continue
		}
		names = append(names, fmt.Sprintf("#%d", id))
	}
	return "conflicts on " + strings.Join(names, ", ")
}

// -------------------------------------------------------------------------------------------------
// Function systems
// -------------------------------------------------------------------------------------------------

// systemCore holds a system's parameter state S and implements SystemBase.
type systemCore[S any] struct {
	meta        systemMeta
	state       S
	params      []systemParam
	deferred    []deferredParam
	initialized bool
	worldID     uuid.UUID
}

var _ System = &funcSystem[struct{}]{}
var _ Condition = &funcCondition[struct{}]{}

func (c *systemCore[S]) Name() string {
	return c.meta.name
}

// Initialize uses reflection to resolve every field of S as a system parameter.
func (c *systemCore[S]) Initialize(w *World) error {
	if c.initialized {
		return c.checkWorld(w)
	}

	c.meta.world = w
	c.meta.logger = w.logger.With().Str("system", c.meta.name).Logger()
	c.meta.access.Clear()
	c.params = c.params[:0]
	c.deferred = c.deferred[:0]

	value := reflect.ValueOf(&c.state).Elem()
	if value.Kind() != reflect.Struct {
		return eris.Errorf("system %s: state must be a struct, got %s", c.meta.name, value.Type())
	}
	for i := range value.NumField() {
		fieldType := value.Type().Field(i)
		if !fieldType.IsExported() {
			return eris.Errorf("system %s: field %s must be exported", c.meta.name, fieldType.Name)
		}

		param, ok := value.Field(i).Addr().Interface().(systemParam)
		if !ok {
			return eris.Errorf("system %s: field %s has unsupported type %s",
				c.meta.name, fieldType.Name, fieldType.Type)
		}
		if err := param.init(w, &c.meta); err != nil {
			return eris.Wrapf(err, "system %s: failed to initialize field %s", c.meta.name, fieldType.Name)
		}
		c.params = append(c.params, param)
		if d, ok := param.(deferredParam); ok {
			c.deferred = append(c.deferred, d)
		}
	}

	c.meta.lastRun = w.ChangeTick() - Tick(MaxChangeAge)
	c.worldID = w.id
	c.initialized = true
	return nil
}

func (c *systemCore[S]) checkWorld(w *World) error {
	if !c.initialized {
		return eris.Errorf("system %s is not initialized", c.meta.name)
	}
	if w.id != c.worldID {
		return eris.Wrapf(ErrWorldMismatch, "system %s", c.meta.name)
	}
	return nil
}

func (c *systemCore[S]) Access() *access.FilteredAccessSet {
	return &c.meta.access
}

func (c *systemCore[S]) Validate(w *World) error {
	if err := c.checkWorld(w); err != nil {
		return err
	}
	for _, p := range c.params {
		if err := p.validate(w, &c.meta); err != nil {
			return eris.Wrapf(err, "system %s", c.meta.name)
		}
	}
	return nil
}

func (c *systemCore[S]) ApplyDeferred(w *World) {
	for _, d := range c.deferred {
		d.applyDeferred(w)
	}
}

func (c *systemCore[S]) IsDeferred() bool {
	return c.meta.deferred
}

func (c *systemCore[S]) IsExclusive() bool {
	return c.meta.exclusive
}

func (c *systemCore[S]) CheckChangeTick(now Tick) {
	if c.meta.lastRun.CheckTick(now) {
		c.meta.logger.Debug().Uint32("now", uint32(now)).Msg("rebased last run tick")
	}
}

func (c *systemCore[S]) LastRun() Tick {
	return c.meta.lastRun
}

// run prepares every parameter and calls body. A panic in body is returned as ErrSystemPanicked.
func (c *systemCore[S]) run(w *World, body func(*S) error) (err error) {
	if err := c.checkWorld(w); err != nil {
		return err
	}

	thisRun := w.IncrementChangeTick()
	c.meta.thisRun = thisRun
	defer func() { c.meta.lastRun = thisRun }()

	for _, p := range c.params {
		if err := p.prepare(w, &c.meta); err != nil {
			return eris.Wrapf(err, "system %s", c.meta.name)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = eris.Wrapf(ErrSystemPanicked, "system %s: %v", c.meta.name, r)
		}
	}()
	return body(&c.state)
}

type funcSystem[S any] struct {
	systemCore[S]
	fn func(*S) error
}

// NewSystem creates a system from a function over a parameter struct. Every field of S must be a
// system parameter: Query, Res, ResMut, Commands, Local, WorldRef, or BaseSystemState.
//
// Example:
//
//	type MovementState struct {
//	    ecs.BaseSystemState
//	    Movers ecs.Query[struct {
//	        Position ecs.Mut[Position]
//	        Velocity ecs.Ref[Velocity]
//	    }]
//	}
//
//	movement := ecs.NewSystem("movement", func(state *MovementState) error {
//	    for _, mover := range state.Movers.Iter() {
//	        pos, vel := mover.Position.Ptr(), mover.Velocity.Get()
//	        pos.X += vel.X
//	        pos.Y += vel.Y
//	    }
//	    return nil
//	})
func NewSystem[S any](name string, fn func(*S) error) System {
	return &funcSystem[S]{systemCore: systemCore[S]{meta: systemMeta{name: name, logger: zerolog.Nop()}}, fn: fn}
}

func (s *funcSystem[S]) Run(w *World) error {
	return s.run(w, s.fn)
}

type funcCondition[S any] struct {
	systemCore[S]
	fn func(*S) (bool, error)
}

// NewCondition creates a run condition from a function over a parameter struct.
func NewCondition[S any](name string, fn func(*S) (bool, error)) Condition {
	return &funcCondition[S]{
		systemCore: systemCore[S]{meta: systemMeta{name: name, logger: zerolog.Nop()}},
		fn:         fn,
	}
}

func (c *funcCondition[S]) Evaluate(w *World) (bool, error) {
	var ok bool
	err := c.run(w, func(state *S) error {
		var err error
		ok, err = c.fn(state)
		return err
	})
	return ok && err == nil, err
}

// -------------------------------------------------------------------------------------------------
// Synchronous execution
// -------------------------------------------------------------------------------------------------

// RunSystem initializes, validates, runs, and applies the deferred changes of sys on the calling
// goroutine. Deferred changes are applied even if the body returns an error.
func RunSystem(sys System, w *World) error {
	if err := sys.Initialize(w); err != nil {
		return err
	}
	if err := sys.Validate(w); err != nil {
		return err
	}
	err := sys.Run(w)
	sys.ApplyDeferred(w)
	return err
}

// EvaluateCondition initializes, validates, and evaluates cond on the calling goroutine.
func EvaluateCondition(cond Condition, w *World) (bool, error) {
	if err := cond.Initialize(w); err != nil {
		return false, err
	}
	if err := cond.Validate(w); err != nil {
		return false, err
	}
	ok, err := cond.Evaluate(w)
	cond.ApplyDeferred(w)
	return ok, err
}
