package ecs

import (
	"errors"

	"github.com/rotisserie/eris"
	"pkg.world.dev/epix/pkg/assert"
)

// command is a structural change queued for later.
type command struct {
	name  string
	apply func(w *World) error
}

// Commands queues structural changes (spawning, despawning, inserting and removing components and
// resources) so they can be applied when the world is not shared with other systems. Commands is a
// system parameter; its queue is applied after the system runs, in submission order.
//
// Example:
//
//	type SpawnState struct {
//	    Commands ecs.Commands
//	}
//
//	func Spawn(state *SpawnState) error {
//	    e := state.Commands.Spawn(Position{}, Velocity{X: 1})
//	    state.Commands.Insert(e, Health{HP: 100})
//	    return nil
//	}
type Commands struct {
	world *World
	queue []command
}

// NewCommands creates a command queue for w outside of a system.
func NewCommands(w *World) *Commands {
	return &Commands{world: w}
}

// Len returns the number of queued commands.
func (c *Commands) Len() int {
	return len(c.queue)
}

func (c *Commands) push(name string, apply func(w *World) error) {
	c.queue = append(c.queue, command{name: name, apply: apply})
}

// Spawn reserves an entity immediately and queues spawning it with the given components. The
// returned entity can be used in later commands. If spawning fails the entity is released.
func (c *Commands) Spawn(components ...Component) Entity {
	e, err := c.world.entities.reserve()
	assert.That(err == nil, "failed to reserve entity: %v", err)

	c.push("spawn", func(w *World) error {
		if err := w.spawnReserved(e, components); err != nil {
			releaseErr := w.entities.release(e)
			assert.That(releaseErr == nil, "reserved entity must be releasable")
			return err
		}
		return nil
	})
	return e
}

// Despawn queues deleting an entity.
func (c *Commands) Despawn(e Entity) {
	c.push("despawn", func(w *World) error {
		return w.Despawn(e)
	})
}

// Insert queues adding or replacing components of an entity.
func (c *Commands) Insert(e Entity, components ...Component) {
	c.push("insert", func(w *World) error {
		return w.Insert(e, components...)
	})
}

// Run queues an arbitrary function with exclusive access to the world.
func (c *Commands) Run(fn func(w *World) error) {
	c.push("run", fn)
}

// RemoveComponent queues removing component T from an entity.
func RemoveComponent[T Component](c *Commands, e Entity) {
	c.push("remove", func(w *World) error {
		return Remove[T](w, e)
	})
}

// InsertResourceDeferred queues inserting a resource.
func InsertResourceDeferred[T any](c *Commands, value T) {
	c.push("insert resource", func(w *World) error {
		InsertResource(w, value)
		return nil
	})
}

// RemoveResourceDeferred queues removing the resource of type T.
func RemoveResourceDeferred[T any](c *Commands) {
	c.push("remove resource", func(w *World) error {
		return RemoveResource[T](w)
	})
}

// Apply applies every queued command in order and clears the queue. A failing command doesn't stop
// the remaining ones; every failure is logged and returned.
func (c *Commands) Apply(w *World) error {
	if len(c.queue) == 0 {
		return nil
	}
	if w.id != c.world.id {
		return eris.Wrap(ErrWorldMismatch, "commands")
	}

	queue := c.queue
	c.queue = nil

	var errs []error
	for _, cmd := range queue {
		if err := cmd.apply(w); err != nil {
			w.logger.Debug().Err(err).Str("command", cmd.name).Msg("command failed")
			errs = append(errs, eris.Wrapf(err, "command %s", cmd.name))
		}
	}
	return errors.Join(errs...)
}
