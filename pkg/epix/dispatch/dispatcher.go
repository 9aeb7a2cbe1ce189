// Package dispatch runs tasks on a fixed pool of workers while guaranteeing that no two running
// tasks have conflicting data access.
//
// Tasks are admitted in submission order. A pending task only starts when its access is compatible
// with every running task; if the oldest pending task can't start, nothing behind it starts either,
// so a task that writes to widely read data can't be starved by a stream of readers.
package dispatch

import (
	"context"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"pkg.world.dev/epix/pkg/assert"
	"pkg.world.dev/epix/pkg/epix/access"
	"pkg.world.dev/epix/pkg/epix/ecs"
	"pkg.world.dev/epix/pkg/statsd"
	"pkg.world.dev/epix/pkg/telemetry/sentry"
)

var (
	// ErrClosed is returned when dispatching to a closed dispatcher.
	ErrClosed = eris.New("dispatcher is closed")
	// ErrTaskPanicked wraps a panic recovered from a task body.
	ErrTaskPanicked = eris.New("task panicked")
)

// TaskConfig describes a dispatched task.
type TaskConfig struct {
	// Name identifies the task in logs and metrics.
	Name string
	// Exclusive tasks never run alongside any other task, regardless of access.
	Exclusive bool
}

type entry struct {
	access *access.FilteredAccessSet
	cfg    TaskConfig
	task   func()
	queued time.Time
}

// conflictsWith reports whether e and other can't run at the same time.
func (e *entry) conflictsWith(other *entry) bool {
	if e.cfg.Exclusive || other.cfg.Exclusive {
		return true
	}
	// Unknown access could touch anything.
	if e.access == nil || other.access == nil {
		return true
	}
	return !e.access.IsCompatible(other.access)
}

// Dispatcher runs tasks on a fixed pool of workers.
type Dispatcher struct {
	world   *ecs.World
	workers int
	jobs    chan *entry
	group   *errgroup.Group

	mu      sync.Mutex
	idle    *sync.Cond
	pending []*entry
	running []*entry
	closed  bool

	logger zerolog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers sets the number of workers. Defaults to GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithLogger sets the logger used for task failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// New starts a dispatcher running tasks against w.
func New(w *ecs.World, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		world:   w,
		workers: runtime.GOMAXPROCS(0),
		group:   new(errgroup.Group),
		pending: make([]*entry, 0),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.idle = sync.NewCond(&d.mu)
	d.running = make([]*entry, 0, d.workers)
	// Only running tasks are ever in the channel and there are at most d.workers of them, so sends
	// never block.
	d.jobs = make(chan *entry, d.workers)

	for range d.workers {
		d.group.Go(d.work)
	}
	return d
}

// World returns the world tasks run against.
func (d *Dispatcher) World() *ecs.World {
	return d.world
}

// Workers returns the size of the worker pool.
func (d *Dispatcher) Workers() int {
	return d.workers
}

// Dispatch queues task with the given access footprint. The task starts as soon as a worker is
// free and its access doesn't conflict with any running task, and no earlier task is still waiting.
// A nil access runs alone, like an exclusive task.
func (d *Dispatcher) Dispatch(acc *access.FilteredAccessSet, cfg TaskConfig, task func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return eris.Wrapf(ErrClosed, "task %s", cfg.Name)
	}
	d.pending = append(d.pending, &entry{access: acc, cfg: cfg, task: task, queued: time.Now()})
	d.tick()
	return nil
}

// tick starts pending tasks in FIFO order until the head conflicts with a running task or no
// worker is free. Expects d.mu to be held.
func (d *Dispatcher) tick() {
	for len(d.pending) > 0 && len(d.running) < d.workers {
		head := d.pending[0]
		for _, r := range d.running {
			if head.conflictsWith(r) {
				d.emitQueueStats()
				return
			}
		}
		d.pending[0] = nil
		d.pending = d.pending[1:]
		d.running = append(d.running, head)

		statsd.EmitTiming("dispatcher.queue_wait", head.queued, "task:"+head.cfg.Name)
		d.jobs <- head
	}
	d.emitQueueStats()
}

func (d *Dispatcher) emitQueueStats() {
	statsd.EmitGauge("dispatcher.pending", float64(len(d.pending)))
	statsd.EmitGauge("dispatcher.running", float64(len(d.running)))
}

// work runs jobs until the channel is closed.
func (d *Dispatcher) work() error {
	for job := range d.jobs {
		start := time.Now()
		d.runTask(job)
		statsd.EmitTiming("dispatcher.task", start, "task:"+job.cfg.Name)
		d.finish(job)
	}
	return nil
}

// runTask calls the task body, recovering panics that escaped it so a worker is never lost.
func (d *Dispatcher) runTask(job *entry) {
	defer func() {
		if r := recover(); r != nil {
			err := eris.Wrapf(ErrTaskPanicked, "task %s: %v", job.cfg.Name, r)
			d.reportFailure(job.cfg, err)
		}
	}()
	job.task()
}

// finish frees the slot of job, starts whatever can start, and wakes waiters when idle.
func (d *Dispatcher) finish(job *entry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := -1
	for k, r := range d.running {
		if r == job {
			i = k
			break
		}
	}
	assert.That(i >= 0, "finished task %s is not running", job.cfg.Name)
	last := len(d.running) - 1
	d.running[i] = d.running[last]
	d.running[last] = nil
	d.running = d.running[:last]

	d.tick()
	if len(d.running) == 0 && len(d.pending) == 0 {
		d.idle.Broadcast()
	}
}

// Wait blocks until no task is running or pending. Must not be called from inside a task.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.running) > 0 || len(d.pending) > 0 {
		d.idle.Wait()
	}
}

// Stats is a snapshot of the dispatcher queues.
type Stats struct {
	Running int
	Pending int
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{Running: len(d.running), Pending: len(d.pending)}
}

// Close waits for every queued task to finish and stops the workers. Dispatching after Close
// returns ErrClosed.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for len(d.running) > 0 || len(d.pending) > 0 {
		d.idle.Wait()
	}
	d.mu.Unlock()

	close(d.jobs)
	return d.group.Wait()
}

func (d *Dispatcher) reportFailure(cfg TaskConfig, err error) {
	d.logger.Error().Str("task", cfg.Name).Err(err).Msg("task failed")
	statsd.EmitCount("dispatcher.task_failed", 1, "task:"+cfg.Name)
	if eris.Is(err, ErrTaskPanicked) || eris.Is(err, ecs.ErrSystemPanicked) {
		sentry.CaptureTaskError(context.Background(), cfg.Name, err)
	}
}

// -------------------------------------------------------------------------------------------------
// Typed submissions
// -------------------------------------------------------------------------------------------------

// submit dispatches fn and resolves the returned future with its result. Panics in fn resolve the
// future with ErrTaskPanicked.
func submit[T any](d *Dispatcher, acc *access.FilteredAccessSet, cfg TaskConfig, fn func() (T, error)) *Future[T] {
	f := newFuture[T]()
	err := d.Dispatch(acc, cfg, func() {
		var (
			value T
			err   error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = eris.Wrapf(ErrTaskPanicked, "task %s: %v", cfg.Name, r)
				}
			}()
			value, err = fn()
		}()
		if err != nil {
			d.reportFailure(cfg, err)
		}
		f.resolve(value, err)
	})
	if err != nil {
		var zero T
		f.resolve(zero, err)
	}
	return f
}

// Submit runs fn against the world with the given access and returns its result.
func Submit[T any](d *Dispatcher, acc *access.FilteredAccessSet, cfg TaskConfig, fn func(w *ecs.World) (T, error)) *Future[T] {
	return submit(d, acc, cfg, func() (T, error) {
		return fn(d.world)
	})
}

// DispatchSystem validates and runs an initialized system. Deferred changes are not applied; see
// ApplyDeferred.
func (d *Dispatcher) DispatchSystem(sys ecs.System) *Future[struct{}] {
	cfg := TaskConfig{Name: sys.Name(), Exclusive: sys.IsExclusive()}
	return submit(d, sys.Access(), cfg, func() (struct{}, error) {
		if err := sys.Validate(d.world); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, sys.Run(d.world)
	})
}

// RunCondition validates and evaluates an initialized condition. A condition that fails
// validation or returns an error evaluates to false.
func (d *Dispatcher) RunCondition(cond ecs.Condition) *Future[bool] {
	cfg := TaskConfig{Name: cond.Name(), Exclusive: cond.IsExclusive()}
	return submit(d, cond.Access(), cfg, func() (bool, error) {
		if err := cond.Validate(d.world); err != nil {
			return false, err
		}
		ok, err := cond.Evaluate(d.world)
		if err != nil {
			return false, err
		}
		return ok, nil
	})
}

// WorldScope runs fn with exclusive access to the world.
func (d *Dispatcher) WorldScope(name string, fn func(w *ecs.World) error) *Future[struct{}] {
	var acc access.FilteredAccessSet
	acc.WriteAll()
	return submit(d, &acc, TaskConfig{Name: name, Exclusive: true}, func() (struct{}, error) {
		return struct{}{}, fn(d.world)
	})
}

// ApplyDeferred applies the deferred changes of systems, in order, with exclusive access to the
// world.
func (d *Dispatcher) ApplyDeferred(systems ...ecs.SystemBase) *Future[struct{}] {
	names := make([]string, 0, len(systems))
	for _, sys := range systems {
		names = append(names, sys.Name())
	}
	name := "apply_deferred"
	if len(names) == 1 {
		name = "apply_deferred:" + names[0]
	} else if len(names) > 1 {
		name = "apply_deferred:" + strconv.Itoa(len(names))
	}

	return d.WorldScope(name, func(w *ecs.World) error {
		for _, sys := range systems {
			if sys.IsDeferred() {
				sys.ApplyDeferred(w)
			}
		}
		return nil
	})
}
