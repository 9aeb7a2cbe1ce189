package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkg.world.dev/epix/pkg/assert"
	"pkg.world.dev/epix/pkg/epix/dispatch"
	"pkg.world.dev/epix/pkg/epix/ecs"
	"pkg.world.dev/epix/pkg/statsd"
)

// ApplyMode controls when deferred changes (Commands) of systems are applied.
type ApplyMode uint8

const (
	// ApplyAtEnd applies the deferred changes of every system after the whole schedule has run.
	ApplyAtEnd ApplyMode = iota
	// ApplyImmediately applies the deferred changes of a system as soon as it finishes, before its
	// successors start.
	ApplyImmediately
)

// ExecuteConfig configures a single execution.
type ExecuteConfig struct {
	ApplyDeferred ApplyMode
}

type eventKind uint8

const (
	eventCondition eventKind = iota
	eventSystem
	eventApplied
)

type event struct {
	kind eventKind
	node int
	cond ecs.Condition
	ok   bool
	err  error
	span trace.Span
}

// conditionResult is the outcome of a condition, evaluated at most once per execution.
type conditionResult struct {
	done    bool
	value   bool
	waiters []int
}

// nodeRun is the execution state of one node.
type nodeRun struct {
	waitCount    int // Unfinished dependencies plus unstarted parents
	childrenLeft int // Unfinished children
	nextCond     int // Index of the next condition to evaluate
	systemDone   bool
}

// execution holds the state of one Execute call.
type execution struct {
	s      *Schedule
	c      *cache
	d      *dispatch.Dispatcher
	cfg    ExecuteConfig
	ctx    context.Context
	events chan event

	runs       []nodeRun
	started    *bitset.BitSet
	finished   *bitset.BitSet
	skipped    *bitset.BitSet // Skipped by a condition (own or an ancestor's)
	conditions map[ecs.Condition]*conditionResult
	ready      []int
	inflight   int
	ran        []ecs.SystemBase // Deferred changes still to apply
	errs       []error
}

// Execute runs every system in the schedule through d, respecting the schedule's edges and run
// conditions. Systems are initialized on the first execution. Errors returned by systems don't stop
// other systems; they are joined and returned once everything has finished. When ctx is cancelled no
// new systems are started, but systems already dispatched are allowed to finish.
func (s *Schedule) Execute(ctx context.Context, d *dispatch.Dispatcher, cfg ExecuteConfig) error {
	if s.dirty {
		if err := s.Prepare(); err != nil {
			return err
		}
	}
	if s.cache == nil {
		return eris.Wrapf(ErrNotPrepared, "schedule %s", s.name)
	}

	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "schedule.execute", trace.WithAttributes(attribute.String("schedule", s.name)))
	defer span.End()

	if err := s.initialize(d); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "initialize failed")
		return err
	}

	e := s.newExecution(ctx, d, cfg)
	err := e.run()
	statsd.EmitTiming("schedule.execute", start, "schedule:"+s.name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "schedule failed")
	}
	return err
}

// initialize initializes every system and condition with exclusive access to the world.
func (s *Schedule) initialize(d *dispatch.Dispatcher) error {
	if s.initialized {
		return nil
	}
	_, err := d.WorldScope("initialize:"+s.name, func(w *ecs.World) error {
		for _, sys := range s.Systems() {
			if err := sys.Initialize(w); err != nil {
				return eris.Wrapf(err, "schedule %s", s.name)
			}
		}
		return nil
	}).Wait()
	if err != nil {
		return err
	}
	s.initialized = true
	return nil
}

func (s *Schedule) newExecution(ctx context.Context, d *dispatch.Dispatcher, cfg ExecuteConfig) *execution {
	c := s.cache
	n := len(c.nodes)
	e := &execution{
		s:          s,
		c:          c,
		d:          d,
		cfg:        cfg,
		ctx:        ctx,
		events:     make(chan event, n),
		runs:       make([]nodeRun, n),
		started:    bitset.New(uint(n)),
		finished:   bitset.New(uint(n)),
		skipped:    bitset.New(uint(n)),
		conditions: make(map[ecs.Condition]*conditionResult),
		ready:      make([]int, 0, n),
	}
	for i := range n {
		e.runs[i].waitCount = int(c.depends[i].Count() + c.parents[i].Count()) //nolint:gosec // bounded by node count
		e.runs[i].childrenLeft = int(c.children[i].Count())                    //nolint:gosec // bounded by node count
	}
	// Push in reverse so that the ready stack pops nodes in topological order.
	for k := len(c.order) - 1; k >= 0; k-- {
		if i := c.order[k]; e.runs[i].waitCount == 0 {
			e.ready = append(e.ready, i)
		}
	}
	return e
}

func (e *execution) run() error {
	for {
		for len(e.ready) > 0 && e.ctx.Err() == nil {
			i := e.ready[len(e.ready)-1]
			e.ready = e.ready[:len(e.ready)-1]
			e.start(i)
		}
		if e.inflight == 0 {
			break
		}
		e.handle(<-e.events)
	}

	if err := e.ctx.Err(); err != nil {
		e.errs = append(e.errs, eris.Wrapf(err, "schedule %s cancelled", e.s.name))
	} else {
		assert.That(e.finished.Count() == uint(len(e.c.nodes)),
			"schedule %s finished %d of %d nodes", e.s.name, e.finished.Count(), len(e.c.nodes))
	}

	// Conditions, and systems in ApplyAtEnd mode.
	if len(e.ran) > 0 {
		if _, err := e.d.ApplyDeferred(e.ran...).Wait(); err != nil {
			e.errs = append(e.errs, err)
		}
	}
	return errors.Join(e.errs...)
}

// start begins a node whose dependencies have finished and whose parents have started.
func (e *execution) start(i int) {
	if e.skipped.Test(uint(i)) {
		e.skip(i)
		return
	}
	e.evaluateConditions(i)
}

// evaluateConditions evaluates the conditions of i in order, starting i once all of them hold.
func (e *execution) evaluateConditions(i int) {
	conds := e.c.nodes[i].Conditions
	for e.runs[i].nextCond < len(conds) {
		cond := conds[e.runs[i].nextCond]
		result, ok := e.conditions[cond]
		switch {
		case !ok:
			e.conditions[cond] = &conditionResult{waiters: []int{i}}
			e.dispatchCondition(i, cond)
			return
		case !result.done:
			result.waiters = append(result.waiters, i)
			return
		case !result.value:
			e.skip(i)
			return
		}
		e.runs[i].nextCond++
	}
	e.begin(i)
}

// begin releases the children of i and runs its system.
func (e *execution) begin(i int) {
	e.started.Set(uint(i))
	e.releaseChildren(i)

	if sys := e.c.nodes[i].System; sys != nil {
		e.dispatchSystem(i, sys)
		return
	}
	e.runs[i].systemDone = true
	e.tryFinish(i)
}

// skip finishes i without running it. Its children are skipped too.
func (e *execution) skip(i int) {
	e.skipped.Set(uint(i))
	e.started.Set(uint(i))
	children := e.c.children[i]
	for c, ok := children.NextSet(0); ok; c, ok = children.NextSet(c + 1) {
		e.skipped.Set(c)
	}
	e.releaseChildren(i)
	e.runs[i].systemDone = true
	e.tryFinish(i)
}

func (e *execution) releaseChildren(i int) {
	children := e.c.children[i]
	for c, ok := children.NextSet(0); ok; c, ok = children.NextSet(c + 1) {
		e.release(int(c)) //nolint:gosec // bounded by node count
	}
}

func (e *execution) release(i int) {
	e.runs[i].waitCount--
	assert.That(e.runs[i].waitCount >= 0, "node %s released too many times", e.c.nodes[i].Label)
	if e.runs[i].waitCount == 0 {
		e.ready = append(e.ready, i)
	}
}

// tryFinish finishes i once its own system and all of its children are done.
func (e *execution) tryFinish(i int) {
	if e.finished.Test(uint(i)) || !e.runs[i].systemDone || e.runs[i].childrenLeft > 0 {
		return
	}
	e.finished.Set(uint(i))

	successors := e.c.successors[i]
	for j, ok := successors.NextSet(0); ok; j, ok = successors.NextSet(j + 1) {
		e.release(int(j)) //nolint:gosec // bounded by node count
	}
	parents := e.c.parents[i]
	for p, ok := parents.NextSet(0); ok; p, ok = parents.NextSet(p + 1) {
		e.runs[p].childrenLeft--
		e.tryFinish(int(p)) //nolint:gosec // bounded by node count
	}
}

func (e *execution) dispatchCondition(i int, cond ecs.Condition) {
	e.inflight++
	future := e.d.RunCondition(cond)
	go func() {
		ok, err := future.Wait()
		e.events <- event{kind: eventCondition, node: i, cond: cond, ok: ok, err: err}
	}()
}

func (e *execution) dispatchSystem(i int, sys ecs.System) {
	e.inflight++
	_, span := e.s.tracer.Start(e.ctx, "system.run", trace.WithAttributes(
		attribute.String("schedule", e.s.name),
		attribute.String("system", sys.Name()),
	))
	future := e.d.DispatchSystem(sys)
	go func() {
		_, err := future.Wait()
		e.events <- event{kind: eventSystem, node: i, err: err, span: span}
	}()
}

func (e *execution) dispatchApply(i int, sys ecs.System) {
	e.inflight++
	future := e.d.ApplyDeferred(sys)
	go func() {
		_, err := future.Wait()
		e.events <- event{kind: eventApplied, node: i, err: err}
	}()
}

func (e *execution) handle(ev event) {
	e.inflight--

	switch ev.kind {
	case eventCondition:
		e.ran = append(e.ran, ev.cond)
		if ev.err != nil {
			e.fail(ev.cond.Name(), ev.err)
		}
		result := e.conditions[ev.cond]
		result.done = true
		result.value = ev.ok && ev.err == nil
		waiters := result.waiters
		result.waiters = nil
		for _, w := range waiters {
			if e.ctx.Err() != nil {
				// The ready loop starts nothing once cancelled.
				e.ready = append(e.ready, w)
				continue
			}
			e.evaluateConditions(w)
		}

	case eventSystem:
		sys := e.c.nodes[ev.node].System
		if ev.err != nil {
			e.fail(sys.Name(), ev.err)
			ev.span.RecordError(ev.err)
			ev.span.SetStatus(codes.Error, "system failed")
		}
		ev.span.End()

		if e.cfg.ApplyDeferred == ApplyImmediately {
			if sys.IsDeferred() {
				e.dispatchApply(ev.node, sys)
				return
			}
		} else {
			e.ran = append(e.ran, sys)
		}
		e.runs[ev.node].systemDone = true
		e.tryFinish(ev.node)

	case eventApplied:
		if ev.err != nil {
			e.fail(e.c.nodes[ev.node].Label.String(), ev.err)
		}
		e.runs[ev.node].systemDone = true
		e.tryFinish(ev.node)
	}
}

func (e *execution) fail(name string, err error) {
	e.s.logger.Error().Str("system", name).Err(err).Msg("system failed")
	e.errs = append(e.errs, err)
}
