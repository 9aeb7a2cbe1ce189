package ecs

import (
	"iter"
	"reflect"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"pkg.world.dev/epix/pkg/epix/access"
	"pkg.world.dev/epix/pkg/epix/bitset"
)

// -------------------------------------------------------------------------------------------------
// Query state
// -------------------------------------------------------------------------------------------------

// QueryState caches which archetypes match a filtered access. Archetypes are append-only, so an
// update only needs to look at the archetypes created since the previous update.
type QueryState struct {
	worldID    uuid.UUID
	access     access.FilteredAccess
	version    int           // Number of archetypes already scanned
	matched    bitset.Bitset // Archetype id -> matches
	matchedIDs []ArchetypeID // Matching archetypes in creation order
}

// NewQueryState creates a query state bound to w and scans the existing archetypes.
func NewQueryState(w *World, fa access.FilteredAccess) *QueryState {
	s := &QueryState{worldID: w.id, access: fa}
	s.scan(w)
	return s
}

// UpdateArchetypes scans the archetypes created since the last update.
func (s *QueryState) UpdateArchetypes(w *World) error {
	if w.id != s.worldID {
		return eris.Wrapf(ErrWorldMismatch, "query state of world %s", s.worldID)
	}
	s.scan(w)
	return nil
}

func (s *QueryState) scan(w *World) {
	for ; s.version < w.archetypes.version(); s.version++ {
		arch := w.archetypes.list[s.version]
		if s.access.Matches(arch.components) {
			s.matched.Set(arch.id)
			s.matchedIDs = append(s.matchedIDs, arch.id)
		}
	}
}

// MatchesArchetype reports whether the archetype is matched.
func (s *QueryState) MatchesArchetype(id ArchetypeID) bool {
	return s.matched.Test(id)
}

// MatchedArchetypes returns the matched archetype ids.
func (s *QueryState) MatchedArchetypes() []ArchetypeID {
	return s.matchedIDs
}

func (s *QueryState) Access() *access.FilteredAccess {
	return &s.access
}

// -------------------------------------------------------------------------------------------------
// Query
// -------------------------------------------------------------------------------------------------

// fetchContext holds the ticks change detection is evaluated against.
type fetchContext struct {
	world   *World
	lastRun Tick
	thisRun Tick
}

// queryTerm is implemented by every field type allowed in a query's result struct.
type queryTerm interface {
	initTerm(w *World, fa *access.FilteredAccess) error
	setArchetype(ctx *fetchContext, arch *archetype, tbl *table)
	setRow(e Entity, tableRow int)
}

// rowFilter is implemented by terms that filter individual rows, e.g. on change ticks.
type rowFilter interface {
	matchesRow(e Entity, tableRow int) bool
}

// Query provides type-safe iteration over the entities holding a set of components. It uses
// reflection during initialization to figure out which components to fetch. T must be a struct
// type composed only of the query term types Ref, Mut, Opt, With, Without, Added, and Changed:
//
//	type Mover struct {
//	    Position ecs.Mut[Position]
//	    Velocity ecs.Ref[Velocity]
//	    Frozen   ecs.Without[Frozen]
//	}
//
//	type MovementState struct {
//	    Movers ecs.Query[Mover]
//	}
//
// Every component type used in T is registered automatically.
type Query[T any] struct {
	world   *World
	state   *QueryState
	result  T           // Reusable instance of the result type
	terms   []queryTerm // Cached references to result's fields
	filters []rowFilter
	ctx     fetchContext
}

// NewQuery creates a query outside of a system. Call Update before iterating; each Update treats
// the changes since the previous Update as new.
func NewQuery[T any](w *World) (*Query[T], error) {
	q := &Query[T]{}
	if err := q.build(w); err != nil {
		return nil, err
	}
	q.ctx = fetchContext{world: w, thisRun: w.ChangeTick() - Tick(MaxChangeAge)}
	return q, nil
}

// Update refreshes the matched archetypes and advances the change detection window.
func (q *Query[T]) Update(w *World) error {
	if err := q.state.UpdateArchetypes(w); err != nil {
		return err
	}
	q.ctx.lastRun = q.ctx.thisRun
	q.ctx.thisRun = w.IncrementChangeTick()
	return nil
}

// build inspects T and computes the query's filtered access.
func (q *Query[T]) build(w *World) error {
	resultValue := reflect.ValueOf(&q.result).Elem()
	resultType := resultValue.Type()
	if resultType.Kind() != reflect.Struct {
		return eris.Errorf("query type %s must be a struct", resultType)
	}

	fa := access.NewFiltered()
	q.world = w
	q.terms = make([]queryTerm, 0, resultType.NumField())
	q.filters = nil
	fields := make([]string, 0, resultType.NumField())

	for i := range resultType.NumField() {
		field := resultType.Field(i)
		if !field.IsExported() {
			return eris.Errorf("query field %s must be exported", field.Name)
		}
		term, ok := resultValue.Field(i).Addr().Interface().(queryTerm)
		if !ok {
			return eris.Errorf("query field %s must be a query term, got %s", field.Name, field.Type)
		}
		q.terms = append(q.terms, term)
		fields = append(fields, field.Name)
	}

	// Data terms first, so change filters see the writes of the same query.
	for _, pass := range []bool{false, true} {
		for i, term := range q.terms {
			filter, isFilter := term.(rowFilter)
			if isFilter != pass {
				continue
			}
			if err := term.initTerm(w, &fa); err != nil {
				return eris.Wrapf(err, "failed to initialize query field %s", fields[i])
			}
			if isFilter {
				q.filters = append(q.filters, filter)
			}
		}
	}

	q.state = NewQueryState(w, fa)
	return nil
}

// State returns the cached archetype state of the query.
func (q *Query[T]) State() *QueryState {
	return q.state
}

func (q *Query[T]) setArchetype(arch *archetype) {
	tbl := q.world.tables.list[arch.table]
	for _, term := range q.terms {
		term.setArchetype(&q.ctx, arch, tbl)
	}
}

func (q *Query[T]) matchesRow(e Entity, tableRow int) bool {
	for _, filter := range q.filters {
		if !filter.matchesRow(e, tableRow) {
			return false
		}
	}
	return true
}

func (q *Query[T]) setRow(e Entity, tableRow int) {
	for _, term := range q.terms {
		term.setRow(e, tableRow)
	}
}

// Iter returns an iterator over the entities matched by the query and their fetched components.
// The yielded value is reused between iterations.
//
// Example:
//
//	for entity, mover := range state.Movers.Iter() {
//	    pos := mover.Position.Get()
//	    vel := mover.Velocity.Get()
//	    mover.Position.Set(Position{X: pos.X + vel.X, Y: pos.Y + vel.Y})
//	}
func (q *Query[T]) Iter() iter.Seq2[Entity, T] {
	return func(yield func(Entity, T) bool) {
		for _, id := range q.state.matchedIDs {
			arch := q.world.archetypes.list[id]
			if arch.len() == 0 {
				continue
			}
			q.setArchetype(arch)
			for _, rec := range arch.records {
				if !q.matchesRow(rec.entity, rec.tableRow) {
					continue
				}
				q.setRow(rec.entity, rec.tableRow)
				if !yield(rec.entity, q.result) {
					return
				}
			}
		}
	}
}

// Get returns the fetched components of a single entity.
func (q *Query[T]) Get(e Entity) (T, error) {
	var zero T
	loc, err := q.world.entities.get(e)
	if err != nil {
		return zero, err
	}
	if !q.state.MatchesArchetype(loc.Archetype) {
		return zero, eris.Wrapf(ErrQueryMismatch, "entity %s", e)
	}
	q.setArchetype(q.world.archetypes.list[loc.Archetype])
	if !q.matchesRow(e, loc.TableRow) {
		return zero, eris.Wrapf(ErrQueryMismatch, "entity %s", e)
	}
	q.setRow(e, loc.TableRow)
	return q.result, nil
}

// Count returns the number of entities matched by the query.
func (q *Query[T]) Count() int {
	if len(q.filters) == 0 {
		n := 0
		for _, id := range q.state.matchedIDs {
			n += q.world.archetypes.list[id].len()
		}
		return n
	}
	n := 0
	for range q.Iter() {
		n++
	}
	return n
}

// Single returns the only entity matched by the query.
func (q *Query[T]) Single() (Entity, T, error) {
	var (
		found  Entity
		result T
		n      int
	)
	for e, r := range q.Iter() {
		found, result = e, r
		n++
		if n > 1 {
			break
		}
	}
	if n != 1 {
		var zero T
		return 0, zero, eris.Wrapf(ErrQueryNotSingle, "matched %d or more", n)
	}
	return found, result, nil
}

// -------------------------------------------------------------------------------------------------
// System parameter
// -------------------------------------------------------------------------------------------------

func (q *Query[T]) init(w *World, meta *systemMeta) error {
	if err := q.build(w); err != nil {
		return err
	}
	return meta.addAccess(q.state.Access())
}

func (q *Query[T]) validate(*World, *systemMeta) error {
	return nil
}

func (q *Query[T]) prepare(w *World, meta *systemMeta) error {
	q.ctx = fetchContext{world: w, lastRun: meta.lastRun, thisRun: meta.thisRun}
	return q.state.UpdateArchetypes(w)
}
