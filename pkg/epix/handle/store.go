package handle

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"pkg.world.dev/epix/pkg/assert"
)

var (
	// ErrNotFound is returned when an id doesn't refer to a stored value.
	ErrNotFound = eris.New("handle does not refer to a stored value")
	// ErrStale is returned when an index id refers to a slot that has since been reused.
	ErrStale = eris.New("handle generation is stale")
)

// dropQueueSize is the capacity of the drop channel. Drops beyond it spill into an overflow list
// so releasing a handle never blocks.
const dropQueueSize = 1024

type entry[T any] struct {
	value T
	refs  *atomic.Int64
}

type slot[T any] struct {
	entry      entry[T]
	generation uint32
	occupied   bool
}

// Store owns values referenced by handles. Values stay alive while at least one Strong handle to
// them is unreleased; once the last one is released, a drop request is queued and the value is
// removed the next time the owner calls ProcessDrops.
type Store[T any] struct {
	mu     sync.RWMutex
	slots  []slot[T]
	free   []uint32
	byUUID map[uuid.UUID]entry[T]

	drops    chan ID
	overflow struct {
		sync.Mutex
		ids []ID
	}
	logger zerolog.Logger
}

// Option configures a Store.
type Option func(*options)

type options struct {
	logger zerolog.Logger
}

// WithLogger sets the logger used to report drops.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// NewStore creates an empty store.
func NewStore[T any](opts ...Option) *Store[T] {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[T]{
		slots:  make([]slot[T], 0),
		free:   make([]uint32, 0),
		byUUID: make(map[uuid.UUID]entry[T]),
		drops:  make(chan ID, dropQueueSize),
		logger: o.logger,
	}
}

// Add stores value in a new slot and returns the first strong handle to it.
func (s *Store[T]) Add(value T) *Strong[T] {
	refs := new(atomic.Int64)
	refs.Store(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	var index uint32
	if len(s.free) > 0 {
		index = s.free[0]
		s.free = s.free[1:]
	} else {
		index = uint32(len(s.slots)) //nolint:gosec // won't overflow
		s.slots = append(s.slots, slot[T]{})
	}
	sl := &s.slots[index]
	sl.entry = entry[T]{value: value, refs: refs}
	sl.occupied = true

	return &Strong[T]{id: IndexID(index, sl.generation), store: s, refs: refs}
}

// Insert stores value under a uuid and returns a strong handle to it. If the uuid is already
// stored, the value is replaced and the handle shares the existing reference count.
func (s *Store[T]) Insert(u uuid.UUID, value T) *Strong[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.byUUID[u]; ok && e.refs.Load() > 0 {
		e.refs.Add(1)
		e.value = value
		s.byUUID[u] = e
		return &Strong[T]{id: UUIDID(u), store: s, refs: e.refs}
	}

	refs := new(atomic.Int64)
	refs.Store(1)
	s.byUUID[u] = entry[T]{value: value, refs: refs}
	return &Strong[T]{id: UUIDID(u), store: s, refs: refs}
}

// Get returns the value referred to by id. Any id works as a weak reference: it doesn't keep the
// value alive.
func (s *Store[T]) Get(id ID) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.lookup(id)
	if err != nil {
		var zero T
		return zero, err
	}
	return e.value, nil
}

// Set replaces the value referred to by id.
func (s *Store[T]) Set(id ID, value T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := id.UUID(); ok {
		e, exists := s.byUUID[u]
		if !exists {
			return eris.Wrapf(ErrNotFound, "handle %s", id)
		}
		e.value = value
		s.byUUID[u] = e
		return nil
	}
	if _, err := s.lookup(id); err != nil {
		return err
	}
	index, _, _ := id.Index()
	s.slots[index].entry.value = value
	return nil
}

// Contains reports whether id refers to a stored value.
func (s *Store[T]) Contains(id ID) bool {
	_, err := s.Get(id)
	return err == nil
}

// Len returns the number of stored values.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots) - len(s.free) + len(s.byUUID)
}

// lookup expects the caller to hold the lock.
func (s *Store[T]) lookup(id ID) (entry[T], error) {
	if u, ok := id.UUID(); ok {
		e, exists := s.byUUID[u]
		if !exists {
			return entry[T]{}, eris.Wrapf(ErrNotFound, "handle %s", id)
		}
		return e, nil
	}

	index, generation, _ := id.Index()
	if int(index) >= len(s.slots) || !s.slots[index].occupied {
		return entry[T]{}, eris.Wrapf(ErrNotFound, "handle %s", id)
	}
	if s.slots[index].generation != generation {
		return entry[T]{}, eris.Wrapf(ErrStale, "handle %s, current generation %d", id, s.slots[index].generation)
	}
	return s.slots[index].entry, nil
}

// enqueueDrop queues a drop request without blocking.
func (s *Store[T]) enqueueDrop(id ID) {
	select {
	case s.drops <- id:
	default:
		s.overflow.Lock()
		s.overflow.ids = append(s.overflow.ids, id)
		s.overflow.Unlock()
	}
}

// ProcessDrops removes every value whose last strong handle has been released, calling fn (if not
// nil) with each removed value. Each value is dropped at most once. Returns the number of values
// dropped.
func (s *Store[T]) ProcessDrops(fn func(id ID, value T)) int {
	pending := make([]ID, 0)
	for drained := false; !drained; {
		select {
		case id := <-s.drops:
			pending = append(pending, id)
		default:
			drained = true
		}
	}
	s.overflow.Lock()
	pending = append(pending, s.overflow.ids...)
	s.overflow.ids = nil
	s.overflow.Unlock()

	dropped := 0
	for _, id := range pending {
		value, ok := s.remove(id)
		if !ok {
			continue
		}
		dropped++
		if fn != nil {
			fn(id, value)
		}
	}
	if dropped > 0 {
		s.logger.Debug().Int("dropped", dropped).Msg("processed handle drops")
	}
	return dropped
}

// remove deletes the value of id if it has no strong handles left.
func (s *Store[T]) remove(id ID) (T, bool) {
	var zero T

	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(id)
	if err != nil || e.refs.Load() > 0 {
		return zero, false
	}

	if u, ok := id.UUID(); ok {
		delete(s.byUUID, u)
		return e.value, true
	}

	index, _, _ := id.Index()
	sl := &s.slots[index]
	sl.entry = entry[T]{}
	sl.occupied = false
	sl.generation++
	s.free = append(s.free, index)
	return e.value, true
}

// -------------------------------------------------------------------------------------------------
// Strong handles
// -------------------------------------------------------------------------------------------------

// Strong is a reference-counted handle that keeps its value alive until released. A Strong
// handle must be released exactly once; Clone creates another handle that must be released
// separately.
type Strong[T any] struct {
	id       ID
	store    *Store[T]
	refs     *atomic.Int64
	released atomic.Bool
}

// ID returns the id of the value. The id can be kept as a weak reference.
func (h *Strong[T]) ID() ID {
	return h.id
}

// Get returns the value.
func (h *Strong[T]) Get() (T, error) {
	return h.store.Get(h.id)
}

// Clone returns a new strong handle to the same value.
func (h *Strong[T]) Clone() *Strong[T] {
	assert.That(!h.released.Load(), "cannot clone a released handle %s", h.id)
	h.refs.Add(1)
	return &Strong[T]{id: h.id, store: h.store, refs: h.refs}
}

// Release gives up the handle. Releasing the last handle to a value queues its drop. Releasing a
// handle more than once is a no-op.
func (h *Strong[T]) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	if h.refs.Add(-1) == 0 {
		h.store.enqueueDrop(h.id)
	}
}

// RefCount returns the number of unreleased strong handles to the value.
func (h *Strong[T]) RefCount() int64 {
	return h.refs.Load()
}
