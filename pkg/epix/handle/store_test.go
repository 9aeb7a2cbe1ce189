package handle_test

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pkg.world.dev/epix/pkg/epix/handle"
	"pkg.world.dev/epix/pkg/testutils"
)

type mesh struct {
	Name     string
	Vertices int
}

func TestID(t *testing.T) {
	t.Parallel()

	idx := handle.IndexID(3, 7)
	assert.True(t, idx.IsIndex())
	assert.False(t, idx.IsUUID())
	index, generation, ok := idx.Index()
	require.True(t, ok)
	assert.Equal(t, uint32(3), index)
	assert.Equal(t, uint32(7), generation)
	assert.Equal(t, "3v7", idx.String())
	_, ok = idx.UUID()
	assert.False(t, ok)

	u := uuid.New()
	uid := handle.UUIDID(u)
	assert.True(t, uid.IsUUID())
	got, ok := uid.UUID()
	require.True(t, ok)
	assert.Equal(t, u, got)
	assert.Equal(t, u.String(), uid.String())
	_, _, ok = uid.Index()
	assert.False(t, ok)

	// IDs are comparable and usable as map keys.
	assert.Equal(t, handle.IndexID(3, 7), idx)
	assert.NotEqual(t, handle.IndexID(3, 8), idx)
}

// -------------------------------------------------------------------------------------------------
// Reference counting
// -------------------------------------------------------------------------------------------------

func TestStore_LastReleaseDrops(t *testing.T) {
	t.Parallel()

	store := handle.NewStore[mesh]()
	h := store.Add(mesh{Name: "cube", Vertices: 8})
	clone := h.Clone()
	assert.Equal(t, int64(2), h.RefCount())

	h.Release()
	assert.Equal(t, 0, store.ProcessDrops(nil), "a clone is still alive")
	got, err := clone.Get()
	require.NoError(t, err)
	assert.Equal(t, "cube", got.Name)

	clone.Release()
	// The value is only removed when the owner processes drops.
	assert.True(t, store.Contains(clone.ID()))

	var dropped []mesh
	n := store.ProcessDrops(func(_ handle.ID, m mesh) { dropped = append(dropped, m) })
	assert.Equal(t, 1, n)
	assert.Equal(t, []mesh{{Name: "cube", Vertices: 8}}, dropped)
	assert.False(t, store.Contains(h.ID()))
	assert.Equal(t, 0, store.Len())

	// Processing again drops nothing.
	assert.Equal(t, 0, store.ProcessDrops(nil))
}

func TestStore_DoubleReleaseIsNoop(t *testing.T) {
	t.Parallel()

	store := handle.NewStore[mesh]()
	h := store.Add(mesh{Name: "a"})
	clone := h.Clone()

	h.Release()
	h.Release()
	assert.Equal(t, int64(1), clone.RefCount(), "second release of the same handle is ignored")
	assert.Equal(t, 0, store.ProcessDrops(nil))
	assert.True(t, store.Contains(clone.ID()))
}

func TestStore_CloneReleasedPanics(t *testing.T) {
	t.Parallel()

	store := handle.NewStore[mesh]()
	h := store.Add(mesh{})
	h.Release()
	assert.Panics(t, func() { h.Clone() })
}

func TestStore_StaleGeneration(t *testing.T) {
	t.Parallel()

	store := handle.NewStore[mesh]()
	first := store.Add(mesh{Name: "first"})
	weak := first.ID()
	first.Release()
	require.Equal(t, 1, store.ProcessDrops(nil))

	second := store.Add(mesh{Name: "second"})
	index, generation, _ := second.ID().Index()
	oldIndex, oldGeneration, _ := weak.Index()
	assert.Equal(t, oldIndex, index, "slot is reused")
	assert.Equal(t, oldGeneration+1, generation)

	_, err := store.Get(weak)
	require.ErrorIs(t, err, handle.ErrStale)
	require.ErrorIs(t, store.Set(weak, mesh{}), handle.ErrStale)

	got, err := store.Get(second.ID())
	require.NoError(t, err)
	assert.Equal(t, "second", got.Name)
}

func TestStore_UUIDHandles(t *testing.T) {
	t.Parallel()

	store := handle.NewStore[mesh]()
	u := uuid.New()

	h := store.Insert(u, mesh{Name: "v1"})
	again := store.Insert(u, mesh{Name: "v2"})
	assert.Equal(t, h.ID(), again.ID())
	assert.Equal(t, int64(2), h.RefCount(), "inserting an existing uuid shares its count")

	got, err := store.Get(handle.UUIDID(u))
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Name)

	require.NoError(t, store.Set(h.ID(), mesh{Name: "v3"}))
	got, err = again.Get()
	require.NoError(t, err)
	assert.Equal(t, "v3", got.Name)

	h.Release()
	again.Release()
	assert.Equal(t, 1, store.ProcessDrops(nil))
	_, err = store.Get(h.ID())
	require.ErrorIs(t, err, handle.ErrNotFound)
}

func TestStore_NotFound(t *testing.T) {
	t.Parallel()

	store := handle.NewStore[mesh]()
	_, err := store.Get(handle.IndexID(0, 0))
	require.ErrorIs(t, err, handle.ErrNotFound)
	_, err = store.Get(handle.UUIDID(uuid.New()))
	require.ErrorIs(t, err, handle.ErrNotFound)
	require.ErrorIs(t, store.Set(handle.UUIDID(uuid.New()), mesh{}), handle.ErrNotFound)
}

func TestStore_ConcurrentReleaseDropsOnce(t *testing.T) {
	t.Parallel()

	const owners = 64

	store := handle.NewStore[mesh]()
	h := store.Add(mesh{Name: "shared"})
	handles := []*handle.Strong[mesh]{h}
	for range owners - 1 {
		handles = append(handles, h.Clone())
	}

	var wg sync.WaitGroup
	for _, owned := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			owned.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, store.ProcessDrops(nil))
	assert.Equal(t, 0, store.Len())
}

func TestStore_DropsBeyondQueueCapacity(t *testing.T) {
	t.Parallel()

	const count = 3000

	store := handle.NewStore[int]()
	for i := range count {
		store.Add(i).Release()
	}

	seen := make(map[int]bool)
	n := store.ProcessDrops(func(_ handle.ID, v int) { seen[v] = true })
	assert.Equal(t, count, n)
	assert.Len(t, seen, count)
}

// -------------------------------------------------------------------------------------------------
// Model-based fuzzing handle operations
// -------------------------------------------------------------------------------------------------
// This test verifies the store against a model that tracks, per value, the handles that are
// still held and whether the value has been dropped. Values must stay readable while any handle is
// held, and must be dropped exactly once after the last release is processed.
// -------------------------------------------------------------------------------------------------

type modelValue struct {
	value int
	held  []*handle.Strong[int]
}

func TestStore_ModelFuzz(t *testing.T) {
	t.Parallel()
	prng := testutils.NewRand(t)

	const opsMax = 1 << 13 // 8_192 iterations

	store := handle.NewStore[int]()
	model := make(map[handle.ID]*modelValue)
	dead := make([]handle.ID, 0)
	next := 0

	for range opsMax {
		op := testutils.RandWeightedOp(prng, handleOps)
		switch op {
		case h_add:
			h := store.Add(next)
			require.NotContains(t, model, h.ID(), "fresh handle id collides with a live value")
			model[h.ID()] = &modelValue{value: next, held: []*handle.Strong[int]{h}}
			next++

		case h_clone:
			if len(model) == 0 {
				continue
			}
			m := model[testutils.RandMapKey(prng, model)]
			if len(m.held) == 0 {
				continue
			}
			m.held = append(m.held, m.held[prng.IntN(len(m.held))].Clone())

		case h_release:
			if len(model) == 0 {
				continue
			}
			m := model[testutils.RandMapKey(prng, model)]
			if len(m.held) == 0 {
				continue
			}
			i := prng.IntN(len(m.held))
			m.held[i].Release()
			m.held = append(m.held[:i], m.held[i+1:]...)

		case h_process:
			dropped := make(map[handle.ID]int)
			store.ProcessDrops(func(id handle.ID, v int) { dropped[id] = v })

			removed := 0
			for id, m := range model {
				if len(m.held) > 0 {
					// Property: held values are never dropped.
					assert.NotContains(t, dropped, id)
					continue
				}
				// Property: every fully released value is dropped exactly once.
				v, ok := dropped[id]
				require.True(t, ok, "released value %s was not dropped", id)
				assert.Equal(t, m.value, v)
				delete(model, id)
				dead = append(dead, id)
				removed++
			}
			assert.Len(t, dropped, removed, "unexpected drops")
		}

		// Property: store size matches the number of undropped values.
		assert.Equal(t, len(model), store.Len())
	}

	// Property: dropped ids never resolve again.
	for _, id := range dead {
		_, err := store.Get(id)
		require.Error(t, err)
	}
	// Property: live ids resolve to their value.
	for id, m := range model {
		v, err := store.Get(id)
		require.NoError(t, err)
		assert.Equal(t, m.value, v)
	}
}

type handleOp uint8

const (
	h_add     handleOp = 30
	h_clone   handleOp = 25
	h_release handleOp = 35
	h_process handleOp = 10
)

var handleOps = []handleOp{h_add, h_clone, h_release, h_process}
