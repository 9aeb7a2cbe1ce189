package ecs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pkg.world.dev/epix/pkg/testutils"
)

// -------------------------------------------------------------------------------------------------
// Model-based fuzzing sparse storage
// -------------------------------------------------------------------------------------------------
// Applies random insert/remove/get operations to a sparse storage and a map keyed by entity index.
// Entities are drawn from a small index range with a few generations so stale ids are common.
// -------------------------------------------------------------------------------------------------

func TestSparseStorage_ModelFuzz(t *testing.T) {
	t.Parallel()
	prng := testutils.NewRand(t)

	const (
		opsMax      = 1 << 14
		indexMax    = 300 // Exceeds sparseCapacity so the index has to grow
		generations = 3
	)

	impl := newSparseStorage(newColumnFactory[testutils.Marker]())
	model := make(map[uint32]struct {
		entity Entity
		value  testutils.Marker
	})

	randEntity := func() Entity {
		return newEntity(uint32(prng.IntN(indexMax)), uint32(prng.IntN(generations))) //nolint:gosec // small
	}

	for i := range opsMax {
		tick := Tick(i)
		switch testutils.RandWeightedOp(prng, sparseOps) {
		case s_insert:
			e := randEntity()
			value := testutils.Marker{Tag: randTag(prng.IntN(1000))}
			require.NoError(t, impl.insert(e, value, tick))
			model[e.Index()] = struct {
				entity Entity
				value  testutils.Marker
			}{entity: e, value: value}

		case s_remove:
			e := randEntity()
			entry, ok := model[e.Index()]
			expected := ok && entry.entity == e

			// Property: remove succeeds iff the exact entity is present.
			assert.Equal(t, expected, impl.remove(e))
			if expected {
				delete(model, e.Index())
			}

		case s_get:
			e := randEntity()
			entry, ok := model[e.Index()]
			value, err := impl.get(e)

			switch {
			case !ok:
				require.ErrorIs(t, err, ErrNotPresent)
			case entry.entity != e:
				// Property: a stale or future generation never reads another entity's value.
				require.ErrorIs(t, err, ErrGenerationMismatch)
			default:
				require.NoError(t, err)
				assert.Equal(t, entry.value, value)
			}

		default:
			panic("unreachable")
		}

		// Property: dense storage stays packed.
		require.Equal(t, len(model), impl.len())
		require.Equal(t, impl.len(), impl.dense.len())
	}

	for _, entry := range model {
		assert.True(t, impl.contains(entry.entity))
	}
}

type sparseOp uint8

const (
	s_insert sparseOp = 45
	s_remove sparseOp = 25
	s_get    sparseOp = 30
)

var sparseOps = []sparseOp{s_insert, s_remove, s_get}

func randTag(n int) string {
	return string(rune('a'+n%26)) + string(rune('a'+n/26%26))
}

func TestSparseIndex_Grows(t *testing.T) {
	t.Parallel()

	s := newSparseIndex()
	s.set(sparseCapacity*3, 7)

	got, ok := s.get(sparseCapacity * 3)
	require.True(t, ok)
	assert.Equal(t, 7, got)

	_, ok = s.get(sparseCapacity*3 - 1)
	assert.False(t, ok)
	_, ok = s.get(sparseCapacity * 10)
	assert.False(t, ok)

	assert.True(t, s.remove(sparseCapacity*3))
	assert.False(t, s.remove(sparseCapacity*3))
}
