package ecs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pkg.world.dev/epix/pkg/testutils"
)

// -------------------------------------------------------------------------------------------------
// Model-based fuzzing column operations
// -------------------------------------------------------------------------------------------------
// This test verifies the column implementation correctness using model-based testing. It compares
// our implementation against a slice of (value, added, modified) records with swap-remove
// semantics by applying random sequences of operations to both and asserting equivalence.
// -------------------------------------------------------------------------------------------------

type columnRecord struct {
	value    testutils.Health
	added    Tick
	modified Tick
}

func TestColumn_ModelFuzz(t *testing.T) {
	t.Parallel()
	prng := testutils.NewRand(t)

	const opsMax = 1 << 15 // 32_768 iterations

	impl := newColumn[testutils.Health]()
	model := make([]columnRecord, 0, columnCapacity)
	tick := Tick(1)

	for range opsMax {
		tick++
		op := testutils.RandWeightedOp(prng, columnOps)
		switch op {
		case c_push:
			value := testutils.Health{HP: prng.Int()}
			impl.push(value, tick)
			model = append(model, columnRecord{value: value, added: tick, modified: tick})

			// Property: length increases by 1 and every slice has the same length.
			assert.Equal(t, len(model), impl.len(), "push length mismatch")
			assert.Len(t, impl.added, impl.len())
			assert.Len(t, impl.modified, impl.len())

		case c_replace:
			if len(model) == 0 {
				continue
			}
			row := prng.IntN(len(model))
			value := testutils.Health{HP: prng.Int()}

			require.NoError(t, impl.replace(row, value, tick))
			model[row].value = value
			model[row].modified = tick

			// Property: get(k) after replace(k) returns the same value.
			got, err := impl.get(row)
			require.NoError(t, err)
			assert.Equal(t, value, got, "replace(%d) then get value mismatch", row)

		case c_getMut:
			if len(model) == 0 {
				continue
			}
			row := prng.IntN(len(model))

			ptr, err := impl.getMut(row, tick)
			require.NoError(t, err)
			ptr.HP++
			model[row].value.HP++
			model[row].modified = tick

		case c_get:
			if len(model) == 0 {
				continue
			}
			row := prng.IntN(len(model))

			got, err := impl.get(row)
			require.NoError(t, err)
			ticks, err := impl.ticksAt(row)
			require.NoError(t, err)

			// Property: get(k) and ticks(k) match the model.
			assert.Equal(t, model[row].value, got, "get(%d) value mismatch", row)
			assert.Equal(t, ComponentTicks{Added: model[row].added, Modified: model[row].modified}, ticks)

		case c_swapRemove:
			if len(model) == 0 {
				continue
			}
			row := prng.IntN(len(model))

			wasLast, err := impl.swapRemove(row)
			require.NoError(t, err)

			last := len(model) - 1
			model[row] = model[last]
			model = model[:last]

			// Property: wasLast is reported iff no relocation happened.
			assert.Equal(t, row == last, wasLast)
			// Property: length decreases by 1.
			assert.Equal(t, len(model), impl.len(), "swapRemove length mismatch")

		case c_outOfBounds:
			row := len(model) + prng.IntN(10)

			_, err := impl.get(row)
			// Property: out of range rows return an error instead of panicking.
			require.ErrorIs(t, err, ErrIndexOutOfBounds)
			_, err = impl.swapRemove(row)
			require.ErrorIs(t, err, ErrIndexOutOfBounds)

		default:
			panic("unreachable")
		}
	}

	// Final state check: verify all elements match between impl and model.
	require.Equal(t, len(model), impl.len(), "final length mismatch")
	for i, expected := range model {
		got, err := impl.get(i)
		require.NoError(t, err)
		assert.Equal(t, expected.value, got, "element %d mismatch", i)
		assert.Equal(t, expected.added, impl.added[i], "element %d added mismatch", i)
		assert.Equal(t, expected.modified, impl.modified[i], "element %d modified mismatch", i)
	}
}

type columnOp uint8

const (
	c_push        columnOp = 30
	c_replace     columnOp = 20
	c_getMut      columnOp = 10
	c_get         columnOp = 15
	c_swapRemove  columnOp = 19
	c_outOfBounds columnOp = 5
)

var columnOps = []columnOp{c_push, c_replace, c_getMut, c_get, c_swapRemove, c_outOfBounds}

// -------------------------------------------------------------------------------------------------
// Swap remove
// -------------------------------------------------------------------------------------------------

func TestColumn_SwapRemoveMovesLastRow(t *testing.T) {
	t.Parallel()

	col := newColumn[testutils.Health]()
	col.push(testutils.Health{HP: 0}, 1)
	col.push(testutils.Health{HP: 1}, 2)
	col.push(testutils.Health{HP: 2}, 3)

	wasLast, err := col.swapRemove(0)
	require.NoError(t, err)
	assert.False(t, wasLast)
	assert.Equal(t, 2, col.len())

	// The value formerly at row 2 is now at row 0, with its ticks.
	got, err := col.get(0)
	require.NoError(t, err)
	assert.Equal(t, testutils.Health{HP: 2}, got)
	ticks, err := col.ticksAt(0)
	require.NoError(t, err)
	assert.Equal(t, ComponentTicks{Added: 3, Modified: 3}, ticks)

	wasLast, err = col.swapRemove(1)
	require.NoError(t, err)
	assert.True(t, wasLast)
}

func TestColumn_MoveRow(t *testing.T) {
	t.Parallel()

	src := newColumn[testutils.Health]()
	src.push(testutils.Health{HP: 7}, 4)
	require.NoError(t, src.replace(0, testutils.Health{HP: 8}, 6))

	dst := newColumn[testutils.Health]()
	require.NoError(t, src.moveRow(0, &dst))

	got, err := dst.get(0)
	require.NoError(t, err)
	assert.Equal(t, testutils.Health{HP: 8}, got)
	ticks, err := dst.ticksAt(0)
	require.NoError(t, err)
	assert.Equal(t, ComponentTicks{Added: 4, Modified: 6}, ticks)

	// The source row is left in place.
	assert.Equal(t, 1, src.len())
}
