package ecs

import (
	"github.com/rotisserie/eris"
	"pkg.world.dev/epix/pkg/assert"
)

// -------------------------------------------------------------------------------------------------
// Sparse index
// -------------------------------------------------------------------------------------------------

// sparseIndex maps entity indices to dense indices.
type sparseIndex []int

const sparseCapacity = 128
const sparseTombstone = -1

// newSparseIndex creates a new sparse index.
func newSparseIndex() sparseIndex {
	s := make(sparseIndex, sparseCapacity)
	for i := range sparseCapacity {
		s[i] = sparseTombstone
	}
	return s
}

// get returns the value for a key and whether it exists.
func (s *sparseIndex) get(key uint32) (int, bool) {
	if int(key) >= len(*s) {
		return 0, false
	}

	value := (*s)[key]
	if value == sparseTombstone {
		return 0, false
	}

	return value, true
}

// set stores a value for a key, growing the backing slice if needed.
func (s *sparseIndex) set(key uint32, value int) {
	assert.That(value >= 0, "value must be a non-negative dense index")

	if int(key) >= len(*s) { // Grow slice if needed
		// Grow by doubling or to key+1, whichever is larger.
		oldLen := len(*s)
		newLen := max(oldLen*2, int(key)+1)

		newSlice := make(sparseIndex, newLen)
		copy(newSlice, *s)
		for i := oldLen; i < newLen; i++ {
			newSlice[i] = sparseTombstone
		}
		*s = newSlice
	}

	(*s)[key] = value
}

// remove sets a key's value to tombstone. Returns true if the key existed.
func (s *sparseIndex) remove(key uint32) bool {
	if int(key) >= len(*s) {
		return false
	}

	if (*s)[key] == sparseTombstone {
		return false
	}

	(*s)[key] = sparseTombstone
	return true
}

// -------------------------------------------------------------------------------------------------
// Sparse storage
// -------------------------------------------------------------------------------------------------

// sparseStorage stores the values of one sparse component type. Values are packed in a dense
// column; entities[i] owns dense row i.
type sparseStorage struct {
	dense    abstractColumn
	entities []Entity
	index    sparseIndex
}

func newSparseStorage(factory columnFactory) *sparseStorage {
	return &sparseStorage{
		dense:    factory(),
		entities: make([]Entity, 0),
		index:    newSparseIndex(),
	}
}

func (s *sparseStorage) len() int {
	return len(s.entities)
}

// denseRow returns the dense row of e. Returns ErrGenerationMismatch if the slot is owned by a
// different generation of the entity index, or ErrNotPresent if there is no slot.
func (s *sparseStorage) denseRow(e Entity) (int, error) {
	row, ok := s.index.get(e.Index())
	if !ok {
		return 0, eris.Wrapf(ErrNotPresent, "entity %s", e)
	}
	if s.entities[row] != e {
		return 0, eris.Wrapf(ErrGenerationMismatch, "entity %s, stored %s", e, s.entities[row])
	}
	return row, nil
}

func (s *sparseStorage) contains(e Entity) bool {
	_, err := s.denseRow(e)
	return err == nil
}

func (s *sparseStorage) get(e Entity) (any, error) {
	row, err := s.denseRow(e)
	if err != nil {
		return nil, err
	}
	return s.dense.getAbstract(row)
}

func (s *sparseStorage) ticks(e Entity) (ComponentTicks, error) {
	row, err := s.denseRow(e)
	if err != nil {
		return ComponentTicks{}, err
	}
	return s.dense.ticksAt(row)
}

// insert sets the value of e, replacing an existing value. A slot left behind by an older
// generation of the same index is taken over.
func (s *sparseStorage) insert(e Entity, value any, tick Tick) error {
	if row, ok := s.index.get(e.Index()); ok {
		if s.entities[row] == e {
			return s.dense.setAbstract(row, value, tick)
		}
		s.remove(s.entities[row])
	}

	s.dense.extend(tick)
	row := s.dense.len() - 1
	s.entities = append(s.entities, e)
	s.index.set(e.Index(), row)
	assert.That(len(s.entities) == s.dense.len(), "sparse entities length doesn't match values")

	return s.dense.setAbstract(row, value, tick)
}

// remove deletes the value of e by swapping in the last dense row. Returns true if e was present.
func (s *sparseStorage) remove(e Entity) bool {
	row, err := s.denseRow(e)
	if err != nil {
		return false
	}

	wasLast, err := s.dense.swapRemove(row)
	assert.That(err == nil, "dense row must be in bounds")

	last := len(s.entities) - 1
	s.entities[row] = s.entities[last]
	s.entities = s.entities[:last]
	s.index.remove(e.Index())

	if !wasLast {
		s.index.set(s.entities[row].Index(), row)
	}
	return true
}

func (s *sparseStorage) checkTicks(now Tick) {
	s.dense.checkTicks(now)
}

// sparseColumn returns the typed dense column of s.
func sparseColumn[T any](s *sparseStorage) *column[T] {
	col, ok := s.dense.(*column[T])
	assert.That(ok, "sparse storage holds a different type")
	return col
}
