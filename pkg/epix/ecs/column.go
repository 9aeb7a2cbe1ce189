package ecs

import (
	"github.com/rotisserie/eris"
	"pkg.world.dev/epix/pkg/assert"
)

// columnFactory is a function that creates a new abstractColumn instance.
type columnFactory func() abstractColumn

// abstractColumn is an internal interface for generic column operations. It lets tables and sparse
// sets move values around without knowing their concrete type.
type abstractColumn interface {
	len() int
	extend(tick Tick)

	setAbstract(row int, value any, tick Tick) error
	getAbstract(row int) (any, error)
	ticksAt(row int) (ComponentTicks, error)
	swapRemove(row int) (bool, error)
	moveRow(row int, dst abstractColumn) error
	checkTicks(now Tick)
}

var _ abstractColumn = &column[Component]{}

const columnCapacity = 16

// column stores values of one type together with their change ticks. The values, added and
// modified slices always have the same length.
type column[T any] struct {
	values   []T
	added    []Tick
	modified []Tick
}

// newColumn creates a new column with the specified type.
func newColumn[T any]() column[T] {
	return column[T]{
		values:   make([]T, 0, columnCapacity),
		added:    make([]Tick, 0, columnCapacity),
		modified: make([]Tick, 0, columnCapacity),
	}
}

// newColumnFactory returns a function that constructs a new column of type T.
func newColumnFactory[T any]() columnFactory {
	return func() abstractColumn {
		col := newColumn[T]()
		return &col
	}
}

func (c *column[T]) len() int {
	return len(c.values)
}

func (c *column[T]) inBounds(row int) error {
	if row < 0 || row >= len(c.values) {
		return eris.Wrapf(ErrIndexOutOfBounds, "row %d, length %d", row, len(c.values))
	}
	return nil
}

// extend adds a new row initialized with the zero value.
func (c *column[T]) extend(tick Tick) {
	var zero T
	c.push(zero, tick)
}

// push appends a value that was added at tick.
func (c *column[T]) push(value T, tick Tick) {
	c.values = append(c.values, value)
	c.added = append(c.added, tick)
	c.modified = append(c.modified, tick)
}

// get gets the value from a given row. Whenever possible prefer this method over getAbstract since
// it avoids boxing the value, which allocates.
func (c *column[T]) get(row int) (T, error) {
	if err := c.inBounds(row); err != nil {
		var zero T
		return zero, err
	}
	return c.values[row], nil
}

// getMut returns a pointer to the value in row and marks it modified at tick.
func (c *column[T]) getMut(row int, tick Tick) (*T, error) {
	if err := c.inBounds(row); err != nil {
		return nil, err
	}
	c.modified[row] = tick
	return &c.values[row], nil
}

// replace overwrites the value in row and marks it modified at tick.
func (c *column[T]) replace(row int, value T, tick Tick) error {
	if err := c.inBounds(row); err != nil {
		return err
	}
	c.values[row] = value
	c.modified[row] = tick
	return nil
}

func (c *column[T]) setAbstract(row int, value any, tick Tick) error {
	concrete, ok := value.(T)
	assert.That(ok, "tried to set the wrong component type")
	return c.replace(row, concrete, tick)
}

func (c *column[T]) getAbstract(row int) (any, error) {
	return c.get(row)
}

func (c *column[T]) ticksAt(row int) (ComponentTicks, error) {
	if err := c.inBounds(row); err != nil {
		return ComponentTicks{}, err
	}
	return ComponentTicks{Added: c.added[row], Modified: c.modified[row]}, nil
}

// swapRemove removes row by moving the last row into its place. Returns true if row was the last
// row, in which case nothing was moved.
func (c *column[T]) swapRemove(row int) (bool, error) {
	if err := c.inBounds(row); err != nil {
		return false, err
	}

	last := len(c.values) - 1
	c.values[row] = c.values[last]
	c.added[row] = c.added[last]
	c.modified[row] = c.modified[last]

	// Clear the vacated slot so it doesn't keep references alive.
	var zero T
	c.values[last] = zero
	c.values = c.values[:last]
	c.added = c.added[:last]
	c.modified = c.modified[:last]

	return row == last, nil
}

// moveRow appends a copy of row, including its ticks, to dst. dst must be a column of the same
// type. The source row is left in place.
func (c *column[T]) moveRow(row int, dst abstractColumn) error {
	if err := c.inBounds(row); err != nil {
		return err
	}
	target, ok := dst.(*column[T])
	assert.That(ok, "tried to move a row into a column of a different type")

	target.values = append(target.values, c.values[row])
	target.added = append(target.added, c.added[row])
	target.modified = append(target.modified, c.modified[row])
	return nil
}

// checkTicks rebases every tick that is too old relative to now.
func (c *column[T]) checkTicks(now Tick) {
	for i := range c.added {
		c.added[i].CheckTick(now)
		c.modified[i].CheckTick(now)
	}
}
