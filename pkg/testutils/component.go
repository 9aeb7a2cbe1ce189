package testutils

// -------------------------------------------------------------------------------------------------
// Components
// -------------------------------------------------------------------------------------------------

type Position struct {
	X, Y float64
}

func (Position) Name() string { return "Position" }

type Velocity struct {
	X, Y float64
}

func (Velocity) Name() string { return "Velocity" }

type Health struct {
	HP int
}

func (Health) Name() string { return "Health" }

type Frozen struct{}

func (Frozen) Name() string { return "Frozen" }

type Player struct {
	Nickname string
}

func (Player) Name() string { return "Player" }

// Marker is stored in a sparse set instead of a table.
type Marker struct {
	Tag string
}

func (Marker) Name() string { return "Marker" }

func (Marker) SparseStorage() {}

// -------------------------------------------------------------------------------------------------
// Resources
// -------------------------------------------------------------------------------------------------

type Counter struct {
	Value int
}

type Score struct {
	Points int
}
