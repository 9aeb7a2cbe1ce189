package testutils

import "pkg.world.dev/epix/pkg/assert"

// Gen enumerates every sequence of choices a test body makes. Each pass of
//
//	for g := testutils.NewGen(); !g.Done(); {
//	    op := testutils.Pick(g, ops)
//	    ...
//	}
//
// sees a different combination of the values handed out by Intn, Pick and Subset, until every
// combination was produced once. The body must be deterministic given its choices; later choices
// may depend on earlier ones.
type Gen struct {
	choices []choice
	pos     int
	started bool
}

type choice struct {
	value int
	n     int // value is in [0, n)
}

func NewGen() *Gen {
	return &Gen{}
}

// Done moves to the next combination, turning the last choice first, and reports whether all of
// them were produced.
func (g *Gen) Done() bool {
	if !g.started {
		g.started = true
		return false
	}
	g.pos = 0
	for i := len(g.choices) - 1; i >= 0; i-- {
		if g.choices[i].value+1 < g.choices[i].n {
			g.choices[i].value++
			// Choices after i are made afresh, starting from zero.
			g.choices = g.choices[:i+1]
			return false
		}
	}
	return true
}

// Intn returns a value in [0, n).
func (g *Gen) Intn(n int) int {
	assert.That(n > 0, "gen: nothing to choose from")
	if g.pos == len(g.choices) {
		g.choices = append(g.choices, choice{n: n})
	}
	c := &g.choices[g.pos]
	assert.That(c.n == n, "gen: choice %d changed its range from %d to %d", g.pos, c.n, n)
	g.pos++
	return c.value
}

func (g *Gen) Bool() bool {
	return g.Intn(2) == 1
}

// Pick returns one element of slice.
func Pick[T any](g *Gen, slice []T) T {
	return slice[g.Intn(len(slice))]
}

// Subset returns a sorted subset of [0, n). Over all passes every subset is returned once.
func (g *Gen) Subset(n int) []int {
	out := make([]int, 0, n)
	for i := range n {
		if g.Bool() {
			out = append(out, i)
		}
	}
	return out
}
