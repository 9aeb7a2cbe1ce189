package access_test

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pkg.world.dev/epix/pkg/epix/access"
	"pkg.world.dev/epix/pkg/epix/bitset"
	"pkg.world.dev/epix/pkg/testutils"
)

// -------------------------------------------------------------------------------------------------
// Merge
// -------------------------------------------------------------------------------------------------

func TestAccess_MergeInvertedWithConcrete(t *testing.T) {
	t.Parallel()

	// all-but {1, 2}  +  {1}  =  all-but {2}
	var a access.Access
	a.ReadAllComponents()
	a.RemoveComponentRead(1)
	a.RemoveComponentRead(2)

	var b access.Access
	b.AddComponentRead(1)

	a.Merge(&b)
	assert.True(t, a.HasComponentRead(1))
	assert.False(t, a.HasComponentRead(2))
	assert.True(t, a.HasComponentRead(99))
}

func TestAccess_MergeConcreteWithInverted(t *testing.T) {
	t.Parallel()

	// {1}  +  all-but {1, 3}  =  all-but {3}
	var a access.Access
	a.AddComponentRead(1)

	var b access.Access
	b.ReadAllComponents()
	b.RemoveComponentRead(1)
	b.RemoveComponentRead(3)

	a.Merge(&b)
	assert.True(t, a.HasComponentRead(1))
	assert.False(t, a.HasComponentRead(3))
	assert.True(t, a.HasComponentRead(0))
	assert.True(t, a.HasAnyComponentRead())
}

func TestAccess_MergeBothInverted(t *testing.T) {
	t.Parallel()

	// all-but {1, 2}  +  all-but {2, 3}  =  all-but {2}
	var a access.Access
	a.ReadAllComponents()
	a.RemoveComponentRead(1)
	a.RemoveComponentRead(2)

	var b access.Access
	b.ReadAllComponents()
	b.RemoveComponentRead(2)
	b.RemoveComponentRead(3)

	a.Merge(&b)
	assert.True(t, a.HasComponentRead(1))
	assert.False(t, a.HasComponentRead(2))
	assert.True(t, a.HasComponentRead(3))
}

func TestAccess_MergeDoesNotAliasOther(t *testing.T) {
	t.Parallel()

	var a, b access.Access
	b.AddComponentWrite(4)
	a.Merge(&b)
	a.AddComponentWrite(5)

	assert.True(t, a.HasComponentWrite(4))
	assert.False(t, b.HasComponentWrite(5))
}

// -------------------------------------------------------------------------------------------------
// Compatibility
// -------------------------------------------------------------------------------------------------

func TestAccess_WriteAllIsIncompatibleWithAnything(t *testing.T) {
	t.Parallel()

	var all access.Access
	all.WriteAll()
	assert.True(t, all.IsWriteAll())
	assert.True(t, all.IsReadAll())

	var reader access.Access
	reader.AddComponentRead(0)
	assert.False(t, all.IsCompatible(&reader))
	assert.False(t, reader.IsCompatible(&all))

	var resReader access.Access
	resReader.AddResourceRead(0)
	assert.False(t, all.IsCompatible(&resReader))

	// Nothing conflicts with an empty access.
	var empty access.Access
	assert.True(t, all.IsCompatible(&empty))
}

func TestAccess_ReadAllResources(t *testing.T) {
	t.Parallel()

	var readsAll access.Access
	readsAll.ReadAllResources()

	var reader access.Access
	reader.AddResourceRead(3)
	assert.True(t, readsAll.IsCompatible(&reader))

	var writer access.Access
	writer.AddResourceWrite(3)
	assert.False(t, readsAll.IsCompatible(&writer))
	assert.False(t, writer.IsCompatible(&readsAll))

	// Both read everything but one side also writes.
	var readsAllWrites access.Access
	readsAllWrites.ReadAllResources()
	readsAllWrites.AddResourceWrite(1)
	assert.False(t, readsAll.IsCompatible(&readsAllWrites))
	assert.False(t, readsAllWrites.IsCompatible(&readsAll))
}

func TestAccess_Conflicts(t *testing.T) {
	t.Parallel()

	var a access.Access
	a.AddComponentWrite(1)
	a.AddComponentRead(2)
	a.AddResourceWrite(7)

	var b access.Access
	b.AddComponentRead(1)
	b.AddComponentWrite(2)
	b.AddComponentWrite(3)
	b.AddResourceRead(7)

	c := a.Conflicts(&b)
	assert.False(t, c.All)
	assert.Equal(t, "{1, 2, 7}", c.IDs.String())

	var x, y access.Access
	x.WriteAll()
	y.WriteAll()
	c = x.Conflicts(&y)
	assert.True(t, c.All)
	assert.False(t, c.Empty())
}

// -------------------------------------------------------------------------------------------------
// Compatibility model
// -------------------------------------------------------------------------------------------------
// The model spells out read and write sets over a small universe. Types are only ever touched
// explicitly in [0, universe), so the extra id `universe` stands in for every other type: it is
// accessed only through wildcards.
// -------------------------------------------------------------------------------------------------

const universe = 3

type model struct {
	compReads, compWrites [universe + 1]bool
	resReads, resWrites   [universe + 1]bool
}

func (m *model) conflicts(other *model) bool {
	for id := range universe + 1 {
		if (m.compWrites[id] && other.compReads[id]) || (other.compWrites[id] && m.compReads[id]) {
			return true
		}
		if (m.resWrites[id] && other.resReads[id]) || (other.resWrites[id] && m.resReads[id]) {
			return true
		}
	}
	return false
}

type accessOp struct {
	name  string
	apply func(a *access.Access, m *model)
}

func accessOps() []accessOp {
	ops := []accessOp{
		{"ReadAllComponents", func(a *access.Access, m *model) {
			a.ReadAllComponents()
			for id := range universe + 1 {
				m.compReads[id] = true
			}
		}},
		{"WriteAllComponents", func(a *access.Access, m *model) {
			a.WriteAllComponents()
			for id := range universe + 1 {
				m.compReads[id], m.compWrites[id] = true, true
			}
		}},
		{"ReadAllResources", func(a *access.Access, m *model) {
			a.ReadAllResources()
			for id := range universe + 1 {
				m.resReads[id] = true
			}
		}},
		{"WriteAllResources", func(a *access.Access, m *model) {
			a.WriteAllResources()
			for id := range universe + 1 {
				m.resReads[id], m.resWrites[id] = true, true
			}
		}},
	}
	for id := range universe {
		ops = append(ops,
			accessOp{"AddComponentRead", func(a *access.Access, m *model) {
				a.AddComponentRead(id)
				m.compReads[id] = true
			}},
			accessOp{"AddComponentWrite", func(a *access.Access, m *model) {
				a.AddComponentWrite(id)
				m.compReads[id], m.compWrites[id] = true, true
			}},
			accessOp{"RemoveComponentRead", func(a *access.Access, m *model) {
				a.RemoveComponentRead(id)
				m.compReads[id], m.compWrites[id] = false, false
			}},
			accessOp{"RemoveComponentWrite", func(a *access.Access, m *model) {
				a.RemoveComponentWrite(id)
				m.compWrites[id] = false
			}},
			accessOp{"AddResourceRead", func(a *access.Access, m *model) {
				a.AddResourceRead(id)
				m.resReads[id] = true
			}},
			accessOp{"AddResourceWrite", func(a *access.Access, m *model) {
				a.AddResourceWrite(id)
				m.resReads[id], m.resWrites[id] = true, true
			}},
		)
	}
	return ops
}

func randAccess(r *rand.Rand, ops []accessOp) (access.Access, model) {
	var a access.Access
	var m model
	for range r.IntN(5) {
		ops[r.IntN(len(ops))].apply(&a, &m)
	}
	return a, m
}

func TestAccess_CompatibilityMatchesModel(t *testing.T) {
	t.Parallel()
	prng := testutils.NewRand(t)
	ops := accessOps()

	const iterations = 1 << 13

	for range iterations {
		a, ma := randAccess(prng, ops)
		b, mb := randAccess(prng, ops)

		want := !ma.conflicts(&mb)
		require.Equal(t, want, a.IsCompatible(&b), "a=%+v b=%+v", ma, mb)
		require.Equal(t, want, b.IsCompatible(&a), "symmetry a=%+v b=%+v", ma, mb)
		require.Equal(t, want, a.Conflicts(&b).Empty(), "conflicts a=%+v b=%+v", ma, mb)

		// Merging never under-reports: the merge is incompatible with anything either side was
		// incompatible with.
		merged := a.Clone()
		merged.Merge(&b)
		c, mc := randAccess(prng, ops)
		if !a.IsCompatible(&c) || !b.IsCompatible(&c) {
			require.False(t, merged.IsCompatible(&c), "merge under-reports c=%+v", mc)
		}
	}
}

func TestAccess_ComponentCompatibilityExhaustive(t *testing.T) {
	t.Parallel()

	ops := accessOps()
	for g := testutils.NewGen(); !g.Done(); {
		var a, b access.Access
		var ma, mb model
		testutils.Pick(g, ops).apply(&a, &ma)
		testutils.Pick(g, ops).apply(&a, &ma)
		testutils.Pick(g, ops).apply(&b, &mb)
		testutils.Pick(g, ops).apply(&b, &mb)

		want := !ma.conflicts(&mb)
		if a.IsCompatible(&b) != want {
			t.Fatalf("compatibility mismatch: want %v, a=%+v b=%+v", want, ma, mb)
		}
	}
}

// -------------------------------------------------------------------------------------------------
// Filtered access
// -------------------------------------------------------------------------------------------------

const (
	position = 0
	velocity = 1
	frozen   = 2
)

func TestFilteredAccess_WithWithoutAreCompatible(t *testing.T) {
	t.Parallel()

	// Mut<Position> With<Frozen> vs Mut<Position> Without<Frozen>.
	moving := access.NewFiltered()
	moving.AddComponentWrite(position)
	moving.AndWithout(frozen)

	stuck := access.NewFiltered()
	stuck.AddComponentWrite(position)
	stuck.AndWith(frozen)

	assert.True(t, moving.IsCompatible(&stuck))
	assert.True(t, stuck.IsCompatible(&moving))
	assert.True(t, moving.Conflicts(&stuck).Empty())

	// Dropping the filter makes them overlap.
	plain := access.NewFiltered()
	plain.AddComponentWrite(position)
	assert.False(t, plain.IsCompatible(&stuck))
	assert.False(t, plain.IsCompatible(&moving))
	assert.Equal(t, "{0}", plain.Conflicts(&moving).IDs.String())
}

func TestFilteredAccess_ResourcesIgnoreFilters(t *testing.T) {
	t.Parallel()

	a := access.NewFiltered()
	a.AddComponentWrite(position)
	a.AndWith(frozen)
	a.AddResourceWrite(0)

	b := access.NewFiltered()
	b.AddComponentWrite(position)
	b.AndWithout(frozen)
	b.AddResourceRead(0)

	assert.False(t, a.IsCompatible(&b))
}

func TestFilteredAccess_AppendOr(t *testing.T) {
	t.Parallel()

	// Mut<Position> with (Frozen or Velocity) vs Mut<Position> without Frozen: the Velocity branch
	// overlaps.
	a := access.NewFiltered()
	a.AddComponentWrite(position)
	a.AndWith(frozen)
	other := access.NewFiltered()
	other.AndWith(velocity)
	a.AppendOr(&other)
	require.Len(t, a.Clauses(), 2)

	b := access.NewFiltered()
	b.AddComponentWrite(position)
	b.AndWithout(frozen)

	assert.False(t, a.IsCompatible(&b))
}

func TestFilteredAccess_MergeDropsContradictions(t *testing.T) {
	t.Parallel()

	a := access.NewFiltered()
	a.AndWith(frozen)
	b := access.NewFiltered()
	b.AndWithout(frozen)

	a.Merge(&b)
	assert.Empty(t, a.Clauses())
	assert.False(t, a.Matches(bitset.Of(frozen)))
	assert.False(t, a.Matches(bitset.Of(position)))
}

func TestFilteredAccess_Matches(t *testing.T) {
	t.Parallel()

	f := access.NewFiltered()
	f.AddComponentRead(position)
	f.AndWithout(frozen)

	assert.True(t, f.Matches(bitset.Of(position)))
	assert.True(t, f.Matches(bitset.Of(position, velocity)))
	assert.False(t, f.Matches(bitset.Of(position, frozen)))
	assert.False(t, f.Matches(bitset.Of(velocity)))
}

// Filtered compatibility is sound: if two filtered accesses are reported compatible, then for
// every archetype matched by both, the raw accesses do not conflict.
func TestFilteredAccess_CompatibilityIsSound(t *testing.T) {
	t.Parallel()
	prng := testutils.NewRand(t)
	ops := accessOps()

	const iterations = 1 << 12

	randFiltered := func() (access.FilteredAccess, model) {
		f := access.NewFiltered()
		var m model
		for range prng.IntN(3) {
			ops[prng.IntN(len(ops))].apply(f.Access(), &m)
		}
		for range prng.IntN(3) {
			id := prng.IntN(universe)
			if prng.IntN(2) == 0 {
				f.AndWith(id)
			} else {
				f.AndWithout(id)
			}
		}
		return f, m
	}

	for range iterations {
		a, ma := randFiltered()
		b, mb := randFiltered()
		if !a.IsCompatible(&b) {
			continue
		}
		for archetype := range 1 << universe {
			var components bitset.Bitset
			for id := range universe {
				if archetype&(1<<id) != 0 {
					components.Set(id)
				}
			}
			if a.Matches(components) && b.Matches(components) {
				require.False(t, ma.conflicts(&mb), "compatible but both match %s", components)
			}
		}
	}
}

// -------------------------------------------------------------------------------------------------
// Filtered access set
// -------------------------------------------------------------------------------------------------

func TestFilteredAccessSet_Compatibility(t *testing.T) {
	t.Parallel()

	var moveSystem access.FilteredAccessSet
	q := access.NewFiltered()
	q.AddComponentWrite(position)
	q.AddComponentRead(velocity)
	q.AndWithout(frozen)
	moveSystem.Add(&q)
	moveSystem.AddUnfilteredResourceRead(0)

	var thawSystem access.FilteredAccessSet
	q2 := access.NewFiltered()
	q2.AddComponentWrite(position)
	q2.AndWith(frozen)
	thawSystem.Add(&q2)
	thawSystem.AddUnfilteredResourceRead(0)

	assert.True(t, moveSystem.IsCompatible(&thawSystem))
	assert.True(t, moveSystem.Conflicts(&thawSystem).Empty())

	var scoreSystem access.FilteredAccessSet
	scoreSystem.AddUnfilteredResourceWrite(0)
	assert.False(t, moveSystem.IsCompatible(&scoreSystem))
	assert.Equal(t, "{0}", moveSystem.Conflicts(&scoreSystem).IDs.String())

	var exclusive access.FilteredAccessSet
	exclusive.WriteAll()
	assert.False(t, exclusive.IsCompatible(&thawSystem))
	assert.False(t, exclusive.IsCompatibleWith(&q))

	var empty access.FilteredAccessSet
	assert.True(t, exclusive.IsCompatible(&empty))
}

func TestFilteredAccessSet_ExtendAndClear(t *testing.T) {
	t.Parallel()

	var a, b access.FilteredAccessSet
	b.AddUnfilteredResourceWrite(2)
	a.Extend(&b)
	assert.True(t, a.Combined().HasResourceWrite(2))
	assert.Len(t, a.Filtered(), 1)

	a.Clear()
	assert.False(t, a.Combined().HasAnyWrite())
	assert.Empty(t, a.Filtered())
}
