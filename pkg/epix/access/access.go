// Package access describes which component and resource types a unit of work reads and writes.
// Footprints are used only to prove that two units of work can run concurrently; they never fetch
// data. When in doubt every check reports "incompatible".
package access

import (
	"pkg.world.dev/epix/pkg/epix/bitset"
)

// Access is the raw read/write footprint of a unit of work.
//
// Component sets support an inverted mode where the bitset lists the types that are NOT accessed.
// This is how "read all components" wildcards are expressed without knowing every type up front.
type Access struct {
	componentReadWrites bitset.Bitset // Components read or written (or excluded when inverted)
	componentWrites     bitset.Bitset // Components written (or excluded when inverted)
	resourceReadWrites  bitset.Bitset // Resources read or written
	resourceWrites      bitset.Bitset // Resources written
	archetypal          bitset.Bitset // Components inspected for archetype matching only

	componentReadWritesInverted bool
	componentWritesInverted     bool
	readsAllResources           bool
	writesAllResources          bool
}

// Clone returns an independent copy of a.
func (a *Access) Clone() Access {
	return Access{
		componentReadWrites:         a.componentReadWrites.Clone(),
		componentWrites:             a.componentWrites.Clone(),
		resourceReadWrites:          a.resourceReadWrites.Clone(),
		resourceWrites:              a.resourceWrites.Clone(),
		archetypal:                  a.archetypal.Clone(),
		componentReadWritesInverted: a.componentReadWritesInverted,
		componentWritesInverted:     a.componentWritesInverted,
		readsAllResources:           a.readsAllResources,
		writesAllResources:          a.writesAllResources,
	}
}

// -------------------------------------------------------------------------------------------------
// Mutators
// -------------------------------------------------------------------------------------------------

func (a *Access) AddComponentRead(id int) {
	if a.componentReadWritesInverted {
		a.componentReadWrites.Reset(id)
		return
	}
	a.componentReadWrites.Set(id)
}

// AddComponentWrite records a write, which always implies a read.
func (a *Access) AddComponentWrite(id int) {
	if a.componentWritesInverted {
		a.componentWrites.Reset(id)
	} else {
		a.componentWrites.Set(id)
	}
	a.AddComponentRead(id)
}

func (a *Access) AddResourceRead(id int) {
	a.resourceReadWrites.Set(id)
}

func (a *Access) AddResourceWrite(id int) {
	a.resourceWrites.Set(id)
	a.AddResourceRead(id)
}

// RemoveComponentWrite drops a write but keeps the read.
func (a *Access) RemoveComponentWrite(id int) {
	if a.componentWritesInverted {
		a.componentWrites.Set(id)
		return
	}
	a.componentWrites.Reset(id)
}

// RemoveComponentRead drops both the read and the write of a component.
func (a *Access) RemoveComponentRead(id int) {
	a.RemoveComponentWrite(id)
	if a.componentReadWritesInverted {
		a.componentReadWrites.Set(id)
		return
	}
	a.componentReadWrites.Reset(id)
}

// AddArchetypal records that the component's presence is inspected without reading its data.
func (a *Access) AddArchetypal(id int) {
	a.archetypal.Set(id)
}

func (a *Access) ReadAllComponents() {
	a.componentReadWritesInverted = true
	a.componentReadWrites.ResetAll()
}

func (a *Access) WriteAllComponents() {
	a.componentWritesInverted = true
	a.componentWrites.ResetAll()
	a.ReadAllComponents()
}

func (a *Access) ReadAllResources() {
	a.readsAllResources = true
}

func (a *Access) WriteAllResources() {
	a.writesAllResources = true
	a.readsAllResources = true
}

func (a *Access) ReadAll() {
	a.ReadAllComponents()
	a.ReadAllResources()
}

func (a *Access) WriteAll() {
	a.WriteAllComponents()
	a.WriteAllResources()
}

// ClearWrites removes every write but keeps the reads.
func (a *Access) ClearWrites() {
	a.componentWritesInverted = false
	a.componentWrites.ResetAll()
	a.writesAllResources = false
	a.resourceWrites.ResetAll()
}

func (a *Access) Clear() {
	*a = Access{}
}

// -------------------------------------------------------------------------------------------------
// Queries
// -------------------------------------------------------------------------------------------------

func (a *Access) HasComponentRead(id int) bool {
	return a.componentReadWritesInverted != a.componentReadWrites.Test(id)
}

func (a *Access) HasAnyComponentRead() bool {
	return a.componentReadWritesInverted || a.componentReadWrites.Any()
}

func (a *Access) HasComponentWrite(id int) bool {
	return a.componentWritesInverted != a.componentWrites.Test(id)
}

func (a *Access) HasAnyComponentWrite() bool {
	return a.componentWritesInverted || a.componentWrites.Any()
}

func (a *Access) HasResourceRead(id int) bool {
	return a.readsAllResources || a.resourceReadWrites.Test(id)
}

func (a *Access) HasAnyResourceRead() bool {
	return a.readsAllResources || a.resourceReadWrites.Any()
}

func (a *Access) HasResourceWrite(id int) bool {
	return a.writesAllResources || a.resourceWrites.Test(id)
}

func (a *Access) HasAnyResourceWrite() bool {
	return a.writesAllResources || a.resourceWrites.Any()
}

func (a *Access) HasAnyRead() bool {
	return a.HasAnyComponentRead() || a.HasAnyResourceRead()
}

func (a *Access) HasAnyWrite() bool {
	return a.HasAnyComponentWrite() || a.HasAnyResourceWrite()
}

func (a *Access) HasArchetypal(id int) bool {
	return a.archetypal.Test(id)
}

func (a *Access) IsReadAllComponents() bool {
	return a.componentReadWritesInverted && a.componentReadWrites.None()
}

func (a *Access) IsWriteAllComponents() bool {
	return a.componentWritesInverted && a.componentWrites.None()
}

func (a *Access) IsReadAllResources() bool {
	return a.readsAllResources
}

func (a *Access) IsWriteAllResources() bool {
	return a.writesAllResources
}

func (a *Access) IsReadAll() bool {
	return a.IsReadAllComponents() && a.IsReadAllResources()
}

func (a *Access) IsWriteAll() bool {
	return a.IsWriteAllComponents() && a.IsWriteAllResources()
}

// -------------------------------------------------------------------------------------------------
// Merge and compatibility
// -------------------------------------------------------------------------------------------------

// Merge adds the footprint of other to a. The result never under-reports what either side reads
// or writes:
//
//	all-but S1  +  all-but S2  =  all-but (S1 ∩ S2)
//	all-but S1  +  S2          =  all-but (S1 − S2)
//	S1          +  all-but S2  =  all-but (S2 − S1)
//	S1          +  S2          =  S1 ∪ S2
func (a *Access) Merge(other *Access) {
	mergeComponentSet(&a.componentReadWrites, a.componentReadWritesInverted,
		other.componentReadWrites, other.componentReadWritesInverted)
	mergeComponentSet(&a.componentWrites, a.componentWritesInverted,
		other.componentWrites, other.componentWritesInverted)

	a.componentReadWritesInverted = a.componentReadWritesInverted || other.componentReadWritesInverted
	a.componentWritesInverted = a.componentWritesInverted || other.componentWritesInverted
	a.readsAllResources = a.readsAllResources || other.readsAllResources
	a.writesAllResources = a.writesAllResources || other.writesAllResources

	a.resourceReadWrites.InPlaceOr(other.resourceReadWrites)
	a.resourceWrites.InPlaceOr(other.resourceWrites)
	a.archetypal.InPlaceOr(other.archetypal)
}

func mergeComponentSet(dst *bitset.Bitset, dstInverted bool, src bitset.Bitset, srcInverted bool) {
	switch {
	case dstInverted && srcInverted:
		dst.InPlaceAnd(src)
	case dstInverted && !srcInverted:
		dst.InPlaceAndNot(src)
	case !dstInverted && srcInverted:
		*dst = src.AndNot(*dst)
	default:
		dst.InPlaceOr(src)
	}
}

// IsComponentCompatible reports whether the component footprints of a and other can be active at
// the same time. Each side's writes are checked against the other side's reads and writes.
func (a *Access) IsComponentCompatible(other *Access) bool {
	return writesCompatible(a.componentWrites, a.componentWritesInverted,
		other.componentReadWrites, other.componentReadWritesInverted) &&
		writesCompatible(other.componentWrites, other.componentWritesInverted,
			a.componentReadWrites, a.componentReadWritesInverted)
}

func writesCompatible(writes bitset.Bitset, writesInverted bool, reads bitset.Bitset, readsInverted bool) bool {
	switch {
	case writesInverted && readsInverted:
		return false
	case writesInverted:
		// Writes everything except `writes`, so every read must be in the excluded set.
		return reads.IsSubsetOf(writes)
	case readsInverted:
		// Reads everything except `reads`, so every write must be in the excluded set.
		return writes.IsSubsetOf(reads)
	default:
		return writes.IsDisjoint(reads)
	}
}

// IsResourceCompatible reports whether the resource footprints of a and other can be active at the
// same time.
func (a *Access) IsResourceCompatible(other *Access) bool {
	if a.writesAllResources && other.HasAnyResourceRead() {
		return false
	}
	if other.writesAllResources && a.HasAnyResourceRead() {
		return false
	}
	if a.readsAllResources && other.HasAnyResourceWrite() {
		return false
	}
	if other.readsAllResources && a.HasAnyResourceWrite() {
		return false
	}
	return a.resourceWrites.IsDisjoint(other.resourceReadWrites) &&
		other.resourceWrites.IsDisjoint(a.resourceReadWrites)
}

// IsCompatible reports whether a and other can run concurrently.
func (a *Access) IsCompatible(other *Access) bool {
	return a.IsComponentCompatible(other) && a.IsResourceCompatible(other)
}

// -------------------------------------------------------------------------------------------------
// Conflicts
// -------------------------------------------------------------------------------------------------

// Conflicts lists the type ids two footprints disagree on. All is set when the conflict cannot be
// expressed as a finite set, e.g. two "write all" footprints.
type Conflicts struct {
	All bool
	IDs bitset.Bitset
}

// Empty reports whether there is no conflict.
func (c Conflicts) Empty() bool {
	return !c.All && c.IDs.None()
}

// Add merges other into c.
func (c *Conflicts) Add(other Conflicts) {
	c.All = c.All || other.All
	c.IDs.InPlaceOr(other.IDs)
}

// ComponentConflicts returns the component ids a and other conflict on.
func (a *Access) ComponentConflicts(other *Access) Conflicts {
	var out Conflicts
	pairs := [2]struct {
		writes         bitset.Bitset
		writesInverted bool
		reads          bitset.Bitset
		readsInverted  bool
	}{
		{a.componentWrites, a.componentWritesInverted, other.componentReadWrites, other.componentReadWritesInverted},
		{other.componentWrites, other.componentWritesInverted, a.componentReadWrites, a.componentReadWritesInverted},
	}
	for _, p := range pairs {
		switch {
		case p.writesInverted && p.readsInverted:
			return Conflicts{All: true}
		case p.writesInverted:
			out.IDs.InPlaceOr(p.reads.AndNot(p.writes))
		case p.readsInverted:
			out.IDs.InPlaceOr(p.writes.AndNot(p.reads))
		default:
			out.IDs.InPlaceOr(p.writes.And(p.reads))
		}
	}
	return out
}

// Conflicts returns the component and resource ids a and other conflict on.
func (a *Access) Conflicts(other *Access) Conflicts {
	out := a.ComponentConflicts(other)
	if out.All {
		return out
	}

	if (a.writesAllResources && other.readsAllResources) || (other.writesAllResources && a.readsAllResources) {
		return Conflicts{All: true}
	}
	if a.writesAllResources {
		out.IDs.InPlaceOr(other.resourceReadWrites)
	}
	if other.writesAllResources {
		out.IDs.InPlaceOr(a.resourceReadWrites)
	}
	if a.readsAllResources {
		out.IDs.InPlaceOr(other.resourceWrites)
	}
	if other.readsAllResources {
		out.IDs.InPlaceOr(a.resourceWrites)
	}
	out.IDs.InPlaceOr(a.resourceWrites.And(other.resourceReadWrites))
	out.IDs.InPlaceOr(other.resourceWrites.And(a.resourceReadWrites))
	return out
}
