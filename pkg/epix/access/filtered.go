package access

import (
	"pkg.world.dev/epix/pkg/epix/bitset"
)

// Clause is one conjunction of a filter in disjunctive normal form: an archetype matches it when it
// has every type in With and none of the types in Without.
type Clause struct {
	With    bitset.Bitset
	Without bitset.Bitset
}

// RuledOut reports whether no archetype can satisfy both c and other.
func (c *Clause) RuledOut(other *Clause) bool {
	return c.With.Intersects(other.Without) || c.Without.Intersects(other.With)
}

// Contradictory reports whether no archetype can satisfy c.
func (c *Clause) Contradictory() bool {
	return c.With.Intersects(c.Without)
}

// Matches reports whether an archetype holding the given component set satisfies c.
func (c *Clause) Matches(components bitset.Bitset) bool {
	return c.With.IsSubsetOf(components) && c.Without.IsDisjoint(components)
}

func (c *Clause) Clone() Clause {
	return Clause{With: c.With.Clone(), Without: c.Without.Clone()}
}

func (c *Clause) and(other *Clause) Clause {
	return Clause{With: c.With.Or(other.With), Without: c.Without.Or(other.Without)}
}

// FilteredAccess is an Access scoped by archetype filters. Two filtered accesses whose filters can
// never match the same archetype are compatible even when their raw accesses overlap.
type FilteredAccess struct {
	access   Access
	required bitset.Bitset
	// Disjunction of conjunctions. A single empty clause matches every archetype; an empty list
	// matches none.
	clauses []Clause
}

// NewFiltered returns a FilteredAccess with no access that matches every archetype.
func NewFiltered() FilteredAccess {
	return FilteredAccess{clauses: []Clause{{}}}
}

// Access returns the underlying raw access.
func (f *FilteredAccess) Access() *Access {
	return &f.access
}

// Required returns the types an archetype must hold for the fetch to succeed.
func (f *FilteredAccess) Required() bitset.Bitset {
	return f.required
}

// Clauses returns the DNF filter clauses.
func (f *FilteredAccess) Clauses() []Clause {
	return f.clauses
}

func (f *FilteredAccess) Clone() FilteredAccess {
	clauses := make([]Clause, len(f.clauses))
	for i := range f.clauses {
		clauses[i] = f.clauses[i].Clone()
	}
	return FilteredAccess{access: f.access.Clone(), required: f.required.Clone(), clauses: clauses}
}

// AddComponentRead adds a required read of id.
func (f *FilteredAccess) AddComponentRead(id int) {
	f.access.AddComponentRead(id)
	f.required.Set(id)
	f.AndWith(id)
}

// AddComponentWrite adds a required write of id.
func (f *FilteredAccess) AddComponentWrite(id int) {
	f.access.AddComponentWrite(id)
	f.required.Set(id)
	f.AndWith(id)
}

// AddOptionalComponentRead adds a read of id that does not restrict which archetypes match.
func (f *FilteredAccess) AddOptionalComponentRead(id int) {
	f.access.AddComponentRead(id)
}

// AddOptionalComponentWrite adds a write of id that does not restrict which archetypes match.
func (f *FilteredAccess) AddOptionalComponentWrite(id int) {
	f.access.AddComponentWrite(id)
}

func (f *FilteredAccess) AddResourceRead(id int) {
	f.access.AddResourceRead(id)
}

func (f *FilteredAccess) AddResourceWrite(id int) {
	f.access.AddResourceWrite(id)
}

func (f *FilteredAccess) ReadAll() {
	f.access.ReadAll()
}

func (f *FilteredAccess) WriteAll() {
	f.access.WriteAll()
}

// AndWith requires id in every clause.
func (f *FilteredAccess) AndWith(id int) {
	for i := range f.clauses {
		f.clauses[i].With.Set(id)
	}
}

// AndWithout excludes id from every clause.
func (f *FilteredAccess) AndWithout(id int) {
	f.access.AddArchetypal(id)
	for i := range f.clauses {
		f.clauses[i].Without.Set(id)
	}
}

// AndClauses conjoins the filter with another DNF filter.
func (f *FilteredAccess) AndClauses(clauses []Clause) {
	for i := range clauses {
		for id := range clauses[i].With.Ones() {
			f.access.AddArchetypal(id)
		}
		for id := range clauses[i].Without.Ones() {
			f.access.AddArchetypal(id)
		}
	}
	f.clauses = Product(f.clauses, clauses)
}

// AppendOr disjoins the filter with the filter of other. The accesses are merged.
func (f *FilteredAccess) AppendOr(other *FilteredAccess) {
	f.access.Merge(&other.access)
	for i := range other.clauses {
		f.clauses = append(f.clauses, other.clauses[i].Clone())
	}
}

// Merge combines f and other as a conjunction: both fetches run on the archetypes matched by both
// filters.
func (f *FilteredAccess) Merge(other *FilteredAccess) {
	f.access.Merge(&other.access)
	f.required.InPlaceOr(other.required)
	f.clauses = Product(f.clauses, other.clauses)
}

// Matches reports whether an archetype holding the given component set is matched by the filter.
func (f *FilteredAccess) Matches(components bitset.Bitset) bool {
	if !f.required.IsSubsetOf(components) {
		return false
	}
	for i := range f.clauses {
		if f.clauses[i].Matches(components) {
			return true
		}
	}
	return false
}

// IsCompatible reports whether f and other can run concurrently. Overlapping component access is
// allowed when every pair of clauses is mutually exclusive.
func (f *FilteredAccess) IsCompatible(other *FilteredAccess) bool {
	if !f.access.IsResourceCompatible(&other.access) {
		return false
	}
	if f.access.IsComponentCompatible(&other.access) {
		return true
	}
	for i := range f.clauses {
		for j := range other.clauses {
			if !f.clauses[i].RuledOut(&other.clauses[j]) {
				return false
			}
		}
	}
	return true
}

// Conflicts returns the ids f and other conflict on, or an empty result when they are compatible.
func (f *FilteredAccess) Conflicts(other *FilteredAccess) Conflicts {
	if f.IsCompatible(other) {
		return Conflicts{}
	}
	return f.access.Conflicts(&other.access)
}

// Product returns the pairwise conjunction of two DNF filters, dropping contradictory clauses.
func Product(left, right []Clause) []Clause {
	out := make([]Clause, 0, len(left)*len(right))
	for i := range left {
		for j := range right {
			c := left[i].and(&right[j])
			if c.Contradictory() {
				continue
			}
			out = append(out, c)
		}
	}
	return out
}
