package access

// FilteredAccessSet is the footprint of a whole system: the union of every parameter's filtered
// access plus a combined raw access used as a fast path.
type FilteredAccessSet struct {
	combined Access
	filtered []FilteredAccess
}

// Combined returns the union of every access in the set, ignoring filters.
func (s *FilteredAccessSet) Combined() *Access {
	return &s.combined
}

// Filtered returns the individual filtered accesses.
func (s *FilteredAccessSet) Filtered() []FilteredAccess {
	return s.filtered
}

// Add appends a copy of fa to the set.
func (s *FilteredAccessSet) Add(fa *FilteredAccess) {
	s.combined.Merge(&fa.access)
	s.filtered = append(s.filtered, fa.Clone())
}

// AddUnfilteredResourceRead adds a resource read that applies regardless of archetypes.
func (s *FilteredAccessSet) AddUnfilteredResourceRead(id int) {
	fa := NewFiltered()
	fa.AddResourceRead(id)
	s.Add(&fa)
}

// AddUnfilteredResourceWrite adds a resource write that applies regardless of archetypes.
func (s *FilteredAccessSet) AddUnfilteredResourceWrite(id int) {
	fa := NewFiltered()
	fa.AddResourceWrite(id)
	s.Add(&fa)
}

func (s *FilteredAccessSet) ReadAll() {
	fa := NewFiltered()
	fa.ReadAll()
	s.Add(&fa)
}

func (s *FilteredAccessSet) WriteAll() {
	fa := NewFiltered()
	fa.WriteAll()
	s.Add(&fa)
}

// Extend adds every access of other to s.
func (s *FilteredAccessSet) Extend(other *FilteredAccessSet) {
	s.combined.Merge(&other.combined)
	for i := range other.filtered {
		s.filtered = append(s.filtered, other.filtered[i].Clone())
	}
}

// IsCompatible reports whether two systems with footprints s and other can run concurrently.
func (s *FilteredAccessSet) IsCompatible(other *FilteredAccessSet) bool {
	if s.combined.IsCompatible(&other.combined) {
		return true
	}
	for i := range s.filtered {
		for j := range other.filtered {
			if !s.filtered[i].IsCompatible(&other.filtered[j]) {
				return false
			}
		}
	}
	return true
}

// IsCompatibleWith reports whether a single filtered access can be added next to s without
// conflicting with anything already in it.
func (s *FilteredAccessSet) IsCompatibleWith(fa *FilteredAccess) bool {
	if s.combined.IsCompatible(&fa.access) {
		return true
	}
	for i := range s.filtered {
		if !s.filtered[i].IsCompatible(fa) {
			return false
		}
	}
	return true
}

// Conflicts returns the ids s and other conflict on.
func (s *FilteredAccessSet) Conflicts(other *FilteredAccessSet) Conflicts {
	var out Conflicts
	if s.combined.IsCompatible(&other.combined) {
		return out
	}
	for i := range s.filtered {
		for j := range other.filtered {
			out.Add(s.filtered[i].Conflicts(&other.filtered[j]))
		}
	}
	return out
}

// ConflictsWith returns the ids s and fa conflict on.
func (s *FilteredAccessSet) ConflictsWith(fa *FilteredAccess) Conflicts {
	var out Conflicts
	if s.combined.IsCompatible(&fa.access) {
		return out
	}
	for i := range s.filtered {
		out.Add(s.filtered[i].Conflicts(fa))
	}
	return out
}

func (s *FilteredAccessSet) Clear() {
	s.combined.Clear()
	s.filtered = nil
}

func (s *FilteredAccessSet) Clone() FilteredAccessSet {
	out := FilteredAccessSet{combined: s.combined.Clone()}
	for i := range s.filtered {
		out.filtered = append(out.filtered, s.filtered[i].Clone())
	}
	return out
}
