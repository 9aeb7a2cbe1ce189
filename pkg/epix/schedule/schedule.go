// Package schedule orders systems into a dependency graph and runs them concurrently through a
// dispatcher.
//
// A schedule is made of nodes. A node is either a system or a set. Nodes can be ordered relative to
// each other (Before/After), grouped into sets (InSet/Contains), and gated on run conditions
// (RunIf). Ordering a set orders every node inside it, and a set's conditions gate every node
// inside it.
package schedule

import (
	"fmt"
	"slices"
	"strings"

	"github.com/bits-and-blooms/bitset"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"pkg.world.dev/epix/pkg/epix/ecs"
)

var (
	// ErrDuplicateSystem is returned when two systems with the same name are added to a schedule.
	ErrDuplicateSystem = eris.New("system already added to schedule")
	// ErrNotPrepared is returned when executing a schedule whose last Prepare failed.
	ErrNotPrepared = eris.New("schedule is not prepared")
)

// Edges are the resolved relations of a node. Only labels of nodes in the schedule are included.
type Edges struct {
	// Depends are the nodes that must finish before this node starts.
	Depends []Label `json:"depends,omitempty"`
	// Successors are the nodes that wait for this node to finish.
	Successors []Label `json:"successors,omitempty"`
	// Parents are the sets containing this node.
	Parents []Label `json:"parents,omitempty"`
	// Children are the nodes contained in this set.
	Children []Label `json:"children,omitempty"`
}

// Node is a system or a set in a schedule.
type Node struct {
	Label      Label
	System     ecs.System // Nil for sets
	Conditions []ecs.Condition
	Edges      Edges // Filled in by Prepare

	before   []Label
	after    []Label
	inSet    []Label
	contains []Label
}

// Schedule is a graph of systems. A schedule isn't safe for concurrent use.
type Schedule struct {
	name   string
	nodes  map[Label]*Node
	labels []Label // Insertion order

	cache       *cache
	dirty       bool
	initialized bool

	logger zerolog.Logger
	tracer trace.Tracer
}

// Option configures a Schedule.
type Option func(*Schedule)

// WithLogger sets the logger used for system failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Schedule) { s.logger = logger }
}

// WithTracer sets the tracer used for execution spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Schedule) { s.tracer = tracer }
}

// New creates an empty schedule.
func New(name string, opts ...Option) *Schedule {
	s := &Schedule{
		name:   name,
		nodes:  make(map[Label]*Node),
		labels: make([]Label, 0),
		dirty:  true,
		logger: zerolog.Nop(),
		tracer: noop.NewTracerProvider().Tracer("epix/schedule"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("schedule", name).Logger()
	return s
}

func (s *Schedule) Name() string {
	return s.name
}

// Add adds the nodes described by configs. Adding a config for an existing set merges its edges
// and conditions into the set.
func (s *Schedule) Add(configs ...*NodeConfig) error {
	for _, c := range configs {
		for _, decl := range c.flatten() {
			if err := s.add(decl); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Schedule) add(decl declaration) error {
	node, exists := s.nodes[decl.spec.label]
	if exists && decl.spec.system != nil {
		return eris.Wrapf(ErrDuplicateSystem, "schedule %s: %s", s.name, decl.spec.label)
	}
	if !exists {
		node = s.addNode(decl.spec.label, decl.spec.system)
	}

	node.before = append(node.before, decl.before...)
	node.after = append(node.after, decl.after...)
	node.inSet = append(node.inSet, decl.inSet...)
	node.contains = append(node.contains, decl.contains...)
	node.Conditions = append(node.Conditions, decl.conditions...)

	for _, set := range decl.inSet {
		if _, ok := s.nodes[set]; !ok {
			s.addNode(set, nil)
		}
	}
	s.dirty = true
	s.initialized = false
	return nil
}

func (s *Schedule) addNode(label Label, sys ecs.System) *Node {
	node := &Node{Label: label, System: sys}
	s.nodes[label] = node
	s.labels = append(s.labels, label)
	return node
}

// Node returns the node with the given label.
func (s *Schedule) Node(label Label) (*Node, bool) {
	n, ok := s.nodes[label]
	return n, ok
}

// Len returns the number of nodes.
func (s *Schedule) Len() int {
	return len(s.labels)
}

// Systems returns every system and condition in the schedule, in insertion order.
func (s *Schedule) Systems() []ecs.SystemBase {
	out := make([]ecs.SystemBase, 0, len(s.labels))
	seen := make(map[ecs.SystemBase]struct{})
	for _, label := range s.labels {
		node := s.nodes[label]
		if node.System != nil {
			out = append(out, node.System)
		}
		for _, cond := range node.Conditions {
			if _, ok := seen[cond]; ok {
				continue
			}
			seen[cond] = struct{}{}
			out = append(out, cond)
		}
	}
	return out
}

// -------------------------------------------------------------------------------------------------
// Prepare
// -------------------------------------------------------------------------------------------------

// ErrorKind is the kind of a PrepareError.
type ErrorKind uint8

const (
	// KindCycle means the ordering constraints can't be satisfied.
	KindCycle ErrorKind = iota + 1
	// KindHierarchyCycle means a set contains itself.
	KindHierarchyCycle
	// KindParentsWithDeps means a node is in two sets where one set is ordered after the other. The
	// node would wait for both sets to start while one waits for the other to finish.
	KindParentsWithDeps
)

func (k ErrorKind) String() string {
	switch k {
	case KindCycle:
		return "cycle"
	case KindHierarchyCycle:
		return "hierarchy cycle"
	case KindParentsWithDeps:
		return "parents with dependencies"
	default:
		return "unknown"
	}
}

// PrepareError describes a schedule that can't be executed.
type PrepareError struct {
	Schedule string
	Kind     ErrorKind
	// Labels are the nodes involved.
	Labels []Label
	// ConflictParents are (earlier, later) pairs of sets of a KindParentsWithDeps error.
	ConflictParents [][2]Label
}

func (e *PrepareError) Error() string {
	names := make([]string, 0, len(e.Labels))
	for _, l := range e.Labels {
		names = append(names, l.String())
	}
	msg := fmt.Sprintf("schedule %s: %s between [%s]", e.Schedule, e.Kind, strings.Join(names, ", "))
	if len(e.ConflictParents) > 0 {
		pairs := make([]string, 0, len(e.ConflictParents))
		for _, p := range e.ConflictParents {
			pairs = append(pairs, p[0].String()+" -> "+p[1].String())
		}
		msg += fmt.Sprintf(" (conflicting parents: %s)", strings.Join(pairs, ", "))
	}
	return msg
}

// cache is the compact index form of a prepared schedule.
type cache struct {
	nodes      []*Node
	index      map[Label]int
	depends    []*bitset.BitSet
	successors []*bitset.BitSet
	parents    []*bitset.BitSet
	children   []*bitset.BitSet
	order      []int
}

// Prepare resolves edges and validates the graph. On failure the previous preparation is
// discarded and the schedule can't execute until a later Prepare succeeds.
func (s *Schedule) Prepare() error {
	s.cache = nil
	c := s.resolve()

	if cycle := findCycle(c.children); cycle != nil {
		return &PrepareError{Schedule: s.name, Kind: KindHierarchyCycle, Labels: c.labelsOf(cycle)}
	}

	n := len(c.nodes)
	descendants := make([]*bitset.BitSet, n)
	ancestors := make([]*bitset.BitSet, n)
	for i := range n {
		descendants[i] = reach(c.children, i)
		ancestors[i] = reach(c.parents, i)
	}

	if err := s.checkParentsWithDeps(c, ancestors); err != nil {
		return err
	}

	// Flatten the hierarchy: ordering a set orders everything inside it. Parents also come before
	// their children, since children only start once their parents have started.
	flat := newBitsets(n)
	for i := range n {
		for j, ok := c.successors[i].NextSet(0); ok; j, ok = c.successors[i].NextSet(j + 1) {
			from := descendants[i].Clone().Set(uint(i))
			to := descendants[j].Clone().Set(j)
			for x, ok := from.NextSet(0); ok; x, ok = from.NextSet(x + 1) {
				flat[x].InPlaceUnion(to)
			}
		}
		flat[i].InPlaceUnion(c.children[i])
	}

	if cycle := findCycle(flat); cycle != nil {
		return &PrepareError{Schedule: s.name, Kind: KindCycle, Labels: c.labelsOf(cycle)}
	}

	c.order = topoSort(flat)
	for i, node := range c.nodes {
		node.Edges = Edges{
			Depends:    c.labelsOf(c.depends[i]),
			Successors: c.labelsOf(c.successors[i]),
			Parents:    c.labelsOf(c.parents[i]),
			Children:   c.labelsOf(c.children[i]),
		}
	}

	s.cache = c
	s.dirty = false
	return nil
}

// resolve builds the index form of the declared edges. Edges to labels that aren't in the schedule
// are ignored.
func (s *Schedule) resolve() *cache {
	n := len(s.labels)
	c := &cache{
		nodes:      make([]*Node, n),
		index:      make(map[Label]int, n),
		depends:    newBitsets(n),
		successors: newBitsets(n),
		parents:    newBitsets(n),
		children:   newBitsets(n),
	}
	for i, label := range s.labels {
		c.nodes[i] = s.nodes[label]
		c.index[label] = i
	}

	for i, node := range c.nodes {
		for _, target := range node.before {
			if j, ok := c.index[target]; ok {
				c.addOrder(i, j)
			}
		}
		for _, target := range node.after {
			if j, ok := c.index[target]; ok {
				c.addOrder(j, i)
			}
		}
		for _, target := range node.inSet {
			if j, ok := c.index[target]; ok {
				c.nest(j, i)
			}
		}
		for _, target := range node.contains {
			if j, ok := c.index[target]; ok {
				c.nest(i, j)
			}
		}
	}
	return c
}

// addOrder records that first runs before second.
func (c *cache) addOrder(first, second int) {
	c.successors[first].Set(uint(second))
	c.depends[second].Set(uint(first))
}

// nest records that child is in parent.
func (c *cache) nest(parent, child int) {
	c.children[parent].Set(uint(child))
	c.parents[child].Set(uint(parent))
}

func (c *cache) labelsOf(set *bitset.BitSet) []Label {
	if set.None() {
		return nil
	}
	labels := make([]Label, 0, set.Count())
	for i, ok := set.NextSet(0); ok; i, ok = set.NextSet(i + 1) {
		labels = append(labels, c.nodes[i].Label)
	}
	return labels
}

// checkParentsWithDeps finds nodes with two ancestors where one is ordered after the other.
func (s *Schedule) checkParentsWithDeps(c *cache, ancestors []*bitset.BitSet) error {
	var (
		nodes    = bitset.New(uint(len(c.nodes)))
		pairs    [][2]Label
		seenPair = make(map[[2]int]struct{})
	)
	for i := range c.nodes {
		anc := ancestors[i]
		for p, ok := anc.NextSet(0); ok; p, ok = anc.NextSet(p + 1) {
			// Ancestors of i that are ordered after p.
			later := c.successors[p].Intersection(anc)
			for q, ok := later.NextSet(0); ok; q, ok = later.NextSet(q + 1) {
				nodes.Set(uint(i))
				key := [2]int{int(p), int(q)} //nolint:gosec // bounded by node count
				if _, dup := seenPair[key]; dup {
					continue
				}
				seenPair[key] = struct{}{}
				pairs = append(pairs, [2]Label{c.nodes[p].Label, c.nodes[q].Label})
			}
		}
	}
	if len(pairs) == 0 {
		return nil
	}
	return &PrepareError{
		Schedule:        s.name,
		Kind:            KindParentsWithDeps,
		Labels:          c.labelsOf(nodes),
		ConflictParents: pairs,
	}
}

// Order returns the labels of the prepared schedule in an order consistent with every edge.
func (s *Schedule) Order() ([]Label, error) {
	if s.dirty {
		if err := s.Prepare(); err != nil {
			return nil, err
		}
	}
	if s.cache == nil {
		return nil, eris.Wrapf(ErrNotPrepared, "schedule %s", s.name)
	}
	out := make([]Label, 0, len(s.cache.order))
	for _, i := range s.cache.order {
		out = append(out, s.cache.nodes[i].Label)
	}
	return out, nil
}

// -------------------------------------------------------------------------------------------------
// Graph helpers
// -------------------------------------------------------------------------------------------------

func newBitsets(n int) []*bitset.BitSet {
	out := make([]*bitset.BitSet, n)
	for i := range out {
		out[i] = bitset.New(uint(n))
	}
	return out
}

// reach returns every node reachable from start through adj, excluding start unless it's on a
// cycle.
func reach(adj []*bitset.BitSet, start int) *bitset.BitSet {
	seen := bitset.New(uint(len(adj)))
	stack := []uint{uint(start)}
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for v, ok := adj[u].NextSet(0); ok; v, ok = adj[u].NextSet(v + 1) {
			if !seen.Test(v) {
				seen.Set(v)
				stack = append(stack, v)
			}
		}
	}
	return seen
}

// findCycle returns the members of the first strongly connected component (in node order) that
// contains a cycle, or nil if adj is acyclic.
func findCycle(adj []*bitset.BitSet) *bitset.BitSet {
	for _, scc := range tarjan(adj) {
		if len(scc) > 1 || adj[scc[0]].Test(uint(scc[0])) {
			members := bitset.New(uint(len(adj)))
			for _, v := range scc {
				members.Set(uint(v))
			}
			return members
		}
	}
	return nil
}

// tarjan returns the strongly connected components of adj, sorted by their smallest member.
func tarjan(adj []*bitset.BitSet) [][]int {
	n := len(adj)
	var (
		index   = 0
		indices = make([]int, n)
		lowlink = make([]int, n)
		onStack = make([]bool, n)
		stack   = make([]int, 0, n)
		sccs    [][]int
	)
	for i := range indices {
		indices[i] = -1
	}

	var connect func(v int)
	connect = func(v int) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for w, ok := adj[v].NextSet(0); ok; w, ok = adj[v].NextSet(w + 1) {
			switch {
			case indices[w] == -1:
				connect(int(w)) //nolint:gosec // bounded by node count
				lowlink[v] = min(lowlink[v], lowlink[w])
			case onStack[w]:
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	for v := range n {
		if indices[v] == -1 {
			connect(v)
		}
	}
	slices.SortFunc(sccs, func(a, b []int) int { return a[0] - b[0] })
	return sccs
}

// topoSort orders an acyclic graph, preferring lower indices when several nodes are ready.
func topoSort(adj []*bitset.BitSet) []int {
	n := len(adj)
	indegree := make([]int, n)
	for u := range n {
		for v, ok := adj[u].NextSet(0); ok; v, ok = adj[u].NextSet(v + 1) {
			indegree[v]++
		}
	}

	order := make([]int, 0, n)
	done := bitset.New(uint(n))
	for len(order) < n {
		next := -1
		for v := range n {
			if !done.Test(uint(v)) && indegree[v] == 0 {
				next = v
				break
			}
		}
		if next == -1 {
			break // Unreachable for acyclic graphs
		}
		done.Set(uint(next))
		order = append(order, next)
		for v, ok := adj[next].NextSet(0); ok; v, ok = adj[next].NextSet(v + 1) {
			indegree[v]--
		}
	}
	return order
}
