package schedule

import (
	"slices"

	"pkg.world.dev/epix/pkg/epix/ecs"
)

// Label names a node in a schedule: either a system or a set of nodes.
type Label struct {
	name string
	set  bool
}

// SystemLabel returns the label of the system with the given name.
func SystemLabel(name string) Label {
	return Label{name: name}
}

// SetLabel returns the label of a set. Sets group nodes so they can be ordered and gated together.
func SetLabel(name string) Label {
	return Label{name: name, set: true}
}

// LabelOf returns the label of sys.
func LabelOf(sys ecs.System) Label {
	return SystemLabel(sys.Name())
}

func (l Label) Name() string {
	return l.name
}

func (l Label) IsSet() bool {
	return l.set
}

func (l Label) String() string {
	if l.set {
		return "set:" + l.name
	}
	return l.name
}

func (l Label) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// -------------------------------------------------------------------------------------------------
// Node configs
// -------------------------------------------------------------------------------------------------

type nodeSpec struct {
	label  Label
	system ecs.System
}

// NodeConfig describes one or more nodes and how they relate to the rest of a schedule. Build one
// with Systems, Set, or Chain and refine it with the chained methods:
//
//	schedule.Systems(movement, collision).
//	    InSet(Physics).
//	    After(schedule.LabelOf(input)).
//	    RunIf(notPaused)
type NodeConfig struct {
	nodes      []nodeSpec
	chain      []*NodeConfig
	before     []Label
	after      []Label
	inSet      []Label
	contains   []Label
	conditions []ecs.Condition
}

// Systems configures one node per system. Every system gets the same edges and conditions.
func Systems(systems ...ecs.System) *NodeConfig {
	c := &NodeConfig{}
	for _, sys := range systems {
		c.nodes = append(c.nodes, nodeSpec{label: LabelOf(sys), system: sys})
	}
	return c
}

// Set configures a set node.
func Set(label Label) *NodeConfig {
	if !label.set {
		label = SetLabel(label.name)
	}
	return &NodeConfig{nodes: []nodeSpec{{label: label}}}
}

// Chain runs the nodes of each config after the nodes of the previous one. Edges and conditions
// added to the returned config apply to every node in the chain.
func Chain(configs ...*NodeConfig) *NodeConfig {
	return &NodeConfig{chain: configs}
}

// Before orders the nodes of c before the given labels.
func (c *NodeConfig) Before(labels ...Label) *NodeConfig {
	c.before = append(c.before, labels...)
	return c
}

// After orders the nodes of c after the given labels.
func (c *NodeConfig) After(labels ...Label) *NodeConfig {
	c.after = append(c.after, labels...)
	return c
}

// InSet adds the nodes of c to the given sets. Missing sets are created.
func (c *NodeConfig) InSet(sets ...Label) *NodeConfig {
	for _, s := range sets {
		if !s.set {
			s = SetLabel(s.name)
		}
		c.inSet = append(c.inSet, s)
	}
	return c
}

// Contains makes the given nodes children of the nodes of c.
func (c *NodeConfig) Contains(labels ...Label) *NodeConfig {
	c.contains = append(c.contains, labels...)
	return c
}

// RunIf gates the nodes of c on conditions. All conditions must hold, and they are evaluated in
// order until one doesn't. A node that doesn't run skips all of its children too.
func (c *NodeConfig) RunIf(conditions ...ecs.Condition) *NodeConfig {
	c.conditions = append(c.conditions, conditions...)
	return c
}

// declaration is what a config says about a single node.
type declaration struct {
	spec       nodeSpec
	before     []Label
	after      []Label
	inSet      []Label
	contains   []Label
	conditions []ecs.Condition
}

// flatten expands c into per-node declarations. Chains become after edges between consecutive
// configs.
func (c *NodeConfig) flatten() []declaration {
	var decls []declaration
	if c.chain == nil {
		for _, n := range c.nodes {
			decls = append(decls, declaration{spec: n})
		}
	} else {
		var previous []Label
		for _, link := range c.chain {
			linkDecls := link.flatten()
			current := make([]Label, 0, len(linkDecls))
			for i := range linkDecls {
				// Only the top-level nodes of a link are chained; nested chains order themselves.
				if slices.Contains(link.topLevel(), linkDecls[i].spec.label) {
					linkDecls[i].after = append(linkDecls[i].after, previous...)
					current = append(current, linkDecls[i].spec.label)
				}
			}
			decls = append(decls, linkDecls...)
			previous = current
		}
	}

	for i := range decls {
		decls[i].before = append(decls[i].before, c.before...)
		decls[i].after = append(decls[i].after, c.after...)
		decls[i].inSet = append(decls[i].inSet, c.inSet...)
		decls[i].contains = append(decls[i].contains, c.contains...)
		decls[i].conditions = append(decls[i].conditions, c.conditions...)
	}
	return decls
}

// topLevel returns the labels that the config's own edges apply to.
func (c *NodeConfig) topLevel() []Label {
	if c.chain == nil {
		labels := make([]Label, 0, len(c.nodes))
		for _, n := range c.nodes {
			labels = append(labels, n.label)
		}
		return labels
	}
	var labels []Label
	for _, link := range c.chain {
		labels = append(labels, link.topLevel()...)
	}
	return labels
}
