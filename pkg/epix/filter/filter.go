// Package filter parses textual archetype filters such as
//
//	CONTAINS(Position, Velocity) & !EXACT(Frozen) | ALL()
//
// and normalizes them into the disjunctive normal form used by access.FilteredAccess.
// Operators are evaluated left to right without precedence; use parentheses to group.
package filter

import (
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/rotisserie/eris"
	"pkg.world.dev/epix/pkg/epix/access"
	"pkg.world.dev/epix/pkg/epix/bitset"
)

var (
	ErrEmptyArgs       = eris.New("filter function requires at least one component")
	ErrUnknownOperator = eris.New("invalid operator")
	ErrMalformed       = eris.New("malformed filter expression")
)

// Resolver maps component names to type ids.
type Resolver interface {
	// Lookup returns the type id registered under name.
	Lookup(name string) (int, error)
	// NumTypes returns the number of registered types. Ids are dense in [0, NumTypes).
	NumTypes() int
}

// -------------------------------------------------------------------------------------------------
// Grammar
// -------------------------------------------------------------------------------------------------

type operator int

const (
	opAnd operator = iota
	opOr
)

var operators = map[string]operator{"&": opAnd, "|": opOr}

// Capture tells the parser how to turn the matched token into an operator.
func (o *operator) Capture(s []string) error {
	if len(s) == 0 {
		return ErrUnknownOperator
	}
	op, ok := operators[s[0]]
	if !ok {
		return ErrUnknownOperator
	}
	*o = op
	return nil
}

func (o operator) String() string {
	if o == opOr {
		return "|"
	}
	return "&"
}

type component struct {
	Name string `@Ident`
}

type all struct{}

func (a *all) Capture([]string) error {
	*a = all{}
	return nil
}

type not struct {
	Value *value `"!" @@`
}

type exact struct {
	Components []*component `"EXACT" "(" (@@ ",")* @@ ")"`
}

type contains struct {
	Components []*component `"CONTAINS" "(" (@@ ",")* @@ ")"`
}

type value struct {
	All      *all      `@("ALL" "(" ")")`
	Exact    *exact    `| @@`
	Contains *contains `| @@`
	Not      *not      `| @@`
	Group    *term     `| "(" @@ ")"`
}

type opValue struct {
	Operator operator `@("&" | "|")`
	Value    *value   `@@`
}

type term struct {
	Left  *value     `@@`
	Right []*opValue `@@*`
}

var parser = participle.MustBuild[term]()

func joinNames(components []*component) string {
	names := make([]string, 0, len(components))
	for _, c := range components {
		names = append(names, c.Name)
	}
	return strings.Join(names, ", ")
}

func (v *value) String() string {
	switch {
	case v.All != nil:
		return "ALL()"
	case v.Exact != nil:
		return "EXACT(" + joinNames(v.Exact.Components) + ")"
	case v.Contains != nil:
		return "CONTAINS(" + joinNames(v.Contains.Components) + ")"
	case v.Not != nil:
		return "!" + v.Not.Value.String()
	case v.Group != nil:
		return "(" + v.Group.String() + ")"
	}
	return "<invalid>"
}

func (t *term) String() string {
	var sb strings.Builder
	sb.WriteString(t.Left.String())
	for _, r := range t.Right {
		sb.WriteString(" ")
		sb.WriteString(r.Operator.String())
		sb.WriteString(" ")
		sb.WriteString(r.Value.String())
	}
	return sb.String()
}

// -------------------------------------------------------------------------------------------------
// Expressions
// -------------------------------------------------------------------------------------------------

type nodeKind int

const (
	nodeAll nodeKind = iota
	nodeHas
	nodeNot
	nodeAnd
	nodeOr
)

// node is the resolved boolean formula over "archetype has type id".
type node struct {
	kind        nodeKind
	id          int
	left, right *node
}

// Expr is a parsed filter whose component names have been resolved.
type Expr struct {
	source *term
	root   *node
}

// String returns the canonical text form of the expression.
func (e *Expr) String() string {
	return e.source.String()
}

// Parse parses text and resolves every component name through r.
func Parse(text string, r Resolver) (*Expr, error) {
	t, err := parser.ParseString("", text)
	if err != nil {
		return nil, eris.Wrap(err, "failed to parse filter")
	}
	root, err := resolveTerm(t, r)
	if err != nil {
		return nil, err
	}
	return &Expr{source: t, root: root}, nil
}

func resolveTerm(t *term, r Resolver) (*node, error) {
	if t.Left == nil {
		return nil, eris.Wrap(ErrMalformed, "not enough values in expression")
	}
	acc, err := resolveValue(t.Left, r)
	if err != nil {
		return nil, err
	}
	for _, rhs := range t.Right {
		next, err := resolveValue(rhs.Value, r)
		if err != nil {
			return nil, err
		}
		switch rhs.Operator {
		case opAnd:
			acc = &node{kind: nodeAnd, left: acc, right: next}
		case opOr:
			acc = &node{kind: nodeOr, left: acc, right: next}
		default:
			return nil, ErrUnknownOperator
		}
	}
	return acc, nil
}

func resolveValue(v *value, r Resolver) (*node, error) {
	switch {
	case v.All != nil:
		return &node{kind: nodeAll}, nil
	case v.Contains != nil:
		ids, err := resolveNames(v.Contains.Components, r)
		if err != nil {
			return nil, err
		}
		return conjunction(ids), nil
	case v.Exact != nil:
		ids, err := resolveNames(v.Exact.Components, r)
		if err != nil {
			return nil, err
		}
		listed := bitset.Of(ids...)
		acc := conjunction(ids)
		for id := range r.NumTypes() {
			if listed.Test(id) {
				continue
			}
			acc = &node{kind: nodeAnd, left: acc, right: &node{kind: nodeNot, left: &node{kind: nodeHas, id: id}}}
		}
		return acc, nil
	case v.Not != nil:
		inner, err := resolveValue(v.Not.Value, r)
		if err != nil {
			return nil, err
		}
		return &node{kind: nodeNot, left: inner}, nil
	case v.Group != nil:
		return resolveTerm(v.Group, r)
	}
	return nil, eris.Wrap(ErrMalformed, "empty value")
}

func resolveNames(components []*component, r Resolver) ([]int, error) {
	if len(components) == 0 {
		return nil, ErrEmptyArgs
	}
	ids := make([]int, 0, len(components))
	for _, c := range components {
		id, err := r.Lookup(c.Name)
		if err != nil {
			return nil, eris.Wrapf(err, "unknown component %q in filter", c.Name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func conjunction(ids []int) *node {
	acc := &node{kind: nodeHas, id: ids[0]}
	for _, id := range ids[1:] {
		acc = &node{kind: nodeAnd, left: acc, right: &node{kind: nodeHas, id: id}}
	}
	return acc
}

// -------------------------------------------------------------------------------------------------
// Normal form
// -------------------------------------------------------------------------------------------------

// Clauses returns the expression in disjunctive normal form. Negations are pushed down to the
// leaves, and clauses that can never match are dropped, so an unsatisfiable filter yields no
// clauses.
func (e *Expr) Clauses() []access.Clause {
	return dnf(e.root, false)
}

// Matches reports whether an archetype with the given component set satisfies the expression.
func (e *Expr) Matches(components bitset.Bitset) bool {
	return eval(e.root, components)
}

// ToClauses parses text and returns its normal form.
func ToClauses(text string, r Resolver) ([]access.Clause, error) {
	e, err := Parse(text, r)
	if err != nil {
		return nil, err
	}
	return e.Clauses(), nil
}

func dnf(n *node, negated bool) []access.Clause {
	switch n.kind {
	case nodeAll:
		if negated {
			return nil
		}
		return []access.Clause{{}}
	case nodeHas:
		var c access.Clause
		if negated {
			c.Without.Set(n.id)
		} else {
			c.With.Set(n.id)
		}
		return []access.Clause{c}
	case nodeNot:
		return dnf(n.left, !negated)
	case nodeAnd:
		if negated {
			return append(dnf(n.left, true), dnf(n.right, true)...)
		}
		return access.Product(dnf(n.left, false), dnf(n.right, false))
	case nodeOr:
		if negated {
			return access.Product(dnf(n.left, true), dnf(n.right, true))
		}
		return append(dnf(n.left, false), dnf(n.right, false)...)
	}
	return nil
}

func eval(n *node, components bitset.Bitset) bool {
	switch n.kind {
	case nodeAll:
		return true
	case nodeHas:
		return components.Test(n.id)
	case nodeNot:
		return !eval(n.left, components)
	case nodeAnd:
		return eval(n.left, components) && eval(n.right, components)
	case nodeOr:
		return eval(n.left, components) || eval(n.right, components)
	}
	return false
}
