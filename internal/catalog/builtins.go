package catalog

import (
	"fmt"
	"sort"

	"github.com/roach88/grafting/internal/ir"
)

// Graph is the read surface guards, predicates and measures see.
// graph.Ref implements it.
type Graph interface {
	VertexType(id ir.StableID) (string, bool)
	ElementProps(id ir.StableID) (ir.Object, bool)
	OutDegree(id ir.StableID) int
	InDegree(id ir.StableID) int
	VertexCount() int
	EdgeCount() int
	TypeCount(typ string) int
}

// Binding maps pattern variables to host StableIDs.
type Binding map[string]ir.StableID

// Guard is a resolved guard ready for evaluation against one binding.
type Guard struct {
	Ref  string
	Args ir.List
	eval func(g Graph, b Binding, args ir.List) bool
}

// Eval reports whether the guard holds for b.
func (gd *Guard) Eval(g Graph, b Binding) bool {
	return gd.eval(g, b, gd.Args)
}

// ResolveGuards turns a rule's guard references into evaluable guards.
// CheckRule must have accepted the rule.
func ResolveGuards(refs []ir.GuardRef) ([]*Guard, error) {
	out := make([]*Guard, len(refs))
	for i, ref := range refs {
		spec, ok := guards[ref.Ref]
		if !ok {
			return nil, ir.Errorf(ir.CodeSchema, "undefined guard %q", ref.Ref).With("guard", ref.Ref)
		}
		out[i] = &Guard{Ref: ref.Ref, Args: ref.Args, eval: spec.eval}
	}
	return out, nil
}

// Predicate is a resolved graph predicate instance.
type Predicate struct {
	Name   string
	Ref    string
	Args   ir.List
	eval   func(g Graph, args ir.List) bool
	negate *Predicate
}

// Eval reports whether the predicate holds on g.
func (p *Predicate) Eval(g Graph) (bool, error) {
	if p.negate != nil {
		ok, err := p.negate.Eval(g)
		return !ok, err
	}
	if p.eval == nil {
		return false, fmt.Errorf("predicate %q is not resolved", p.Name)
	}
	return p.eval(g, p.Args), nil
}

// Measure maps a graph to a size. Strategies require it not to grow.
type Measure func(g Graph) int64

// GuardNames lists the builtin guards.
func GuardNames() []string { return sortedKeys(guards) }

// PredicateNames lists the builtin graph predicates.
func PredicateNames() []string { return sortedKeys(graphPredicates) }

// MeasureNames lists the builtin measures.
func MeasureNames() []string { return sortedKeys(measures) }

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// argKind describes one positional argument.
type argKind int

const (
	argVar   argKind = iota // string naming an L variable
	argInt                  // integer
	argStr                  // string literal
	argValue                // any value
)

type guardSpec struct {
	args     []argKind
	variadic bool // last kind repeats, at least two total
	eval     func(g Graph, b Binding, args ir.List) bool
}

func (s guardSpec) checkArgs(args ir.List, l ir.Pattern) error {
	if s.variadic {
		if len(args) < 2 {
			return fmt.Errorf("needs at least 2 arguments, got %d", len(args))
		}
	} else if len(args) != len(s.args) {
		return fmt.Errorf("needs %d arguments, got %d", len(s.args), len(args))
	}
	for i, a := range args {
		kind := s.args[min(i, len(s.args)-1)]
		if err := checkArg(kind, a); err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
		if kind == argVar && !l.Has(string(a.(ir.Str))) {
			return fmt.Errorf("argument %d: %q is not a variable of L", i, a)
		}
	}
	return nil
}

type predicateSpec struct {
	args []argKind
	eval func(g Graph, args ir.List) bool
}

func (s predicateSpec) checkArgs(args ir.List) error {
	if len(args) != len(s.args) {
		return fmt.Errorf("needs %d arguments, got %d", len(s.args), len(args))
	}
	for i, a := range args {
		if err := checkArg(s.args[i], a); err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return nil
}

func checkArg(kind argKind, v ir.Value) error {
	switch kind {
	case argVar, argStr:
		if _, ok := v.(ir.Str); !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
	case argInt:
		if _, ok := v.(ir.Int); !ok {
			return fmt.Errorf("expected integer, got %T", v)
		}
	}
	return nil
}

func bound(b Binding, v ir.Value) ir.StableID {
	return b[string(v.(ir.Str))]
}

func intArg(v ir.Value) int64 {
	return int64(v.(ir.Int))
}

var guards = map[string]guardSpec{
	"deg_ge": {
		args: []argKind{argVar, argInt},
		eval: func(g Graph, b Binding, args ir.List) bool {
			id := bound(b, args[0])
			return int64(g.OutDegree(id)+g.InDegree(id)) >= intArg(args[1])
		},
	},
	"deg_le": {
		args: []argKind{argVar, argInt},
		eval: func(g Graph, b Binding, args ir.List) bool {
			id := bound(b, args[0])
			return int64(g.OutDegree(id)+g.InDegree(id)) <= intArg(args[1])
		},
	},
	"out_deg_ge": {
		args: []argKind{argVar, argInt},
		eval: func(g Graph, b Binding, args ir.List) bool {
			return int64(g.OutDegree(bound(b, args[0]))) >= intArg(args[1])
		},
	},
	"in_deg_ge": {
		args: []argKind{argVar, argInt},
		eval: func(g Graph, b Binding, args ir.List) bool {
			return int64(g.InDegree(bound(b, args[0]))) >= intArg(args[1])
		},
	},
	"prop_eq": {
		args: []argKind{argVar, argStr, argValue},
		eval: func(g Graph, b Binding, args ir.List) bool {
			props, ok := g.ElementProps(bound(b, args[0]))
			if !ok {
				return false
			}
			v, ok := props[string(args[1].(ir.Str))]
			return ok && ir.Equal(v, args[2])
		},
	},
	"prop_exists": {
		args: []argKind{argVar, argStr},
		eval: func(g Graph, b Binding, args ir.List) bool {
			props, ok := g.ElementProps(bound(b, args[0]))
			if !ok {
				return false
			}
			_, ok = props[string(args[1].(ir.Str))]
			return ok
		},
	},
	"distinct": {
		args:     []argKind{argVar},
		variadic: true,
		eval: func(g Graph, b Binding, args ir.List) bool {
			seen := make(map[ir.StableID]bool, len(args))
			for _, a := range args {
				id := bound(b, a)
				if seen[id] {
					return false
				}
				seen[id] = true
			}
			return true
		},
	},
}

var graphPredicates = map[string]predicateSpec{
	"vertex_count_ge": {
		args: []argKind{argInt},
		eval: func(g Graph, args ir.List) bool { return int64(g.VertexCount()) >= intArg(args[0]) },
	},
	"edge_count_ge": {
		args: []argKind{argInt},
		eval: func(g Graph, args ir.List) bool { return int64(g.EdgeCount()) >= intArg(args[0]) },
	},
	"has_type": {
		args: []argKind{argStr},
		eval: func(g Graph, args ir.List) bool { return g.TypeCount(string(args[0].(ir.Str))) > 0 },
	},
	"type_count_ge": {
		args: []argKind{argStr, argInt},
		eval: func(g Graph, args ir.List) bool {
			return int64(g.TypeCount(string(args[0].(ir.Str)))) >= intArg(args[1])
		},
	},
	"type_count_le": {
		args: []argKind{argStr, argInt},
		eval: func(g Graph, args ir.List) bool {
			return int64(g.TypeCount(string(args[0].(ir.Str)))) <= intArg(args[1])
		},
	},
	// not negates another declared predicate; resolved in Catalog.resolve.
	"not": {args: []argKind{argStr}},
}

var measures = map[string]Measure{
	"vertex_count":  func(g Graph) int64 { return int64(g.VertexCount()) },
	"edge_count":    func(g Graph) int64 { return int64(g.EdgeCount()) },
	"element_count": func(g Graph) int64 { return int64(g.VertexCount() + g.EdgeCount()) },
}
