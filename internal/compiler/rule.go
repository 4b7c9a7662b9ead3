package compiler

import (
	"fmt"

	"cuelang.org/go/cue"

	"github.com/roach88/grafting/internal/ir"
)

// CompileRule parses a CUE value into a Rule. The rule name is the struct
// label the value was selected by:
//
//	rule: triangle_collapse: {
//		L: {
//			nodes: {a: "V", b: "V", c: "V"}
//			edges: {ab: {src: "a", dst: "b", type: "E"}}
//		}
//		K: nodes: {a: "V", c: "V"}
//		R: {
//			nodes: {a: "V", c: "V"}
//			edges: {ac: {src: "a", dst: "c", type: "E"}}
//		}
//		NAC: [{nodes: {x: "V"}, edges: {ax: {src: "a", dst: "x", type: "E"}}}]
//		guards: [{ref: "deg_ge", args: ["a", 2]}]
//	}
//
// A node is either a type name or {type, props}. Declaration order is kept:
// the first L node is the anchor that orders matches.
func CompileRule(v cue.Value) (*ir.Rule, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	r := &ir.Rule{Name: label(v)}
	if name, err := stringField(v, "name"); err != nil {
		return nil, err
	} else if name != "" {
		r.Name = name
	}

	var err error
	if r.Types, err = stringList(lookup(v, "types"), "types"); err != nil {
		return nil, err
	}

	lv := lookup(v, "L")
	if !lv.Exists() {
		return nil, fieldError(v, "L", "left-hand side is required")
	}
	if r.L, err = compilePattern(lv, "L"); err != nil {
		return nil, err
	}
	if r.K, err = compilePattern(lookup(v, "K"), "K"); err != nil {
		return nil, err
	}
	if r.R, err = compilePattern(lookup(v, "R"), "R"); err != nil {
		return nil, err
	}

	if nacs := lookup(v, "NAC"); nacs.Exists() {
		iter, err := nacs.List()
		if err != nil {
			return nil, fieldError(nacs, "NAC", "must be a list of patterns")
		}
		for i := 0; iter.Next(); i++ {
			p, err := compilePattern(iter.Value(), fmt.Sprintf("NAC[%d]", i))
			if err != nil {
				return nil, err
			}
			r.NAC = append(r.NAC, p)
		}
	}

	if guards := lookup(v, "guards"); guards.Exists() {
		iter, err := guards.List()
		if err != nil {
			return nil, fieldError(guards, "guards", "must be a list")
		}
		for i := 0; iter.Next(); i++ {
			field := fmt.Sprintf("guards[%d]", i)
			ref, err := requiredString(iter.Value(), "ref")
			if err != nil {
				return nil, prefixed(err, field)
			}
			args, err := valueList(lookup(iter.Value(), "args"), field+".args")
			if err != nil {
				return nil, err
			}
			if args == nil {
				args = ir.List{}
			}
			r.Guards = append(r.Guards, ir.GuardRef{Ref: ref, Args: args})
		}
	}
	return r, nil
}

// compilePattern reads {nodes, edges}. A missing value is the empty
// pattern.
func compilePattern(v cue.Value, name string) (ir.Pattern, error) {
	p := ir.Pattern{Nodes: []ir.PatternNode{}, Edges: []ir.PatternEdge{}}
	if !v.Exists() {
		return p, nil
	}
	if v.IncompleteKind() != cue.StructKind {
		return p, fieldError(v, name, "pattern must be a struct with nodes and edges")
	}

	if nodes := lookup(v, "nodes"); nodes.Exists() {
		iter, err := nodes.Fields()
		if err != nil {
			return p, fieldError(nodes, name+".nodes", "must be a struct of node variables")
		}
		for iter.Next() {
			n, err := compileNode(iter.Value(), iter.Selector().Unquoted(), name)
			if err != nil {
				return p, err
			}
			p.Nodes = append(p.Nodes, n)
		}
	}

	if edges := lookup(v, "edges"); edges.Exists() {
		iter, err := edges.Fields()
		if err != nil {
			return p, fieldError(edges, name+".edges", "must be a struct of edge variables")
		}
		for iter.Next() {
			id := iter.Selector().Unquoted()
			field := name + ".edges." + id
			ev := iter.Value()
			e := ir.PatternEdge{ID: id}
			if e.Src, err = requiredString(ev, "src"); err != nil {
				return p, prefixed(err, field)
			}
			if e.Dst, err = requiredString(ev, "dst"); err != nil {
				return p, prefixed(err, field)
			}
			if e.Type, err = requiredString(ev, "type"); err != nil {
				return p, prefixed(err, field)
			}
			if e.Props, err = objectField(lookup(ev, "props"), field+".props"); err != nil {
				return p, err
			}
			p.Edges = append(p.Edges, e)
		}
	}
	return p, nil
}

func compileNode(v cue.Value, id, pattern string) (ir.PatternNode, error) {
	field := pattern + ".nodes." + id
	n := ir.PatternNode{ID: id}
	switch v.IncompleteKind() {
	case cue.StringKind:
		t, err := v.String()
		if err != nil {
			return n, formatCUEError(err)
		}
		n.Type = t
	case cue.StructKind:
		t, err := requiredString(v, "type")
		if err != nil {
			return n, prefixed(err, field)
		}
		n.Type = t
		if n.Props, err = objectField(lookup(v, "props"), field+".props"); err != nil {
			return n, err
		}
	default:
		return n, fieldError(v, field, "node must be a type name or {type, props}")
	}
	return n, nil
}
