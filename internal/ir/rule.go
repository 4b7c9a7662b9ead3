package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// StableID is the logical identity of a vertex or edge. IDs come from a
// single monotonic counter per store and are never reused. Zero is never
// assigned.
type StableID uint64

// Value returns the id as an Int for canonical encoding.
func (id StableID) Value() Value {
	return Int(int64(id))
}

// String returns the decimal form.
func (id StableID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// PatternNode is a node variable in a rule pattern. Props are literal
// property constraints: a host vertex must carry each key with an equal
// value.
type PatternNode struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Props Object `json:"props,omitempty"`
}

// PatternEdge is an edge variable. Src and Dst name node variables.
type PatternEdge struct {
	ID    string `json:"id"`
	Src   string `json:"src"`
	Dst   string `json:"dst"`
	Type  string `json:"type"`
	Props Object `json:"props,omitempty"`
}

// Pattern is a small graph of variables.
type Pattern struct {
	Nodes []PatternNode `json:"nodes"`
	Edges []PatternEdge `json:"edges"`
}

// Node returns the node variable with the given id.
func (p Pattern) Node(id string) (PatternNode, bool) {
	for _, n := range p.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return PatternNode{}, false
}

// Edge returns the edge variable with the given id.
func (p Pattern) Edge(id string) (PatternEdge, bool) {
	for _, e := range p.Edges {
		if e.ID == id {
			return e, true
		}
	}
	return PatternEdge{}, false
}

// Has reports whether id names a node or edge of p.
func (p Pattern) Has(id string) bool {
	_, okN := p.Node(id)
	_, okE := p.Edge(id)
	return okN || okE
}

// GuardRef names a registered guard predicate and its arguments.
// String arguments that name an L variable are bound to the host element.
type GuardRef struct {
	Ref  string `json:"ref"`
	Args List   `json:"args"`
}

// Rule is a DPO rewrite rule L <- K -> R with negative application
// conditions and guards.
type Rule struct {
	Name   string     `json:"name"`
	Types  []string   `json:"types"`
	L      Pattern    `json:"L"`
	K      Pattern    `json:"K"`
	R      Pattern    `json:"R"`
	NAC    []Pattern  `json:"NAC"`
	Guards []GuardRef `json:"guards"`
}

// Anchor returns the first declared L node, whose StableID orders matches.
func (r *Rule) Anchor() string {
	if len(r.L.Nodes) == 0 {
		return ""
	}
	return r.L.Nodes[0].ID
}

// ReferencedTypes returns every vertex and edge type mentioned by the
// rule's patterns, in first-seen order.
func (r *Rule) ReferencedTypes() (vertexTypes, edgeTypes []string) {
	seenV := map[string]bool{}
	seenE := map[string]bool{}
	visit := func(p Pattern) {
		for _, n := range p.Nodes {
			if !seenV[n.Type] {
				seenV[n.Type] = true
				vertexTypes = append(vertexTypes, n.Type)
			}
		}
		for _, e := range p.Edges {
			if !seenE[e.Type] {
				seenE[e.Type] = true
				edgeTypes = append(edgeTypes, e.Type)
			}
		}
	}
	visit(r.L)
	visit(r.K)
	visit(r.R)
	for _, nac := range r.NAC {
		visit(nac)
	}
	return vertexTypes, edgeTypes
}

// Validate checks the rule's structural well-formedness. It does not
// consult a catalog; unknown types and guards are the catalog's concern.
func (r *Rule) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if r.Name == "" {
		add("name", "rule name is required")
	}
	if len(r.L.Nodes) == 0 {
		add("L.nodes", "left-hand side needs at least one node")
	}

	for _, side := range []struct {
		name string
		p    Pattern
	}{{"L", r.L}, {"K", r.K}, {"R", r.R}} {
		errs = append(errs, validatePattern(side.name, side.p, nil)...)
	}

	// K ⊆ L and K ⊆ R element-wise by identifier, with the same kind and
	// the same type on all three sides.
	for _, kn := range r.K.Nodes {
		ln, okL := r.L.Node(kn.ID)
		rn, okR := r.R.Node(kn.ID)
		if !okL {
			add("K.nodes."+kn.ID, "interface node not in L")
		} else if ln.Type != kn.Type {
			add("K.nodes."+kn.ID, "type %q differs from L type %q", kn.Type, ln.Type)
		}
		if !okR {
			add("K.nodes."+kn.ID, "interface node not in R")
		} else if rn.Type != kn.Type {
			add("K.nodes."+kn.ID, "type %q differs from R type %q", kn.Type, rn.Type)
		}
	}
	for _, ke := range r.K.Edges {
		le, okL := r.L.Edge(ke.ID)
		re, okR := r.R.Edge(ke.ID)
		if !okL {
			add("K.edges."+ke.ID, "interface edge not in L")
		} else if le.Type != ke.Type {
			add("K.edges."+ke.ID, "type %q differs from L type %q", ke.Type, le.Type)
		}
		if !okR {
			add("K.edges."+ke.ID, "interface edge not in R")
		} else if re.Type != ke.Type {
			add("K.edges."+ke.ID, "type %q differs from R type %q", ke.Type, re.Type)
		}
	}

	// R elements that reuse an L identifier must be in K; otherwise the
	// identity claim is ambiguous.
	for _, rn := range r.R.Nodes {
		if r.L.Has(rn.ID) && !r.K.Has(rn.ID) {
			add("R.nodes."+rn.ID, "reuses L identifier outside K")
		}
	}
	for _, re := range r.R.Edges {
		if r.L.Has(re.ID) && !r.K.Has(re.ID) {
			add("R.edges."+re.ID, "reuses L identifier outside K")
		}
	}

	for i, nac := range r.NAC {
		name := fmt.Sprintf("NAC[%d]", i)
		errs = append(errs, validatePattern(name, nac, &r.L)...)
		for _, n := range nac.Nodes {
			if ln, ok := r.L.Node(n.ID); ok && ln.Type != n.Type {
				add(name+".nodes."+n.ID, "type %q differs from L type %q", n.Type, ln.Type)
			}
		}
		extends := false
		for _, n := range nac.Nodes {
			if !r.L.Has(n.ID) {
				extends = true
			}
		}
		for _, e := range nac.Edges {
			if !r.L.Has(e.ID) {
				extends = true
			}
		}
		if !extends {
			add(name, "negative condition must add at least one element to L")
		}
	}

	if len(r.Types) > 0 {
		allowed := make(map[string]bool, len(r.Types))
		for _, t := range r.Types {
			allowed[t] = true
		}
		vts, ets := r.ReferencedTypes()
		for _, t := range append(vts, ets...) {
			if !allowed[t] {
				add("types", "type %q used in a pattern but not in the rule signature", t)
			}
		}
	}

	for i, g := range r.Guards {
		if g.Ref == "" {
			add(fmt.Sprintf("guards[%d].ref", i), "guard reference is required")
		}
	}
	return errs
}

// validatePattern checks identifier uniqueness and edge endpoints. For a
// NAC, base is L: endpoints may name L nodes.
func validatePattern(name string, p Pattern, base *Pattern) []ValidationError {
	var errs []ValidationError
	seen := map[string]bool{}
	for _, n := range p.Nodes {
		if n.ID == "" {
			errs = append(errs, ValidationError{Field: name + ".nodes", Message: "node id is required"})
			continue
		}
		if n.Type == "" {
			errs = append(errs, ValidationError{Field: name + ".nodes." + n.ID, Message: "node type is required"})
		}
		if seen[n.ID] {
			errs = append(errs, ValidationError{Field: name + ".nodes." + n.ID, Message: "duplicate identifier"})
		}
		seen[n.ID] = true
	}
	for _, e := range p.Edges {
		if e.ID == "" {
			errs = append(errs, ValidationError{Field: name + ".edges", Message: "edge id is required"})
			continue
		}
		if e.Type == "" {
			errs = append(errs, ValidationError{Field: name + ".edges." + e.ID, Message: "edge type is required"})
		}
		if seen[e.ID] {
			errs = append(errs, ValidationError{Field: name + ".edges." + e.ID, Message: "duplicate identifier"})
		}
		seen[e.ID] = true
		for _, end := range []string{e.Src, e.Dst} {
			_, local := p.Node(end)
			inBase := false
			if base != nil {
				_, inBase = base.Node(end)
			}
			if !local && !inBase {
				errs = append(errs, ValidationError{
					Field:   name + ".edges." + e.ID,
					Message: fmt.Sprintf("endpoint %q is not a node of the pattern", end),
				})
			}
		}
	}
	return errs
}

// ToValue returns the canonical document body of the pattern.
func (p Pattern) ToValue() Object {
	nodes := make(List, len(p.Nodes))
	for i, n := range p.Nodes {
		nodes[i] = Object{"id": Str(n.ID), "type": Str(n.Type), "props": nonNil(n.Props)}
	}
	edges := make(List, len(p.Edges))
	for i, e := range p.Edges {
		edges[i] = Object{
			"id":    Str(e.ID),
			"src":   Str(e.Src),
			"dst":   Str(e.Dst),
			"type":  Str(e.Type),
			"props": nonNil(e.Props),
		}
	}
	return Object{"nodes": nodes, "edges": edges}
}

// ToValue returns the canonical {rule:{...}} document.
func (r *Rule) ToValue() Object {
	types := make(List, len(r.Types))
	for i, t := range r.Types {
		types[i] = Str(t)
	}
	nacs := make(List, len(r.NAC))
	for i, n := range r.NAC {
		nacs[i] = n.ToValue()
	}
	guards := make(List, len(r.Guards))
	for i, g := range r.Guards {
		args := g.Args
		if args == nil {
			args = List{}
		}
		guards[i] = Object{"ref": Str(g.Ref), "args": args}
	}
	return Object{"rule": Object{
		"name":   Str(r.Name),
		"types":  types,
		"L":      r.L.ToValue(),
		"K":      r.K.ToValue(),
		"R":      r.R.ToValue(),
		"NAC":    nacs,
		"guards": guards,
	}}
}

// Hash returns the content hash of the rule's canonical document.
// Strategy leaves reference rules by this hash.
func (r *Rule) Hash() (Hash, error) {
	return HashValue(DomainRule, r.ToValue())
}

// MarshalRule encodes r as canonical Rule-IR.
func MarshalRule(r *Rule) ([]byte, error) {
	return MarshalCanonical(r.ToValue())
}

// ParseRule decodes a {rule:{...}} document. Unknown fields are rejected.
func ParseRule(data []byte) (*Rule, error) {
	var doc struct {
		Rule *Rule `json:"rule"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse rule: %w", err)
	}
	if doc.Rule == nil {
		return nil, fmt.Errorf("parse rule: missing \"rule\" object")
	}
	return doc.Rule, nil
}
