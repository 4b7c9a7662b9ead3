package catalog

import (
	"fmt"
	"slices"

	"github.com/roach88/grafting/internal/ir"
)

// EdgeType declares an edge label and, optionally, the vertex types its
// endpoints may have. Empty Src or Dst allows any declared vertex type.
type EdgeType struct {
	Name string   `yaml:"name" json:"name"`
	Src  []string `yaml:"src,omitempty" json:"src,omitempty"`
	Dst  []string `yaml:"dst,omitempty" json:"dst,omitempty"`
}

// Index declares a property index on vertices of one type.
type Index struct {
	Type string `yaml:"type" json:"type"`
	Key  string `yaml:"key" json:"key"`
}

// PredicateDecl names an instance of a builtin graph predicate.
// While loops and invariants refer to these names.
type PredicateDecl struct {
	Name string `yaml:"name" json:"name"`
	Ref  string `yaml:"ref" json:"ref"`
	Args []any  `yaml:"args,omitempty" json:"args,omitempty"`
}

// Definition is the authored form of a catalog. New resolves it.
type Definition struct {
	VertexTypes []string        `yaml:"vertex_types" json:"vertex_types"`
	EdgeTypes   []EdgeType      `yaml:"edge_types" json:"edge_types"`
	Indexes     []Index         `yaml:"indexes,omitempty" json:"indexes,omitempty"`
	Predicates  []PredicateDecl `yaml:"predicates,omitempty" json:"predicates,omitempty"`
	Invariants  []string        `yaml:"invariants,omitempty" json:"invariants,omitempty"`
}

// Catalog is a resolved, immutable schema. Every name it hands out has
// been checked against the builtin registry, so evaluation never meets an
// unknown predicate.
type Catalog struct {
	def         Definition
	vertexTypes map[string]bool
	edgeTypes   map[string]EdgeType
	indexes     map[Index]bool
	predicates  map[string]*Predicate
}

// New resolves a definition. Unknown builtins, bad arities, undefined
// types and cyclic predicate references are SchemaErrors.
func New(def Definition) (*Catalog, error) {
	if errs := Validate(def); len(errs) > 0 {
		return nil, schemaError(errs)
	}
	c := &Catalog{
		def:         def,
		vertexTypes: make(map[string]bool, len(def.VertexTypes)),
		edgeTypes:   make(map[string]EdgeType, len(def.EdgeTypes)),
		indexes:     make(map[Index]bool, len(def.Indexes)),
		predicates:  make(map[string]*Predicate, len(def.Predicates)),
	}
	for _, t := range def.VertexTypes {
		c.vertexTypes[t] = true
	}
	for _, et := range def.EdgeTypes {
		c.edgeTypes[et.Name] = et
	}
	for _, idx := range def.Indexes {
		c.indexes[idx] = true
	}

	decls := make(map[string]PredicateDecl, len(def.Predicates))
	for _, d := range def.Predicates {
		decls[d.Name] = d
	}
	for _, d := range def.Predicates {
		if _, err := c.resolve(d.Name, decls, map[string]bool{}); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is New that panics. For tests and fixtures.
func MustNew(def Definition) *Catalog {
	c, err := New(def)
	if err != nil {
		panic(err)
	}
	return c
}

// Definition returns the authored form.
func (c *Catalog) Definition() Definition {
	return c.def
}

func (c *Catalog) resolve(name string, decls map[string]PredicateDecl, visiting map[string]bool) (*Predicate, error) {
	if p, ok := c.predicates[name]; ok {
		return p, nil
	}
	d, ok := decls[name]
	if !ok {
		return nil, ir.Errorf(ir.CodeSchema, "undefined predicate %q", name).With("predicate", name)
	}
	if visiting[name] {
		return nil, ir.Errorf(ir.CodeSchema, "predicate %q refers to itself", name).With("predicate", name)
	}
	visiting[name] = true
	defer delete(visiting, name)

	args, err := convertArgs(d.Args)
	if err != nil {
		return nil, ir.Wrap(ir.CodeSchema, err, "predicate %q arguments", name)
	}
	p := &Predicate{Name: name, Ref: d.Ref, Args: args}
	if d.Ref == "not" {
		inner, ok := args[0].(ir.Str)
		if !ok {
			return nil, ir.Errorf(ir.CodeSchema, "predicate %q: not takes a predicate name", name)
		}
		sub, err := c.resolve(string(inner), decls, visiting)
		if err != nil {
			return nil, err
		}
		p.negate = sub
	} else {
		p.eval = graphPredicates[d.Ref].eval
	}
	c.predicates[name] = p
	return p, nil
}

// HasVertexType reports whether t is a declared vertex type.
func (c *Catalog) HasVertexType(t string) bool {
	return c.vertexTypes[t]
}

// HasEdgeType reports whether t is a declared edge type.
func (c *Catalog) HasEdgeType(t string) bool {
	_, ok := c.edgeTypes[t]
	return ok
}

// IsIndexed reports whether vertices of type t are indexed by key.
func (c *Catalog) IsIndexed(t, key string) bool {
	if c == nil {
		return false
	}
	return c.indexes[Index{Type: t, Key: key}]
}

// Indexes returns the declared property indexes.
func (c *Catalog) Indexes() []Index {
	return slices.Clone(c.def.Indexes)
}

// Predicate returns the resolved predicate instance with the given name.
// A nil catalog declares none.
func (c *Catalog) Predicate(name string) (*Predicate, error) {
	var p *Predicate
	ok := false
	if c != nil {
		p, ok = c.predicates[name]
	}
	if !ok {
		return nil, ir.Errorf(ir.CodeSchema, "undefined predicate %q", name).With("predicate", name)
	}
	return p, nil
}

// Measure returns the builtin measure with the given name.
func (c *Catalog) Measure(name string) (Measure, error) {
	m, ok := measures[name]
	if !ok {
		return nil, ir.Errorf(ir.CodeSchema, "undefined measure %q", name).With("measure", name)
	}
	return m, nil
}

// CheckRule verifies every type and guard the rule references. It runs
// before any search so a bad rule never touches the graph.
func (c *Catalog) CheckRule(r *ir.Rule) error {
	vts, ets := r.ReferencedTypes()
	for _, t := range vts {
		if !c.HasVertexType(t) {
			return ir.Errorf(ir.CodeSchema, "rule %q references undefined vertex type %q", r.Name, t).
				With("rule", r.Name).With("type", t)
		}
	}
	for _, t := range ets {
		if !c.HasEdgeType(t) {
			return ir.Errorf(ir.CodeSchema, "rule %q references undefined edge type %q", r.Name, t).
				With("rule", r.Name).With("type", t)
		}
	}
	for i, g := range r.Guards {
		spec, ok := guards[g.Ref]
		if !ok {
			return ir.Errorf(ir.CodeSchema, "rule %q guard %d: undefined guard %q", r.Name, i, g.Ref).
				With("rule", r.Name).With("guard", g.Ref)
		}
		if err := spec.checkArgs(g.Args, r.L); err != nil {
			return ir.Wrap(ir.CodeSchema, err, "rule %q guard %d (%s)", r.Name, i, g.Ref).
				With("rule", r.Name).With("guard", g.Ref)
		}
	}
	return nil
}

// CheckVertex verifies a vertex type is declared.
func (c *Catalog) CheckVertex(typ string) error {
	if !c.HasVertexType(typ) {
		return ir.Errorf(ir.CodeSchema, "undefined vertex type %q", typ).With("type", typ)
	}
	return nil
}

// CheckEdge verifies an edge type is declared and its endpoint types are
// allowed. Endpoint mismatches are structural violations.
func (c *Catalog) CheckEdge(typ, srcType, dstType string) error {
	et, ok := c.edgeTypes[typ]
	if !ok {
		return ir.Errorf(ir.CodeSchema, "undefined edge type %q", typ).With("type", typ)
	}
	if len(et.Src) > 0 && !slices.Contains(et.Src, srcType) {
		return ir.Errorf(ir.CodeStructuralViolation, "edge type %q does not allow source type %q", typ, srcType).
			With("reason", "endpoint_type")
	}
	if len(et.Dst) > 0 && !slices.Contains(et.Dst, dstType) {
		return ir.Errorf(ir.CodeStructuralViolation, "edge type %q does not allow target type %q", typ, dstType).
			With("reason", "endpoint_type")
	}
	return nil
}

// CheckInvariants evaluates every declared invariant against g.
func (c *Catalog) CheckInvariants(g Graph) error {
	if c == nil {
		return nil
	}
	for _, name := range c.def.Invariants {
		p := c.predicates[name]
		ok, err := p.Eval(g)
		if err != nil {
			return fmt.Errorf("invariant %q: %w", name, err)
		}
		if !ok {
			return ir.Errorf(ir.CodeStructuralViolation, "invariant %q does not hold", name).
				With("reason", "invariant").With("invariant", name)
		}
	}
	return nil
}

// Validate checks a definition without building it.
func Validate(def Definition) []ir.ValidationError {
	var errs []ir.ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ir.ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	vts := map[string]bool{}
	for _, t := range def.VertexTypes {
		if t == "" {
			add("vertex_types", "empty type name")
		}
		if vts[t] {
			add("vertex_types."+t, "declared twice")
		}
		vts[t] = true
	}
	ets := map[string]bool{}
	for _, et := range def.EdgeTypes {
		if et.Name == "" {
			add("edge_types", "empty type name")
		}
		if ets[et.Name] {
			add("edge_types."+et.Name, "declared twice")
		}
		if vts[et.Name] {
			add("edge_types."+et.Name, "also declared as a vertex type")
		}
		ets[et.Name] = true
		for _, t := range append(slices.Clone(et.Src), et.Dst...) {
			if !vts[t] {
				add("edge_types."+et.Name, "endpoint type %q is not a vertex type", t)
			}
		}
	}
	for i, idx := range def.Indexes {
		if !vts[idx.Type] {
			add(fmt.Sprintf("indexes[%d]", i), "type %q is not a vertex type", idx.Type)
		}
		if idx.Key == "" {
			add(fmt.Sprintf("indexes[%d]", i), "key is required")
		}
	}

	names := map[string]bool{}
	for _, d := range def.Predicates {
		field := "predicates." + d.Name
		if d.Name == "" {
			add("predicates", "predicate name is required")
			continue
		}
		if names[d.Name] {
			add(field, "declared twice")
		}
		names[d.Name] = true
		spec, ok := graphPredicates[d.Ref]
		if !ok {
			add(field, "undefined builtin %q", d.Ref)
			continue
		}
		args, err := convertArgs(d.Args)
		if err != nil {
			add(field, "%v", err)
			continue
		}
		if err := spec.checkArgs(args); err != nil {
			add(field, "%v", err)
		}
	}
	for _, d := range def.Predicates {
		if d.Ref != "not" || len(d.Args) != 1 {
			continue
		}
		if inner, ok := d.Args[0].(string); ok && !names[inner] {
			add("predicates."+d.Name, "not refers to undefined predicate %q", inner)
		}
	}
	for _, inv := range def.Invariants {
		if !names[inv] {
			add("invariants", "undefined predicate %q", inv)
		}
	}
	return errs
}

func convertArgs(args []any) (ir.List, error) {
	out := make(ir.List, len(args))
	for i, a := range args {
		v, err := ir.FromGo(a)
		if err != nil {
			return nil, fmt.Errorf("args[%d]: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func schemaError(errs []ir.ValidationError) error {
	e := ir.Errorf(ir.CodeSchema, "invalid catalog: %s", errs[0].Error())
	if len(errs) > 1 {
		e.With("errors", fmt.Sprintf("%d", len(errs)))
	}
	return e
}
