package rewrite

import (
	"context"
	"errors"
	"iter"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/grafting/internal/catalog"
	"github.com/roach88/grafting/internal/graph"
	"github.com/roach88/grafting/internal/ir"
)

// anchorsPerWorker is how many anchors each worker gets per batch.
const anchorsPerWorker = 4

// Match binds every L variable of a rule to a host element.
type Match struct {
	Rule    string
	Anchor  ir.StableID
	Binding catalog.Binding
	key     []ir.StableID
}

// Key returns the bound ids of the L nodes then L edges, in declaration
// order.
func (m Match) Key() []ir.StableID {
	return slices.Clone(m.key)
}

// Option configures a match search.
type Option func(*options)

type options struct {
	order        ir.Order
	workers      int
	nonInjective bool
}

// WithOrder sets the anchor order. Default: topdown.
func WithOrder(o ir.Order) Option {
	return func(opts *options) { opts.order = o }
}

// WithWorkers searches up to n anchors concurrently. The match order is
// the same for every n. Default: 1.
func WithWorkers(n int) Option {
	return func(opts *options) {
		if n > 0 {
			opts.workers = n
		}
	}
}

// WithNonInjective lets distinct node variables bind the same vertex.
func WithNonInjective() Option {
	return func(opts *options) { opts.nonInjective = true }
}

// compiled is a rule prepared for searching.
type compiled struct {
	rule     *ir.Rule
	anchor   ir.PatternNode
	lplan    plan
	nacPlans []plan
	guards   []*catalog.Guard
	edgeVars map[string]bool
}

func compile(rule *ir.Rule, cat *catalog.Catalog, g *graph.Ref) (*compiled, error) {
	if errs := rule.Validate(); len(errs) > 0 {
		return nil, ir.Errorf(ir.CodeSchema, "rule %q is invalid: %s", rule.Name, errs[0].Error()).
			With("rule", rule.Name).With("field", errs[0].Field)
	}
	if cat != nil {
		if err := cat.CheckRule(rule); err != nil {
			return nil, err
		}
	}
	guards, err := catalog.ResolveGuards(rule.Guards)
	if err != nil {
		return nil, err
	}

	c := &compiled{
		rule:     rule,
		anchor:   rule.L.Nodes[0],
		guards:   guards,
		edgeVars: map[string]bool{},
	}
	cost := costFor(g, cat)
	c.lplan = compilePlan(rule.L.Nodes, rule.L.Edges, map[string]bool{c.anchor.ID: true}, cost)

	lvars := map[string]bool{}
	for _, n := range rule.L.Nodes {
		lvars[n.ID] = true
	}
	for _, e := range rule.L.Edges {
		lvars[e.ID] = true
		c.edgeVars[e.ID] = true
	}
	for _, nac := range rule.NAC {
		for _, e := range nac.Edges {
			c.edgeVars[e.ID] = true
		}
		c.nacPlans = append(c.nacPlans, compilePlan(nac.Nodes, nac.Edges, lvars, cost))
	}
	return c, nil
}

// Check reports whether rule is usable with cat: the same SCHEMA_ERROR
// checks FindMatches runs, without a graph.
func Check(rule *ir.Rule, cat *catalog.Catalog) error {
	_, err := compile(rule, cat, nil)
	return err
}

func (c *compiled) isEdge(id string) bool { return c.edgeVars[id] }

// Matches is a lazy, restartable cursor over a rule's matches in one
// graph version. Matches are computed a batch of anchors at a time.
//
// Not safe for concurrent use.
type Matches struct {
	ctx     context.Context
	c       *compiled
	g       *graph.Ref
	cat     *catalog.Catalog
	opts    options
	anchors []ir.StableID

	pos int
	buf []Match
	err error
}

// FindMatches prepares a search for rule in g. Unknown types, guards or an
// invalid rule fail here with SCHEMA_ERROR, before the graph is read. The
// returned cursor does no work until Next is called.
func FindMatches(ctx context.Context, rule *ir.Rule, g *graph.Ref, cat *catalog.Catalog, opts ...Option) (*Matches, error) {
	o := options{order: ir.OrderTopDown, workers: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.order.Valid() {
		return nil, ir.Errorf(ir.CodeSchema, "unknown order %q", o.order)
	}
	o.order = o.order.Normalize()

	c, err := compile(rule, cat, g)
	if err != nil {
		return nil, err
	}

	var anchors []ir.StableID
	for _, id := range scanNode(g, cat, c.anchor) {
		if v, ok := g.Vertex(id); ok && v.Type == c.anchor.Type && propsMatch(c.anchor.Props, v.Props) {
			anchors = append(anchors, id)
		}
	}
	if o.order == ir.OrderBottomUp {
		slices.Reverse(anchors)
	}

	return &Matches{ctx: ctx, c: c, g: g, cat: cat, opts: o, anchors: anchors}, nil
}

// Next returns the next match. It returns false when the matches are
// exhausted or the search failed; Err tells which.
func (m *Matches) Next() (Match, bool) {
	for len(m.buf) == 0 {
		if m.err != nil || m.pos >= len(m.anchors) {
			return Match{}, false
		}
		m.fill()
	}
	out := m.buf[0]
	m.buf = m.buf[1:]
	return out, true
}

// Err returns the error that stopped the search: CANCELLED or TIMEOUT.
func (m *Matches) Err() error {
	return m.err
}

// Reset restarts the cursor from the first match.
func (m *Matches) Reset() {
	m.pos = 0
	m.buf = nil
	m.err = nil
}

// All iterates the remaining matches.
func (m *Matches) All() iter.Seq[Match] {
	return func(yield func(Match) bool) {
		for {
			match, ok := m.Next()
			if !ok || !yield(match) {
				return
			}
		}
	}
}

// Collect returns every remaining match.
func (m *Matches) Collect() ([]Match, error) {
	var out []Match
	for match := range m.All() {
		out = append(out, match)
	}
	return out, m.err
}

// First returns the first match, MATCH_NOT_FOUND if there is none.
func (m *Matches) First() (Match, error) {
	m.Reset()
	match, ok := m.Next()
	if ok {
		return match, nil
	}
	if m.err != nil {
		return Match{}, m.err
	}
	return Match{}, ir.Errorf(ir.CodeMatchNotFound, "rule %q has no match", m.c.rule.Name).
		With("rule", m.c.rule.Name)
}

// fill computes the next batch of anchors, concurrently when configured,
// and appends their matches in anchor order.
func (m *Matches) fill() {
	end := min(m.pos+m.opts.workers*anchorsPerWorker, len(m.anchors))
	batch := m.anchors[m.pos:end]
	results := make([][]Match, len(batch))

	g, gctx := errgroup.WithContext(m.ctx)
	g.SetLimit(m.opts.workers)
	for i, a := range batch {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = m.forAnchor(a)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.err = contextError(err, "match search")
		return
	}
	if err := m.ctx.Err(); err != nil {
		m.err = contextError(err, "match search")
		return
	}

	for _, r := range results {
		m.buf = append(m.buf, r...)
	}
	m.pos = end
}

// forAnchor returns every match whose anchor binds a, sorted by key.
func (m *Matches) forAnchor(a ir.StableID) []Match {
	c := m.c
	s := newSearch(m.g, m.cat, m.opts.nonInjective, c.lplan, catalog.Binding{c.anchor.ID: a}, c.isEdge)

	var out []Match
	// Type and property filtering happen in the search; NACs, then guards.
	s.run(func(b catalog.Binding) bool {
		if m.blocked(b) {
			return true
		}
		for _, gd := range c.guards {
			if !gd.Eval(m.g, b) {
				return true
			}
		}
		out = append(out, m.newMatch(a, b))
		return true
	})
	slices.SortFunc(out, func(x, y Match) int { return slices.Compare(x.key, y.key) })
	return out
}

// blocked reports whether any NAC extends b.
func (m *Matches) blocked(b catalog.Binding) bool {
	for _, p := range m.c.nacPlans {
		bind := make(catalog.Binding, len(b))
		for k, v := range b {
			bind[k] = v
		}
		found := false
		newSearch(m.g, m.cat, m.opts.nonInjective, p, bind, m.c.isEdge).run(func(catalog.Binding) bool {
			found = true
			return false
		})
		if found {
			return true
		}
	}
	return false
}

func (m *Matches) newMatch(anchor ir.StableID, b catalog.Binding) Match {
	l := m.c.rule.L
	binding := make(catalog.Binding, len(b))
	key := make([]ir.StableID, 0, len(l.Nodes)+len(l.Edges))
	for _, n := range l.Nodes {
		binding[n.ID] = b[n.ID]
		key = append(key, b[n.ID])
	}
	for _, e := range l.Edges {
		binding[e.ID] = b[e.ID]
		key = append(key, b[e.ID])
	}
	return Match{Rule: m.c.rule.Name, Anchor: anchor, Binding: binding, key: key}
}

// contextError maps a context error to TIMEOUT or CANCELLED.
func contextError(err error, what string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ir.Wrap(ir.CodeTimeout, err, "%s timed out", what)
	}
	return ir.Wrap(ir.CodeCancelled, err, "%s cancelled", what)
}
