package rewrite

import (
	"slices"

	"github.com/roach88/grafting/internal/catalog"
	"github.com/roach88/grafting/internal/graph"
	"github.com/roach88/grafting/internal/ir"
)

type stepKind int

const (
	stepNode stepKind = iota
	stepEdge
)

// step binds one pattern variable.
type step struct {
	kind stepKind
	node ir.PatternNode
	edge ir.PatternEdge

	// For node steps: via is a pattern edge joining the node to an already
	// bound node; candidates come from that node's adjacency. Without via,
	// candidates come from a type or property index scan.
	via    *ir.PatternEdge
	viaDst bool // the node is via's destination
}

// plan is the order in which a pattern's variables are bound, given a set
// of variables already bound before the search starts.
type plan struct {
	steps []step
}

// nodeCost estimates how selective an unconnected node variable is: an
// indexed literal, or else the number of elements carrying its type.
type nodeCost func(n ir.PatternNode) (indexed bool, count int)

// costFor returns the estimate for g, or nil when there is no graph to
// count, in which case plans keep declaration order.
func costFor(g *graph.Ref, cat *catalog.Catalog) nodeCost {
	if g == nil {
		return nil
	}
	return func(n ir.PatternNode) (bool, int) {
		for _, key := range n.Props.SortedKeys() {
			if cat.IsIndexed(n.Type, key) {
				return true, 0
			}
		}
		return false, g.TypeCount(n.Type)
	}
}

// compilePlan orders a pattern's unbound variables most constrained first.
// A node reachable through an edge from a bound node beats one that needs
// a scan; among equals an indexed literal beats a type scan, then the
// smaller type wins, then declaration order. Each edge is checked as soon
// as both its endpoints are bound.
//
// The plan only affects search cost. Match order is fixed by the anchor
// and the sort in forAnchor.
func compilePlan(nodes []ir.PatternNode, edges []ir.PatternEdge, prebound map[string]bool, cost nodeCost) plan {
	bound := make(map[string]bool, len(prebound))
	for id := range prebound {
		bound[id] = true
	}
	var p plan
	doneEdge := make([]bool, len(edges))

	flushEdges := func() {
		for i, e := range edges {
			if doneEdge[i] || bound[e.ID] || !bound[e.Src] || !bound[e.Dst] {
				continue
			}
			doneEdge[i] = true
			p.steps = append(p.steps, step{kind: stepEdge, edge: e})
		}
	}

	remaining := slices.Clone(nodes)
	remaining = slices.DeleteFunc(remaining, func(n ir.PatternNode) bool { return bound[n.ID] })

	for {
		flushEdges()
		if len(remaining) == 0 {
			break
		}
		pick, st := -1, step{}
		var best [3]int
		for i, n := range remaining {
			cand := step{kind: stepNode, node: n}
			rank := [3]int{1, 1, 0}
			if via, dst, ok := connecting(n.ID, edges, doneEdge, bound); ok {
				cand.via, cand.viaDst = via, dst
				rank[0] = 0
			}
			if cost != nil {
				indexed, count := cost(n)
				if indexed {
					rank[1] = 0
				}
				rank[2] = count
			}
			if pick < 0 || slices.Compare(rank[:], best[:]) < 0 {
				pick, st, best = i, cand, rank
			}
		}
		p.steps = append(p.steps, st)
		bound[remaining[pick].ID] = true
		remaining = slices.Delete(remaining, pick, pick+1)
	}
	return p
}

// connecting returns the first pattern edge joining node to a bound node.
func connecting(node string, edges []ir.PatternEdge, done []bool, bound map[string]bool) (*ir.PatternEdge, bool, bool) {
	for i := range edges {
		e := &edges[i]
		if done[i] {
			continue
		}
		if e.Dst == node && bound[e.Src] {
			return e, true, true
		}
		if e.Src == node && bound[e.Dst] {
			return e, false, true
		}
	}
	return nil, false, false
}

// search runs a plan depth-first from a partial binding.
type search struct {
	g            *graph.Ref
	cat          *catalog.Catalog
	nonInjective bool
	steps        []step

	binding catalog.Binding
	usedV   map[ir.StableID]int
	usedE   map[ir.StableID]bool
}

func newSearch(g *graph.Ref, cat *catalog.Catalog, nonInjective bool, p plan, binding catalog.Binding, isEdge func(string) bool) *search {
	s := &search{
		g:            g,
		cat:          cat,
		nonInjective: nonInjective,
		steps:        p.steps,
		binding:      binding,
		usedV:        map[ir.StableID]int{},
		usedE:        map[ir.StableID]bool{},
	}
	for id, el := range binding {
		if isEdge(id) {
			s.usedE[el] = true
		} else {
			s.usedV[el]++
		}
	}
	return s
}

// run calls yield for every complete binding. yield returns false to stop.
func (s *search) run(yield func(catalog.Binding) bool) bool {
	return s.step(0, yield)
}

func (s *search) step(i int, yield func(catalog.Binding) bool) bool {
	if i == len(s.steps) {
		return yield(s.binding)
	}
	st := s.steps[i]
	switch st.kind {
	case stepNode:
		for _, v := range s.nodeCandidates(st) {
			if !s.nodeFits(st.node, v) {
				continue
			}
			s.binding[st.node.ID] = v
			s.usedV[v]++
			ok := s.step(i+1, yield)
			s.usedV[v]--
			delete(s.binding, st.node.ID)
			if !ok {
				return false
			}
		}
	case stepEdge:
		src, dst := s.binding[st.edge.Src], s.binding[st.edge.Dst]
		for _, e := range s.g.EdgesOut(src) {
			if e.Dst != dst || e.Type != st.edge.Type || s.usedE[e.ID] || !propsMatch(st.edge.Props, e.Props) {
				continue
			}
			s.binding[st.edge.ID] = e.ID
			s.usedE[e.ID] = true
			ok := s.step(i+1, yield)
			delete(s.usedE, e.ID)
			delete(s.binding, st.edge.ID)
			if !ok {
				return false
			}
		}
	}
	return true
}

func (s *search) nodeCandidates(st step) []ir.StableID {
	if st.via == nil {
		return scanNode(s.g, s.cat, st.node)
	}
	var out []ir.StableID
	if st.viaDst {
		for _, e := range s.g.EdgesOut(s.binding[st.via.Src]) {
			if e.Type == st.via.Type {
				out = append(out, e.Dst)
			}
		}
	} else {
		for _, e := range s.g.EdgesIn(s.binding[st.via.Dst]) {
			if e.Type == st.via.Type {
				out = append(out, e.Src)
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (s *search) nodeFits(n ir.PatternNode, v ir.StableID) bool {
	if !s.nonInjective && s.usedV[v] > 0 {
		return false
	}
	vx, ok := s.g.Vertex(v)
	if !ok || vx.Type != n.Type {
		return false
	}
	return propsMatch(n.Props, vx.Props)
}

// scanNode returns candidate vertices for an unconnected node variable,
// ascending. A literal on an indexed property seeds from the property
// index; otherwise every element with the node's type label is a
// candidate, and nodeFits drops edges that share the label.
func scanNode(g *graph.Ref, cat *catalog.Catalog, n ir.PatternNode) []ir.StableID {
	if cat != nil {
		for _, key := range n.Props.SortedKeys() {
			if cat.IsIndexed(n.Type, key) {
				return g.ScanProp(n.Type, key, n.Props[key])
			}
		}
	}
	return g.ScanType(n.Type)
}

// propsMatch reports whether have carries every key of want with an equal
// value.
func propsMatch(want, have ir.Object) bool {
	for k, wv := range want {
		hv, ok := have[k]
		if !ok || !ir.Equal(wv, hv) {
			return false
		}
	}
	return true
}
