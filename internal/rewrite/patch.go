package rewrite

import (
	"cmp"
	"slices"

	"github.com/roach88/grafting/internal/graph"
	"github.com/roach88/grafting/internal/ir"
)

// DerivePatch computes the patch that applies rule at match in g.
//
// Elements bound to L\K are deleted and elements of R\K are added; K keeps
// its StableIDs. A K node whose R declaration lists properties gets those
// properties set, and a K edge whose endpoints differ between L and R is
// relinked. Deleting a vertex that still has an incident edge the rule
// neither deletes nor relinks away violates the dangling-edge condition
// and is a STRUCTURAL_VIOLATION; no patch is produced.
//
// DerivePatch is pure: it reads g and returns a fresh patch.
func DerivePatch(rule *ir.Rule, match Match, g *graph.Ref) (*ir.Patch, error) {
	p := &ir.Patch{}

	for _, n := range rule.L.Nodes {
		if !rule.K.Has(n.ID) {
			p.Dels.V = append(p.Dels.V, match.Binding[n.ID])
		}
	}
	for _, e := range rule.L.Edges {
		if !rule.K.Has(e.ID) {
			p.Dels.E = append(p.Dels.E, match.Binding[e.ID])
		}
	}
	slices.Sort(p.Dels.V)
	slices.Sort(p.Dels.E)

	endpoint := func(id string) ir.EndpointRef {
		if rule.K.Has(id) {
			return ir.ToID(match.Binding[id])
		}
		return ir.ToRef(id)
	}
	for _, n := range rule.R.Nodes {
		if rule.K.Has(n.ID) {
			if u, ok := propUpdate(g, match.Binding[n.ID], n.Props); ok {
				p.Updates.Props = append(p.Updates.Props, u)
			}
			continue
		}
		p.Adds.V = append(p.Adds.V, ir.NewVertex{Ref: n.ID, Type: n.Type, Props: n.Props.Clone()})
	}
	for _, e := range rule.R.Edges {
		if rule.K.Has(e.ID) {
			id := match.Binding[e.ID]
			if u, ok := propUpdate(g, id, e.Props); ok {
				p.Updates.Props = append(p.Updates.Props, u)
			}
			if le, ok := rule.L.Edge(e.ID); ok && (le.Src != e.Src || le.Dst != e.Dst) {
				p.Updates.Relink = append(p.Updates.Relink, ir.Relink{ID: id, Src: endpoint(e.Src), Dst: endpoint(e.Dst)})
			}
			continue
		}
		p.Adds.E = append(p.Adds.E, ir.NewEdge{
			Ref:   e.ID,
			Src:   endpoint(e.Src),
			Dst:   endpoint(e.Dst),
			Type:  e.Type,
			Props: e.Props.Clone(),
		})
	}
	slices.SortFunc(p.Updates.Props, func(a, b ir.PropUpdate) int {
		return cmp.Compare(a.ID, b.ID)
	})
	slices.SortFunc(p.Updates.Relink, func(a, b ir.Relink) int {
		return cmp.Compare(a.ID, b.ID)
	})

	// An incident edge of a deleted vertex must be deleted or relinked
	// away from it.
	deleted := make(map[ir.StableID]bool, len(p.Dels.E))
	for _, id := range p.Dels.E {
		deleted[id] = true
	}
	relinked := make(map[ir.StableID]ir.Relink, len(p.Updates.Relink))
	for _, rl := range p.Updates.Relink {
		relinked[rl.ID] = rl
	}
	for _, v := range p.Dels.V {
		if !g.HasVertex(v) {
			return nil, ir.Errorf(ir.CodeStructuralViolation, "rule %q deletes vertex %d, which is not in the graph", rule.Name, v).
				With("reason", "missing").With("rule", rule.Name)
		}
		for _, e := range append(g.EdgesOut(v), g.EdgesIn(v)...) {
			if deleted[e.ID] {
				continue
			}
			if rl, ok := relinked[e.ID]; ok && !touches(rl.Src, v) && !touches(rl.Dst, v) {
				continue
			}
			return nil, ir.Errorf(ir.CodeStructuralViolation,
				"rule %q deletes vertex %d but not its incident edge %d", rule.Name, v, e.ID).
				With("reason", "dangling_edge").
				With("rule", rule.Name).
				With("vertex", v.String()).
				With("edge", e.ID.String())
		}
	}
	return p, nil
}

func touches(end ir.EndpointRef, v ir.StableID) bool {
	return !end.IsRef() && end.ID == v
}

// propUpdate sets the keys of want whose current value differs.
func propUpdate(g *graph.Ref, id ir.StableID, want ir.Object) (ir.PropUpdate, bool) {
	if len(want) == 0 {
		return ir.PropUpdate{}, false
	}
	have, _ := g.ElementProps(id)
	set := ir.Object{}
	for k, v := range want {
		if hv, ok := have[k]; !ok || !ir.Equal(hv, v) {
			set[k] = v
		}
	}
	if len(set) == 0 {
		return ir.PropUpdate{}, false
	}
	return ir.PropUpdate{ID: id, Set: set}, true
}
