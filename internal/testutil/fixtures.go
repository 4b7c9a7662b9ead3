package testutil

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/grafting/internal/catalog"
	"github.com/roach88/grafting/internal/graph"
	"github.com/roach88/grafting/internal/ir"
)

// Fixed StableIDs of the Triangle fixture. Vertices are added first, so
// they take 1..5 and edges take 6..9.
const (
	TriU ir.StableID = 1
	TriV ir.StableID = 2
	TriW ir.StableID = 3
	TriX ir.StableID = 4
	TriY ir.StableID = 5

	TriE1 ir.StableID = 6 // u -> v
	TriE2 ir.StableID = 7 // v -> w
	TriE3 ir.StableID = 8 // x -> u
	TriE4 ir.StableID = 9 // w -> y
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Catalog returns a catalog with vertex type V, edge type E and a few
// predicate instances used across tests.
func Catalog() *catalog.Catalog {
	return catalog.MustNew(CatalogDefinition())
}

// CatalogDefinition is the authored form of Catalog.
func CatalogDefinition() catalog.Definition {
	return catalog.Definition{
		VertexTypes: []string{"V"},
		EdgeTypes:   []catalog.EdgeType{{Name: "E", Src: []string{"V"}, Dst: []string{"V"}}},
		Indexes:     []catalog.Index{{Type: "V", Key: "name"}},
		Predicates: []catalog.PredicateDecl{
			{Name: "has_edges", Ref: "edge_count_ge", Args: []any{1}},
			{Name: "small", Ref: "not", Args: []any{"big"}},
			{Name: "big", Ref: "vertex_count_ge", Args: []any{100}},
		},
	}
}

// TrianglePatch builds the triangle fixture from the empty graph:
// u->v->w plus x->u and w->y, so u and w have degree 2 and no edge joins
// u and w.
func TrianglePatch() *ir.Patch {
	p := &ir.Patch{}
	for _, name := range []string{"u", "v", "w", "x", "y"} {
		p.Adds.V = append(p.Adds.V, ir.NewVertex{Ref: name, Type: "V", Props: ir.Object{"name": ir.Str(name)}})
	}
	for _, e := range [][3]string{{"e1", "u", "v"}, {"e2", "v", "w"}, {"e3", "x", "u"}, {"e4", "w", "y"}} {
		p.Adds.E = append(p.Adds.E, ir.NewEdge{Ref: e[0], Src: ir.ToRef(e[1]), Dst: ir.ToRef(e[2]), Type: "E"})
	}
	return p
}

// Triangle returns the triangle fixture as a sealed graph at sequence 1.
func Triangle() *graph.Ref {
	return Build(graph.Empty(), TrianglePatch())
}

// Build applies p to base and seals the result as base's child. Panics on
// error; for fixtures only.
func Build(base *graph.Ref, p *ir.Patch) *graph.Ref {
	next, _, err := graph.Apply(base, p, nil)
	if err != nil {
		panic(fmt.Sprintf("testutil.Build: %v", err))
	}
	return next.Seal([]ir.Hash{base.Version()}, p.Hash(), base.Seq()+1)
}

// Chain returns a path graph of n V vertices joined by n-1 E edges,
// named "n0".."n{n-1}".
func Chain(n int) *graph.Ref {
	p := &ir.Patch{}
	for i := 0; i < n; i++ {
		p.Adds.V = append(p.Adds.V, ir.NewVertex{
			Ref:   fmt.Sprintf("n%d", i),
			Type:  "V",
			Props: ir.Object{"name": ir.Str(fmt.Sprintf("n%d", i))},
		})
	}
	for i := 0; i+1 < n; i++ {
		p.Adds.E = append(p.Adds.E, ir.NewEdge{
			Ref:  fmt.Sprintf("c%d", i),
			Src:  ir.ToRef(fmt.Sprintf("n%d", i)),
			Dst:  ir.ToRef(fmt.Sprintf("n%d", i+1)),
			Type: "E",
		})
	}
	return Build(graph.Empty(), p)
}

// TriangleRule is tri_collapse: a path u->v->w with deg(u)>=2 and
// deg(w)>=2 and no edge u->w collapses to u->w, deleting v.
func TriangleRule() *ir.Rule {
	return &ir.Rule{
		Name:  "tri_collapse",
		Types: []string{"V", "E"},
		L: ir.Pattern{
			Nodes: []ir.PatternNode{{ID: "u", Type: "V"}, {ID: "v", Type: "V"}, {ID: "w", Type: "V"}},
			Edges: []ir.PatternEdge{
				{ID: "e1", Src: "u", Dst: "v", Type: "E"},
				{ID: "e2", Src: "v", Dst: "w", Type: "E"},
			},
		},
		K: ir.Pattern{Nodes: []ir.PatternNode{{ID: "u", Type: "V"}, {ID: "w", Type: "V"}}},
		R: ir.Pattern{
			Nodes: []ir.PatternNode{{ID: "u", Type: "V"}, {ID: "w", Type: "V"}},
			Edges: []ir.PatternEdge{{ID: "e3", Src: "u", Dst: "w", Type: "E"}},
		},
		NAC: []ir.Pattern{{Edges: []ir.PatternEdge{{ID: "n1", Src: "u", Dst: "w", Type: "E"}}}},
		Guards: []ir.GuardRef{
			{Ref: "deg_ge", Args: ir.List{ir.Str("u"), ir.Int(2)}},
			{Ref: "deg_ge", Args: ir.List{ir.Str("w"), ir.Int(2)}},
		},
	}
}

// GrowRule matches any V vertex and hangs a fresh V off it, recreating
// its own precondition forever.
func GrowRule() *ir.Rule {
	return &ir.Rule{
		Name: "grow",
		L:    ir.Pattern{Nodes: []ir.PatternNode{{ID: "a", Type: "V"}}},
		K:    ir.Pattern{Nodes: []ir.PatternNode{{ID: "a", Type: "V"}}},
		R: ir.Pattern{
			Nodes: []ir.PatternNode{{ID: "a", Type: "V"}, {ID: "b", Type: "V"}},
			Edges: []ir.PatternEdge{{ID: "e", Src: "a", Dst: "b", Type: "E"}},
		},
	}
}

// DropEdgeRule deletes any single E edge, keeping both endpoints.
func DropEdgeRule() *ir.Rule {
	return &ir.Rule{
		Name: "drop_edge",
		L: ir.Pattern{
			Nodes: []ir.PatternNode{{ID: "a", Type: "V"}, {ID: "b", Type: "V"}},
			Edges: []ir.PatternEdge{{ID: "e", Src: "a", Dst: "b", Type: "E"}},
		},
		K: ir.Pattern{Nodes: []ir.PatternNode{{ID: "a", Type: "V"}, {ID: "b", Type: "V"}}},
		R: ir.Pattern{Nodes: []ir.PatternNode{{ID: "a", Type: "V"}, {ID: "b", Type: "V"}}},
	}
}

// DeleteVertexRule deletes a lone vertex; it can only apply to isolated
// vertices, since the rule lists no incident edges.
func DeleteVertexRule() *ir.Rule {
	return &ir.Rule{
		Name: "delete_vertex",
		L:    ir.Pattern{Nodes: []ir.PatternNode{{ID: "a", Type: "V"}}},
	}
}

// MustHash returns the rule's content hash.
func MustHash(r *ir.Rule) ir.Hash {
	h, err := r.Hash()
	if err != nil {
		panic(err)
	}
	return h
}
