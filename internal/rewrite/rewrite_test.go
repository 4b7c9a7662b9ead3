package rewrite

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/grafting/internal/graph"
	"github.com/roach88/grafting/internal/ir"
	"github.com/roach88/grafting/internal/testutil"
)

func collect(t *testing.T, rule *ir.Rule, g *graph.Ref, opts ...Option) []Match {
	t.Helper()
	m, err := FindMatches(context.Background(), rule, g, testutil.Catalog(), opts...)
	require.NoError(t, err)
	out, err := m.Collect()
	require.NoError(t, err)
	return out
}

func keys(ms []Match) [][]ir.StableID {
	out := make([][]ir.StableID, len(ms))
	for i, m := range ms {
		out[i] = m.Key()
	}
	return out
}

// hub is vertex 1 with edges to 2, 3 and 4 (edge ids 5, 6, 7).
func hub() *graph.Ref {
	p := &ir.Patch{}
	for _, r := range []string{"h", "a", "b", "c"} {
		p.Adds.V = append(p.Adds.V, ir.NewVertex{Ref: r, Type: "V"})
	}
	for _, r := range []string{"a", "b", "c"} {
		p.Adds.E = append(p.Adds.E, ir.NewEdge{Ref: "h" + r, Src: ir.ToRef("h"), Dst: ir.ToRef(r), Type: "E"})
	}
	return testutil.Build(graph.Empty(), p)
}

func TestTriangleCollapse(t *testing.T) {
	g := testutil.Triangle()
	rule := testutil.TriangleRule()

	ms := collect(t, rule, g)
	require.Len(t, ms, 1)
	m := ms[0]
	assert.Equal(t, testutil.TriU, m.Anchor)
	assert.Equal(t, []ir.StableID{testutil.TriU, testutil.TriV, testutil.TriW, testutil.TriE1, testutil.TriE2}, m.Key())

	p, err := DerivePatch(rule, m, g)
	require.NoError(t, err)
	data, err := ir.MarshalPatch(p)
	require.NoError(t, err)
	gold := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	gold.Assert(t, "tri_collapse_patch", data)

	next, assigned, err := graph.Apply(g, p, testutil.Catalog())
	require.NoError(t, err)
	assert.False(t, next.HasVertex(testutil.TriV))

	// K keeps its identities.
	for _, id := range []ir.StableID{testutil.TriU, testutil.TriW} {
		before, _ := g.Vertex(id)
		after, ok := next.Vertex(id)
		require.True(t, ok)
		assert.Equal(t, before, after)
	}

	var between []graph.Edge
	for _, e := range next.EdgesOut(testutil.TriU) {
		if e.Dst == testutil.TriW {
			between = append(between, e)
		}
	}
	require.Len(t, between, 1)
	assert.Equal(t, assigned["e3"], between[0].ID)
	assert.Equal(t, ir.StableID(10), between[0].ID)

	// The rewritten graph no longer matches: u->w now exists.
	assert.Empty(t, collect(t, rule, next))
}

func TestGuardsFilterMatches(t *testing.T) {
	// A bare path has degree-1 ends, so deg_ge(u,2) fails.
	assert.Empty(t, collect(t, testutil.TriangleRule(), testutil.Chain(3)))
}

func TestNACBlocksMatch(t *testing.T) {
	p := testutil.TrianglePatch()
	p.Adds.E = append(p.Adds.E, ir.NewEdge{Ref: "uw", Src: ir.ToRef("u"), Dst: ir.ToRef("w"), Type: "E"})
	g := testutil.Build(graph.Empty(), p)

	assert.Empty(t, collect(t, testutil.TriangleRule(), g))
}

func TestMatchOrder(t *testing.T) {
	g := testutil.Chain(4)
	rule := testutil.DropEdgeRule()

	top := collect(t, rule, g)
	assert.Equal(t, [][]ir.StableID{{1, 2, 5}, {2, 3, 6}, {3, 4, 7}}, keys(top))

	bottom := collect(t, rule, g, WithOrder(ir.OrderBottomUp))
	assert.Equal(t, [][]ir.StableID{{3, 4, 7}, {2, 3, 6}, {1, 2, 5}}, keys(bottom))

	fair := collect(t, rule, g, WithOrder(ir.OrderFair))
	assert.Equal(t, keys(top), keys(fair))
}

func TestMatchOrderWithinAnchor(t *testing.T) {
	ms := collect(t, testutil.DropEdgeRule(), hub())
	assert.Equal(t, [][]ir.StableID{{1, 2, 5}, {1, 3, 6}, {1, 4, 7}}, keys(ms))

	// Bottom-up reverses anchors, not the order within an anchor.
	ms = collect(t, testutil.DropEdgeRule(), hub(), WithOrder(ir.OrderBottomUp))
	assert.Equal(t, [][]ir.StableID{{1, 2, 5}, {1, 3, 6}, {1, 4, 7}}, keys(ms))
}

func TestDeterministicAcrossWorkers(t *testing.T) {
	g := testutil.Chain(60)
	rule := testutil.DropEdgeRule()

	want := keys(collect(t, rule, g, WithWorkers(1)))
	require.Len(t, want, 59)
	for _, w := range []int{2, 3, 8, 32} {
		assert.Equal(t, want, keys(collect(t, rule, g, WithWorkers(w))), "workers=%d", w)
	}
}

func TestInjectivity(t *testing.T) {
	pair := &ir.Rule{
		Name: "pair",
		L:    ir.Pattern{Nodes: []ir.PatternNode{{ID: "a", Type: "V"}, {ID: "b", Type: "V"}}},
		K:    ir.Pattern{Nodes: []ir.PatternNode{{ID: "a", Type: "V"}, {ID: "b", Type: "V"}}},
		R:    ir.Pattern{Nodes: []ir.PatternNode{{ID: "a", Type: "V"}, {ID: "b", Type: "V"}}},
	}
	single := testutil.Build(graph.Empty(), &ir.Patch{Adds: ir.Adds{V: []ir.NewVertex{{Ref: "x", Type: "V"}}}})

	assert.Empty(t, collect(t, pair, single))

	ms := collect(t, pair, single, WithNonInjective())
	require.Len(t, ms, 1)
	assert.Equal(t, []ir.StableID{1, 1}, ms[0].Key())
}

func TestIndexedAnchor(t *testing.T) {
	rule := &ir.Rule{
		Name: "find_n2",
		L:    ir.Pattern{Nodes: []ir.PatternNode{{ID: "a", Type: "V", Props: ir.Object{"name": ir.Str("n2")}}}},
		K:    ir.Pattern{Nodes: []ir.PatternNode{{ID: "a", Type: "V"}}},
		R:    ir.Pattern{Nodes: []ir.PatternNode{{ID: "a", Type: "V"}}},
	}
	ms := collect(t, rule, testutil.Chain(5))
	require.Len(t, ms, 1)
	assert.Equal(t, ir.StableID(3), ms[0].Anchor)
}

func TestSchemaErrorsFailFast(t *testing.T) {
	undefinedType := testutil.DropEdgeRule()
	undefinedType.L.Edges[0].Type = "Q"

	undefinedGuard := testutil.DropEdgeRule()
	undefinedGuard.Guards = []ir.GuardRef{{Ref: "is_prime", Args: ir.List{ir.Str("a")}}}

	invalid := testutil.DropEdgeRule()
	invalid.L.Nodes = nil

	for name, rule := range map[string]*ir.Rule{
		"undefined type":  undefinedType,
		"undefined guard": undefinedGuard,
		"invalid rule":    invalid,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := FindMatches(context.Background(), rule, testutil.Triangle(), testutil.Catalog())
			require.Error(t, err)
			assert.True(t, ir.IsSchemaError(err), "got %v", err)
		})
	}
}

func TestCursorIsLazyAndRestartable(t *testing.T) {
	m, err := FindMatches(context.Background(), testutil.DropEdgeRule(), testutil.Chain(30), testutil.Catalog())
	require.NoError(t, err)

	first, ok := m.Next()
	require.True(t, ok)
	assert.Less(t, m.pos, len(m.anchors), "only the first batch is searched")

	m.Reset()
	all, err := m.Collect()
	require.NoError(t, err)
	require.Len(t, all, 29)
	assert.Equal(t, first.Key(), all[0].Key())

	got, err := m.First()
	require.NoError(t, err)
	assert.Equal(t, first.Key(), got.Key())
}

func TestFirstWithoutMatch(t *testing.T) {
	m, err := FindMatches(context.Background(), testutil.TriangleRule(), testutil.Chain(2), testutil.Catalog())
	require.NoError(t, err)
	_, err = m.First()
	assert.True(t, ir.IsMatchNotFound(err))
}

func TestCancelledSearch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m, err := FindMatches(ctx, testutil.DropEdgeRule(), testutil.Chain(10), testutil.Catalog())
	require.NoError(t, err)
	cancel()

	_, ok := m.Next()
	assert.False(t, ok)
	assert.True(t, ir.IsCancelled(m.Err()))
}

func TestDanglingEdgeCondition(t *testing.T) {
	g := testutil.Triangle()
	rule := testutil.DeleteVertexRule()

	ms := collect(t, rule, g)
	require.Len(t, ms, 5)

	_, err := DerivePatch(rule, ms[0], g)
	require.Error(t, err)
	assert.True(t, ir.IsStructuralViolation(err))
	assert.Equal(t, "dangling_edge", ir.DetailOf(err, "reason"))
	assert.Equal(t, "1", ir.DetailOf(err, "vertex"))

	lone := testutil.Build(g, &ir.Patch{Adds: ir.Adds{V: []ir.NewVertex{{Ref: "z", Type: "V"}}}})
	ms = collect(t, rule, lone)
	p, err := DerivePatch(rule, ms[len(ms)-1], lone)
	require.NoError(t, err)
	assert.Equal(t, []ir.StableID{10}, p.Dels.V)
}

func TestDerivePatchSetsKProps(t *testing.T) {
	rule := &ir.Rule{
		Name: "mark",
		L:    ir.Pattern{Nodes: []ir.PatternNode{{ID: "a", Type: "V"}}},
		K:    ir.Pattern{Nodes: []ir.PatternNode{{ID: "a", Type: "V"}}},
		R:    ir.Pattern{Nodes: []ir.PatternNode{{ID: "a", Type: "V", Props: ir.Object{"name": ir.Str("u"), "seen": ir.Bool(true)}}}},
	}
	g := testutil.Triangle()
	ms := collect(t, rule, g)
	require.NotEmpty(t, ms)

	p, err := DerivePatch(rule, ms[0], g)
	require.NoError(t, err)
	require.Len(t, p.Updates.Props, 1)
	assert.Equal(t, testutil.TriU, p.Updates.Props[0].ID)
	// name already equals "u", so only seen is set.
	assert.Equal(t, ir.Object{"seen": ir.Bool(true)}, p.Updates.Props[0].Set)
}

func TestDerivePatchIsPure(t *testing.T) {
	g := testutil.Triangle()
	root := g.Root()
	ms := collect(t, testutil.TriangleRule(), g)
	require.Len(t, ms, 1)

	a, err := DerivePatch(testutil.TriangleRule(), ms[0], g)
	require.NoError(t, err)
	b, err := DerivePatch(testutil.TriangleRule(), ms[0], g)
	require.NoError(t, err)

	assert.Equal(t, a.Hash(), b.Hash())
	assert.Equal(t, root, g.Root())
}

// pathWithSpare is a→b plus an unconnected c.
func pathWithSpare() *graph.Ref {
	return testutil.Build(graph.Empty(), &ir.Patch{Adds: ir.Adds{
		V: []ir.NewVertex{{Ref: "a", Type: "V"}, {Ref: "b", Type: "V"}, {Ref: "c", Type: "V"}},
		E: []ir.NewEdge{{Ref: "e", Src: ir.ToRef("a"), Dst: ir.ToRef("b"), Type: "E"}},
	}})
}

func TestDerivePatchRelinksKEdges(t *testing.T) {
	nodes := []ir.PatternNode{{ID: "a", Type: "V"}, {ID: "b", Type: "V"}, {ID: "c", Type: "V"}}

	tests := []struct {
		name     string
		rule     *ir.Rule
		wantDelV []string
	}{
		{
			name: "move target",
			rule: &ir.Rule{
				Name: "retarget",
				L:    ir.Pattern{Nodes: nodes, Edges: []ir.PatternEdge{{ID: "e", Src: "a", Dst: "b", Type: "E"}}},
				K:    ir.Pattern{Nodes: nodes, Edges: []ir.PatternEdge{{ID: "e", Src: "a", Dst: "b", Type: "E"}}},
				R:    ir.Pattern{Nodes: nodes, Edges: []ir.PatternEdge{{ID: "e", Src: "a", Dst: "c", Type: "E"}}},
			},
		},
		{
			name: "move away from a deleted vertex",
			rule: &ir.Rule{
				Name: "evacuate",
				L:    ir.Pattern{Nodes: nodes, Edges: []ir.PatternEdge{{ID: "e", Src: "a", Dst: "b", Type: "E"}}},
				K: ir.Pattern{
					Nodes: []ir.PatternNode{{ID: "a", Type: "V"}, {ID: "c", Type: "V"}},
					Edges: []ir.PatternEdge{{ID: "e", Src: "a", Dst: "c", Type: "E"}},
				},
				R: ir.Pattern{
					Nodes: []ir.PatternNode{{ID: "a", Type: "V"}, {ID: "c", Type: "V"}},
					Edges: []ir.PatternEdge{{ID: "e", Src: "a", Dst: "c", Type: "E"}},
				},
			},
			wantDelV: []string{"b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Empty(t, tt.rule.Validate())
			g := pathWithSpare()
			ms := collect(t, tt.rule, g)
			require.NotEmpty(t, ms)
			m := ms[0]

			p, err := DerivePatch(tt.rule, m, g)
			require.NoError(t, err)
			require.Len(t, p.Updates.Relink, 1)
			assert.Equal(t, ir.Relink{
				ID:  m.Binding["e"],
				Src: ir.ToID(m.Binding["a"]),
				Dst: ir.ToID(m.Binding["c"]),
			}, p.Updates.Relink[0])
			assert.Empty(t, p.Dels.E)

			var wantDel []ir.StableID
			for _, id := range tt.wantDelV {
				wantDel = append(wantDel, m.Binding[id])
			}
			assert.Equal(t, wantDel, p.Dels.V)

			next := testutil.Build(g, p)
			e, ok := next.Edge(m.Binding["e"])
			require.True(t, ok)
			assert.Equal(t, m.Binding["a"], e.Src)
			assert.Equal(t, m.Binding["c"], e.Dst)
			assert.Equal(t, 3-len(wantDel), next.VertexCount())
		})
	}
}

func TestDerivePatchUnchangedKEdgeIsNotRelinked(t *testing.T) {
	rule := testutil.DropEdgeRule()
	keep := &ir.Rule{Name: "keep", L: rule.L, K: rule.L, R: rule.L}
	g := testutil.Triangle()
	ms := collect(t, keep, g)
	require.NotEmpty(t, ms)

	p, err := DerivePatch(keep, ms[0], g)
	require.NoError(t, err)
	assert.True(t, p.IsEmpty())
}

func TestCompilePlanMostConstrainedFirst(t *testing.T) {
	nodes := []ir.PatternNode{
		{ID: "x", Type: "V"},
		{ID: "p", Type: "V"},
		{ID: "q", Type: "W"},
		{ID: "r", Type: "V", Props: ir.Object{"name": ir.Str("n1")}},
	}
	cost := func(n ir.PatternNode) (bool, int) {
		if n.ID == "r" {
			return true, 0
		}
		return false, map[string]int{"V": 10, "W": 1}[n.Type]
	}
	order := func(p plan) []string {
		var out []string
		for _, st := range p.steps {
			if st.kind == stepNode {
				out = append(out, st.node.ID)
			}
		}
		return out
	}
	anchor := map[string]bool{"x": true}

	tests := []struct {
		name  string
		edges []ir.PatternEdge
		cost  nodeCost
		want  []string
	}{
		{"declaration order without estimates", nil, nil, []string{"p", "q", "r"}},
		{"index, then smaller type", nil, cost, []string{"r", "q", "p"}},
		{"adjacency beats scans", []ir.PatternEdge{{ID: "e", Src: "x", Dst: "p", Type: "E"}}, cost, []string{"p", "r", "q"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, order(compilePlan(nodes, tt.edges, anchor, tt.cost)))
		})
	}
}

func TestPlanOrderDoesNotChangeMatches(t *testing.T) {
	// b is bound through the edge; c has an indexed literal and would be
	// scanned first if it were unconnected.
	rule := &ir.Rule{
		Name: "pair_and_named",
		L: ir.Pattern{
			Nodes: []ir.PatternNode{{ID: "a", Type: "V"}, {ID: "b", Type: "V"}, {ID: "c", Type: "V", Props: ir.Object{"name": ir.Str("n4")}}},
			Edges: []ir.PatternEdge{{ID: "e", Src: "a", Dst: "b", Type: "E"}},
		},
		K: ir.Pattern{Nodes: []ir.PatternNode{{ID: "a", Type: "V"}}},
		R: ir.Pattern{Nodes: []ir.PatternNode{{ID: "a", Type: "V"}}},
	}
	g := testutil.Chain(5)
	ms := collect(t, rule, g)
	require.Len(t, ms, 3)
	for i, m := range ms {
		assert.Equal(t, ir.StableID(i+1), m.Anchor)
		assert.Equal(t, ir.StableID(5), m.Binding["c"])
	}
}

func TestNACAndGuardsTogether(t *testing.T) {
	withShortcut := func(p *ir.Patch) *ir.Patch {
		p.Adds.E = append(p.Adds.E, ir.NewEdge{Ref: "uw", Src: ir.ToRef("u"), Dst: ir.ToRef("w"), Type: "E"})
		return p
	}
	// Drop x→u and w→y so deg_ge(u,2) and deg_ge(w,2) fail.
	bare := &ir.Patch{}
	for _, name := range []string{"u", "v", "w"} {
		bare.Adds.V = append(bare.Adds.V, ir.NewVertex{Ref: name, Type: "V"})
	}
	bare.Adds.E = []ir.NewEdge{
		{Ref: "e1", Src: ir.ToRef("u"), Dst: ir.ToRef("v"), Type: "E"},
		{Ref: "e2", Src: ir.ToRef("v"), Dst: ir.ToRef("w"), Type: "E"},
	}

	tests := []struct {
		name  string
		patch *ir.Patch
		want  int
	}{
		{"guards pass, NAC clear", testutil.TrianglePatch(), 1},
		{"guards pass, NAC blocks", withShortcut(testutil.TrianglePatch()), 0},
		{"guards fail, NAC clear", bare, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := testutil.Build(graph.Empty(), tt.patch)
			assert.Len(t, collect(t, testutil.TriangleRule(), g), tt.want)
		})
	}
}
