package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/grafting/internal/catalog"
	"github.com/roach88/grafting/internal/ir"
	"github.com/roach88/grafting/internal/metrics"
	"github.com/roach88/grafting/internal/store"
	"github.com/roach88/grafting/internal/testutil"
	"github.com/roach88/grafting/internal/txn"
)

type fixture struct {
	st  *store.Store
	txm *txn.Manager
}

// setup returns a store whose head is start applied to the empty graph.
func setup(t *testing.T, start *ir.Patch) *fixture {
	t.Helper()
	return setupWithCatalog(t, start, testutil.Catalog())
}

func setupWithCatalog(t *testing.T, start *ir.Patch, cat *catalog.Catalog) *fixture {
	t.Helper()
	cfg := store.InMemoryConfig()
	cfg.Logger = testutil.DiscardLogger()
	st, err := store.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	txm := txn.NewManager(st, cat,
		txn.WithIDGenerator(testutil.NewSequentialIDs()),
		txn.WithLogger(testutil.DiscardLogger()))

	tx := txm.Begin(nil)
	require.NoError(t, txm.Stage(tx, start))
	_, err = txm.Commit(context.Background(), tx)
	require.NoError(t, err)
	return &fixture{st: st, txm: txm}
}

func newEngine(t *testing.T, fx *fixture, opts ...EngineOption) *Engine {
	t.Helper()
	base := []EngineOption{
		WithLogger(testutil.DiscardLogger()),
		WithIDGenerator(testutil.NewSequentialIDs()),
	}
	e, err := New(fx.txm, []*ir.Rule{
		testutil.TriangleRule(),
		testutil.GrowRule(),
		testutil.DropEdgeRule(),
		testutil.DeleteVertexRule(),
	}, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func once(r *ir.Rule) *ir.Once {
	return &ir.Once{Rule: testutil.MustHash(r)}
}

func exhaust(r *ir.Rule) *ir.Exhaust {
	return &ir.Exhaust{Rule: testutil.MustHash(r)}
}

func requireFailure(t *testing.T, err error) *Failure {
	t.Helper()
	require.Error(t, err)
	var f *Failure
	require.True(t, errors.As(err, &f), "want *Failure, got %T: %v", err, err)
	return f
}

func events(trace []TraceEntry) []Event {
	out := make([]Event, len(trace))
	for i, t := range trace {
		out[i] = t.Event
	}
	return out
}

func TestEngine_OnceTriangleCollapse(t *testing.T) {
	fx := setup(t, testutil.TrianglePatch())
	e := newEngine(t, fx)
	ctx := context.Background()

	res, err := e.Run(ctx, once(testutil.TriangleRule()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, 1, res.Steps)
	assert.Equal(t, "tx-000001", res.RunID)
	assert.Equal(t, fx.st.Head().Version(), res.Version.Version())

	g := res.Version
	assert.False(t, g.HasVertex(testutil.TriV))
	assert.True(t, g.HasVertex(testutil.TriU))
	assert.True(t, g.HasVertex(testutil.TriW))
	uw := 0
	for _, edge := range g.EdgesOut(testutil.TriU) {
		if edge.Dst == testutil.TriW {
			uw++
		}
	}
	assert.Equal(t, 1, uw)

	p, err := fx.st.Patch(ctx, g.Version())
	require.NoError(t, err)
	assert.Equal(t, []ir.StableID{testutil.TriV}, p.Dels.V)
	assert.Equal(t, []ir.StableID{testutil.TriE1, testutil.TriE2}, p.Dels.E)
	require.Len(t, p.Adds.E, 1)
	assert.Equal(t, ir.ToID(testutil.TriU), p.Adds.E[0].Src)
	assert.Equal(t, ir.ToID(testutil.TriW), p.Adds.E[0].Dst)
	assert.Equal(t, "E", p.Adds.E[0].Type)

	require.Len(t, res.Trace, 1)
	assert.Equal(t, TraceEntry{
		Seq:    1,
		Op:     ir.OpOnce,
		Event:  EventApplied,
		Rule:   "tri_collapse",
		Input:  testutil.Triangle().Version().String(),
		Output: g.Version().String(),
		Patch:  p.Hash().String(),
	}, res.Trace[0])
}

func TestEngine_OnceNoMatchIsNoOp(t *testing.T) {
	fx := setup(t, testutil.TrianglePatch())
	e := newEngine(t, fx)
	head := fx.st.Head()

	res, err := e.Run(context.Background(), once(testutil.DeleteVertexRule()))
	require.NoError(t, err)
	// Every vertex has an edge: each match violates the dangling-edge
	// condition and is skipped.
	assert.Equal(t, OutcomeNoOp, res.Outcome)
	assert.Equal(t, 0, res.Steps)
	assert.Equal(t, head.Version(), res.Version.Version())
	assert.Equal(t, head.Version(), fx.st.Head().Version())
	assert.Equal(t, []Event{EventNoOp}, events(res.Trace))
}

func TestEngine_ExhaustRunsToNoOp(t *testing.T) {
	for _, order := range []ir.Order{ir.OrderTopDown, ir.OrderBottomUp, ir.OrderFair} {
		t.Run(string(order), func(t *testing.T) {
			fx := setup(t, testutil.TrianglePatch())
			e := newEngine(t, fx)

			s := exhaust(testutil.DropEdgeRule())
			s.Order = order
			res, err := e.Run(context.Background(), s)
			require.NoError(t, err)
			assert.Equal(t, OutcomeApplied, res.Outcome)
			assert.Equal(t, 4, res.Steps)
			assert.Equal(t, 0, res.Version.EdgeCount())
			assert.Equal(t, 5, res.Version.VertexCount())
			assert.Equal(t, EventNoOp, res.Trace[len(res.Trace)-1].Event)
		})
	}
}

func TestEngine_ExhaustOrderChangesSequenceNotResult(t *testing.T) {
	run := func(order ir.Order) *Result {
		fx := setup(t, testutil.TrianglePatch())
		e := newEngine(t, fx)
		s := exhaust(testutil.DropEdgeRule())
		s.Order = order
		res, err := e.Run(context.Background(), s)
		require.NoError(t, err)
		return res
	}
	top, bottom := run(ir.OrderTopDown), run(ir.OrderBottomUp)

	assert.Equal(t, top.Version.Root(), bottom.Version.Root())
	assert.NotEqual(t, top.Trace[0].Patch, bottom.Trace[0].Patch)
}

func TestEngine_ExhaustNonTermination(t *testing.T) {
	run := func() *Failure {
		fx := setup(t, testutil.TrianglePatch())
		e := newEngine(t, fx, WithMaxSteps(5))
		_, err := e.Run(context.Background(), exhaust(testutil.GrowRule()))
		f := requireFailure(t, err)

		assert.True(t, ir.IsNonTermination(err))
		assert.Equal(t, "max_steps", ir.DetailOf(err, "reason"))
		assert.Equal(t, 5, f.Steps)
		assert.Equal(t, "5", ir.DetailOf(err, "steps"))
		assert.Equal(t, int64(6), f.LastVersion.Seq())
		assert.Equal(t, f.LastVersion.Version().String(), ir.DetailOf(err, "last_version"))
		// Committed steps stay committed.
		assert.Equal(t, f.LastVersion.Version(), fx.st.Head().Version())
		assert.Len(t, f.Trace, 5)
		return f
	}
	a, b := run(), run()
	assert.Equal(t, a.LastVersion.Version(), b.LastVersion.Version())
	assert.Equal(t, a.Trace, b.Trace)
}

func TestEngine_NodeMaxStepsOverridesEngine(t *testing.T) {
	fx := setup(t, testutil.TrianglePatch())
	e := newEngine(t, fx, WithMaxSteps(50))

	s := exhaust(testutil.GrowRule())
	s.MaxSteps = 3
	_, err := e.Run(context.Background(), s)
	f := requireFailure(t, err)
	assert.True(t, ir.IsNonTermination(err))
	assert.Equal(t, 3, f.Steps)
}

func TestEngine_ExhaustTerminatingAtBudgetSucceeds(t *testing.T) {
	fx := setup(t, testutil.TrianglePatch())
	e := newEngine(t, fx, WithMaxSteps(4))

	res, err := e.Run(context.Background(), exhaust(testutil.DropEdgeRule()))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Steps)
}

func TestEngine_MeasureIncrease(t *testing.T) {
	fx := setup(t, testutil.TrianglePatch())
	e := newEngine(t, fx)

	s := exhaust(testutil.GrowRule())
	s.Measure = "vertex_count"
	_, err := e.Run(context.Background(), s)
	f := requireFailure(t, err)
	assert.True(t, ir.IsNonTermination(err))
	assert.Equal(t, "measure_increased", ir.DetailOf(err, "reason"))
	assert.Equal(t, "5", ir.DetailOf(err, "before"))
	assert.Equal(t, "6", ir.DetailOf(err, "after"))
	assert.Equal(t, 1, f.Steps)

	s = exhaust(testutil.DropEdgeRule())
	s.Measure = "edge_count"
	res, err := e.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Steps)
}

func TestEngine_Seq(t *testing.T) {
	fx := setup(t, testutil.TrianglePatch())
	e := newEngine(t, fx)

	res, err := e.Run(context.Background(), &ir.Seq{Steps: []ir.Strategy{
		once(testutil.TriangleRule()),
		exhaust(testutil.DropEdgeRule()),
	}})
	require.NoError(t, err)
	// tri_collapse leaves x->u, w->y and u->w.
	assert.Equal(t, 4, res.Steps)
	assert.Equal(t, 0, res.Version.EdgeCount())
	assert.Equal(t, 4, res.Version.VertexCount())
}

func TestEngine_ChoiceAndPriorityAreLeftmostSuccess(t *testing.T) {
	build := map[string]func(...ir.Strategy) ir.Strategy{
		"choice":   func(alts ...ir.Strategy) ir.Strategy { return &ir.Choice{Alts: alts} },
		"priority": func(alts ...ir.Strategy) ir.Strategy { return &ir.Priority{Alts: alts} },
	}
	for name, mk := range build {
		t.Run(name, func(t *testing.T) {
			fx := setup(t, testutil.TrianglePatch())
			e := newEngine(t, fx)
			ctx := context.Background()

			// The first alternative applies; the second never runs.
			res, err := e.Run(ctx, mk(once(testutil.TriangleRule()), once(testutil.DropEdgeRule())))
			require.NoError(t, err)
			assert.Equal(t, 1, res.Steps)
			assert.Equal(t, "tri_collapse", res.Trace[0].Rule)

			// tri_collapse no longer matches; the second alternative wins.
			res, err = e.Run(ctx, mk(once(testutil.TriangleRule()), once(testutil.DropEdgeRule())))
			require.NoError(t, err)
			assert.Equal(t, OutcomeApplied, res.Outcome)
			assert.Equal(t, []Event{EventNoOp, EventApplied}, events(res.Trace))
			assert.Equal(t, "drop_edge", res.Trace[1].Rule)

			// Nothing applies.
			res, err = e.Run(ctx, mk(once(testutil.TriangleRule()), once(testutil.DeleteVertexRule())))
			require.NoError(t, err)
			assert.Equal(t, OutcomeNoOp, res.Outcome)
			assert.Equal(t, 0, res.Steps)
		})
	}
}

func TestEngine_While(t *testing.T) {
	fx := setup(t, testutil.TrianglePatch())
	e := newEngine(t, fx)

	res, err := e.Run(context.Background(), &ir.While{Pred: "has_edges", Body: once(testutil.DropEdgeRule())})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, 4, res.Steps)
	assert.Equal(t, EventPredFalse, res.Trace[len(res.Trace)-1].Event)
}

func TestEngine_WhileFalseFromStartIsNoOp(t *testing.T) {
	fx := setup(t, testutil.TrianglePatch())
	e := newEngine(t, fx)

	res, err := e.Run(context.Background(), &ir.While{Pred: "big", Body: once(testutil.GrowRule())})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, res.Outcome)
	assert.Equal(t, []Event{EventPredFalse}, events(res.Trace))
}

func TestEngine_WhileWithoutProgress(t *testing.T) {
	fx := setup(t, testutil.TrianglePatch())
	e := newEngine(t, fx)

	_, err := e.Run(context.Background(), &ir.While{Pred: "has_edges", Body: once(testutil.TriangleRule())})
	f := requireFailure(t, err)
	assert.True(t, ir.IsNonTermination(err))
	assert.Equal(t, "no_progress", ir.DetailOf(err, "reason"))
	assert.Equal(t, 1, f.Steps)
}

func TestEngine_WhileBudget(t *testing.T) {
	fx := setup(t, testutil.TrianglePatch())
	e := newEngine(t, fx)

	_, err := e.Run(context.Background(), &ir.While{Pred: "has_edges", MaxSteps: 2, Body: once(testutil.DropEdgeRule())})
	f := requireFailure(t, err)
	assert.True(t, ir.IsNonTermination(err))
	assert.Equal(t, "max_steps", ir.DetailOf(err, "reason"))
	assert.Equal(t, 2, f.Steps)
}

func TestEngine_LoadErrors(t *testing.T) {
	unknown := ir.HashWithDomain(ir.DomainRule, []byte("nope"))
	tests := []struct {
		name string
		s    ir.Strategy
	}{
		{"unknown rule", &ir.Once{Rule: unknown}},
		{"unknown rule in seq", &ir.Seq{Steps: []ir.Strategy{once(testutil.DropEdgeRule()), &ir.Once{Rule: unknown}}}},
		{"undefined predicate", &ir.While{Pred: "is_tree", Body: once(testutil.DropEdgeRule())}},
		{"undefined measure", &ir.Exhaust{Rule: testutil.MustHash(testutil.DropEdgeRule()), Measure: "entropy"}},
		{"empty seq", &ir.Seq{}},
		{"bad order", &ir.Once{Rule: testutil.MustHash(testutil.DropEdgeRule()), Order: "sideways"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := setup(t, testutil.TrianglePatch())
			e := newEngine(t, fx)
			head := fx.st.Head().Version()

			_, err := e.Run(context.Background(), tt.s)
			require.Error(t, err)
			assert.True(t, ir.IsSchemaError(err), "got %v", err)
			assert.Equal(t, head, fx.st.Head().Version(), "nothing may run before load fails")
		})
	}
}

func TestEngine_WithoutCatalog(t *testing.T) {
	fx := setupWithCatalog(t, testutil.TrianglePatch(), nil)
	e := newEngine(t, fx)
	head := fx.st.Head().Version()

	_, err := e.Run(context.Background(), &ir.While{Pred: "has_edges", Body: once(testutil.DropEdgeRule())})
	require.Error(t, err)
	assert.True(t, ir.IsSchemaError(err), "got %v", err)
	assert.Contains(t, err.Error(), "undefined predicate")
	assert.Equal(t, head, fx.st.Head().Version())

	// Rules still run; only schema checks are skipped.
	res, err := e.Run(context.Background(), once(testutil.DropEdgeRule()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, 3, res.Version.EdgeCount())
}

func TestEngine_NewRejectsBadRule(t *testing.T) {
	fx := setup(t, testutil.TrianglePatch())
	bad := testutil.DropEdgeRule()
	bad.L.Nodes[0].Type = "Q"
	bad.K.Nodes[0].Type = "Q"
	bad.R.Nodes[0].Type = "Q"

	_, err := New(fx.txm, []*ir.Rule{bad})
	require.Error(t, err)
	assert.True(t, ir.IsSchemaError(err))
}

func TestEngine_CancelledBeforeStart(t *testing.T) {
	fx := setup(t, testutil.TrianglePatch())
	e := newEngine(t, fx)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, exhaust(testutil.GrowRule()))
	f := requireFailure(t, err)
	assert.True(t, ir.IsCancelled(err))
	assert.Equal(t, 0, f.Steps)
	assert.Equal(t, testutil.Triangle().Version(), f.LastVersion.Version())
}

// sinkFunc adapts a function to ProvenanceSink.
type sinkFunc func(ctx context.Context, p store.Provenance) error

func (f sinkFunc) RecordProvenance(ctx context.Context, p store.Provenance) error {
	return f(ctx, p)
}

func TestEngine_CancelledMidRunKeepsCommittedSteps(t *testing.T) {
	fx := setup(t, testutil.TrianglePatch())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	records := 0
	e := newEngine(t, fx, WithProvenance(sinkFunc(func(context.Context, store.Provenance) error {
		records++
		if records == 3 {
			cancel()
		}
		return nil
	})))

	_, err := e.Run(ctx, exhaust(testutil.GrowRule()))
	f := requireFailure(t, err)
	assert.True(t, ir.IsCancelled(err))
	assert.Equal(t, 3, f.Steps)
	assert.Len(t, f.Trace, 3)
	assert.Equal(t, int64(4), fx.st.Head().Seq())
	assert.Equal(t, f.LastVersion.Version(), fx.st.Head().Version())
}

func TestEngine_TimeoutIsDistinctFromCancel(t *testing.T) {
	fx := setup(t, testutil.TrianglePatch())
	e := newEngine(t, fx,
		WithTimeout(20*time.Millisecond),
		WithProvenance(sinkFunc(func(ctx context.Context, _ store.Provenance) error {
			<-ctx.Done()
			return nil
		})))

	_, err := e.Run(context.Background(), exhaust(testutil.GrowRule()))
	f := requireFailure(t, err)
	assert.True(t, ir.IsTimeout(err))
	assert.False(t, ir.IsCancelled(err))
	assert.Equal(t, 1, f.Steps)
}

func TestEngine_ConflictRetry(t *testing.T) {
	fx := setup(t, testutil.TrianglePatch())
	var intrude sync.Once
	intruder := func(ctx context.Context, _ store.Provenance) error {
		var err error
		intrude.Do(func() {
			tx := fx.txm.Begin(nil)
			if err = fx.txm.Stage(tx, &ir.Patch{Adds: ir.Adds{V: []ir.NewVertex{{Ref: "z", Type: "V"}}}}); err != nil {
				return
			}
			_, err = fx.txm.Commit(ctx, tx)
		})
		return err
	}

	m := metrics.New()
	e := newEngine(t, fx, WithProvenance(sinkFunc(intruder)), WithMetrics(m))
	res, err := e.Run(context.Background(), exhaust(testutil.DropEdgeRule()))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Steps)
	assert.Equal(t, 6, res.Version.VertexCount(), "the concurrent commit is kept")
	assert.Equal(t, 0, res.Version.EdgeCount())
	assert.Contains(t, events(res.Trace), EventRetry)
	require.NoError(t, promtest.GatherAndCompare(m.Registry, strings.NewReader(`
# HELP grafting_engine_conflict_retries_total Steps retried after a commit conflict
# TYPE grafting_engine_conflict_retries_total counter
grafting_engine_conflict_retries_total 1
`), "grafting_engine_conflict_retries_total"))
}

func TestEngine_ConflictSurfacedAfterRetries(t *testing.T) {
	fx := setup(t, testutil.TrianglePatch())
	intruder := func(ctx context.Context, _ store.Provenance) error {
		tx := fx.txm.Begin(nil)
		if err := fx.txm.Stage(tx, &ir.Patch{Adds: ir.Adds{V: []ir.NewVertex{{Ref: "z", Type: "V"}}}}); err != nil {
			return err
		}
		_, err := fx.txm.Commit(ctx, tx)
		return err
	}

	e := newEngine(t, fx, WithProvenance(sinkFunc(intruder)), WithMaxRetries(0))
	_, err := e.Run(context.Background(), exhaust(testutil.DropEdgeRule()))
	f := requireFailure(t, err)
	assert.True(t, ir.IsConflict(err))
	assert.Equal(t, "0", ir.DetailOf(err, "retries"))
	assert.Equal(t, 1, f.Steps)
}

func TestEngine_RecordsProvenance(t *testing.T) {
	fx := setup(t, testutil.TrianglePatch())
	e := newEngine(t, fx, WithProvenance(fx.st))
	ctx := context.Background()

	s := once(testutil.TriangleRule())
	res, err := e.Run(ctx, s)
	require.NoError(t, err)

	plan, err := ir.StrategyHash(s)
	require.NoError(t, err)
	p, found, err := fx.st.LookupProvenance(ctx, testutil.Triangle().Version(), testutil.MustHash(testutil.TriangleRule()), plan)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, res.Version.Version(), p.Output)
	assert.Equal(t, int64(2), p.Seq)
}

func TestEngine_PatchCache(t *testing.T) {
	fx := setup(t, testutil.TrianglePatch())
	m := metrics.New()
	e := newEngine(t, fx, WithMetrics(m))

	// Both steps derive on the same version; the second is a hit.
	res, err := e.Run(context.Background(), &ir.Seq{Steps: []ir.Strategy{
		once(testutil.DeleteVertexRule()),
		once(testutil.DeleteVertexRule()),
	}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, res.Outcome)

	require.NoError(t, promtest.GatherAndCompare(m.Registry, strings.NewReader(`
# HELP grafting_engine_patch_cache_total Patch cache lookups by result (hit, miss)
# TYPE grafting_engine_patch_cache_total counter
grafting_engine_patch_cache_total{result="hit"} 1
grafting_engine_patch_cache_total{result="miss"} 1
`), "grafting_engine_patch_cache_total"))
}

func TestEngine_DeterministicAcrossWorkers(t *testing.T) {
	run := func(workers int) *Result {
		fx := setup(t, testutil.TrianglePatch())
		e := newEngine(t, fx, WithWorkers(workers))
		res, err := e.Run(context.Background(), &ir.Seq{Steps: []ir.Strategy{
			exhaust(testutil.TriangleRule()),
			exhaust(testutil.DropEdgeRule()),
		}})
		require.NoError(t, err)
		return res
	}
	want := run(1)
	for _, w := range []int{2, 8} {
		got := run(w)
		assert.Equal(t, want.Version.Version(), got.Version.Version(), "workers=%d", w)
		assert.Equal(t, want.Trace, got.Trace, "workers=%d", w)
	}
}

func TestEngine_ConcurrentRunsShareTheStore(t *testing.T) {
	p := &ir.Patch{}
	for i := 0; i < 16; i++ {
		p.Adds.V = append(p.Adds.V, ir.NewVertex{Ref: string(rune('a' + i)), Type: "V"})
	}
	fx := setup(t, p)
	e := newEngine(t, fx, WithMaxRetries(100))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.Run(context.Background(), exhaust(testutil.DeleteVertexRule()))
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 0, fx.st.Head().VertexCount())
}

var _ ProvenanceSink = (*store.Store)(nil)
