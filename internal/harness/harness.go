package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/roach88/grafting/internal/catalog"
	"github.com/roach88/grafting/internal/compiler"
	"github.com/roach88/grafting/internal/config"
	"github.com/roach88/grafting/internal/engine"
	"github.com/roach88/grafting/internal/graph"
	"github.com/roach88/grafting/internal/ir"
	"github.com/roach88/grafting/internal/store"
	"github.com/roach88/grafting/internal/testutil"
	"github.com/roach88/grafting/internal/txn"
)

// Harness holds the state of one scenario execution.
type Harness struct {
	store    *store.Store
	txm      *txn.Manager
	engine   *engine.Engine
	module   *compiler.Module
	catalog  *catalog.Catalog
	logger   *slog.Logger
	assigned graph.Assigned
	seqs     map[string]int64
}

// Run executes a scenario and returns the result.
//
// The returned error covers setup problems: specs that do not compile, a
// start graph the catalog rejects, a run naming an unknown strategy.
// Mismatched expectations and failed assertions are reported in the
// Result instead.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller context. Cancelling it cancels the
// current strategy run.
//
// Execution flow:
// 1. Compile and validate the specs
// 2. Open a fresh in-memory store and commit the start graph
// 3. Run each strategy and check its expect clause
// 4. Evaluate assertions against the trace and the final head
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	mod, errs := compiler.CompileFiles(scenario.Specs...)
	if len(errs) > 0 {
		return nil, fmt.Errorf("compile specs: %w", errors.Join(errs...))
	}
	if verrs := compiler.Validate(mod); len(verrs) > 0 {
		joined := make([]error, len(verrs))
		for i, e := range verrs {
			joined[i] = e
		}
		return nil, fmt.Errorf("validate specs: %w", errors.Join(joined...))
	}
	cat, err := catalog.New(mod.Catalog)
	if err != nil {
		return nil, fmt.Errorf("build catalog: %w", err)
	}

	logger := testutil.DiscardLogger()
	st, err := store.Open(store.Config{Backend: store.BackendMemory, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	// One generator for transactions and runs keeps every id in the
	// scenario reproducible.
	ids := testutil.NewSequentialIDs()
	txm := txn.NewManager(st, cat, txn.WithIDGenerator(ids), txn.WithLogger(logger))

	cfg := config.Default()
	cfg.Engine = scenario.Engine
	opts := append(cfg.EngineOptions(),
		engine.WithIDGenerator(ids),
		engine.WithProvenance(st),
		engine.WithLogger(logger),
	)
	eng, err := engine.New(txm, mod.Rules, opts...)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	defer eng.Close()

	h := &Harness{
		store:   st,
		txm:     txm,
		engine:  eng,
		module:  mod,
		catalog: cat,
		logger:  logger,
		seqs:    map[string]int64{},
	}

	if err := h.commitStart(ctx, scenario); err != nil {
		return nil, fmt.Errorf("failed to commit start graph: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Runs {
		if err := h.executeRun(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("runs[%d]: %w", i, err)
		}
	}
	result.Final = st.Head()

	actx := &AssertionContext{
		Final:    result.Final,
		Catalog:  cat,
		Assigned: h.assigned,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// commitStart commits the scenario's start graph as version 1. A scenario
// without a graph starts from the empty genesis version.
func (h *Harness) commitStart(ctx context.Context, sc *Scenario) error {
	var (
		p   *ir.Patch
		err error
	)
	switch {
	case sc.Graph != nil:
		p, err = sc.Graph.Patch()
	case sc.GraphFile != "":
		p, err = loadGraphFile(sc.GraphFile)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	if p.IsEmpty() {
		return nil
	}

	tx := h.txm.Begin(nil)
	if err := h.txm.Stage(tx, p); err != nil {
		_ = h.txm.Abort(tx)
		return err
	}
	if _, err := h.txm.Commit(ctx, tx); err != nil {
		_ = h.txm.Abort(tx)
		return err
	}
	h.assigned = tx.Assigned()
	h.logger.Info("start graph committed", "vertices", len(p.Adds.V), "edges", len(p.Adds.E))
	return nil
}

func loadGraphFile(path string) (*ir.Patch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph file: %w", err)
	}
	doc, err := graph.ParseNodeLink(data)
	if err != nil {
		return nil, err
	}
	return doc.Patch()
}

// Patch converts the inline graph into a patch of additions. Scenario ids
// become patch refs.
func (g *GraphSpec) Patch() (*ir.Patch, error) {
	p := &ir.Patch{}
	for _, v := range g.Vertices {
		props, err := ir.ObjectFromGo(v.Props)
		if err != nil {
			return nil, fmt.Errorf("vertex %s props: %w", v.ID, err)
		}
		p.Adds.V = append(p.Adds.V, ir.NewVertex{Ref: v.ID, Type: v.Type, Props: props})
	}
	for _, e := range g.Edges {
		props, err := ir.ObjectFromGo(e.Props)
		if err != nil {
			return nil, fmt.Errorf("edge %s props: %w", e.ID, err)
		}
		p.Adds.E = append(p.Adds.E, ir.NewEdge{
			Ref:   e.ID,
			Src:   ir.ToRef(e.Src),
			Dst:   ir.ToRef(e.Dst),
			Type:  e.Type,
			Props: props,
		})
	}
	return p, nil
}

// executeRun runs one strategy on the current head, records its trace and
// outcome, and checks the expect clause.
func (h *Harness) executeRun(ctx context.Context, index int, step RunStep, result *Result) error {
	s, ok := h.module.Strategy(step.Strategy)
	if !ok {
		return fmt.Errorf("unknown strategy %q", step.Strategy)
	}

	res, runErr := h.engine.Run(ctx, s)
	outcome := RunOutcome{Strategy: step.Strategy}
	var trace []engine.TraceEntry
	var failure *engine.Failure
	switch {
	case runErr == nil:
		outcome.Outcome = string(res.Outcome)
		outcome.Steps = res.Steps
		trace = res.Trace
	case errors.As(runErr, &failure):
		outcome.Error = errorCode(runErr)
		outcome.Steps = failure.Steps
		trace = failure.Trace
	default:
		return runErr
	}

	for _, t := range trace {
		ev, err := h.traceEvent(ctx, index, t)
		if err != nil {
			return err
		}
		result.Trace = append(result.Trace, ev)
	}
	result.Runs = append(result.Runs, outcome)

	h.logger.Info("run completed",
		"run", index,
		"strategy", step.Strategy,
		"outcome", outcome.Outcome,
		"error", outcome.Error,
		"steps", outcome.Steps,
	)

	for _, msg := range checkExpect(step, outcome, runErr) {
		result.AddError(fmt.Sprintf("runs[%d] (%s): %s", index, step.Strategy, msg))
	}
	return nil
}

// checkExpect compares a run against its expect clause. A missing clause
// expects success with any outcome.
func checkExpect(step RunStep, got RunOutcome, runErr error) []string {
	x := step.Expect
	if x == nil {
		if runErr != nil {
			return []string{fmt.Sprintf("unexpected error: %v", runErr)}
		}
		return nil
	}

	var msgs []string
	switch {
	case x.Error != "" && runErr == nil:
		msgs = append(msgs, fmt.Sprintf("expected error %s, got outcome %s", x.Error, got.Outcome))
	case x.Error != "" && got.Error != x.Error:
		msgs = append(msgs, fmt.Sprintf("expected error %s, got %s (%v)", x.Error, got.Error, runErr))
	case x.Outcome != "" && runErr != nil:
		msgs = append(msgs, fmt.Sprintf("expected outcome %s, got error: %v", x.Outcome, runErr))
	case x.Outcome != "" && got.Outcome != x.Outcome:
		msgs = append(msgs, fmt.Sprintf("expected outcome %s, got %s", x.Outcome, got.Outcome))
	}
	if x.Steps != nil && got.Steps != *x.Steps {
		msgs = append(msgs, fmt.Sprintf("expected %d steps, got %d", *x.Steps, got.Steps))
	}
	if runErr != nil {
		for k, want := range x.Details {
			if have := ir.DetailOf(runErr, k); have != want {
				msgs = append(msgs, fmt.Sprintf("detail %s: expected %q, got %q", k, want, have))
			}
		}
	}
	return msgs
}

func errorCode(err error) string {
	if code := ir.CodeOf(err); code != "" {
		return string(code)
	}
	return "error"
}

// traceEvent converts an engine trace entry, replacing version hashes
// with sequence numbers.
func (h *Harness) traceEvent(ctx context.Context, run int, t engine.TraceEntry) (TraceEvent, error) {
	ev := TraceEvent{
		Run:   run,
		Seq:   t.Seq,
		Op:    string(t.Op),
		Event: string(t.Event),
		Rule:  t.Rule,
		Pred:  t.Pred,
	}
	var err error
	if ev.From, err = h.seqOf(ctx, t.Input); err != nil {
		return ev, err
	}
	if t.Output != "" {
		if ev.To, err = h.seqOf(ctx, t.Output); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

func (h *Harness) seqOf(ctx context.Context, hex string) (int64, error) {
	if seq, ok := h.seqs[hex]; ok {
		return seq, nil
	}
	hash, err := ir.ParseHash(hex)
	if err != nil {
		return 0, fmt.Errorf("trace version %q: %w", hex, err)
	}
	r, err := h.store.OpenVersion(ctx, hash)
	if err != nil {
		return 0, err
	}
	h.seqs[hex] = r.Seq()
	return r.Seq(), nil
}
