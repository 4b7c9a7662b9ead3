package engine

import (
	"context"
	"errors"
	"strconv"

	"github.com/roach88/grafting/internal/catalog"
	"github.com/roach88/grafting/internal/graph"
	"github.com/roach88/grafting/internal/ir"
	"github.com/roach88/grafting/internal/rewrite"
	"github.com/roach88/grafting/internal/store"
)

// Run interprets s starting from the store head.
//
// Each rewrite is its own transaction: derive the patch on the current
// version, begin on it, stage, commit. A commit that loses a race is
// re-derived on the new head, up to the retry bound. Cancellation and
// the timeout are checked between interpreter steps. On failure the
// error is a *Failure carrying the last version reached, the number of
// committed steps and the partial trace; the committed steps stay.
func (e *Engine) Run(ctx context.Context, s ir.Strategy) (*Result, error) {
	if err := e.Load(s); err != nil {
		return nil, err
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	r := &run{
		e:       e,
		ctx:     ctx,
		id:      e.ids.NewID(),
		clock:   NewClock(),
		current: e.txm.Head(),
	}
	start := r.current.Version()
	e.logger.Debug("run starting", "run", r.id, "op", s.Op(), "version", start.Short())

	applied, err := r.exec(s)
	if err != nil {
		outcome := string(ir.CodeOf(err))
		if outcome == "" {
			outcome = "error"
		}
		e.metrics.IncRun(outcome)
		f := newFailure(err, r.current, r.steps, r.trace)
		if ir.IsCancelled(err) {
			e.logger.Info("run cancelled", "run", r.id, "version", r.current.Version().Short(), "steps", r.steps)
		} else {
			e.logger.Warn("run failed", "run", r.id, "version", r.current.Version().Short(), "steps", r.steps, "error", err)
		}
		return nil, f
	}

	res := &Result{RunID: r.id, Outcome: OutcomeNoOp, Version: r.current, Steps: r.steps, Trace: r.trace}
	if applied {
		res.Outcome = OutcomeApplied
	}
	e.metrics.IncRun(string(res.Outcome))
	e.logger.Info("run done",
		"run", r.id,
		"outcome", res.Outcome,
		"steps", r.steps,
		"from", start.Short(),
		"to", r.current.Version().Short(),
	)
	return res, nil
}

// run is the interpreter state of one Run.
type run struct {
	e       *Engine
	ctx     context.Context
	id      string
	clock   *Clock
	current *graph.Ref
	steps   int
	trace   []TraceEntry
}

// frame is one strategy node on the interpreter stack.
type frame struct {
	node     ir.Strategy
	next     int
	applied  bool
	budget   *budget
	progress *progress
	pred     *catalog.Predicate
	measure  catalog.Measure
	mname    string
	last     int64
}

func (r *run) enter(n ir.Strategy) *frame {
	f := &frame{node: n}
	switch v := n.(type) {
	case *ir.Exhaust:
		f.budget = newBudget(v.MaxSteps, r.e.maxSteps)
		r.setMeasure(f, v.Measure)
	case *ir.While:
		f.budget = newBudget(v.MaxSteps, r.e.maxSteps)
		f.progress = newProgress()
		f.pred, _ = r.e.cat.Predicate(v.Pred)
		r.setMeasure(f, v.Measure)
	}
	return f
}

func (r *run) setMeasure(f *frame, name string) {
	if name == "" {
		return
	}
	f.measure, _ = r.e.cat.Measure(name)
	f.mname = name
	f.last = f.measure(r.current)
}

// exec runs the strategy tree with an explicit stack. Each loop turn is
// one interpreter step; the context is checked between steps and nowhere
// else in the interpreter.
func (r *run) exec(root ir.Strategy) (bool, error) {
	stack := []*frame{r.enter(root)}
	var ret *bool
	for len(stack) > 0 {
		if err := r.ctx.Err(); err != nil {
			return false, interrupted(err)
		}
		f := stack[len(stack)-1]
		child, done, err := r.advance(f, ret)
		ret = nil
		if err != nil {
			return false, err
		}
		switch {
		case done:
			stack = stack[:len(stack)-1]
			applied := f.applied
			ret = &applied
		case child != nil:
			stack = append(stack, r.enter(child))
		}
	}
	return *ret, nil
}

// advance moves f one step. ret is the result of the child that just
// returned to f, nil if f is resuming on its own. It returns a child to
// push, or done when f reached its terminal state.
func (r *run) advance(f *frame, ret *bool) (ir.Strategy, bool, error) {
	if ret != nil && *ret {
		f.applied = true
	}

	switch n := f.node.(type) {
	case *ir.Once:
		applied, err := r.apply(n, n.Rule, n.Order)
		f.applied = applied
		return nil, true, err

	case *ir.Exhaust:
		if f.budget.exhausted() {
			p, err := r.derive(n.Rule, n.Order)
			if err != nil {
				return nil, false, err
			}
			if p != nil {
				return nil, false, f.budget.exceeded(string(ir.OpExhaust))
			}
			r.emit(TraceEntry{Op: ir.OpExhaust, Event: EventNoOp, Rule: r.e.rules[n.Rule].Name})
			return nil, true, nil
		}
		applied, err := r.apply(n, n.Rule, n.Order)
		if err != nil || !applied {
			return nil, true, err
		}
		f.applied = true
		f.budget.spend()
		return nil, false, r.checkMeasure(f)

	case *ir.While:
		if ret != nil {
			f.budget.spend()
			if err := r.checkMeasure(f); err != nil {
				return nil, false, err
			}
		}
		holds, err := f.pred.Eval(r.current)
		if err != nil {
			return nil, false, err
		}
		if !holds {
			r.emit(TraceEntry{Op: ir.OpWhile, Event: EventPredFalse, Pred: n.Pred})
			return nil, true, nil
		}
		r.emit(TraceEntry{Op: ir.OpWhile, Event: EventPredTrue, Pred: n.Pred})
		if f.budget.exhausted() {
			return nil, false, f.budget.exceeded(string(ir.OpWhile))
		}
		v := r.current.Version()
		if f.progress.revisits(v) {
			return nil, false, noProgress(v)
		}
		f.progress.record(v)
		return n.Body, false, nil

	case *ir.Seq:
		if f.next < len(n.Steps) {
			f.next++
			return n.Steps[f.next-1], false, nil
		}
		return nil, true, nil

	case *ir.Choice:
		return leftmost(f, n.Alts)

	case *ir.Priority:
		return leftmost(f, n.Alts)
	}
	return nil, false, ir.Errorf(ir.CodeSchema, "unknown strategy op %q", f.node.Op())
}

// leftmost tries alternatives in order until one applies.
func leftmost(f *frame, alts []ir.Strategy) (ir.Strategy, bool, error) {
	if f.applied || f.next >= len(alts) {
		return nil, true, nil
	}
	f.next++
	return alts[f.next-1], false, nil
}

func (r *run) checkMeasure(f *frame) error {
	if f.measure == nil {
		return nil
	}
	m := f.measure(r.current)
	if m > f.last {
		return ir.Errorf(ir.CodeNonTermination, "measure %s increased from %d to %d", f.mname, f.last, m).
			With("reason", "measure_increased").
			With("measure", f.mname).
			With("before", strconv.FormatInt(f.last, 10)).
			With("after", strconv.FormatInt(m, 10))
	}
	f.last = m
	return nil
}

// apply performs one rewrite of rule on the current version. It reports
// false when the rule has no applicable match.
func (r *run) apply(node ir.Strategy, h ir.Hash, order ir.Order) (bool, error) {
	rule := r.e.rules[h]
	for attempt := 0; ; attempt++ {
		input := r.current
		p, err := r.derive(h, order)
		if err != nil {
			return false, err
		}
		if p == nil {
			r.emit(TraceEntry{Op: node.Op(), Event: EventNoOp, Rule: rule.Name})
			return false, nil
		}

		out, err := r.commit(input, p)
		if ir.IsConflict(err) {
			if attempt >= r.e.maxRetries {
				var ce *ir.Error
				if errors.As(err, &ce) {
					ce.With("retries", strconv.Itoa(attempt))
				}
				return false, err
			}
			r.e.metrics.IncRetry()
			r.e.logger.Debug("commit conflict, retrying", "run", r.id, "rule", rule.Name, "attempt", attempt+1)
			r.emit(TraceEntry{Op: node.Op(), Event: EventRetry, Rule: rule.Name})
			r.current = r.e.txm.Head()
			continue
		}
		if err != nil {
			return false, err
		}

		r.current = out
		r.steps++
		r.e.metrics.IncStep(string(node.Op()))
		r.emit(TraceEntry{
			Op:     node.Op(),
			Event:  EventApplied,
			Rule:   rule.Name,
			Output: out.Version().String(),
			Patch:  p.Hash().String(),
		}, input)
		if err := r.record(node, h, input, out, p); err != nil {
			return true, err
		}
		return true, nil
	}
}

// derive returns the patch of the first match of rule on the current
// version whose pushout exists, or nil. Matches that violate the
// dangling-edge condition are skipped.
func (r *run) derive(h ir.Hash, order ir.Order) (*ir.Patch, error) {
	rule := r.e.rules[h]
	g := r.current
	key := cacheKey(g.Version(), h, order)
	if d, ok := r.e.cache.get(key); ok {
		r.e.metrics.IncPatchCache(true)
		return d.patch, nil
	}
	r.e.metrics.IncPatchCache(false)

	opts := []rewrite.Option{rewrite.WithOrder(order), rewrite.WithWorkers(r.e.workers)}
	if r.e.nonInjective {
		opts = append(opts, rewrite.WithNonInjective())
	}
	ms, err := rewrite.FindMatches(r.ctx, rule, g, r.e.cat, opts...)
	if err != nil {
		return nil, err
	}

	var (
		chosen *ir.Patch
		seen   int
	)
	for m := range ms.All() {
		seen++
		p, err := rewrite.DerivePatch(rule, m, g)
		if ir.IsStructuralViolation(err) {
			r.e.logger.Debug("skipping match", "rule", rule.Name, "anchor", m.Anchor, "reason", ir.DetailOf(err, "reason"))
			continue
		}
		if err != nil {
			return nil, err
		}
		chosen = p
		break
	}
	if err := ms.Err(); err != nil {
		return nil, err
	}
	r.e.metrics.AddMatches(rule.Name, seen)
	r.e.cache.put(key, derived{patch: chosen})
	return chosen, nil
}

func (r *run) commit(input *graph.Ref, p *ir.Patch) (*graph.Ref, error) {
	txm := r.e.txm
	tx := txm.Begin(input)
	if err := txm.Stage(tx, p); err != nil {
		_ = txm.Abort(tx)
		return nil, err
	}
	out, err := txm.Commit(r.ctx, tx)
	if err != nil {
		_ = txm.Abort(tx)
		return nil, err
	}
	return out, nil
}

// record hands the step to the provenance sink. The plan is the hash of
// the strategy node that applied the rule.
func (r *run) record(node ir.Strategy, rule ir.Hash, input, output *graph.Ref, p *ir.Patch) error {
	if r.e.provenance == nil {
		return nil
	}
	plan, err := ir.StrategyHash(node)
	if err != nil {
		return err
	}
	return r.e.provenance.RecordProvenance(r.ctx, store.Provenance{
		Input:  input.Version(),
		Rule:   rule,
		Plan:   plan,
		Output: output.Version(),
		Patch:  p.Hash(),
		Seq:    output.Seq(),
	})
}

// emit appends a trace entry stamped with the next clock value. The input
// defaults to the current version.
func (r *run) emit(t TraceEntry, input ...*graph.Ref) {
	t.Seq = r.clock.Next()
	in := r.current
	if len(input) > 0 {
		in = input[0]
	}
	t.Input = in.Version().String()
	r.trace = append(r.trace, t)
}

// interrupted maps a context error to TIMEOUT or CANCELLED.
func interrupted(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ir.Wrap(ir.CodeTimeout, err, "run exceeded its time budget")
	}
	return ir.Wrap(ir.CodeCancelled, err, "run cancelled")
}
