package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/grafting/internal/catalog"
	"github.com/roach88/grafting/internal/graph"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d.%d] %s %s", ev.Run, ev.Seq, ev.Op, ev.Event)
			if ev.Rule != "" {
				fmt.Fprintf(&buf, " rule=%s", ev.Rule)
			}
			if ev.Pred != "" {
				fmt.Fprintf(&buf, " pred=%s", ev.Pred)
			}
			if ev.To != 0 {
				fmt.Fprintf(&buf, " %d->%d", ev.From, ev.To)
			}
			buf.WriteByte('\n')
		}
	}

	return buf.String()
}

// AssertionContext provides the final graph for state assertions.
type AssertionContext struct {
	Final    *graph.Ref
	Catalog  *catalog.Catalog
	Assigned graph.Assigned // scenario vertex id -> StableID
}

// matches reports whether ev satisfies every filter set on a.
func matches(ev TraceEvent, a Assertion) bool {
	return (a.Rule == "" || ev.Rule == a.Rule) &&
		(a.Event == "" || ev.Event == a.Event) &&
		(a.Op == "" || ev.Op == a.Op) &&
		(a.Pred == "" || ev.Pred == a.Pred)
}

func describe(a Assertion) string {
	var parts []string
	for _, kv := range [][2]string{{"rule", a.Rule}, {"event", a.Event}, {"op", a.Op}, {"pred", a.Pred}} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	return strings.Join(parts, " ")
}

// assertTraceContains checks that some trace event matches the filters.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, ev := range trace {
		if matches(ev, assertion) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("event with %s", describe(assertion)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that applied rewrites of the listed rules occur
// as a subsequence of the trace. Other rewrites may come in between.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	next := 0
	for _, ev := range trace {
		if next == len(assertion.Rules) {
			break
		}
		if ev.Event == "applied" && ev.Rule == assertion.Rules[next] {
			next++
		}
	}
	if next < len(assertion.Rules) {
		return &AssertionError{
			Type:     AssertTraceOrder,
			Expected: fmt.Sprintf("rewrites in order: %v", assertion.Rules),
			Actual:   fmt.Sprintf("no applied %s after %v", assertion.Rules[next], assertion.Rules[:next]),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceCount checks that matching events occur exactly Count times.
// Event defaults to applied.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	if assertion.Event == "" {
		assertion.Event = "applied"
	}
	count := 0
	for _, ev := range trace {
		if matches(ev, assertion) {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d events with %s", assertion.Count, describe(assertion)),
			Actual:   fmt.Sprintf("%d events", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks element counts of the final graph. Types counts
// vertices and edges by label.
func assertFinalState(g *graph.Ref, assertion Assertion) error {
	fail := func(expected, actual string) error {
		return &AssertionError{Type: AssertFinalState, Expected: expected, Actual: actual}
	}
	if assertion.Vertices != nil && g.VertexCount() != *assertion.Vertices {
		return fail(fmt.Sprintf("%d vertices", *assertion.Vertices), fmt.Sprintf("%d vertices", g.VertexCount()))
	}
	if assertion.Edges != nil && g.EdgeCount() != *assertion.Edges {
		return fail(fmt.Sprintf("%d edges", *assertion.Edges), fmt.Sprintf("%d edges", g.EdgeCount()))
	}

	// Sorted for a stable first failure.
	types := make([]string, 0, len(assertion.Types))
	for t := range assertion.Types {
		types = append(types, t)
	}
	slices.Sort(types)
	for _, t := range types {
		if got := g.TypeCount(t); got != assertion.Types[t] {
			return fail(fmt.Sprintf("%d elements of type %s", assertion.Types[t], t), fmt.Sprintf("%d", got))
		}
	}
	return nil
}

// assertEdge counts edges from Src to Dst in the final graph. Endpoints
// are start-graph ids; a deleted endpoint has no edges.
func assertEdge(actx *AssertionContext, assertion Assertion) error {
	src, ok := actx.Assigned[assertion.Src]
	if !ok {
		return fmt.Errorf("edge assertion: %q is not a start vertex", assertion.Src)
	}
	dst, ok := actx.Assigned[assertion.Dst]
	if !ok {
		return fmt.Errorf("edge assertion: %q is not a start vertex", assertion.Dst)
	}

	count := 0
	for _, e := range actx.Final.EdgesOut(src) {
		if e.Dst == dst {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertEdge,
			Expected: fmt.Sprintf("%d edges %s->%s", assertion.Count, assertion.Src, assertion.Dst),
			Actual:   fmt.Sprintf("%d edges", count),
		}
	}
	return nil
}

// assertPredicate evaluates a catalog predicate on the final graph.
func assertPredicate(actx *AssertionContext, assertion Assertion) error {
	if actx.Catalog == nil {
		return fmt.Errorf("predicate assertion: no catalog")
	}
	pred, err := actx.Catalog.Predicate(assertion.Predicate)
	if err != nil {
		return fmt.Errorf("predicate assertion: %w", err)
	}
	holds, err := pred.Eval(actx.Final)
	if err != nil {
		return fmt.Errorf("predicate assertion: %w", err)
	}
	if holds != assertion.Holds {
		return &AssertionError{
			Type:     AssertPredicate,
			Expected: fmt.Sprintf("%s = %t", assertion.Predicate, assertion.Holds),
			Actual:   fmt.Sprintf("%s = %t", assertion.Predicate, holds),
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides the final graph for state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState, AssertEdge, AssertPredicate:
			if actx == nil || actx.Final == nil {
				err = fmt.Errorf("assertion[%d]: %s requires the final graph", i, assertion.Type)
				break
			}
			switch assertion.Type {
			case AssertFinalState:
				err = assertFinalState(actx.Final, assertion)
			case AssertEdge:
				err = assertEdge(actx, assertion)
			default:
				err = assertPredicate(actx, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
