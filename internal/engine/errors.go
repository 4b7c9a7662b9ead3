package engine

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/roach88/grafting/internal/graph"
	"github.com/roach88/grafting/internal/ir"
)

// Failure is returned by Run when a strategy does not reach Done.
//
// Every step committed before the failure stays committed; LastVersion is
// the version the run had reached and the place to resume from. Failure
// unwraps to the typed *ir.Error, so ir.CodeOf and the ir.Is* helpers
// see through it. The cause's details also carry last_version and steps.
type Failure struct {
	// Err is the cause: NON_TERMINATION, TIMEOUT, CANCELLED, CONFLICT,
	// SCHEMA_ERROR, STRUCTURAL_VIOLATION or a store error.
	Err error

	// LastVersion is the last version the run produced or started from.
	LastVersion *graph.Ref

	// Steps is the number of rewrites the run committed.
	Steps int

	// Trace is the partial trace up to the failure.
	Trace []TraceEntry
}

// Error implements the error interface.
func (f *Failure) Error() string {
	var e *ir.Error
	if errors.As(f.Err, &e) {
		return f.Err.Error()
	}
	return fmt.Sprintf("%v (last_version=%s, steps=%d)", f.Err, f.LastVersion.Version().Short(), f.Steps)
}

// Unwrap returns the cause.
func (f *Failure) Unwrap() error {
	return f.Err
}

func newFailure(err error, last *graph.Ref, steps int, trace []TraceEntry) *Failure {
	var e *ir.Error
	if errors.As(err, &e) {
		e.With("last_version", last.Version().String()).With("steps", strconv.Itoa(steps))
	}
	return &Failure{Err: err, LastVersion: last, Steps: steps, Trace: trace}
}
