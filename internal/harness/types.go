package harness

import "github.com/roach88/grafting/internal/graph"

// TraceEvent is one engine trace entry, tagged with the scenario run it
// came from. Versions are named by sequence number.
type TraceEvent struct {
	Run   int    `json:"run"`
	Seq   int64  `json:"seq"`
	Op    string `json:"op"`
	Event string `json:"event"`
	Rule  string `json:"rule,omitempty"`
	Pred  string `json:"pred,omitempty"`
	From  int64  `json:"from"`
	To    int64  `json:"to,omitempty"`
}

// RunOutcome is how one strategy run ended.
type RunOutcome struct {
	Strategy string `json:"strategy"`
	Outcome  string `json:"outcome,omitempty"` // applied or no_op on success
	Error    string `json:"error,omitempty"`   // error code on failure
	Steps    int    `json:"steps"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every run matched its expectation and every assertion held.
	Pass bool `json:"pass"`

	// Trace contains the trace events of all runs in order.
	Trace []TraceEvent `json:"trace"`

	// Runs has one entry per scenario run.
	Runs []RunOutcome `json:"runs"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Final is the head after the last run.
	Final *graph.Ref `json:"-"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Runs:   []RunOutcome{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
