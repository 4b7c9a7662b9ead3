package engine

import "github.com/roach88/grafting/internal/ir"

// Event names what happened at one trace entry.
type Event string

const (
	EventApplied   Event = "applied"
	EventNoOp      Event = "no_op"
	EventRetry     Event = "retry"
	EventPredTrue  Event = "pred_true"
	EventPredFalse Event = "pred_false"
)

// TraceEntry records one interpreter step that touched the graph or
// decided a loop. Seq comes from the run's Clock.
type TraceEntry struct {
	Seq    int64  `json:"seq" yaml:"seq"`
	Op     ir.Op  `json:"op" yaml:"op"`
	Event  Event  `json:"event" yaml:"event"`
	Rule   string `json:"rule,omitempty" yaml:"rule,omitempty"`
	Pred   string `json:"pred,omitempty" yaml:"pred,omitempty"`
	Input  string `json:"input" yaml:"input"`
	Output string `json:"output,omitempty" yaml:"output,omitempty"`
	Patch  string `json:"patch,omitempty" yaml:"patch,omitempty"`
}

// Outcome is how a strategy reached Done.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeNoOp    Outcome = "no_op"
)
