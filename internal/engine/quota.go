package engine

import (
	"strconv"

	"github.com/roach88/grafting/internal/ir"
)

// DefaultMaxSteps bounds Exhaust and While loops that do not set their own
// max_steps.
const DefaultMaxSteps = 1000

// DefaultMaxRetries is how often a step re-derives its patch after losing
// a commit race before the Conflict is surfaced.
const DefaultMaxRetries = 8

// budget counts the iterations of one loop node against its limit.
//
// A loop may run exactly limit iterations. Wanting one more is
// non-termination; the loop is never silently truncated.
type budget struct {
	limit int
	used  int
}

func newBudget(nodeLimit, engineLimit int) *budget {
	if nodeLimit > 0 {
		return &budget{limit: nodeLimit}
	}
	return &budget{limit: engineLimit}
}

// spend records one iteration.
func (b *budget) spend() {
	b.used++
}

// exhausted reports whether another iteration would exceed the limit.
func (b *budget) exhausted() bool {
	return b.used >= b.limit
}

// exceeded builds the NON_TERMINATION error for a loop that wanted to run
// past its budget.
func (b *budget) exceeded(node string) error {
	return ir.Errorf(ir.CodeNonTermination, "%s did not terminate within %d steps", node, b.limit).
		With("reason", "max_steps").
		With("max_steps", strconv.Itoa(b.limit))
}
