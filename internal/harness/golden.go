package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/grafting/internal/ir"
)

// TraceSnapshot captures the runs and trace of one scenario execution.
// It serializes as canonical JSON for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Runs         []RunOutcome `json:"runs"`
	Trace        []TraceEvent `json:"trace"`
}

// NewSnapshot builds the snapshot of a result.
func NewSnapshot(name string, result *Result) TraceSnapshot {
	return TraceSnapshot{ScenarioName: name, Runs: result.Runs, Trace: result.Trace}
}

// Canonical returns the snapshot as canonical JSON. Empty optional fields
// are omitted.
func (s TraceSnapshot) Canonical() ([]byte, error) {
	runs := make(ir.List, len(s.Runs))
	for i, r := range s.Runs {
		obj := ir.Object{
			"strategy": ir.Str(r.Strategy),
			"steps":    ir.Int(r.Steps),
		}
		if r.Outcome != "" {
			obj["outcome"] = ir.Str(r.Outcome)
		}
		if r.Error != "" {
			obj["error"] = ir.Str(r.Error)
		}
		runs[i] = obj
	}

	trace := make(ir.List, len(s.Trace))
	for i, ev := range s.Trace {
		obj := ir.Object{
			"run":   ir.Int(ev.Run),
			"seq":   ir.Int(ev.Seq),
			"op":    ir.Str(ev.Op),
			"event": ir.Str(ev.Event),
			"from":  ir.Int(ev.From),
		}
		if ev.Rule != "" {
			obj["rule"] = ir.Str(ev.Rule)
		}
		if ev.Pred != "" {
			obj["pred"] = ir.Str(ev.Pred)
		}
		if ev.To != 0 {
			obj["to"] = ir.Int(ev.To)
		}
		trace[i] = obj
	}

	return ir.MarshalCanonical(ir.Object{
		"scenario_name": ir.Str(s.ScenarioName),
		"runs":          runs,
		"trace":         trace,
	})
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := NewSnapshot(scenarioName, result).Canonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
