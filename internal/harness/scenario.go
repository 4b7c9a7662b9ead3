package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/grafting/internal/config"
	"github.com/roach88/grafting/internal/engine"
)

// Scenario defines a rewriting test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Specs lists CUE files holding the catalog, rules and strategies.
	// They are compiled as one instance, so they must share a directory.
	// Paths are relative to the scenario file location.
	Specs []string `yaml:"specs"`

	// Graph is the start graph, committed on the empty genesis graph.
	Graph *GraphSpec `yaml:"graph,omitempty"`

	// GraphFile names a node-link JSON document used as the start graph
	// instead of Graph. Relative to the scenario file.
	GraphFile string `yaml:"graph_file,omitempty"`

	// Engine overrides engine settings. Unset fields keep config defaults.
	Engine config.EngineConfig `yaml:"engine"`

	// Runs are strategy runs executed in order, each on the head the
	// previous one left.
	Runs []RunStep `yaml:"runs"`

	// Assertions validate the final trace and graph.
	// Supported types: trace_contains, trace_order, trace_count,
	// final_state, edge, predicate.
	Assertions []Assertion `yaml:"assertions"`
}

// GraphSpec is an inline start graph. Ids are scenario-local names that
// assertions use to refer to the start vertices.
type GraphSpec struct {
	Vertices []VertexSpec `yaml:"vertices"`
	Edges    []EdgeSpec   `yaml:"edges"`
}

// VertexSpec is one start vertex.
type VertexSpec struct {
	ID    string         `yaml:"id"`
	Type  string         `yaml:"type"`
	Props map[string]any `yaml:"props,omitempty"`
}

// EdgeSpec is one start edge between two VertexSpec ids.
type EdgeSpec struct {
	ID    string         `yaml:"id"`
	Src   string         `yaml:"src"`
	Dst   string         `yaml:"dst"`
	Type  string         `yaml:"type"`
	Props map[string]any `yaml:"props,omitempty"`
}

// RunStep runs one named strategy.
type RunStep struct {
	// Strategy names a strategy of the compiled specs.
	Strategy string `yaml:"strategy"`

	// Expect specifies the expected outcome.
	// If nil, the run must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies an expected run outcome. Set Outcome for a
// successful run or Error for a failed one.
type ExpectClause struct {
	// Outcome is "applied" or "no_op".
	Outcome string `yaml:"outcome,omitempty"`

	// Error is the expected error code, e.g. NON_TERMINATION.
	Error string `yaml:"error,omitempty"`

	// Steps is the expected number of committed rewrites, if set.
	Steps *int `yaml:"steps,omitempty"`

	// Details is a subset match on the error details.
	Details map[string]string `yaml:"details,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event matching rule/event/op/pred exists
	// - "trace_order": applied rewrites of the listed rules occur in order
	// - "trace_count": events matching rule/event occur exactly Count times
	// - "final_state": the final graph has the given element counts
	// - "edge": Count edges run from Src to Dst in the final graph
	// - "predicate": a catalog predicate holds (or not) on the final graph
	Type string `yaml:"type"`

	// Rule, Event, Op and Pred filter trace events. Event defaults to
	// "applied" for trace_count.
	Rule  string `yaml:"rule,omitempty"`
	Event string `yaml:"event,omitempty"`
	Op    string `yaml:"op,omitempty"`
	Pred  string `yaml:"pred,omitempty"`

	// Rules is the expected rewrite order (used by trace_order).
	Rules []string `yaml:"rules,omitempty"`

	// Count is the expected number of occurrences (used by trace_count
	// and edge).
	Count int `yaml:"count,omitempty"`

	// Vertices, Edges and Types are expected counts (used by final_state).
	Vertices *int          `yaml:"vertices,omitempty"`
	Edges    *int          `yaml:"edges,omitempty"`
	Types    map[string]int `yaml:"types,omitempty"`

	// Src and Dst name start vertices by GraphSpec id (used by edge).
	Src string `yaml:"src,omitempty"`
	Dst string `yaml:"dst,omitempty"`

	// Predicate names a catalog predicate; Holds is its expected value
	// (used by predicate).
	Predicate string `yaml:"predicate,omitempty"`
	Holds     bool   `yaml:"holds,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertEdge          = "edge"
	AssertPredicate     = "predicate"
)

// LoadScenario reads and parses a scenario YAML file, resolving spec
// and graph paths relative to the file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving relative paths against basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:"
	scenario := Scenario{Engine: config.Default().Engine}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Resolve paths BEFORE validation
	for i, specPath := range scenario.Specs {
		if !filepath.IsAbs(specPath) && basePath != "" {
			scenario.Specs[i] = filepath.Join(basePath, specPath)
		}
	}
	if scenario.GraphFile != "" && !filepath.IsAbs(scenario.GraphFile) && basePath != "" {
		scenario.GraphFile = filepath.Join(basePath, scenario.GraphFile)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Specs) == 0 {
		return fmt.Errorf("specs list is required and must be non-empty")
	}

	if len(s.Runs) == 0 {
		return fmt.Errorf("runs list is required and must be non-empty")
	}

	if s.Graph != nil && s.GraphFile != "" {
		return fmt.Errorf("graph and graph_file are mutually exclusive")
	}

	for _, specPath := range s.Specs {
		if _, err := os.Stat(specPath); os.IsNotExist(err) {
			return fmt.Errorf("spec file not found: %s", specPath)
		}
	}

	if s.Graph != nil {
		ids := map[string]bool{}
		for i, v := range s.Graph.Vertices {
			if v.ID == "" || v.Type == "" {
				return fmt.Errorf("graph.vertices[%d]: id and type are required", i)
			}
			if ids[v.ID] {
				return fmt.Errorf("graph.vertices[%d]: duplicate id %q", i, v.ID)
			}
			ids[v.ID] = true
		}
		for i, e := range s.Graph.Edges {
			if e.ID == "" || e.Type == "" {
				return fmt.Errorf("graph.edges[%d]: id and type are required", i)
			}
			if !ids[e.Src] || !ids[e.Dst] {
				return fmt.Errorf("graph.edges[%d]: endpoints must be graph vertices", i)
			}
		}
	}

	cfg := config.Default()
	cfg.Engine = s.Engine
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	for i, step := range s.Runs {
		if step.Strategy == "" {
			return fmt.Errorf("runs[%d]: strategy is required", i)
		}
		if x := step.Expect; x != nil {
			if (x.Outcome == "") == (x.Error == "") {
				return fmt.Errorf("runs[%d].expect: exactly one of outcome and error is required", i)
			}
			if x.Outcome != "" && x.Outcome != string(engine.OutcomeApplied) && x.Outcome != string(engine.OutcomeNoOp) {
				return fmt.Errorf("runs[%d].expect: unknown outcome %q", i, x.Outcome)
			}
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Rule == "" && a.Event == "" && a.Op == "" && a.Pred == "" {
			return fmt.Errorf("assertions[%d]: trace_contains needs at least one of rule, event, op, pred", index)
		}
	case AssertTraceOrder:
		if len(a.Rules) == 0 {
			return fmt.Errorf("assertions[%d]: rules list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Rule == "" && a.Pred == "" {
			return fmt.Errorf("assertions[%d]: rule or pred is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Vertices == nil && a.Edges == nil && len(a.Types) == 0 {
			return fmt.Errorf("assertions[%d]: final_state needs vertices, edges or types", index)
		}
	case AssertEdge:
		if a.Src == "" || a.Dst == "" {
			return fmt.Errorf("assertions[%d]: src and dst are required for edge", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for edge", index)
		}
	case AssertPredicate:
		if a.Predicate == "" {
			return fmt.Errorf("assertions[%d]: predicate is required", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
