package harness

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ScenarioResult is the outcome of one scenario file in a suite.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Path   string   `json:"path"`
	Pass   bool     `json:"pass"`
	Golden string   `json:"golden,omitempty"` // matched, updated or mismatch
	Errors []string `json:"errors,omitempty"`
}

// SuiteResult summarizes a suite run.
type SuiteResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// SuiteOptions controls RunSuite.
type SuiteOptions struct {
	// Filter is a glob matched against scenario file names without
	// extension. Empty runs everything.
	Filter string

	// Update rewrites golden files instead of comparing against them.
	Update bool
}

// FindScenarios returns every .yaml and .yml file under dir whose base
// name matches filter, in lexical order. Files in golden directories are
// skipped.
func FindScenarios(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && d.Name() == "golden" {
				return filepath.SkipDir
			}
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// GoldenPath returns the golden file of a scenario file: golden/<name>.golden
// next to it.
func GoldenPath(scenarioFile string) string {
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(scenarioFile), "golden", name+".golden")
}

// RunSuite runs every scenario under dir. A scenario passes when it loads,
// runs, meets its expectations and assertions, and matches its golden file
// if one exists.
func RunSuite(ctx context.Context, dir string, opts SuiteOptions) (*SuiteResult, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("scenarios directory: %w", err)
	}
	files, err := FindScenarios(dir, opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find scenarios: %w", err)
	}

	result := &SuiteResult{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sr := runFile(ctx, file, opts)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Scenarios = append(result.Scenarios, sr)
	}
	return result, nil
}

func runFile(ctx context.Context, file string, opts SuiteOptions) ScenarioResult {
	sr := ScenarioResult{Name: filepath.Base(file), Path: file}

	scenario, err := LoadScenario(file)
	if err != nil {
		sr.Errors = []string{fmt.Sprintf("failed to load scenario: %v", err)}
		return sr
	}
	sr.Name = scenario.Name

	result, err := RunContext(ctx, scenario)
	if err != nil {
		sr.Errors = []string{fmt.Sprintf("execution failed: %v", err)}
		return sr
	}
	sr.Errors = result.Errors

	data, err := NewSnapshot(scenario.Name, result).Canonical()
	if err != nil {
		sr.Errors = append(sr.Errors, fmt.Sprintf("snapshot: %v", err))
		return sr
	}

	golden := GoldenPath(file)
	switch {
	case opts.Update:
		if err := os.MkdirAll(filepath.Dir(golden), 0o755); err != nil {
			sr.Errors = append(sr.Errors, fmt.Sprintf("failed to create golden directory: %v", err))
			return sr
		}
		if err := os.WriteFile(golden, data, 0o644); err != nil {
			sr.Errors = append(sr.Errors, fmt.Sprintf("failed to write golden file: %v", err))
			return sr
		}
		sr.Golden = "updated"
	default:
		want, err := os.ReadFile(golden)
		switch {
		case os.IsNotExist(err):
			// Assertions only.
		case err != nil:
			sr.Errors = append(sr.Errors, fmt.Sprintf("failed to read golden file: %v", err))
		case string(want) == string(data):
			sr.Golden = "matched"
		default:
			sr.Golden = "mismatch"
			sr.Errors = append(sr.Errors, "trace does not match golden file (run with --update to regenerate)")
		}
	}

	sr.Pass = len(sr.Errors) == 0
	return sr
}
