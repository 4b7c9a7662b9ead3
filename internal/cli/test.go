package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/grafting/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // filter scenarios by glob pattern
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run conformance scenarios",
		Long: `Run every YAML scenario under a directory.

Each scenario compiles its own specs, commits its start graph into an
in-memory store, runs its strategies and checks expectations, trace and
state assertions. A scenario with golden/<name>.golden next to it must
also reproduce that trace exactly. The configured store is not touched.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  graft test ./scenarios
  graft test ./scenarios --filter "triangle_*"
  graft test ./scenarios --update
  graft test ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runTests(opts *TestOptions, dir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	result, err := harness.RunSuite(commandContext(cmd), dir, harness.SuiteOptions{
		Filter: opts.Filter,
		Update: opts.Update,
	})
	if err != nil {
		_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to run scenarios", err)
	}

	if formatter.Format == "json" {
		if err := outputTestJSON(formatter, result); err != nil {
			return err
		}
	} else {
		outputTestText(formatter, result)
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenario(s) failed", result.Failed, result.Total))
	}
	return nil
}

func outputTestJSON(formatter *OutputFormatter, result *harness.SuiteResult) error {
	status := "ok"
	if result.Failed > 0 {
		status = "error"
	}
	encoder := json.NewEncoder(formatter.Writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(CLIResponse{Status: status, Data: result})
}

func outputTestText(formatter *OutputFormatter, result *harness.SuiteResult) {
	w := formatter.Writer
	if result.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return
	}
	for _, sr := range result.Scenarios {
		if sr.Pass {
			switch sr.Golden {
			case "updated":
				fmt.Fprintf(w, "✓ %s (golden updated)\n", sr.Name)
			default:
				fmt.Fprintf(w, "✓ %s\n", sr.Name)
			}
			continue
		}
		fmt.Fprintf(w, "✗ %s\n", sr.Name)
		for _, e := range sr.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
		formatter.VerboseLog("  (%s)", sr.Path)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
}
