package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/grafting/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool                       `json:"valid"`
	Errors []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <specs>",
		Short: "Validate specs without emitting IR",
		Long: `Validate CUE rules and strategies against their catalog.

Checks rule structure (L ⊇ K ⊆ R, dangling edges, NAC roots), every
type and guard against the catalog, strategy shape, include cycles and
that every predicate and measure a strategy names is defined.

Exit codes:
  0 - Specs are valid
  1 - Validation errors found
  2 - Command error (path not found, CUE does not load)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, specs string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	loadResult, loadErrors := LoadSpecs(specs)
	if loadResult == nil {
		return outputLoadFailure(formatter, loadErrors)
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, specs)

	validationErrors := ValidateModule(loadResult.Module, loadErrors)
	if len(validationErrors) > 0 {
		return outputValidationErrors(formatter, validationErrors)
	}

	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true})
	}
	fmt.Fprintf(formatter.Writer, "✓ All specs valid (%d rule(s), %d strategy(ies))\n",
		len(loadResult.Module.Rules), len(loadResult.Module.Strategies))
	return nil
}

// ValidateModule merges compile errors from LoadSpecs with the schema
// checks on what did compile.
func ValidateModule(mod *compiler.Module, loadErrors []error) []compiler.ValidationError {
	var out []compiler.ValidationError
	for _, err := range loadErrors {
		var loadErr *LoadError
		if !errors.As(err, &loadErr) {
			loadErr = &LoadError{Code: ErrCodeGeneric, Message: err.Error()}
		}
		line := 0
		if loadErr.Pos.IsValid() {
			line = loadErr.Pos.Line()
		}
		out = append(out, compiler.ValidationError{
			Field:   "load",
			Message: loadErr.Message,
			Code:    loadErr.Code,
			Line:    line,
		})
	}
	return append(out, compiler.Validate(mod)...)
}

// outputLoadFailure reports specs that could not be loaded at all.
func outputLoadFailure(formatter *OutputFormatter, errs []error) error {
	var loadErr *LoadError
	if !errors.As(errs[0], &loadErr) {
		loadErr = &LoadError{Code: ErrCodeGeneric, Message: errs[0].Error()}
	}
	_ = formatter.Error(loadErr.Code, loadErr.Message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", loadErr.Code, loadErr.Message))
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []compiler.ValidationError) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", err.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n\n", err.Code, err.Field, err.Message)
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
