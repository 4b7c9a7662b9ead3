package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/grafting/internal/catalog"
	"github.com/roach88/grafting/internal/compiler"
	"github.com/roach88/grafting/internal/ir"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompiledRule is one rule with its content hash and canonical Rule-IR.
type CompiledRule struct {
	Name string          `json:"name"`
	Hash string          `json:"hash"`
	IR   json.RawMessage `json:"ir"`
}

// CompiledStrategy is one named strategy with its canonical Strategy-IR.
type CompiledStrategy struct {
	Name string          `json:"name"`
	Hash string          `json:"hash"`
	IR   json.RawMessage `json:"ir"`
}

// CompilationResult is the compiled module as written by --output.
type CompilationResult struct {
	Catalog    catalog.Definition `json:"catalog"`
	Rules      []CompiledRule     `json:"rules"`
	Strategies []CompiledStrategy `json:"strategies"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <specs>",
		Short: "Compile CUE specs to canonical IR",
		Long: `Compile CUE catalogs, rules and strategies to canonical IR.

Rules and strategies are emitted as canonical JSON together with their
content hashes; strategy leaves reference rules by hash.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors - we handle our own error output
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, specs string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	loadResult, loadErrors := LoadSpecs(specs)
	if loadResult == nil {
		return outputLoadFailure(formatter, loadErrors)
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, specs)
	if len(loadErrors) > 0 {
		return outputCompileErrors(formatter, loadErrors)
	}

	result, err := buildCompilation(loadResult.Module)
	if err != nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}
	for _, r := range result.Rules {
		formatter.VerboseLog("Compiled rule: %s %s", r.Name, r.Hash)
	}

	if opts.Output != "" {
		if err := writeIRToFile(result, opts.Output); err != nil {
			_ = formatter.Error(ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err), nil)
			return WrapExitError(ExitCommandError, ErrCodeWriteFailed, err)
		}
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ Compiled %d rule(s), %d strategy(ies)\n\n", len(result.Rules), len(result.Strategies))
	if len(result.Rules) > 0 {
		fmt.Fprintln(formatter.Writer, "Rules:")
		for _, r := range result.Rules {
			fmt.Fprintf(formatter.Writer, "  %s: %s\n", r.Name, short(r.Hash))
		}
		fmt.Fprintln(formatter.Writer)
	}
	if len(result.Strategies) > 0 {
		fmt.Fprintln(formatter.Writer, "Strategies:")
		for _, s := range result.Strategies {
			fmt.Fprintf(formatter.Writer, "  %s: %s\n", s.Name, short(s.Hash))
		}
		fmt.Fprintln(formatter.Writer)
	}
	if opts.Output != "" {
		fmt.Fprintf(formatter.Writer, "Wrote canonical IR to %s\n", opts.Output)
	}
	return nil
}

// buildCompilation encodes every rule and strategy of mod.
func buildCompilation(mod *compiler.Module) (*CompilationResult, error) {
	result := &CompilationResult{
		Catalog:    mod.Catalog,
		Rules:      make([]CompiledRule, 0, len(mod.Rules)),
		Strategies: make([]CompiledStrategy, 0, len(mod.Strategies)),
	}
	for _, r := range mod.Rules {
		data, err := ir.MarshalRule(r)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		h, _ := mod.RuleHash(r.Name)
		result.Rules = append(result.Rules, CompiledRule{Name: r.Name, Hash: h.String(), IR: data})
	}
	for _, s := range mod.Strategies {
		data, err := ir.MarshalStrategy(s.Strategy)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", s.Name, err)
		}
		h, err := ir.StrategyHash(s.Strategy)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", s.Name, err)
		}
		result.Strategies = append(result.Strategies, CompiledStrategy{Name: s.Name, Hash: h.String(), IR: data})
	}
	return result, nil
}

func short(hex string) string {
	if len(hex) > 12 {
		return hex[:12]
	}
	return hex
}

// outputCompileErrors outputs every compile error. Compile errors are
// command-level errors (exit code 2).
func outputCompileErrors(formatter *OutputFormatter, errs []error) error {
	cliErrors := make([]CLIError, len(errs))
	for i, err := range errs {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			cliErrors[i] = CLIError{Code: loadErr.Code, Message: loadErr.Message}
		} else {
			cliErrors[i] = CLIError{Code: ErrCodeGeneric, Message: err.Error()}
		}
	}

	if formatter.Format == "json" {
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(CLIResponse{
			Status: "error",
			Error:  &cliErrors[0],
			Data:   cliErrors,
		}); err != nil {
			return err
		}
		return NewExitError(ExitCommandError, fmt.Sprintf("compilation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Compilation failed")
	fmt.Fprintln(formatter.Writer)
	for i, err := range errs {
		var loadErr *LoadError
		if errors.As(err, &loadErr) && loadErr.Pos.IsValid() {
			fmt.Fprintf(formatter.Writer, "%s:%d:%d\n",
				loadErr.Pos.Filename(), loadErr.Pos.Line(), loadErr.Pos.Column())
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", cliErrors[i].Code, cliErrors[i].Message)
	}
	return NewExitError(ExitCommandError, fmt.Sprintf("compilation failed with %d error(s)", len(errs)))
}

// writeIRToFile writes the compilation result as indented JSON. Rule and
// strategy documents are the canonical IR their hashes cover, re-indented
// with the rest of the file.
func writeIRToFile(result *CompilationResult, filename string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling IR: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}
