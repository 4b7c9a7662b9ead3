package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/grafting/internal/graph"
	"github.com/roach88/grafting/internal/ir"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Version string // optional - hex version hash, default head
	Output  string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a version as node-link JSON",
		Long: `Export a graph version as canonical node-link JSON. Element ids are the
decimal StableIDs. The head is exported unless --version names another
version.

Examples:
  graft export > head.json
  graft export --version 3f2a... -o before.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Version, "version", "", "version hash to export (default: head)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path (default: stdout)")

	return cmd
}

func runExport(opts *ExportOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	logger := opts.logger(cmd)
	ctx := commandContext(cmd)

	var want ir.Hash
	if opts.Version != "" {
		h, err := ir.ParseHash(opts.Version)
		if err != nil {
			_ = formatter.Error(ErrCodeUsage, fmt.Sprintf("invalid --version: %v", err), nil)
			return WrapExitError(ExitCommandError, "invalid --version", err)
		}
		want = h
	}

	st, err := opts.openStore(logger, nil)
	if err != nil {
		_ = formatter.Error(ErrorCode(err), err.Error(), nil)
		return err
	}
	defer closeStore(st, logger)

	version := st.Head()
	if opts.Version != "" {
		if version, err = st.OpenVersion(ctx, want); err != nil {
			return formatter.Fail(ExitFailure, err, nil)
		}
	}

	data, err := graph.ExportNodeLink(version)
	if err != nil {
		return formatter.Fail(ExitFailure, err, nil)
	}

	if opts.Output != "" {
		if err := os.WriteFile(opts.Output, data, 0o644); err != nil {
			_ = formatter.Error(ErrCodeWriteFailed, err.Error(), nil)
			return WrapExitError(ExitCommandError, ErrCodeWriteFailed, err)
		}
		if formatter.Format == "json" {
			return formatter.Success(map[string]string{"version": version.Version().String(), "output": opts.Output})
		}
		fmt.Fprintf(formatter.Writer, "✓ Exported version %s to %s\n", version.Version().Short(), opts.Output)
		return nil
	}

	if formatter.Format == "json" {
		return formatter.Success(json.RawMessage(data))
	}
	fmt.Fprintln(formatter.Writer, string(data))
	return nil
}
