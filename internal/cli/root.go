package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/grafting/internal/config"
	"github.com/roach88/grafting/internal/ir"
	"github.com/roach88/grafting/internal/metrics"
	"github.com/roach88/grafting/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	StoreDir   string

	// Config is loaded by the root command before any subcommand runs.
	Config config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the graft CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "graft",
		Short:   "graft - versioned graph rewriting",
		Version: ir.EngineVersion,
		Long: `Compile DPO rewrite rules and strategies written in CUE, run them
against a content-addressed graph store, and inspect the versions they leave.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			if opts.StoreDir != "" {
				cfg.Store.Dir = opts.StoreDir
			}
			opts.Config = cfg
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to graft.yaml")
	cmd.PersistentFlags().StringVar(&opts.StoreDir, "store", "", "store directory (overrides config)")

	cmd.AddCommand(NewCompileCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewRewriteCommand(opts))
	cmd.AddCommand(NewLogCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewCompactCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}

// logger writes to stderr so JSON output on stdout stays parseable.
func (o *RootOptions) logger(cmd *cobra.Command) *slog.Logger {
	return o.Config.Logger(cmd.ErrOrStderr(), o.Verbose)
}

// openStore opens the configured store. m may be nil.
func (o *RootOptions) openStore(logger *slog.Logger, m *metrics.Metrics) (*store.Store, error) {
	sc := o.Config.StoreConfig(logger)
	sc.Metrics = m
	st, err := store.Open(sc)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	logger.Debug("store open", "dir", sc.Dir, "backend", sc.Backend)
	return st, nil
}

// closeStore logs rather than returns the close error so it never masks
// the command's own result.
func closeStore(st *store.Store, logger *slog.Logger) {
	if err := st.Close(); err != nil {
		logger.Error("error closing store", "error", err)
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
