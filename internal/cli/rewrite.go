package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/grafting/internal/catalog"
	"github.com/roach88/grafting/internal/engine"
	"github.com/roach88/grafting/internal/metrics"
	"github.com/roach88/grafting/internal/txn"
)

// RewriteOptions holds flags for the rewrite command.
type RewriteOptions struct {
	*RootOptions
	Strategy    string
	ShowTrace   bool
	MetricsFile string

	// IDs overrides the run and transaction id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDs txn.IDGenerator
}

// RewriteResult reports a finished run.
type RewriteResult struct {
	RunID    string              `json:"run_id"`
	Strategy string              `json:"strategy"`
	Outcome  string              `json:"outcome"`
	Version  string              `json:"version"`
	Seq      int64               `json:"seq"`
	Steps    int                 `json:"steps"`
	Vertices int                 `json:"vertices"`
	Edges    int                 `json:"edges"`
	Trace    []engine.TraceEntry `json:"trace,omitempty"`
}

// RewriteFailure is the error detail of a failed run. Committed steps stay
// in the store; LastVersion is where the run stopped.
type RewriteFailure struct {
	LastVersion string              `json:"last_version"`
	Steps       int                 `json:"steps"`
	Trace       []engine.TraceEntry `json:"trace,omitempty"`
}

// NewRewriteCommand creates the rewrite command.
func NewRewriteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RewriteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rewrite <specs>",
		Short: "Run a strategy against the store head",
		Long: `Compile the specs, then run one named strategy against the store head.

Every rewrite the strategy applies is committed as its own version with a
provenance record. A run that fails keeps the versions it committed and
reports the last one.

Exit codes:
  0 - The strategy finished (applied or no_op)
  1 - The run failed (NON_TERMINATION, TIMEOUT, CANCELLED, CONFLICT, ...)
  2 - Command error (invalid specs, unknown strategy, store not readable)

Examples:
  graft rewrite ./specs --strategy main
  graft rewrite ./specs --strategy collapse --trace --format json
  graft rewrite ./specs --strategy main --metrics ./graft.prom`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRewrite(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Strategy, "strategy", "s", "", "named strategy to run (required)")
	_ = cmd.MarkFlagRequired("strategy")
	cmd.Flags().BoolVar(&opts.ShowTrace, "trace", false, "include the run trace in the output")
	cmd.Flags().StringVar(&opts.MetricsFile, "metrics", "", "write Prometheus metrics to this file after the run")

	return cmd
}

func runRewrite(opts *RewriteOptions, specs string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	logger := opts.logger(cmd)

	mod, err := loadValidModule(formatter, specs)
	if err != nil {
		return err
	}
	strategy, ok := mod.Strategy(opts.Strategy)
	if !ok {
		msg := fmt.Sprintf("no strategy named %q in %s", opts.Strategy, specs)
		_ = formatter.Error(ErrCodeUsage, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}
	cat, err := catalog.New(mod.Catalog)
	if err != nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}

	m := metrics.New()
	st, err := opts.openStore(logger, m)
	if err != nil {
		_ = formatter.Error(ErrorCode(err), err.Error(), nil)
		return err
	}
	defer closeStore(st, logger)

	var ids txn.IDGenerator = txn.UUIDv7Generator{}
	if opts.IDs != nil {
		ids = opts.IDs
	}
	txm := txn.NewManager(st, cat, txn.WithIDGenerator(ids), txn.WithLogger(logger))
	engineOpts := append(opts.Config.EngineOptions(),
		engine.WithIDGenerator(ids),
		engine.WithProvenance(st),
		engine.WithLogger(logger),
		engine.WithMetrics(m),
	)
	eng, err := engine.New(txm, mod.Rules, engineOpts...)
	if err != nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}
	defer eng.Close()

	ctx, stop := signalContext(commandContext(cmd), logger)
	defer stop()

	logger.Info("rewrite starting", "strategy", opts.Strategy, "head", st.Head().Version().Short())
	res, runErr := eng.Run(ctx, strategy)

	if opts.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(opts.MetricsFile, m.Registry); err != nil {
			logger.Error("failed to write metrics", "path", opts.MetricsFile, "error", err)
		}
	}

	if runErr != nil {
		var f *engine.Failure
		if !errors.As(runErr, &f) {
			// Load-time errors: the strategy does not fit the engine.
			return formatter.Fail(ExitCommandError, runErr, nil)
		}
		detail := RewriteFailure{LastVersion: f.LastVersion.Version().String(), Steps: f.Steps}
		if opts.ShowTrace {
			detail.Trace = f.Trace
		}
		return formatter.Fail(ExitFailure, f, detail)
	}

	result := RewriteResult{
		RunID:    res.RunID,
		Strategy: opts.Strategy,
		Outcome:  string(res.Outcome),
		Version:  res.Version.Version().String(),
		Seq:      res.Version.Seq(),
		Steps:    res.Steps,
		Vertices: res.Version.VertexCount(),
		Edges:    res.Version.EdgeCount(),
	}
	if opts.ShowTrace {
		result.Trace = res.Trace
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ %s: %s in %d step(s)\n", opts.Strategy, result.Outcome, result.Steps)
	fmt.Fprintf(formatter.Writer, "  version: %s (seq %d)\n", res.Version.Version().Short(), result.Seq)
	fmt.Fprintf(formatter.Writer, "  vertices: %d, edges: %d\n", result.Vertices, result.Edges)
	if opts.ShowTrace {
		fmt.Fprintln(formatter.Writer)
		for _, t := range res.Trace {
			fmt.Fprintf(formatter.Writer, "  %s\n", formatTraceEntry(t))
		}
	}
	return nil
}

// signalContext cancels on SIGINT or SIGTERM. The engine checks the
// context between interpreter steps, so a run stops after the rewrite it
// is committing.
func signalContext(parent context.Context, logger *slog.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, stopping run", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

func formatTraceEntry(t engine.TraceEntry) string {
	s := fmt.Sprintf("[%d] %s %s", t.Seq, t.Op, t.Event)
	if t.Rule != "" {
		s += " rule=" + t.Rule
	}
	if t.Pred != "" {
		s += " pred=" + t.Pred
	}
	s += " " + short(t.Input)
	if t.Output != "" {
		s += " -> " + short(t.Output)
	}
	return s
}
