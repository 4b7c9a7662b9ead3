package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/grafting/internal/store"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Limit      int
	Provenance bool
}

// LogEntry is one version in the log, with the rewrites that produced it
// when --provenance is set.
type LogEntry struct {
	store.VersionInfo
	Provenance []store.Provenance `json:"provenance,omitempty"`
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show version history from the head",
		Long: `Walk first parents from the store head back to the empty graph.

Each version shows its sequence number, content root, element counts and
whether it has been compacted out of the WAL. With --provenance, each
version also lists the (input, rule, plan) records that produced it.

Examples:
  graft log
  graft log --limit 5 --provenance
  graft log --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "show at most n versions (0 = all)")
	cmd.Flags().BoolVar(&opts.Provenance, "provenance", false, "include provenance records")

	return cmd
}

func runLog(opts *LogOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	logger := opts.logger(cmd)
	ctx := commandContext(cmd)

	st, err := opts.openStore(logger, nil)
	if err != nil {
		_ = formatter.Error(ErrorCode(err), err.Error(), nil)
		return err
	}
	defer closeStore(st, logger)

	infos, err := st.Log(ctx, opts.Limit)
	if err != nil {
		return formatter.Fail(ExitFailure, err, nil)
	}

	entries := make([]LogEntry, len(infos))
	for i, info := range infos {
		entries[i] = LogEntry{VersionInfo: info}
		if !opts.Provenance {
			continue
		}
		prov, err := st.ProvenanceOf(ctx, info.Version)
		if err != nil {
			return formatter.Fail(ExitFailure, err, nil)
		}
		entries[i].Provenance = prov
	}

	if formatter.Format == "json" {
		return formatter.Success(entries)
	}

	for _, e := range entries {
		state := "durable"
		if !e.Durable {
			state = "wal"
		}
		fmt.Fprintf(formatter.Writer, "version %s  seq %d  [%s]\n", e.Version.Short(), e.Seq, state)
		fmt.Fprintf(formatter.Writer, "  root: %s  vertices: %d  edges: %d\n", e.Root.Short(), e.Vertices, e.Edges)
		if len(e.Parents) > 0 {
			fmt.Fprintf(formatter.Writer, "  parent: %s  patch: %s\n", e.Parents[0].Short(), e.PatchHash.Short())
		}
		for _, p := range e.Provenance {
			fmt.Fprintf(formatter.Writer, "  from %s by rule %s (plan %s)\n", p.Input.Short(), p.Rule.Short(), p.Plan.Short())
		}
	}
	return nil
}
