package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Fold WAL records into segments and manifests",
		Long: `Write every version that so far exists only in the WAL to the object
store and the manifest database, then drop those records from the WAL.

The store also compacts in the background on store.compact_interval;
this command forces a pass.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			logger := rootOpts.logger(cmd)

			st, err := rootOpts.openStore(logger, nil)
			if err != nil {
				_ = formatter.Error(ErrorCode(err), err.Error(), nil)
				return err
			}
			defer closeStore(st, logger)

			n, err := st.Compact(commandContext(cmd))
			if err != nil {
				return formatter.Fail(ExitFailure, err, nil)
			}
			if formatter.Format == "json" {
				return formatter.Success(map[string]int{"compacted": n})
			}
			fmt.Fprintf(formatter.Writer, "✓ Compacted %d version(s)\n", n)
			return nil
		},
	}
}
