// Command graft compiles rewrite specs and runs them against a graph store.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/grafting/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
