// Command conduitd runs a conduit broker node and offers offline tools for
// its data directory.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var printVersion bool
	c := &cobra.Command{
		Use:          "conduitd",
		Short:        "Replicated, partitioned stream processing broker",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if printVersion {
				fmt.Fprintf(cmd.OutOrStdout(), "conduitd %s\n", version)
				return nil
			}
			return cmd.Usage()
		},
	}
	c.Flags().BoolVarP(&printVersion, "version", "v", false, "show the version and exit")
	c.AddCommand(newStartCmd(), newJournalCmd(), newSnapshotCmd(), newExportCmd())
	return c
}
