package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"conduit/internal/snapshot"
)

func newSnapshotCmd() *cobra.Command {
	c := &cobra.Command{Use: "snapshot", Short: "Inspect partition snapshots"}
	list := &cobra.Command{
		Use:     "list",
		Short:   "List snapshots, newest first",
		Example: "conduitd snapshot list --dir data/partition-1/snapshots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			store, err := snapshot.Open(dir, zap.NewNop())
			if err != nil {
				return err
			}
			infos, err := store.List()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tINDEX\tTERM\tPOSITION\tCREATED\tSIZE")
			for _, in := range infos {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\n",
					in.ID(), in.Index, in.Term, in.LastProcessedPosition,
					time.UnixMilli(in.CreatedAt).UTC().Format(time.RFC3339),
					bytefmt.ByteSize(uint64(in.Size)))
			}
			return tw.Flush()
		},
	}
	list.Flags().String("dir", "", "snapshot directory")
	_ = list.MarkFlagRequired("dir")
	c.AddCommand(list)
	return c
}
