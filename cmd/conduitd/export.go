package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"conduit/internal/exporter/sqlite"
	"conduit/internal/protocol"
)

func newExportCmd() *cobra.Command {
	var (
		dir       string
		partition uint32
		key       int64
		from      int64
		limit     int
	)
	c := &cobra.Command{Use: "export", Short: "Query the SQLite exporter"}
	records := &cobra.Command{
		Use:     "records",
		Short:   "Print exported records of a partition, or of one key",
		Example: "conduitd export records --dir data/export --partition 1 --key 4294967297",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := sqlite.NewStore(dir)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			p := protocol.PartitionID(partition)
			var recs []sqlite.Record
			if key > 0 {
				e, ok, err := store.Entity(ctx, p, key)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("key %d not exported on partition %d", key, partition)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "key=%d value_type=%d records=%d positions=[%d, %d]\n",
					e.Key, e.ValueType, e.RecordCount, e.FirstPosition, e.LastPosition)
				recs, err = store.RecordsByKey(ctx, p, key)
				if err != nil {
					return err
				}
			} else {
				recs, err = store.RecordsFrom(ctx, p, from, limit)
				if err != nil {
					return err
				}
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "POSITION\tSOURCE\tKEY\tTYPE\tVALUE_TYPE\tINTENT\tPAYLOAD")
			for _, r := range recs {
				fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%d\t%d\t%s\n",
					r.Position, r.SourcePosition, r.Key, r.RecordType, r.ValueType, r.Intent, r.PayloadJSON)
			}
			return tw.Flush()
		},
	}
	records.Flags().StringVar(&dir, "dir", "", "exporter directory")
	records.Flags().Uint32Var(&partition, "partition", 1, "partition id")
	records.Flags().Int64Var(&key, "key", 0, "only records of this key")
	records.Flags().Int64Var(&from, "from", 0, "first position")
	records.Flags().IntVar(&limit, "limit", 100, "maximum records")
	_ = records.MarkFlagRequired("dir")
	c.AddCommand(records)
	return c
}
