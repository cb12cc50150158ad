package main

import (
	"fmt"
	"text/tabwriter"

	"code.cloudfoundry.org/bytefmt"
	"github.com/spf13/cobra"

	"conduit/internal/journal"
	"conduit/internal/protocol"
)

func newJournalCmd() *cobra.Command {
	c := &cobra.Command{Use: "journal", Short: "Inspect a partition journal"}
	c.AddCommand(newJournalInspectCmd())
	return c
}

func newJournalInspectCmd() *cobra.Command {
	var (
		dir     string
		records bool
		from    uint64
		limit   int
	)
	c := &cobra.Command{
		Use:     "inspect",
		Short:   "List segments and optionally decode entries",
		Example: "conduitd journal inspect --dir data/partition-1/journal --records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Opening repairs a torn tail, so the node must not be running.
			j, err := journal.Open(journal.Config{Dir: dir})
			if err != nil {
				return err
			}
			defer j.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "first=%d last=%d\n", j.FirstIndex(), j.LastIndex())
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEGMENT\tFIRST\tLAST\tENTRIES\tSIZE")
			for _, s := range j.Segments() {
				fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\n", s.ID, s.FirstIndex, s.LastIndex, s.Entries, bytefmt.ByteSize(uint64(s.Size)))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if !records || j.IsEmpty() {
				return nil
			}

			r := j.NewReader()
			if from < j.FirstIndex() {
				from = j.FirstIndex()
			}
			r.SeekIndex(from)
			for n := 0; limit <= 0 || n < limit; n++ {
				e, err := r.Next()
				if journal.IsEndOfJournal(err) {
					return nil
				}
				if err != nil {
					return err
				}
				if e.Type != journal.EntryNormal {
					fmt.Fprintf(out, "#%d term=%d noop\n", e.Index, e.Term)
					continue
				}
				batch, err := protocol.DecodeBatch(e.Data)
				if err != nil {
					return fmt.Errorf("entry %d: %w", e.Index, err)
				}
				for _, rec := range batch {
					fmt.Fprintf(out, "#%d term=%d %s\n", e.Index, e.Term, rec)
				}
			}
			return nil
		},
	}
	c.Flags().StringVar(&dir, "dir", "", "journal directory")
	c.Flags().BoolVar(&records, "records", false, "decode and print records")
	c.Flags().Uint64Var(&from, "from", 0, "first entry index to print")
	c.Flags().IntVar(&limit, "limit", 100, "maximum entries to print, 0 for all")
	_ = c.MarkFlagRequired("dir")
	return c
}
