package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chazu/objrt/snapshot"
	"github.com/chazu/objrt/stress"
)

func newDumpCommand(flags *globalFlags) *cobra.Command {
	var (
		out     string
		objects int
	)
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Populate a runtime and write a snapshot of its tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := loadConfig(flags)
			if err != nil {
				return err
			}
			rt, _, _ := newRuntime(m)
			release := stress.Populate(rt, objects)
			defer release()

			s := snapshot.Capture(rt)
			if err := snapshot.WriteFile(out, s); err != nil {
				return err
			}
			log.Infof("wrote snapshot %s to %s", s.ID, out)
			printSnapshot(cmd.OutOrStdout(), s, false)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "objrt.snap", "snapshot file to write")
	cmd.Flags().IntVar(&objects, "objects", 64, "objects to allocate before capturing")
	return cmd
}

func newInspectCommand() *cobra.Command {
	var entries bool
	cmd := &cobra.Command{
		Use:   "inspect <snapshot>",
		Short: "Print a snapshot written by dump",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := snapshot.ReadFile(args[0])
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), s, entries)
			return nil
		},
	}
	cmd.Flags().BoolVar(&entries, "entries", false, "list every table entry")
	return cmd
}

func printSnapshot(out io.Writer, s *snapshot.Snapshot, entries bool) {
	st := s.Summary()
	fmt.Fprintf(out, "snapshot %s taken %s\n", s.ID, s.TakenAt.Format("2006-01-02 15:04:05.000 MST"))
	fmt.Fprintf(out, "inline counts: %t (%d bits), shards: side %d / weak %d\n",
		s.Config.InlineRefCounts, s.Config.InlineCountBits, s.Config.SideTableShards, s.Config.WeakTableShards)
	fmt.Fprintf(out, "side table: %d entries (%d overflowed, %d side-only)\n", st.SideEntries, st.SideOverflowed, st.SideOnly)
	fmt.Fprintf(out, "weak table: %d referents, %d referrers (%d out-of-line)\n", st.WeakEntries, st.WeakReferrers, st.WeakOutOfLine)
	if !entries {
		return
	}

	className := func(id uint32) string {
		if c := s.Class(id); c != nil {
			return c.Name
		}
		return fmt.Sprintf("#%d", id)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\nOBJECT\tCLASS\tMODE\tEXTRA\tWEAK\tDEALLOCATING")
	for _, e := range s.Side {
		mode := "side-only"
		if e.Inline {
			mode = "overflow"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%t\t%t\n", e.ObjectID, className(e.ClassID), mode, e.Extra, e.WeaklyReferenced, e.Deallocating)
	}
	w.Flush()

	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\nREFERENT\tCLASS\tREFERRERS\tSTORAGE")
	for _, e := range s.Weak {
		storage := "inline"
		if e.OutOfLine {
			storage = "out-of-line"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", e.ObjectID, className(e.ClassID), e.Referrers, storage)
	}
	w.Flush()
}
