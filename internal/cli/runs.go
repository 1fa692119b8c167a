package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/me/xvsched/internal/report"
	"github.com/me/xvsched/pkg/model"
	"github.com/spf13/cobra"
)

var errNoDatabase = errors.New("no run database: set store.path or pass --db")

func newRunsCmd() *cobra.Command {
	opts := model.DefaultListOptions()

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Store.Path == "" {
				return errNoDatabase
			}
			st, err := openStore(cmd.Context(), cfg.Store.Path, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, total, err := st.ListRuns(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWORKLOAD\tNCPU\tTICKS\tDISPATCHES\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", r.ID, r.Workload, r.NCPU,
					humanize.Comma(int64(r.Ticks)), humanize.Comma(r.Dispatches),
					humanize.Time(r.StartedAt))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if opts.Offset+len(runs) < total {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(runs), total)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", opts.Limit, "Maximum number of runs")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Runs to skip")
	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run_id>",
		Short: "Show the report of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if cfg.Store.Path == "" {
				return errNoDatabase
			}
			st, err := openStore(cmd.Context(), cfg.Store.Path, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := st.GetRun(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}
			if run == nil {
				return fmt.Errorf("run %s not found", id)
			}
			lengths, err := st.DispatchLengths(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("dispatch lengths: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run:       %s\n", run.ID)
			fmt.Fprintf(out, "  Workload:  %s (seed %d)\n", run.Workload, run.Seed)
			fmt.Fprintf(out, "  CPUs:      %d\n", run.NCPU)
			fmt.Fprintf(out, "  Started:   %s\n", run.StartedAt.Format(time.RFC3339))
			if run.CompletedAt != nil {
				fmt.Fprintf(out, "  Completed: %s (%s)\n", run.CompletedAt.Format(time.RFC3339),
					run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond))
			} else {
				fmt.Fprintln(out, "  Completed: -")
			}
			fmt.Fprintf(out, "  Ticks:     %s\n", humanize.Comma(int64(run.Ticks)))
			if run.Dropped > 0 {
				fmt.Fprintf(out, "  Dropped:   %s dispatch events not recorded\n", humanize.Comma(run.Dropped))
			}
			fmt.Fprintln(out)

			summary, err := report.Summarize(run.Procs, lengths)
			if err != nil {
				return fmt.Errorf("summarize: %w", err)
			}
			return summary.Write(out)
		},
	}
}
