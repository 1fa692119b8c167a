package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/me/xvsched/pkg/model"
	"github.com/spf13/cobra"
)

// The commands in this file talk to a run started with --serve.

func newPsCmd() *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List the processes of a running kernel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/procs/"
			if state != "" {
				path += "?state=" + state
			}
			var procs []model.ProcInfo
			if err := client.Get(cmd.Context(), path, &procs); err != nil {
				return fmt.Errorf("list processes: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "PID\tPPID\tNAME\tSTATE\tLEVEL\tTICKETS\tRUNTIME\tTHREADS")
			for _, p := range procs {
				level := strconv.Itoa(p.Sched.Level)
				if p.Sched.Level == model.StrideLevel {
					level = "stride"
				}
				st := p.State.String()
				if p.Killed {
					st += " (killed)"
				}
				fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%d\t%d\t%d\n", p.Pid, p.Parent, p.Name, st,
					level, p.Sched.Tickets, p.Sched.Runtime, len(p.Threads))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Only show processes in this state")
	return cmd
}

func newKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <pid>",
		Short: "Kill a process of a running kernel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid pid %q", args[0])
			}
			if err := client.Post(cmd.Context(), fmt.Sprintf("/api/v1/procs/%d/kill", pid), nil, nil); err != nil {
				return fmt.Errorf("kill %d: %w", pid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Process %d killed\n", pid)
			return nil
		},
	}
}

func newShareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "share <pid> <percent>",
		Short: "Reserve a CPU share for a process of a running kernel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid pid %q", args[0])
			}
			percent, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid percent %q", args[1])
			}
			var p model.ProcInfo
			body := map[string]int{"percent": percent}
			if err := client.Put(cmd.Context(), fmt.Sprintf("/api/v1/procs/%d/share", pid), body, &p); err != nil {
				return fmt.Errorf("share %d: %w", pid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Process %d: %d tickets, pass %.1f\n", p.Pid, p.Sched.Tickets, p.Sched.Pass)
			return nil
		},
	}
}
