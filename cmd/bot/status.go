package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"relaybot/internal/app"
	"relaybot/internal/storage"
)

func newStatusCmd(f *rootFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the lease record and recent actions from the shared store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 20*time.Second)
			defer cancel()
			logs, log := cliLogger()
			defer logs.Close()

			t, err := app.OpenTools(ctx, f.config, log)
			if err != nil {
				return err
			}
			defer t.Close()

			out := cmd.OutOrStdout()
			rec, err := t.Lease(ctx)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				fmt.Fprintf(out, "identity %s: no lease record (free)\n", t.Settings.Identity)
			case err != nil:
				return err
			default:
				printLease(out, rec, t.Settings.Lease.StaleAfter, time.Now())
			}

			acts, err := t.Actions.List(ctx, limit)
			if err != nil {
				return err
			}
			if len(acts) == 0 {
				return nil
			}
			fmt.Fprintln(out)
			printActions(out, acts)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "actions", 10, "number of recent actions to show")
	return cmd
}

func printLease(w io.Writer, l storage.Lease, staleAfter time.Duration, now time.Time) {
	health := "live"
	if l.Stale(now.Add(-staleAfter)) {
		health = "stale"
	}
	fmt.Fprintf(w, "identity  %s\n", l.ID)
	fmt.Fprintf(w, "holder    %s (%s pid %d)\n", l.HolderID, l.Host, l.PID)
	fmt.Fprintf(w, "state     %s, %s\n", l.State, health)
	fmt.Fprintf(w, "started   %s\n", humanize.RelTime(l.StartedAt, now, "ago", "from now"))
	fmt.Fprintf(w, "last seen %s\n", humanize.RelTime(l.LastSeenAt, now, "ago", "from now"))
}

func printActions(w io.Writer, acts []storage.Action) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACTION\tREQUESTED\tBY\tRESULT\tDONE BY\tREASON")
	for _, a := range acts {
		result := "pending"
		if !a.Pending() {
			result = a.Result
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.Kind, humanize.Time(a.RequestedAt), dash(a.RequestedBy), result, dash(a.DoneBy), dash(a.Reason))
	}
	_ = tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
