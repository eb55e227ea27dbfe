package main

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"relaybot/internal/app"
	"relaybot/internal/storage"
)

func newActionCmd(f *rootFlags) *cobra.Command {
	var reason, by string
	cmd := &cobra.Command{
		Use:       "action <restart|release|reset-auth>",
		Short:     "Queue an operator action for whichever process owns the identity",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"restart", "release", "reset-auth"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := storage.ParseActionKind(args[0])
			switch kind {
			case storage.ActionRestart, storage.ActionRelease, storage.ActionResetAuth:
			default:
				return fmt.Errorf("unknown action %q", args[0])
			}
			if by == "" {
				by = defaultRequester()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 20*time.Second)
			defer cancel()
			logs, log := cliLogger()
			defer logs.Close()

			t, err := app.OpenTools(ctx, f.config, log)
			if err != nil {
				return err
			}
			defer t.Close()

			a, err := t.Actions.Enqueue(ctx, kind, reason, by)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s for %s (id %s)\n", a.Kind, t.Settings.Identity, a.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "free-form reason stored with the action")
	cmd.Flags().StringVar(&by, "by", "", "requester recorded with the action (default user@host)")
	return cmd
}

func defaultRequester() string {
	name := "cli"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		name += "@" + host
	}
	return name
}
