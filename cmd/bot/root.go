package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"relaybot/pkg/logx"
)

type rootFlags struct {
	config  string
	envFile string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "relaybot",
		Short:         "Messaging relay bot with shared-store leader election",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnv(f.envFile, cmd.Flags().Changed("env-file"))
		},
	}
	cmd.PersistentFlags().StringVarP(&f.config, "config", "c", envOr("RELAYBOT_CONFIG", "./config.yaml"), "config file (json or yaml)")
	cmd.PersistentFlags().StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded before the config is read")

	cmd.AddCommand(newRunCmd(f))
	cmd.AddCommand(newActionCmd(f))
	cmd.AddCommand(newStatusCmd(f))
	cmd.AddCommand(newQRCmd(f))
	return cmd
}

// loadEnv fills the environment for ${VAR} expansion in the config. A missing
// default file is fine; a missing explicit one is not.
func loadEnv(path string, explicit bool) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if explicit {
			return fmt.Errorf("env file: %w", err)
		}
		return nil
	}
	return godotenv.Load(path)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// cliLogger writes warnings and errors to the console for one-shot commands.
func cliLogger() (*logx.Service, logx.Logger) {
	return logx.New(logx.Config{Level: "warn", Console: true})
}
