package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sklyar/fanout/internal/config"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "fanout",
		Short: "Relay bytes to every client of a TCP server",
		Long: `fanout runs a TCP server that writes every broadcast payload, as is,
to all connected clients. The server is started and stopped at runtime
through an HTTP control API, or fed directly from stdin.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("log-level") {
				if v, ok := os.LookupEnv(config.EnvLogLevel); ok {
					logLevel = v
				}
			}

			level, err := config.ParseLevel(logLevel)
			if err != nil {
				return err
			}

			slog.SetDefault(newLogger(level))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		serveCmd(),
		pipeCmd(),
		tapCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fanout %s (%s)\n", version, commit)
		},
	}
}
