// Package cli implements the admitd command line.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root admitd command.
func NewRootCmd() *cobra.Command {
	var (
		level string
		json  bool
	)

	root := &cobra.Command{
		Use:   "admitd",
		Short: "Admission control for bursty user events",
		Long: `admitd sits between a message source and the expensive work behind it.
Every event is deduplicated, rate limited per user and tier, then queued
behind the user's earlier events under a global concurrency bound.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(level, json)
		},
	}

	root.PersistentFlags().StringVar(&level, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&json, "log-json", false, "log as JSON")

	root.AddCommand(
		newServeCmd(),
		newConfigCmd(),
		newSendCmd(),
	)

	return root
}

func setupLogging(level string, json bool) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return err
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if json {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}
