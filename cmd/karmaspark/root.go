package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ent0n29/karmaspark/internal/app"
	"github.com/ent0n29/karmaspark/internal/config"
	"github.com/ent0n29/karmaspark/internal/observability"
)

func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "karmaspark",
		Short:         "Conversational agent with memory, planning and reminders",
		Long:          `KarmaSpark answers chat commands, remembers what it is told and delivers reminders.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}
	rootCmd.PersistentFlags().String("config", "", "Path to a TOML config file (default ./config.toml, or $CONFIG_FILE)")

	rootCmd.AddCommand(
		NewServeCmd(),
		NewEvictCmd(),
		NewAskCmd(),
	)
	return rootCmd
}

// build loads config and wires the application for a subcommand.
func build(ctx context.Context, cmd *cobra.Command) (*app.BuildResult, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	return app.Build(ctx, cfg, logger)
}
