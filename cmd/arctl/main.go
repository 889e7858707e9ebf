package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ar-collect/internal/app"
	"ar-collect/internal/config"
	"ar-collect/internal/logging"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "arctl",
		Short:         "Operator tooling for the accounts receivable collections service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(resetAttemptsCmd())
	rootCmd.AddCommand(overdueCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(mcpCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// setup loads configuration and a logger. CLI logs go to stderr so stdout stays
// machine readable.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logging.NewStderrLogger(cfg.LogLevel, cfg.LogFormat), nil
}

func build(ctx context.Context) (*app.App, error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, logger)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
