package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/finvest/sagaflow/config"
)

var (
	rootShort = "Saga coordinator for multi-step investment transactions"

	rootLong = `sagad drives investment sagas started by payment.completed messages,
compensates partial failures, and exposes the admin recovery surface.

Configuration is read from the file given by --config, if it exists, and
from SAGAFLOW_* environment variables.`
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "sagad",
		Short:        rootShort,
		Long:         rootLong,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file (yaml, toml or json)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRecoverCmd())

	return cmd
}

// setup loads the configuration named by the --config flag and builds the
// app on it.
func setup(ctx context.Context, cmd *cobra.Command) (*app, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Log, cmd.ErrOrStderr())
	return newApp(ctx, cfg, logger)
}
