package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/example/reservation-engine/internal/config"
	"github.com/example/reservation-engine/internal/logging"
)

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "reservations",
		Short:        "Recurring reservation scheduling engine",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")

	cmd.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newSweepCommand(opts),
		newExpandCommand(opts),
		newRulesCommand(opts),
	)
	return cmd
}

// setup loads configuration and builds the logger.
func (o *rootOptions) setup() (config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	logger, closer := logging.New(cfg.Logging.Options())
	return cfg, logger, closer, nil
}

// withApp runs fn against a fully wired app and releases it afterwards.
func (o *rootOptions) withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, closer, err := o.setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise", "error", err)
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Error("failed to release resources", "error", cerr)
		}
	}()
	return fn(ctx, a)
}
