package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/qaraxhq/qarax/internal/server/app"
	"github.com/qaraxhq/qarax/internal/server/config"
	"github.com/qaraxhq/qarax/internal/server/db/sqlite"
	"github.com/qaraxhq/qarax/internal/server/httpapi"
	"github.com/qaraxhq/qarax/internal/server/provisioner"
	"github.com/qaraxhq/qarax/internal/server/scheduler"
	"github.com/qaraxhq/qarax/internal/server/transfer"
	"github.com/qaraxhq/qarax/internal/shared/logging"
)

func main() {
	logger := logging.New("qaraxd")

	root := &cobra.Command{
		Use:           "qaraxd",
		Short:         "qarax control-plane daemon: REST API, scheduler, host provisioner",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}

			store, err := sqlite.Open(ctx, cfg.DatabasePath)
			if err != nil {
				return err
			}

			sched := scheduler.New(store, logger, nil)
			prov := provisioner.New(provisioner.Params{Store: store, Logger: logger})
			transfers := transfer.New(store, logger)

			handler := httpapi.New(logger, store, sched, prov, transfers)

			daemon, err := app.New(cfg, logger, store, handler)
			if err != nil {
				return err
			}
			if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("shutdown complete")
			return nil
		},
	}

	if err := root.Execute(); err != nil {
		logger.Error("daemon exit", "error", err)
		os.Exit(1)
	}
}
