package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/qaraxhq/qarax/internal/node/app"
	"github.com/qaraxhq/qarax/internal/node/config"
	"github.com/qaraxhq/qarax/internal/shared/logging"
)

func main() {
	logger := logging.New("qarax-node")

	cfg, err := config.Default()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	var port uint16
	root := &cobra.Command{
		Use:           "qarax-node",
		Short:         "qarax data-plane daemon: supervises cloud-hypervisor microVMs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Port = port

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			daemon, err := app.New(cfg, logger)
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

	root.Flags().Uint16Var(&port, "port", cfg.Port, "node RPC listening port")
	root.Flags().StringVar(&cfg.RuntimeDir, "runtime-dir", cfg.RuntimeDir, "per-VM runtime directory")
	root.Flags().StringVar(&cfg.HypervisorBinary, "cloud-hypervisor-binary", cfg.HypervisorBinary, "path to the cloud-hypervisor binary")

	if err := root.Execute(); err != nil {
		logger.Error("daemon exit", "error", err)
		os.Exit(1)
	}
}
