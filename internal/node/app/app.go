package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/qaraxhq/qarax/internal/node/config"
	"github.com/qaraxhq/qarax/internal/node/hypervisor"
	"github.com/qaraxhq/qarax/internal/node/hypervisor/cloudhypervisor"
	"github.com/qaraxhq/qarax/internal/node/network"
	"github.com/qaraxhq/qarax/internal/node/rpcserver"
	"github.com/qaraxhq/qarax/internal/node/vmm"
)

const lockFileName = ".qarax-node.lock"

// App wires the node daemon: runtime-dir lock, VM manager, reconciliation,
// and the RPC server.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	manager *vmm.Manager
	lock    *flock.Flock
	server  *http.Server
}

// New builds the node application.
func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.RuntimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure runtime dir: %w", err)
	}

	manager, err := vmm.New(vmm.Params{
		Logger:     logger,
		RuntimeDir: cfg.RuntimeDir,
		Launcher:   &launcher{inner: cloudhypervisor.NewLauncher(cfg.HypervisorBinary)},
		Clients: func(socketPath string) hypervisor.Client {
			return cloudhypervisor.NewClient(socketPath)
		},
		Network: network.NewTapManager(),
	})
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:     cfg,
		logger:  logger,
		manager: manager,
		lock:    flock.New(filepath.Join(cfg.RuntimeDir, lockFileName)),
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      rpcserver.New(logger, manager),
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}, nil
}

// Run locks the runtime directory, reconciles orphaned VMMs, and serves RPC
// until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	locked, err := a.lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock runtime dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("runtime dir %s is owned by another qarax-node", a.cfg.RuntimeDir)
	}
	defer func() { _ = a.lock.Unlock() }()

	if err := a.manager.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile runtime dir: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("node rpc listening", "addr", a.server.Addr, "runtime_dir", a.cfg.RuntimeDir)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("rpc shutdown", "error", err)
		}
		return gCtx.Err()
	})

	err = g.Wait()
	// VMMs keep running across node restarts; reconciliation re-adopts
	// them. Nothing to tear down here besides the listener.
	return err
}

// launcher adapts the cloud-hypervisor launcher to the manager's interface.
type launcher struct {
	inner *cloudhypervisor.Launcher
}

func (l *launcher) Launch(ctx context.Context, socketPath, consoleLogPath string) (vmm.Process, error) {
	return l.inner.Launch(ctx, socketPath, consoleLogPath)
}
