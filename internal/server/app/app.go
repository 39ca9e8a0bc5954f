package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qaraxhq/qarax/internal/server/config"
	"github.com/qaraxhq/qarax/internal/server/db"
)

// App wires the config, persistence, and HTTP transport of the control
// plane.
type App struct {
	cfg          config.ServerConfig
	logger       *slog.Logger
	store        db.Store
	httpServer   *http.Server
	shutdownWait time.Duration
}

// New constructs the daemon application.
func New(cfg config.ServerConfig, logger *slog.Logger, store db.Store, handler http.Handler) (*App, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store must not be nil")
	}
	if handler == nil {
		handler = http.NewServeMux()
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &App{
		cfg:          cfg,
		logger:       logger,
		store:        store,
		httpServer:   httpServer,
		shutdownWait: 15 * time.Second,
	}, nil
}

// Run serves the REST API, blocking until context cancellation.
func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("api server listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownWait)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http shutdown", "error", err)
		}
		if err := a.store.Close(shutdownCtx); err != nil {
			a.logger.Error("store close", "error", err)
		}
		return gCtx.Err()
	})

	return g.Wait()
}
