// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/kolnoter/internal/api"
	"github.com/starford/kolnoter/internal/conflict"
	"github.com/starford/kolnoter/internal/noteservice"
	"github.com/starford/kolnoter/internal/search"
	"github.com/starford/kolnoter/internal/sse"
	"github.com/starford/kolnoter/internal/storage"
)

// Run starts the HTTP server with the given options and blocks until a
// shutdown signal or ctx cancellation.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger := app.logger()
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("vault_backend", cfg.Vault.Backend),
		slog.String("vault_path", cfg.Vault.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	svc, err := openWorkspace(ctx, cfg, logger, !cfg.Watcher.Disabled)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("close workspace", slog.String("error", err.Error()))
		}
	}()

	// SSE broker fed by the workspace.
	broker := sse.NewBroker(cfg.Search.EventThrottle)
	defer broker.Close()
	unsubChanges := svc.SubscribeToExternalChanges(broker.PublishChange)
	defer unsubChanges()
	unsubConflicts := svc.SubscribeToConflicts(func(d *conflict.Data) {
		broker.Publish(sse.Event{Type: sse.TypeConflictDetected, Data: d})
	})
	defer unsubConflicts()

	apiRouter := api.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := svc.Info(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"no workspace"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// openWorkspace opens the configured backend through a new service.
func openWorkspace(ctx context.Context, cfg *Config, logger *slog.Logger, watch bool) (*noteservice.Service, error) {
	svc := noteservice.New(logger)
	err := svc.Open(ctx, noteservice.Options{
		Backend:     storage.Backend(cfg.Vault.Backend),
		VaultPath:   cfg.Vault.Path,
		CreateVault: cfg.Vault.Create,
		IndexPath:   cfg.SQLite.Path,
		Debounce:    cfg.Watcher.Debounce,
		NoWatch:     !watch,
		Search:      search.Config{Fuzzy: cfg.Search.Fuzzy, Limit: cfg.Search.Limit},
	})
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	return svc, nil
}
