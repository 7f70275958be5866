package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/relay/internal/api"
	"github.com/hyperengineering/relay/internal/store"
	"github.com/hyperengineering/relay/internal/worker"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the remote mutation service",
	Long:  "Serve the authoritative record store over HTTP. Clients replay their queued operations against it.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg := loadedConfig
	if err := cfg.RequireAPIKey(); err != nil {
		return err
	}

	db, err := store.NewRecordStore(cfg.Server.DatabasePath)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "component", "server", "path", cfg.Server.DatabasePath)

	handler := api.NewHandler(db, cfg.Auth.APIKey, Version, time.Duration(cfg.Server.IdempotencyTTL))
	router := api.NewRouter(handler)
	slog.Info("router initialized", "component", "server")

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	var wg sync.WaitGroup
	purger := worker.NewIdempotencyPurgeWorker(db, time.Duration(cfg.Server.PurgeInterval))
	startWorker(ctx, &wg, "idempotency-purge", purger.Run)

	go func() {
		slog.Info("server starting", "component", "server", "address", addr, "version", Version)
		// ErrServerClosed is the expected error after Shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "component", "server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated", "component", "server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "component", "server", "error", err)
	}

	wg.Wait()

	if err := db.Close(); err != nil {
		slog.Error("store close error", "component", "server", "error", err)
	}

	slog.Info("shutdown complete", "component", "server")
	return nil
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
