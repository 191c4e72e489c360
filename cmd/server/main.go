/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the stock ledger HTTP server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (config.toml, .env, STOCK_* environment)
  2. Build the zap logger
  3. Open the store (memory, sqlite or postgres)
  4. Build the per-entry locker (local or redis)
  5. Create ledger, API handler and optional reconciliation scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Extra directory to search for config.toml
  -port    Override app.port

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the reconciliation scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (http.shutdown_timeout, 30s)
  4. Close locker and database connections

EXAMPLES:
  # Run with the default sqlite file
  ./server

  # Run against postgres with redis locks
  STOCK_DATABASE_DRIVER=postgres STOCK_LOCK_BACKEND=redis ./server

  # Throwaway in-memory ledger on another port
  STOCK_DATABASE_DRIVER=memory ./server -port=3000

SEE ALSO:
  - config/config.go: All settings and defaults
  - api/server.go: Router configuration
  - cmd/reconcile: Offline reconciliation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/warp/stock-ledger/api"
	"github.com/warp/stock-ledger/config"
	"github.com/warp/stock-ledger/lock"
	"github.com/warp/stock-ledger/logger"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/store"
	"go.uber.org/zap"
)

func main() {
	configDir := flag.String("config", "", "Extra directory to search for config.toml")
	port := flag.String("port", "", "HTTP server port (overrides app.port)")
	flag.Parse()

	if err := run(*configDir, *port); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(configDir, port string) error {
	var paths []string
	if configDir != "" {
		paths = append(paths, configDir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port != "" {
		cfg.App.Port = port
	}

	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()
	log = log.With(zap.String("app", cfg.App.Name), zap.String("env", cfg.App.Env))

	// Initialize store
	backend, err := store.Open(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()

	locker, lockCloser, err := lock.Open(context.Background(), cfg.Lock, cfg.Redis)
	if err != nil {
		return fmt.Errorf("open locker: %w", err)
	}
	defer lockCloser.Close()
	log.Info("locker ready", zap.String("backend", cfg.Lock.Backend))

	ledger := stock.NewLedger(backend,
		stock.WithLocker(locker),
		stock.WithLogger(log.Named("ledger")),
	)

	// Initialize handler
	handler := api.NewHandler(ledger, log.Named("api"))
	handler.MaxBodySize = cfg.HTTP.MaxBodySize
	handler.EnableScenarios = cfg.App.Env != "production"

	scheduler := api.NewReconciliationScheduler(handler, log)
	scheduler.Enabled = cfg.Reconcile.Enabled
	scheduler.Interval = cfg.Reconcile.Interval
	scheduler.Repair = cfg.Reconcile.Repair
	scheduler.Start()
	defer scheduler.Stop()

	router := api.NewRouter(handler, api.RouterOptions{
		Logger:             log.Named("http"),
		CORSAllowedOrigins: cfg.HTTP.CORSAllowOrigins,
	})

	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", server.Addr), zap.String("driver", cfg.Database.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
