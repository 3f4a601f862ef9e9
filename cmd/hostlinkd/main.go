// Command hostlinkd serves the host link HTTP API.
//
// Usage:
//
//	hostlinkd -config /etc/hostlink/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirosfoundation/go-hostlink/internal/config"
	"github.com/sirosfoundation/go-hostlink/internal/dispatch"
	"github.com/sirosfoundation/go-hostlink/internal/observability"
	"github.com/sirosfoundation/go-hostlink/internal/render"
	"github.com/sirosfoundation/go-hostlink/internal/secret"
	"github.com/sirosfoundation/go-hostlink/internal/server"
	"github.com/sirosfoundation/go-hostlink/internal/storage"
	"github.com/sirosfoundation/go-hostlink/internal/storage/memory"
	"github.com/sirosfoundation/go-hostlink/internal/storage/mongodb"
	"github.com/sirosfoundation/go-hostlink/internal/storage/sqlite"
	"github.com/sirosfoundation/go-hostlink/pkg/retry"
	"github.com/sirosfoundation/go-hostlink/pkg/transmit"
	"github.com/sirosfoundation/go-hostlink/pkg/transport"
)

var configPath = flag.String("config", "config.yaml", "Path to the configuration file")

// openStore is replaced in tests
var openStore = newStore

func main() {
	flag.Parse()

	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)
	logger.Info("config loaded",
		"path", *configPath,
		"storage", cfg.Storage.Type,
		"base_path", cfg.Server.BasePath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

// serve runs the daemon until ctx ends or the HTTP server fails
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Tracing(), logger)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Error("error flushing traces", "error", err)
		}
	}()

	shutdownMetrics, err := observability.SetupMetrics(ctx, cfg.Metrics(), logger)
	if err != nil {
		return fmt.Errorf("setting up metrics: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			logger.Error("error flushing metrics", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := store.Close(sctx); err != nil {
			logger.Error("error closing storage", "error", err)
		}
	}()
	logger.Info("storage ready", "type", cfg.Storage.Type)

	var secrets secret.Box = secret.Plain{}
	if cfg.Secrets.MasterKey != "" {
		cipher, err := secret.NewCipher(cfg.Secrets.MasterKey, cfg.Secrets.Salt)
		if err != nil {
			return fmt.Errorf("creating secret cipher: %w", err)
		}
		secrets = cipher
	} else {
		logger.Warn("no master key configured - credential passwords are stored as given")
	}

	deps := transmit.Deps{
		Renderer:    render.New(),
		Secrets:     secrets,
		Credentials: store,
		Pool:        transport.NewPool(nil),
		Timeout:     cfg.Transmission.Timeout,
	}
	tokens := transmit.NewTokenManager(deps, logger)
	svc := transmit.NewService(store,
		transmit.NewSOAPTransmitter(deps, cfg.SOAPService(), logger),
		transmit.NewBearerTransmitter(deps, tokens, logger),
		logger,
	)
	dispatcher := dispatch.New(store, svc, retry.New(cfg.RetryPolicy(), logger), logger)

	srv, err := server.New(cfg, server.Deps{
		Store:      store,
		Dispatcher: dispatcher,
		Secrets:    secrets,
	}, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func newStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Type {
	case config.StorageMongoDB:
		s, err := mongodb.NewStore(ctx, &mongodb.Config{
			URI:      cfg.Storage.MongoDB.URI,
			Database: cfg.Storage.MongoDB.Database,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to mongodb: %w", err)
		}
		return s, nil
	case config.StorageSQLite:
		s, err := sqlite.NewStore(ctx, &sqlite.Config{Path: cfg.Storage.SQLite.Path})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StorageMemory:
		return memory.NewStore(), nil
	}
	return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
}
