package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/bookstore-orders/internal/config"
	"github.com/dshills/bookstore-orders/internal/coordinator"
	"github.com/dshills/bookstore-orders/internal/events"
	"github.com/dshills/bookstore-orders/internal/httpapi"
	"github.com/dshills/bookstore-orders/internal/mcp"
	"github.com/dshills/bookstore-orders/internal/observability"
	"github.com/dshills/bookstore-orders/internal/query"
	"github.com/dshills/bookstore-orders/internal/storage"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Handle version flag
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("Bookstore Orders Server\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Build Time: %s\n", buildTime)
		fmt.Printf("Build Mode: %s\n", storage.BuildMode)
		fmt.Printf("SQLite Driver: %s\n", storage.DriverName)
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "orderd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Logs go to stderr; stdout is reserved for the MCP protocol
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting",
		zap.String("version", version),
		zap.String("build_mode", storage.BuildMode),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("transport", cfg.Transport),
		zap.String("events_sink", cfg.EventsSink),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	publisher, err := openPublisher(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize event publisher: %w", err)
	}
	defer func() { _ = publisher.Close() }()

	retry := coordinator.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxAttempts

	coord := coordinator.New(store, coordinator.Config{
		Retry:       retry,
		LockTimeout: cfg.LockTimeout,
		Logger:      logger,
		Publisher:   publisher,
	})
	reader := query.New(store, logger)

	switch cfg.Transport {
	case config.TransportHTTP:
		err = serveHTTP(ctx, cfg, httpapi.New(coord, reader, logger).Router(), logger)
	default:
		err = mcp.NewServer(store, coord, reader, logger).Serve(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	if cfg.DBDriver == config.DriverPostgres {
		opts := storage.DefaultPostgresOptions()
		opts.LockTimeout = cfg.LockTimeout
		return storage.NewPostgresStorage(ctx, cfg.DatabaseURL, opts)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return storage.NewSQLiteStorage(cfg.DBPath)
}

func openPublisher(ctx context.Context, cfg *config.Config) (events.Publisher, error) {
	switch cfg.EventsSink {
	case config.SinkKafka:
		return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	case config.SinkRedis:
		return events.NewRedisPublisher(ctx, cfg.RedisURL, cfg.RedisStream)
	default:
		return events.NopPublisher{}, nil
	}
}

func serveHTTP(ctx context.Context, cfg *config.Config, handler http.Handler, logger *zap.Logger) error {
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
