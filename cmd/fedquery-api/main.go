package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fedquery/fedquery/internal/api"
	"github.com/fedquery/fedquery/internal/auth"
	"github.com/fedquery/fedquery/internal/config"
	"github.com/fedquery/fedquery/internal/federation"
	"github.com/fedquery/fedquery/internal/observability"
	registrypostgres "github.com/fedquery/fedquery/internal/registry/postgres"
	s3store "github.com/fedquery/fedquery/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("fedquery-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	registryDB, err := registrypostgres.Open(context.Background(), registrypostgres.DBConfig{
		DSN:             cfg.Registry.DSN,
		MaxOpenConns:    cfg.Registry.MaxOpenConns,
		MaxIdleConns:    cfg.Registry.MaxIdleConns,
		ConnMaxIdleTime: cfg.Registry.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Registry.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open registry db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = registryDB.Close() }()

	registryRepo := registrypostgres.NewRepository(registryDB)
	objectStore, err := s3store.New(context.Background(), s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}

	engine := federation.NewEngine(federation.Config{
		MaxConnections:    cfg.Federation.MaxConnections,
		MinConnections:    cfg.Federation.MinConnections,
		ConnectionTimeout: cfg.Federation.ConnectionTimeout,
		QueryTimeout:      cfg.Federation.QueryTimeout,
		MonitorInterval:   cfg.Federation.MonitorInterval,
		AttachTTL:         cfg.Federation.AttachTTL,
		EnableHTTPFS:      cfg.Federation.EnableHTTPFS,
		Extensions:        cfg.Federation.Extensions,
		SampleRows:        cfg.Federation.SampleRows,
	}, registryRepo, objectStore, logger)
	if err := engine.Initialize(context.Background()); err != nil {
		logger.Error("failed to initialize query engine", slog.Any("error", err))
		os.Exit(1)
	}
	defer engine.Shutdown()

	deps := api.Dependencies{
		Logger:     logger,
		Engine:     engine,
		Store:      objectStore,
		SampleRows: cfg.Federation.SampleRows,
		Readiness: api.CombineReadinessChecks(
			registryRepo.HealthCheck,
			api.CheckObjectStoreConfig(cfg),
			api.CheckEngineInitialized(engine),
		),
		DependencyTimout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
