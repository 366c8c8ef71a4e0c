package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/target/taskqueue/config"
	"github.com/target/taskqueue/internal/bootstrap"
)

func main() {
	ctx := context.Background()
	logger := bootstrap.InitLogger()
	if err := run(ctx, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1) //nolint:forbidigo // Main entrypoint should exit with non-zero status on fatal errors.
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}
	bootstrap.SetLogLevel(cfg.SlogLevel())

	logStartupInfo(ctx, logger, &cfg)

	if err = bootstrap.ValidateServiceConfig(&cfg); err != nil {
		return err
	}

	redisClient, err := bootstrap.ConnectRedis(ctx, bootstrap.RedisConnectConfig{Redis: cfg.Redis, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := redisClient.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close redis failed", "error", cerr)
		}
	}()

	deps := &bootstrap.ServiceDeps{
		Config:      &cfg,
		RedisClient: redisClient,
		Logger:      logger,
	}
	blobs, err := bootstrap.NewBlobStore(ctx, cfg.Blob, logger)
	if err != nil {
		return err
	}
	if blobs != nil {
		deps.Blobs = blobs
	}

	services, err := bootstrap.NewServices(deps)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := services.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close services failed", "error", cerr)
		}
	}()

	return bootstrap.RunServicesWithShutdown(ctx, &bootstrap.ServiceOrchestrationConfig{
		Config:      &cfg,
		Services:    services,
		RedisClient: redisClient,
		Logger:      logger,
	})
}

func logStartupInfo(ctx context.Context, logger *slog.Logger, cfg *config.AppConfig) {
	logger.InfoContext(ctx, "starting taskqueue service",
		"queue_namespace", cfg.Queue.Namespace,
		"redis_cluster", cfg.Redis.UseCluster,
		"redis_sentinel", cfg.Redis.UseSentinel,
		"codex_enabled", cfg.Codex.Enabled,
		"blob_enabled", cfg.Blob.IsEnabled(),
		"enabled_services", bootstrap.GetEnabledServices(cfg))
}
