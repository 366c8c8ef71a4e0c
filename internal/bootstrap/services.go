package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/taskqueue/config"
	"github.com/target/taskqueue/internal/adapters/jobrunner"
	"github.com/target/taskqueue/internal/adapters/queuemonitor"
	"github.com/target/taskqueue/internal/core"
	"github.com/target/taskqueue/internal/data"
	"github.com/target/taskqueue/internal/domain/job"
	"github.com/target/taskqueue/internal/observability/statsd"
	"github.com/target/taskqueue/internal/service"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Tasks    *service.TaskService
	Queue    *data.RedisQueueRepo
	Results  *data.RedisResultRepo
	Registry *jobrunner.Registry
	// Metrics is nil when metrics are disabled.
	Metrics *statsd.Client
}

// Close releases resources owned by the container.
func (c *ServiceContainer) Close() error {
	return c.Metrics.Close()
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	RedisClient redis.UniversalClient
	// Blobs is optional; nil disables bundle download and artifact upload.
	Blobs  core.BlobStore
	Logger *slog.Logger
}

// NewServices builds the stores, the handler registry and the task service.
func NewServices(deps *ServiceDeps) (*ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return nil, errors.New("service config is required")
	}
	if deps.RedisClient == nil {
		return nil, errors.New("redis client is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	keys := data.NewKeyspace(cfg.Queue.Namespace)
	results := data.NewRedisResultRepo(deps.RedisClient, data.RedisResultRepoOptions{
		Keys: keys,
		TTL:  cfg.Queue.ResultTTL,
	})
	queue := data.NewRedisQueueRepo(deps.RedisClient, data.RedisQueueRepoOptions{
		Keys:         keys,
		Results:      results,
		BlockTimeout: cfg.Queue.BlockTimeout,
		Logger:       logger,
	})

	registry, err := BuildRegistry(HandlerDeps{Codex: cfg.Codex, Blobs: deps.Blobs, Logger: logger})
	if err != nil {
		return nil, err
	}

	taskOpts := service.TaskServiceOptions{Queue: queue, Results: results, Logger: logger}
	if cfg.HTTP.RestrictJobTypes {
		taskOpts.JobTypes = registry.JobTypes()
	}
	tasks, err := service.NewTaskService(taskOpts)
	if err != nil {
		return nil, fmt.Errorf("create task service: %w", err)
	}

	return &ServiceContainer{
		Tasks:    tasks,
		Queue:    queue,
		Results:  results,
		Registry: registry,
		Metrics:  buildMetrics(logger, cfg.Observability.Metrics),
	}, nil
}

// buildMetrics returns nil when metrics are disabled or the agent address is unusable.
func buildMetrics(logger *slog.Logger, cfg config.ObservabilityMetricsConfig) *statsd.Client {
	if !cfg.IsEnabled() {
		return nil
	}
	client, err := statsd.NewClient(statsd.Config{
		Enabled: true,
		Address: cfg.StatsdAddress,
		Prefix:  cfg.Prefix,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to initialise statsd client", "error", err)
		return nil
	}
	return client
}

// NewWorker builds the queue worker from the container.
func NewWorker(cfg config.WorkerConfig, services *ServiceContainer, logger *slog.Logger) (*jobrunner.Runner, error) {
	backoff, err := job.NewBackoffPolicy(cfg.BackoffInitial, cfg.BackoffMax)
	if err != nil {
		return nil, fmt.Errorf("worker backoff: %w", err)
	}
	opts := jobrunner.RunnerOptions{
		Queue:       services.Queue,
		Results:     services.Results,
		Registry:    services.Registry,
		Logger:      logger,
		Concurrency: cfg.Concurrency,
		Backoff:     backoff,
	}
	if services.Metrics != nil {
		opts.Metrics = services.Metrics
	}
	return jobrunner.NewRunner(opts)
}

// ServiceOrchestrationConfig contains dependencies for running services.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    *ServiceContainer
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
	// Listener is optional; when nil the HTTP server listens on Config.HTTP.Addr.
	Listener net.Listener
}

// RunServicesWithShutdown starts all enabled services and blocks until SIGINT/SIGTERM
// or until a service fails.
func RunServicesWithShutdown(ctx context.Context, cfg *ServiceOrchestrationConfig) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return RunServices(ctx, cfg)
}

// RunServices starts all enabled services and stops them when ctx is done.
// Cancelling ctx cancels in-flight handlers at once, which kills any codex subprocess.
// Worker.ShutdownTimeout only bounds the wait for the worker loop to exit; interrupted
// tasks stay in processing and are requeued by the next startup sweep.
func RunServices(ctx context.Context, cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil || cfg.Services == nil {
		return errors.New("service orchestration config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	serviceCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, len(enabled))

	var server *http.Server
	if enabled[config.ServiceModeHTTP] {
		ln := cfg.Listener
		if ln == nil {
			if ln, err = net.Listen("tcp", cfg.Config.HTTP.Addr); err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Config.HTTP.Addr, err)
			}
		}
		server = NewHTTPServer(HTTPServerConfig{
			HTTP:   cfg.Config.HTTP,
			Tasks:  cfg.Services.Tasks,
			Redis:  cfg.RedisClient,
			Logger: logger,
		})
		go func() {
			if err := ServeHTTP(server, ln, logger); err != nil {
				errCh <- fmt.Errorf("http server failed: %w", err)
			}
		}()
	}

	var workerDone chan struct{}
	if enabled[config.ServiceModeWorker] {
		runner, err := NewWorker(cfg.Config.Worker, cfg.Services, logger)
		if err != nil {
			return err
		}
		workerDone = make(chan struct{})
		go func() {
			defer close(workerDone)
			if err := runner.Run(serviceCtx); err != nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		logger.InfoContext(ctx, "background service started", "service", "worker",
			"job_types", cfg.Services.Registry.JobTypes())
	}

	monitorDone := startQueueMonitor(serviceCtx, cfg, logger)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down services...")
	case runErr = <-errCh:
		logger.Error("service error", "error", runErr)
	}
	cancel()

	if err := ShutdownHTTPServer(server, cfg.Config.HTTP, logger); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown http server: %w", err))
	}
	waitForService(workerDone, "worker", cfg.Config.Worker.ShutdownTimeout, logger)
	waitForService(monitorDone, "queue monitor", cfg.Config.HTTP.ShutdownTimeout, logger)
	return runErr
}

// startQueueMonitor samples queue depth while ctx is live. It returns nil when metrics are disabled.
func startQueueMonitor(ctx context.Context, cfg *ServiceOrchestrationConfig, logger *slog.Logger) chan struct{} {
	if cfg.Services.Metrics == nil {
		return nil
	}
	monitor, err := queuemonitor.NewRunner(queuemonitor.RunnerOptions{
		Queue:    cfg.Services.Queue,
		Metrics:  cfg.Services.Metrics,
		Interval: cfg.Config.Observability.Metrics.QueueDepthInterval,
		Logger:   logger,
	})
	if err != nil {
		logger.Warn("queue monitor disabled", "error", err)
		return nil
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = monitor.Run(ctx)
	}()
	return done
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, timeout time.Duration, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(timeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
