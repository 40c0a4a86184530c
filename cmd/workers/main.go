package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/shelfmark/shelfmark/internal/plugins"
	"github.com/shelfmark/shelfmark/internal/queue"
	"github.com/shelfmark/shelfmark/internal/queue/durable"
	"github.com/shelfmark/shelfmark/internal/queue/sqlite"
	"github.com/shelfmark/shelfmark/pkg/config"
	"github.com/shelfmark/shelfmark/pkg/logging"
	"github.com/shelfmark/shelfmark/pkg/metrics"
)

func main() {
	// Load .env file if present (development convenience)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "shelfmark-workers",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	logger.WithFields(logrus.Fields{
		"num_retries": cfg.Queue.NumRetries,
		"concurrency": cfg.Queue.Concurrency,
		"durable":     cfg.Durable.Configured(),
	}).Info("Starting workers service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := plugins.NewRegistry(logger)
	registerBackends(registry, cfg, logger)

	client, err := plugins.ClientAs[queue.Client](ctx, registry, plugins.KindQueue)
	if err != nil {
		logger.WithError(err).Fatal("No queue backend available")
	}
	defer client.Close()

	if cfg.Metrics.Enabled {
		startMetricsServer(cfg.Metrics.Port, logger)
	}

	runners, err := buildRunners(client, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build queue runners")
	}

	var wg sync.WaitGroup
	for name, r := range runners {
		wg.Add(1)
		go func(name string, r queue.Runner) {
			defer wg.Done()
			if err := r.Run(ctx); err != nil && ctx.Err() == nil {
				logger.WithQueue(name).WithError(err).Error("Runner exited with error")
			}
		}(name, r)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down workers...")

	for _, r := range runners {
		r.Stop()
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("Shutdown timed out waiting for in-flight jobs")
	}

	logger.Info("Workers exited")
}

// registerBackends wires the configured queue backends into the registry.
// The embedded backend is always available; the durable backend is
// registered after it when configured, so it wins resolution.
func registerBackends(registry *plugins.Registry, cfg *config.Config, logger *logging.Logger) {
	registry.Register(plugins.KindQueue, "sqlite", plugins.ProviderFunc("sqlite", func(ctx context.Context) (any, error) {
		return sqlite.NewClient(cfg.Embedded, cfg.Queue, logger)
	}))

	if cfg.Durable.Configured() {
		registry.Register(plugins.KindQueue, "durable", plugins.ProviderFunc("durable", func(ctx context.Context) (any, error) {
			var coord durable.Coordination
			if cfg.Durable.CoordinationAddr != "" {
				coord = durable.NewCoordinationClient(cfg.Durable.CoordinationAddr)
			} else {
				// In-process coordination admits waiters locally; with
				// several worker processes on one Redis, admissions land
				// on the reconcile interval instead of immediately. Run
				// the coordinator service and set
				// DURABLE_COORDINATION_ADDR for multi-worker deployments.
				logger.Warn("Using in-process coordination; set DURABLE_COORDINATION_ADDR when running multiple workers")
				rdb := redis.NewClient(&redis.Options{
					Addr:     cfg.Redis.Addr(),
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
					PoolSize: cfg.Redis.PoolSize,
				})
				if err := rdb.Ping(ctx).Err(); err != nil {
					return nil, fmt.Errorf("coordination store unreachable: %w", err)
				}
				coord = durable.NewCoordinator(durable.NewRedisStore(rdb))
			}

			return durable.NewClient(cfg.Durable, cfg.Queue, coord, logger)
		}))
	}
}

// buildRunners creates the product's queues and one runner per queue
func buildRunners(client queue.Client, cfg *config.Config, logger *logging.Logger) (map[string]queue.Runner, error) {
	opts := queue.Options{
		NumRetries:     cfg.Queue.NumRetries,
		KeepFailedJobs: cfg.Queue.KeepFailedJobs,
	}
	runners := make(map[string]queue.Runner)
	for _, binding := range []struct {
		name      string
		cb        queue.Callbacks
		validator queue.Validator
	}{
		{queue.QueueCrawler, crawlerCallbacks(logger), queue.NewStructValidator[CrawlPayload]()},
		{queue.QueueTagging, taggingCallbacks(logger), queue.NewStructValidator[TagPayload]()},
		{queue.QueueWebhooks, webhookCallbacks(logger), queue.NewStructValidator[WebhookPayload]()},
	} {
		q, err := client.CreateQueue(binding.name, opts)
		if err != nil {
			return nil, err
		}
		r, err := client.CreateRunner(q, binding.cb, queue.RunnerOptions{
			Concurrency:  cfg.Queue.Concurrency,
			Timeout:      cfg.Queue.Timeout,
			PollInterval: cfg.Queue.PollInterval,
			Validator:    binding.validator,
		})
		if err != nil {
			return nil, err
		}
		runners[binding.name] = r
	}
	return runners, nil
}

func startMetricsServer(port int, logger *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	go func() {
		addr := fmt.Sprintf(":%d", port)
		logger.WithField("addr", addr).Info("Metrics server listening")
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()
}
