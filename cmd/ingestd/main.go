// Command ingestd starts the actor ingestion service.
//
// The service triggers actor runs on the runner and ingests their datasets
// (POST /api/v1/configs/{id}/ingest and /api/v1/ingest/batch), accepts run
// completion webhooks (POST /api/v1/webhooks/runner), and keeps remote
// schedules aligned with the declared source configs, both periodically and
// on demand. Content and run events are published to Kafka when brokers are
// configured, and a Kafka topic can feed relayed webhooks into the same
// handler.
//
// Usage:
//
//	go run ./cmd/ingestd [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/api"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion/events"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion/itemproc"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion/memstore"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion/pipeline"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion/store"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion/transform"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion/webhook"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/runner"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/schedule"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/redis"
)

// main loads configuration, opens storage and the optional Redis and Kafka
// connections, wires the ingestion flows behind the HTTP API, starts the
// periodic schedule sync and the optional webhook relay consumer, and serves
// until SIGINT/SIGTERM.
func main() {
	configPath := flag.String("config", "", "path to config file (defaults and AIP_* env vars when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting ingestion service",
		"port", cfg.Server.Port,
		"storage", cfg.Storage.Type,
		"runner_url", cfg.Runner.BaseURL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checker := health.NewChecker()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(nil)
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, map[string]http.Handler{
			"/health/live":  checker.LiveHandler(),
			"/health/ready": checker.ReadyHandler(),
		})
		defer shutdownMetrics(context.Background())
	}

	// Storage: Postgres in production, memory for local runs.
	var st ingestion.Store
	switch cfg.Storage.Type {
	case "memory":
		st = memstore.New()
		slog.Warn("using in-memory storage; data is lost on exit")
	default:
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		slog.Info("connected to postgres")
		pg := store.New(db)
		if cfg.Storage.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				slog.Error("failed to apply schema", "error", err)
				os.Exit(1)
			}
			slog.Info("schema applied")
		}
		checker.Register("postgres", health.PingCheck(db.Ping, false))
		st = pg
	}

	// Redis: optional fast-path webhook dedup.
	var seen webhook.SeenCache
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, webhook dedup falls back to storage", "error", err)
		} else {
			defer rdb.Close()
			seen = webhook.NewRedisSeenCache(rdb, cfg.Webhook.DedupTTL)
			checker.Register("redis", health.PingCheck(rdb.Ping, true))
			slog.Info("connected to redis", "addr", cfg.Redis.Addr)
		}
	}

	// Kafka: optional event publishing.
	var pub events.Publisher = events.Noop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(
			kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.ContentIngested),
			kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.RunCompleted),
		)
		defer kp.Close()
		pub = kp
		slog.Info("kafka publisher initialized",
			"content_topic", cfg.Kafka.Topics.ContentIngested,
			"run_topic", cfg.Kafka.Topics.RunCompleted,
		)
	}

	rc := runner.NewFromConfig(cfg.Runner, m.ObserveRunnerCall, m.CountRetry)
	proc := itemproc.New(transform.Transformer{
		MinContentLength: cfg.Ingestion.MinContentLength,
		DeriveSource:     cfg.Ingestion.DeriveSourceFromURL,
	}, cfg.Ingestion.OverwriteExisting)

	ing := pipeline.New(st, rc, proc, pub, m, pipeline.Options{
		PollInterval: cfg.Runner.PollInterval,
		MaxWait:      cfg.Runner.MaxWait,
		PageSize:     cfg.Runner.PageSize,
	})
	coord := pipeline.NewCoordinator(ing, cfg.Ingestion.BatchConcurrency, m)
	wh := webhook.New(st, rc, proc, seen, pub, m, webhook.Options{
		Secret:   cfg.Webhook.Secret,
		PageSize: cfg.Runner.PageSize,
	})
	rec := schedule.New(st, rc, m, schedule.Options{
		NamePrefix: cfg.Schedule.NamePrefix,
		Timezone:   cfg.Schedule.Timezone,
	})
	rec.StartPeriodic(ctx, cfg.Schedule.SyncInterval)

	var wg sync.WaitGroup
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topics.WebhookRelay != "" {
		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.WebhookRelay, webhook.RelayHandler(wh))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Start(ctx); err != nil {
				slog.Error("webhook relay consumer error", "error", err)
			}
		}()
		slog.Info("webhook relay consumer started", "topic", cfg.Kafka.Topics.WebhookRelay)
	}

	if len(cfg.Server.APIKeys) == 0 {
		slog.Warn("no api keys configured; operator routes are unauthenticated")
	}
	h := api.New(ing, coord, wh, rec)
	router := api.NewRouter(h, checker, m, api.RouterOptions{
		RequestTimeout: cfg.Server.RequestTimeout,
		APIKeys:        cfg.Server.APIKeys,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("ingestion service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	wg.Wait()
	slog.Info("ingestion service stopped")
}
