package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/flowforgelab/pokemon-full-project-sub005/internal/alerting"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/archive"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/audit"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/cleanup"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/config"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/manager"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/models"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/queue"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/store"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/telemetry"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/validation"
	workerproc "github.com/flowforgelab/pokemon-full-project-sub005/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations")
	}

	q := queue.New(queue.Options{
		Addr:              cfg.RedisAddr,
		Password:          cfg.RedisPassword,
		DB:                cfg.RedisDB,
		VisibilityTimeout: cfg.VisibilityTimeout,
	})
	defer q.Close()
	if err := q.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("connect redis")
	}

	sink := newAuditSink(cfg, st, logger)
	defer sink.Close()

	mgr := manager.New(st, q, sink, manager.Defaults{
		MaxAttempts: cfg.DefaultMaxAttempts,
		Backoff:     models.BackoffPolicy{Kind: cfg.BackoffKind, BaseDelay: cfg.BackoffBase},
		Retention:   models.RetentionPolicy{KeepCount: cfg.RetentionKeepCount, KeepAge: cfg.RetentionKeepAge},
	}, logger)

	rules, err := alerting.LoadRules(cfg.AlertRulesFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("load alert rules")
	}
	schedule, err := alerting.LoadSchedule(cfg.OnCallScheduleFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("load on-call schedule")
	}
	alerts := alerting.New(st, alerting.ChannelsFromConfig(cfg, logger), rules, schedule, sink, logger)
	if err := alerts.RegisterRules(ctx); err != nil {
		logger.Fatal().Err(err).Msg("register alert rules")
	}

	archiver, err := archive.NewS3Archiver(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("init archiver")
	}

	processors := buildProcessors(st, archiver, alerts, logger)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	var wg sync.WaitGroup
	started := 0
	for _, queueName := range cfg.WorkerQueues {
		proc, ok := processors[queueName]
		if !ok {
			logger.Warn().Str("queue", queueName).Msg("no processor registered, skipping queue")
			continue
		}
		singleFlight := queueName == models.QueueValidation || queueName == models.QueueCleanup
		w := workerproc.New(workerproc.Config{
			Queue:        queueName,
			Concurrency:  cfg.WorkerConcurrency,
			PollInterval: cfg.WorkerPollInterval,
			Visibility:   cfg.VisibilityTimeout,
			Retention:    models.RetentionPolicy{KeepCount: cfg.RetentionKeepCount, KeepAge: cfg.RetentionKeepAge},
			SingleFlight: singleFlight,
			WorkerID:     workerID,
		}, st, q, proc, logger).
			WithAlerter(alerts)
		// One materializer per process; concurrent ticks would double-fire
		// recurring definitions.
		if started == 0 {
			w = w.WithMaterializer(mgr)
		}

		wg.Add(1)
		started++
		go func(queueName string) {
			defer wg.Done()
			logger.Info().Str("queue", queueName).Bool("single_flight", singleFlight).Msg("worker started")
			if err := w.Run(ctx); err != nil && err != context.Canceled {
				logger.Error().Err(err).Str("queue", queueName).Msg("worker stopped")
			}
		}(queueName)
	}
	if started == 0 {
		logger.Fatal().Strs("queues", cfg.WorkerQueues).Msg("no workers started")
	}

	wg.Wait()
}

// buildProcessors maps queue names to their job processors. Queues without an
// entry here are served by other services.
func buildProcessors(st *store.Store, archiver *archive.S3Archiver, alerts *alerting.Engine, logger zerolog.Logger) map[string]workerproc.Processor {
	engine := validation.NewEngine(st, validation.DefaultRules(), logger)

	var arch cleanup.Archiver
	if archiver != nil {
		arch = archiver
	}
	runner := cleanup.NewRunner(cleanup.DefaultTasks(st, arch), logger)

	return map[string]workerproc.Processor{
		models.QueueValidation: validation.NewProcessor(engine, validation.AlertFunc(alerts.Raise)),
		models.QueueCleanup:    cleanup.NewProcessor(runner, cleanup.AlertFunc(alerts.Raise)),
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "worker").Logger()
	if cfg.Env == "dev" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}

func newAuditSink(cfg config.Config, st *store.Store, logger zerolog.Logger) audit.Sink {
	if cfg.AuditSink == "kafka" {
		return audit.NewKafkaSink(audit.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		}, logger)
	}
	return audit.NewStoreSink(st)
}
