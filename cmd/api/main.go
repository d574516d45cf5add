package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/flowforgelab/pokemon-full-project-sub005/internal/alerting"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/api"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/audit"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/config"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/manager"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/models"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/queue"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/ratelimit"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/store"
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

	limiterClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer limiterClient.Close()
	limiter := ratelimit.NewTokenBucket(limiterClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, mgr, st, alerts, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(cfg config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "api").Logger()
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
