package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimasrn/otp-gateway/internal/config"
	"github.com/nimasrn/otp-gateway/internal/idempotency"
	"github.com/nimasrn/otp-gateway/internal/queue"
	"github.com/nimasrn/otp-gateway/internal/reconcile"
	"github.com/nimasrn/otp-gateway/internal/repository"
	"github.com/nimasrn/otp-gateway/internal/services"
	"github.com/nimasrn/otp-gateway/pkg/logger"
	"github.com/nimasrn/otp-gateway/pkg/pg"
	"github.com/nimasrn/otp-gateway/pkg/prom"
	"github.com/nimasrn/otp-gateway/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := config.Load(config.EnvPathFromArgs(os.Args)); err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	cfg := config.Get()
	if _, err := logger.Setup(cfg.Logging()); err != nil {
		logger.Error("invalid logging config", "error", err)
	}
	defer logger.Sync()
	logger.Info("starting refund reconciler", "version", version, "commit", commit, "date", date, "env", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := pg.CreateReadWrite(cfg.PostgresRead(), cfg.PostgresWrite(), cfg.AppEnv == "dev")
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, cfg.RedisOptions(cfg.AppName+"-reconciler"))
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := prom.Create(hostname, cfg.AppEnv, cfg.PromNamespace); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}
	go prom.ListenAndServer(cfg.MetricsListenAddr, "/metrics")

	log := logger.GetLogger()
	accountRepo := repository.NewAccountRepository(db).WithRetry(cfg.LedgerMaxRetries, 10*time.Millisecond)
	ledger := services.NewLedgerService(db, accountRepo, repository.NewTransactionRepository(db), cfg.LedgerTimeout, log.Named("ledger"))
	// no publisher: a refund that fails here stays pending on the stream
	refunds := services.NewRefundService(ledger, repository.NewRentalRepository(db), nil, log.Named("refund"))

	lockCfg := idempotency.DefaultConfig().WithPrefix("reconcile:")
	lockCfg.MaxRetries = cfg.QueueMaxRetries
	locks := idempotency.NewService(redisAdap, lockCfg)

	consumer := cfg.QueueConsumerName
	if consumer == "" {
		consumer = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	service, err := reconcile.NewService(redisAdap, reconcile.Config{
		Queue: queue.QueueConfig{
			Name:              cfg.QueueName,
			ConsumerGroup:     cfg.QueueConsumerGroup,
			ConsumerName:      consumer,
			MaxRetries:        cfg.QueueMaxRetries,
			VisibilityTimeout: cfg.QueueVisibilityTimeout,
			PollInterval:      cfg.QueuePollInterval,
			BatchSize:         cfg.QueueBatchSize,
			MaxLen:            cfg.QueueMaxLen,
			EnableDLQ:         cfg.QueueEnableDLQ,
		},
		Consumers:         cfg.QueueConsumers,
		Workers:           cfg.QueueWorkers,
		ProcessingTimeout: cfg.QueueVisibilityTimeout,
	}, reconcile.NewRefundProcessor(refunds, locks, log.Named("reconcile")), log.Named("reconciler"))
	if err != nil {
		logger.Error("failed to create reconciler", "error", err)
		return
	}

	if err := service.Start(ctx); err != nil {
		logger.Error("failed to start reconciler", "error", err)
		return
	}

	<-ctx.Done()
	service.Stop()
}
