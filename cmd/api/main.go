package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimasrn/otp-gateway/internal/catalog"
	"github.com/nimasrn/otp-gateway/internal/config"
	gateway "github.com/nimasrn/otp-gateway/internal/gateways"
	"github.com/nimasrn/otp-gateway/internal/handlers"
	"github.com/nimasrn/otp-gateway/internal/idempotency"
	"github.com/nimasrn/otp-gateway/internal/queue"
	"github.com/nimasrn/otp-gateway/internal/repository"
	"github.com/nimasrn/otp-gateway/internal/services"
	xhttp "github.com/nimasrn/otp-gateway/pkg/http"
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
	logger.Info("starting otp gateway api", "version", version, "commit", commit, "date", date, "env", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := pg.CreateReadWrite(cfg.PostgresRead(), cfg.PostgresWrite(), cfg.AppEnv == "dev")
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	// redis only backs the key cache, the cancel lease and the refund stream;
	// the gateway keeps serving without it
	var (
		cache     redis.RedisAdapter
		guard     services.CancelGuard
		publisher services.RefundPublisher
	)
	redisAdap, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, cfg.RedisOptions(cfg.AppName+"-api"))
	if err != nil {
		logger.Warn("redis unavailable, running without cache, cancel lease and refund stream", "error", err)
	} else {
		cache = redisAdap

		leaseCfg := idempotency.DefaultConfig().WithPrefix("cancel:")
		leaseCfg.LockTTL = cfg.CancelLeaseTTL
		guard = idempotency.NewService(redisAdap, leaseCfg)

		q, err := queue.NewQueue(ctx, redisAdap, queueConfig(cfg))
		if err != nil {
			logger.Error("failed creating refund stream", "error", err)
		} else {
			publisher = q
		}
	}

	provider, err := gateway.NewClient(gateway.Config{
		Name:                    cfg.ProviderName,
		URL:                     cfg.ProviderURL,
		APIKey:                  cfg.ProviderAPIKey,
		Service:                 cfg.ProviderService,
		Timeout:                 cfg.ProviderTimeout,
		MaxConns:                cfg.ProviderMaxConns,
		ReadBufferSize:          4 * 1024,
		WriteBufferSize:         4 * 1024,
		CircuitBreakerThreshold: cfg.ProviderCBThreshold,
		CircuitBreakerTimeout:   cfg.ProviderCBTimeout,
	})
	if err != nil {
		logger.Error("failed to create provider client", "error", err)
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

	accountRepo := repository.NewAccountRepository(db).WithRetry(cfg.LedgerMaxRetries, 10*time.Millisecond)
	rentalRepo := repository.NewRentalRepository(db)
	transactionRepo := repository.NewTransactionRepository(db)

	log := logger.GetLogger()
	ledger := services.NewLedgerService(db, accountRepo, transactionRepo, cfg.LedgerTimeout, log.Named("ledger"))
	refunds := services.NewRefundService(ledger, rentalRepo, publisher, log.Named("refund"))
	auth := services.NewAuthService(accountRepo, cache, services.AuthOptions{
		MinKeyLength: cfg.AuthMinKeyLength,
		CacheTTL:     cfg.AuthCacheTTL,
		Timeout:      cfg.LedgerTimeout,
	}, log.Named("auth"))
	numbers := services.NewNumberService(
		catalog.New(cfg.DefaultCountry),
		ledger,
		refunds,
		rentalRepo,
		transactionRepo,
		provider,
		guard,
		services.NumberOptions{RequireProviderAck: cfg.CancelRequireProviderAck},
		log.Named("number"),
	)
	health := services.NewHealthService(time.Second, log.Named("health")).
		With("postgres", db).
		WithProvider("provider", provider)
	if cache != nil {
		health.With("redis", cache)
	}

	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = cfg.HttpReadBufferSize
	s.Server.WriteBufferSize = cfg.HttpWriteBufferSize
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(cfg.HttpRequestTimeout + time.Second))
	s.Use(xhttp.RequestIDMiddleware)
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Use(xhttp.CORSMiddleware(xhttp.CORSOptions{}))
	if cfg.BotGateEnabled {
		s.Use(xhttp.BotGateMiddleware(xhttp.BotGateOptions{
			AllowedOrigins: cfg.AllowedOrigins(),
			BearerToken:    cfg.ClientBearerToken,
			Exempt:         handlers.IsHealth,
		}))
	}

	handlers.RegisterRoutes(s.Router, handlers.NewDispatcher(auth, numbers, health, cfg.HttpRequestTimeout, log.Named("dispatcher")))

	go func() {
		if err := s.ListenAndServe(cfg.HttpListenAddr); err != nil {
			logger.Error("error in running http-server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	s.Shutdown()
	logger.Info("api stopped")
}

func queueConfig(cfg *config.Config) queue.QueueConfig {
	return queue.QueueConfig{
		Name:              cfg.QueueName,
		ConsumerGroup:     cfg.QueueConsumerGroup,
		ConsumerName:      cfg.QueueConsumerName,
		MaxRetries:        cfg.QueueMaxRetries,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		PollInterval:      cfg.QueuePollInterval,
		BatchSize:         cfg.QueueBatchSize,
		MaxLen:            cfg.QueueMaxLen,
		EnableDLQ:         cfg.QueueEnableDLQ,
	}
}
