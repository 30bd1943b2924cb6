package config

import (
	"os"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/nimasrn/otp-gateway/pkg/logger"
	"github.com/nimasrn/otp-gateway/pkg/pg"
	"github.com/nimasrn/otp-gateway/pkg/redis"
	"github.com/pkg/errors"
)

var config *Config

// Config holds every tunable of the gateway binaries. Nothing else in the
// tree reads the environment directly.
type Config struct {
	AppEnv   string `env:"APP_ENV,default=dev"`
	AppName  string `env:"APP_NAME,default=otp_gateway"`
	AppDebug bool   `env:"APP_DEBUG"`

	LogEnv   string `env:"LOG_ENV,default=development"`
	LogLevel string `env:"LOG_LEVEL"`

	HttpListenAddr      string        `env:"HTTP_LISTEN_ADDR,default=:8080"`
	HttpRequestTimeout  time.Duration `env:"HTTP_REQUEST_TIMEOUT,default=10s"`
	HttpReadBufferSize  int           `env:"HTTP_SERVER_READ_BUFFER_SIZE,default=16384"`
	HttpWriteBufferSize int           `env:"HTTP_SERVER_WRITE_BUFFER_SIZE,default=16384"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT,default=5432"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT,default=5432"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`
	PostgresSSLMode       string `env:"POSTGRES_SSLMODE,default=disable"`
	PostgresMaxOpenConns  int    `env:"POSTGRES_MAX_OPEN_CONNS,default=20"`

	RedisAddr               string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX,default=otp:"`

	PromNamespace     string `env:"PROM_NAMESPACE,default=otp_gateway"`
	MetricsListenAddr string `env:"METRICS_LISTEN_ADDR,default=:9100"`

	ProviderName             string        `env:"PROVIDER_NAME,default=firexotp"`
	ProviderURL              string        `env:"PROVIDER_URL,default=https://firexotp.com/stubs/handler_api.php"`
	ProviderAPIKey           string        `env:"PROVIDER_API_KEY"`
	ProviderService          string        `env:"PROVIDER_SERVICE,default=wa"`
	ProviderTimeout          time.Duration `env:"PROVIDER_TIMEOUT,default=8s"`
	ProviderMaxConns         int           `env:"PROVIDER_MAX_CONNS,default=256"`
	ProviderCBThreshold      int           `env:"PROVIDER_CB_THRESHOLD,default=5"`
	ProviderCBTimeout        time.Duration `env:"PROVIDER_CB_TIMEOUT,default=30s"`
	CancelRequireProviderAck bool          `env:"CANCEL_REQUIRE_PROVIDER_ACK"`
	CancelLeaseTTL           time.Duration `env:"CANCEL_LEASE_TTL,default=30s"`

	LedgerTimeout    time.Duration `env:"LEDGER_TIMEOUT,default=3s"`
	LedgerMaxRetries int           `env:"LEDGER_MAX_RETRIES,default=5"`

	AuthMinKeyLength int           `env:"AUTH_MIN_KEY_LENGTH,default=6"`
	AuthCacheTTL     time.Duration `env:"AUTH_CACHE_TTL,default=60s"`

	DefaultCountry string `env:"DEFAULT_COUNTRY,default=philippines_51"`

	BotGateEnabled        bool   `env:"BOT_GATE_ENABLED"`
	BotGateAllowedOrigins string `env:"BOT_GATE_ALLOWED_ORIGINS"`
	ClientBearerToken     string `env:"CLIENT_BEARER_TOKEN"`

	QueueName              string        `env:"QUEUE_NAME,default=refunds"`
	QueueConsumerGroup     string        `env:"QUEUE_CONSUMER_GROUP,default=reconciler"`
	QueueConsumerName      string        `env:"QUEUE_CONSUMER_NAME"`
	QueueConsumers         int           `env:"QUEUE_CONSUMERS,default=2"`
	QueueWorkers           int           `env:"QUEUE_WORKERS,default=8"`
	QueueMaxRetries        int           `env:"QUEUE_MAX_RETRIES,default=10"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT,default=30s"`
	QueuePollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL,default=1s"`
	QueueBatchSize         int64         `env:"QUEUE_BATCH_SIZE,default=10"`
	QueueMaxLen            int64         `env:"QUEUE_MAX_LEN,default=100000"`
	QueueEnableDLQ         bool          `env:"QUEUE_ENABLE_DLQ,default=true"`
}

func (c *Config) Logging() logger.Options {
	return logger.Options{Env: c.LogEnv, Level: c.LogLevel, Service: c.AppName}
}

// AllowedOrigins splits BOT_GATE_ALLOWED_ORIGINS on commas.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.BotGateAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func (c *Config) PostgresRead() pg.Config {
	return pg.Config{
		User:         c.PostgresReadUser,
		Host:         c.PostgresReadHost,
		Port:         c.PostgresReadPort,
		Password:     c.PostgresReadPassword,
		Database:     c.PostgresReadDatabase,
		SSLMode:      c.PostgresSSLMode,
		MaxOpenConns: c.PostgresMaxOpenConns,
	}
}

func (c *Config) PostgresWrite() pg.Config {
	return pg.Config{
		User:         c.PostgresWriteUser,
		Host:         c.PostgresWriteHost,
		Port:         c.PostgresWritePort,
		Password:     c.PostgresWritePassword,
		Database:     c.PostgresWriteDatabase,
		SSLMode:      c.PostgresSSLMode,
		MaxOpenConns: c.PostgresMaxOpenConns,
	}
}

func (c *Config) RedisOptions(clientName string) *redis.Options {
	return &redis.Options{
		Addrs:      []string{c.RedisAddr},
		ClientName: clientName,
		DB:         c.RedisDatabase,
		Username:   c.RedisUsername,
		Password:   c.RedisPassword,
	}
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return errors.Wrapf(err, "failed to load configuration file %s", path)
		}
	}

	if _, err := env.UnmarshalFromEnviron(c); err != nil {
		return errors.Wrap(err, "failed to map env variables to Configuration object")
	}

	config = c
	return nil
}

// Set replaces the loaded configuration. Intended for tests.
func Set(c *Config) {
	config = c
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}

// EnvPathFromArgs returns the value of a --env=<file> argument, if the
// file exists.
func EnvPathFromArgs(args []string) string {
	for _, v := range args {
		if p, ok := strings.CutPrefix(v, "--env="); ok {
			if _, err := os.Stat(p); err != nil {
				logger.Error("failed to open the passed env file", "path", p, "error", err)
				return ""
			}
			return p
		}
	}
	return ""
}
