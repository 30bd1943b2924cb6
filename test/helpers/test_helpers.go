package helpers

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/otp-gateway/internal/queue"
	"github.com/nimasrn/otp-gateway/internal/repository"
	"github.com/nimasrn/otp-gateway/pkg/pg"
	"github.com/nimasrn/otp-gateway/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func SetupTestDB(t *testing.T) *pg.DB {
	return repository.NewTestDB(t)
}

func SetupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr := miniredis.RunT(t)

	// unique connection name, adapters are cached per name
	adapter, err := redis.NewRedisAdapter(fmt.Sprintf("test-%d", time.Now().UnixNano()), "otp:", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	return mr, adapter
}

func RefundQueueConfig() queue.QueueConfig {
	return queue.QueueConfig{
		Name:              "refunds",
		ConsumerGroup:     "reconciler",
		ConsumerName:      "test-consumer",
		MaxRetries:        3,
		VisibilityTimeout: time.Second,
		PollInterval:      20 * time.Millisecond,
		BatchSize:         10,
		MaxLen:            1000,
		EnableDLQ:         true,
	}
}

// CreateTestAccount stores an account and binds the given api keys to it.
func CreateTestAccount(t *testing.T, repo *repository.AccountRepository, email string, balance uint, keys ...string) int64 {
	t.Helper()
	ctx := context.Background()

	acc, err := repo.Create(ctx, email, balance)
	require.NoError(t, err)
	for _, k := range keys {
		require.NoError(t, repo.AddAPIKey(ctx, acc.ID, k))
	}
	return acc.ID
}

// Serve runs handler on an in-memory listener and returns a dialer for it.
func Serve(t *testing.T, handler fasthttp.RequestHandler) fasthttp.DialFunc {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}
	go srv.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { _ = srv.Shutdown() })

	return func(string) (net.Conn, error) { return ln.Dial() }
}
