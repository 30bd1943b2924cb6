package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/otp-gateway/internal/idempotency"
	"github.com/nimasrn/otp-gateway/internal/model"
	"github.com/nimasrn/otp-gateway/internal/queue"
	"github.com/nimasrn/otp-gateway/internal/repository"
	"github.com/nimasrn/otp-gateway/internal/services"
	"github.com/nimasrn/otp-gateway/pkg/logger"
	"github.com/nimasrn/otp-gateway/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mr       *miniredis.Miniredis
	cache    redis.RedisAdapter
	accounts *repository.AccountRepository
	refunds  *services.RefundService
	locks    *idempotency.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := redis.NewFromClient(client, "otp:")

	db := repository.NewTestDB(t)
	accounts := repository.NewAccountRepository(db)
	ledger := services.NewLedgerService(db, accounts, repository.NewTransactionRepository(db), 0, logger.NewNop())

	return &fixture{
		mr:       mr,
		cache:    cache,
		accounts: accounts,
		refunds:  services.NewRefundService(ledger, repository.NewRentalRepository(db), nil, logger.NewNop()),
		locks:    idempotency.NewService(cache, idempotency.DefaultConfig().WithPrefix("refund:")),
	}
}

func (f *fixture) account(t *testing.T, balance uint) int64 {
	t.Helper()
	acc, err := f.accounts.Create(context.Background(), "a@example.com", balance)
	require.NoError(t, err)
	return acc.ID
}

func (f *fixture) balance(t *testing.T, id int64) uint {
	t.Helper()
	b, err := f.accounts.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func entry(t *testing.T, job model.RefundJob) *queue.Message {
	t.Helper()
	data, err := json.Marshal(job)
	require.NoError(t, err)
	return &queue.Message{ID: "1-0", Data: data}
}

type applierFunc func(ctx context.Context, job model.RefundJob) (uint, bool, error)

func (f applierFunc) Apply(ctx context.Context, job model.RefundJob) (uint, bool, error) {
	return f(ctx, job)
}

func TestRefundProcessor_AppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.account(t, 48)
	p := NewRefundProcessor(f.refunds, f.locks, logger.NewNop())

	job := model.RefundJob{Reference: "refund:debit:1", AccountID: id, Amount: 52, Type: model.TransactionRefund, Reason: "provider_error"}

	require.NoError(t, p.Process(ctx, entry(t, job)))
	assert.Equal(t, uint(100), f.balance(t, id))

	done, err := f.locks.IsProcessed(ctx, job.Reference)
	require.NoError(t, err)
	assert.True(t, done)

	require.NoError(t, p.Process(ctx, entry(t, job)))
	assert.Equal(t, uint(100), f.balance(t, id))

	t.Run("journal still dedups once the marker is gone", func(t *testing.T) {
		f.mr.FlushAll()

		require.NoError(t, p.Process(ctx, entry(t, job)))
		assert.Equal(t, uint(100), f.balance(t, id))
		assert.Equal(t, int64(1), p.Metrics().Snapshot().Duplicates)
	})
}

func TestRefundProcessor_RejectsBadEntries(t *testing.T) {
	f := newFixture(t)
	p := NewRefundProcessor(f.refunds, f.locks, logger.NewNop())

	err := p.Process(context.Background(), &queue.Message{ID: "1-0", Data: []byte("{not json")})
	assert.Error(t, err)

	err = p.Process(context.Background(), entry(t, model.RefundJob{Reference: "refund:x", AccountID: 1, Type: model.TransactionRefund}))
	assert.Error(t, err)
}

func TestRefundProcessor_LockHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := NewRefundProcessor(f.refunds, f.locks, logger.NewNop())

	job := model.RefundJob{Reference: "refund:debit:2", AccountID: 1, Amount: 5, Type: model.TransactionRefund}
	lease, err := f.locks.Acquire(ctx, job.Reference)
	require.NoError(t, err)
	defer f.locks.Release(ctx, lease) //nolint:errcheck

	assert.ErrorIs(t, p.Process(ctx, entry(t, job)), ErrLockHeld)
}

func TestRefundProcessor_FailureCountsRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	locks := idempotency.NewService(f.cache, idempotency.Config{
		LockTTL:            time.Minute,
		ProcessedTTL:       time.Hour,
		MaxRetries:         2,
		LockKeyPrefix:      "refund:lock:",
		ProcessedKeyPrefix: "refund:done:",
		RetryKeyPrefix:     "refund:retry:",
	})

	calls := 0
	p := NewRefundProcessor(applierFunc(func(context.Context, model.RefundJob) (uint, bool, error) {
		calls++
		return 0, false, errors.New("connection refused")
	}), locks, logger.NewNop())

	job := model.RefundJob{Reference: "refund:debit:3", AccountID: 1, Amount: 5, Type: model.TransactionRefund}

	assert.Error(t, p.Process(ctx, entry(t, job)))
	assert.Error(t, p.Process(ctx, entry(t, job)))

	n, err := locks.RetryCount(ctx, job.Reference)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// budget spent: ack so the stream stops redelivering
	assert.NoError(t, p.Process(ctx, entry(t, job)))
	assert.Equal(t, 2, calls)
}

func TestService_DrainsRefundStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.account(t, 0)

	qc := queue.QueueConfig{
		Name:              "refunds",
		ConsumerGroup:     "reconciler",
		ConsumerName:      "test",
		MaxRetries:        5,
		VisibilityTimeout: time.Second,
		PollInterval:      10 * time.Millisecond,
		BatchSize:         10,
		MaxLen:            1000,
		EnableDLQ:         true,
	}

	producer, err := queue.NewQueue(ctx, f.cache, qc)
	require.NoError(t, err)

	for _, ref := range []string{"refund:debit:a", "refund:debit:b", "refund:debit:a"} {
		_, err := producer.PublishJSON(ctx, model.RefundJob{Reference: ref, AccountID: id, Amount: 52, Type: model.TransactionRefund, Reason: "provider_error"}, nil)
		require.NoError(t, err)
	}

	svc, err := NewService(f.cache, Config{Queue: qc, Consumers: 2, Workers: 2}, NewRefundProcessor(f.refunds, f.locks, logger.NewNop()), logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	require.Eventually(t, func() bool {
		return svc.Metrics().Processed == 3
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, uint(104), f.balance(t, id))

	require.Eventually(t, func() bool {
		stats, err := producer.GetStats(ctx)
		return err == nil && stats.PendingMessages == 0 && stats.DeadLetters == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNewService_RequiresProcessor(t *testing.T) {
	_, err := NewService(nil, Config{}, nil, logger.NewNop())
	assert.Error(t, err)
}

func TestServiceMetrics(t *testing.T) {
	m := NewServiceMetrics()
	m.RecordSuccess(10 * time.Millisecond)
	m.RecordSuccess(30 * time.Millisecond)
	m.RecordFailure()

	s := m.Snapshot()
	assert.Equal(t, int64(2), s.Processed)
	assert.Equal(t, int64(1), s.Failed)
	assert.Equal(t, 20*time.Millisecond, s.AvgDuration)

	m.Reset()
	assert.Zero(t, m.Snapshot().Processed)
}
