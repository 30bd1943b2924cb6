package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/otp-gateway/pkg/logger"
	"github.com/nimasrn/otp-gateway/pkg/redis"
)

var (
	ErrAlreadyProcessed   = errors.New("already processed")
	ErrLockAcquireFailed  = errors.New("failed to acquire processing lock")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

type Config struct {
	LockTTL time.Duration

	ProcessedTTL time.Duration

	// MaxRetries of zero disables the retry budget.
	MaxRetries int

	RetryKeyPrefix string

	LockKeyPrefix string

	ProcessedKeyPrefix string
}

func DefaultConfig() Config {
	return Config{
		LockTTL:            30 * time.Second,
		ProcessedTTL:       24 * time.Hour,
		MaxRetries:         3,
		RetryKeyPrefix:     "retry:",
		LockKeyPrefix:      "lock:",
		ProcessedKeyPrefix: "processed:",
	}
}

// WithPrefix returns a copy of c whose keys live under namespace.
func (c Config) WithPrefix(namespace string) Config {
	c.RetryKeyPrefix = namespace + c.RetryKeyPrefix
	c.LockKeyPrefix = namespace + c.LockKeyPrefix
	c.ProcessedKeyPrefix = namespace + c.ProcessedKeyPrefix
	return c
}

// Service guards a unit of work with a short lease and remembers finished
// work for ProcessedTTL. Redis is an accelerator here; callers still need
// their own durable dedup.
type Service struct {
	redis  redis.RedisAdapter
	config Config
}

func NewService(redisAdapter redis.RedisAdapter, config Config) *Service {
	return &Service{
		redis:  redisAdapter,
		config: config,
	}
}

// Lease is held by exactly one caller until released, marked, or expired.
type Lease struct {
	ID         string
	RetryCount int
	IsRetry    bool

	token    []byte
	acquired bool
}

func (s *Service) Acquire(ctx context.Context, id string) (*Lease, error) {
	exists, err := s.redis.Exist(ctx, s.config.ProcessedKeyPrefix+id)
	if err != nil {
		logger.Warn("failed to check processed marker", "id", id, "error", err)
	} else if exists > 0 {
		logger.Debug("already processed, skipping", "id", id)
		return nil, ErrAlreadyProcessed
	}

	retryCount, err := s.RetryCount(ctx, id)
	if err != nil {
		logger.Warn("failed to read retry counter", "id", id, "error", err)
	}

	if s.config.MaxRetries > 0 && retryCount >= s.config.MaxRetries {
		logger.Error("max retries exceeded", "id", id, "retry_count", retryCount)
		return nil, fmt.Errorf("%w: id=%s, retries=%d", ErrMaxRetriesExceeded, id, retryCount)
	}

	token := []byte(uuid.NewString())
	acquired, err := s.redis.SetNX(ctx, s.config.LockKeyPrefix+id, token, s.config.LockTTL)
	if err != nil {
		logger.Error("failed to acquire lock", "id", id, "error", err)
		return nil, fmt.Errorf("acquire lock %s: %w", id, err)
	}
	if !acquired {
		logger.Debug("lock already held", "id", id)
		return nil, ErrLockAcquireFailed
	}

	logger.Debug("lock acquired", "id", id, "retry_count", retryCount, "lock_ttl", s.config.LockTTL)

	return &Lease{
		ID:         id,
		RetryCount: retryCount,
		IsRetry:    retryCount > 0,
		token:      token,
		acquired:   true,
	}, nil
}

// MarkSuccess stores the processed marker, then drops the lease and the
// retry counter.
func (s *Service) MarkSuccess(ctx context.Context, l *Lease) error {
	if err := s.redis.Set(ctx, s.config.ProcessedKeyPrefix+l.ID, []byte("1"), s.config.ProcessedTTL); err != nil {
		logger.Error("failed to set processed marker", "id", l.ID, "error", err)
		return fmt.Errorf("failed to mark as processed: %w", err)
	}

	if err := s.redis.Del(ctx, s.config.RetryKeyPrefix+l.ID); err != nil {
		logger.Warn("failed to cleanup retry counter", "id", l.ID, "error", err)
	}
	return s.Release(ctx, l)
}

// MarkFailure bumps the retry counter and releases the lease so another
// attempt can run.
func (s *Service) MarkFailure(ctx context.Context, l *Lease, reason error) error {
	next := l.RetryCount + 1
	if err := s.redis.Set(ctx, s.config.RetryKeyPrefix+l.ID, []byte(strconv.Itoa(next)), s.config.ProcessedTTL); err != nil {
		logger.Error("failed to increment retry counter", "id", l.ID, "error", err)
	}

	logger.Warn("processing failed, will retry",
		"id", l.ID,
		"retry_count", next,
		"max_retries", s.config.MaxRetries,
		"reason", reason)

	return s.Release(ctx, l)
}

// Release removes the lock only if this lease still owns it.
func (s *Service) Release(ctx context.Context, l *Lease) error {
	if l == nil || !l.acquired {
		return nil
	}

	owned, err := s.redis.DelIfEquals(ctx, s.config.LockKeyPrefix+l.ID, l.token)
	if err != nil {
		logger.Warn("failed to release lock", "id", l.ID, "error", err)
		return err
	}
	if !owned {
		logger.Warn("lock expired before release", "id", l.ID, "lock_ttl", s.config.LockTTL)
	}

	l.acquired = false
	return nil
}

func (s *Service) RetryCount(ctx context.Context, id string) (int, error) {
	b, err := s.redis.Get(ctx, s.config.RetryKeyPrefix+id)
	if err != nil {
		if errors.Is(err, redis.NilError) {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *Service) IsProcessed(ctx context.Context, id string) (bool, error) {
	exists, err := s.redis.Exist(ctx, s.config.ProcessedKeyPrefix+id)
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}
