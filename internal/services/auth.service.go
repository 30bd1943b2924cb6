package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nimasrn/otp-gateway/internal/model"
	"github.com/nimasrn/otp-gateway/internal/repository"
	"github.com/nimasrn/otp-gateway/pkg/logger"
	"github.com/nimasrn/otp-gateway/pkg/redis"
)

type AccountRepository interface {
	FindAccountIDByAPIKey(ctx context.Context, key string) (int64, error)
	GetByID(ctx context.Context, id int64) (*model.Account, error)
	GetBalance(ctx context.Context, id int64) (uint, error)
	DeductBalance(ctx context.Context, id int64, amount uint) (uint, error)
	AddBalance(ctx context.Context, id int64, amount uint) (uint, error)
}

type AuthOptions struct {
	MinKeyLength int
	CacheTTL     time.Duration
	Timeout      time.Duration
}

// AuthService resolves an ownid to its account. The key -> account id
// mapping is cached in redis; balance and email always come from the store.
type AuthService struct {
	accounts AccountRepository
	cache    redis.RedisAdapter
	validate *validator.Validate
	keyRule  string
	opts     AuthOptions
	log      logger.Logger
}

// NewAuthService accepts a nil cache.
func NewAuthService(accounts AccountRepository, cache redis.RedisAdapter, opts AuthOptions, log logger.Logger) *AuthService {
	if opts.MinKeyLength <= 0 {
		opts.MinKeyLength = 6
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	return &AuthService{
		accounts: accounts,
		cache:    cache,
		validate: validator.New(),
		keyRule:  fmt.Sprintf("min=%d,max=128,printascii", opts.MinKeyLength),
		opts:     opts,
		log:      log,
	}
}

func (s *AuthService) Authenticate(ctx context.Context, key string) (*model.Account, error) {
	if key == "" {
		return nil, ErrOwnIDRequired
	}
	if err := s.validate.Var(key, s.keyRule); err != nil {
		return nil, ErrInvalidCredential
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	id, err := s.resolve(ctx, key)
	if err != nil {
		return nil, err
	}

	acc, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			s.evict(ctx, key)
			return nil, ErrInvalidCredential
		}
		return nil, upstream("load account", err)
	}
	return acc, nil
}

func (s *AuthService) resolve(ctx context.Context, key string) (int64, error) {
	cacheKey := authCacheKey(key)

	if s.cache != nil && s.opts.CacheTTL > 0 {
		b, err := s.cache.Get(ctx, cacheKey)
		switch {
		case err == nil:
			if id, perr := strconv.ParseInt(string(b), 10, 64); perr == nil {
				return id, nil
			}
		case !errors.Is(err, redis.NilError):
			s.log.Warn("auth cache read failed", "error", err)
		}
	}

	id, err := s.accounts.FindAccountIDByAPIKey(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrAPIKeyNotFound) {
			return 0, ErrInvalidCredential
		}
		return 0, upstream("lookup api key", err)
	}

	if s.cache != nil && s.opts.CacheTTL > 0 {
		if err := s.cache.Set(ctx, cacheKey, []byte(strconv.FormatInt(id, 10)), s.opts.CacheTTL); err != nil {
			s.log.Warn("auth cache write failed", "error", err)
		}
	}
	return id, nil
}

func (s *AuthService) evict(ctx context.Context, key string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, authCacheKey(key)); err != nil {
		s.log.Warn("auth cache evict failed", "error", err)
	}
}

// authCacheKey keeps raw keys out of redis.
func authCacheKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "ownid:" + hex.EncodeToString(sum[:])
}
