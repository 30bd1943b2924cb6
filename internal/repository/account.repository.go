package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimasrn/otp-gateway/internal/model"
	"github.com/nimasrn/otp-gateway/pkg/pg"
	"gorm.io/gorm"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAPIKeyNotFound      = errors.New("api key not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrConcurrentUpdate    = errors.New("concurrent update detected")
	ErrMaxRetriesExceeded  = errors.New("max retries exceeded")
	ErrDuplicateAPIKey     = errors.New("api key already exists")
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 2 * time.Millisecond
	maxBackoff        = 50 * time.Millisecond
)

type AccountRepository struct {
	*pg.DB
	maxRetries int
	baseDelay  time.Duration
}

func NewAccountRepository(db *pg.DB) *AccountRepository {
	return &AccountRepository{
		DB:         db,
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
	}
}

// WithRetry tunes the compare-and-retry loop used by balance mutations.
func (r *AccountRepository) WithRetry(maxRetries int, baseDelay time.Duration) *AccountRepository {
	if maxRetries >= 0 {
		r.maxRetries = maxRetries
	}
	if baseDelay > 0 {
		r.baseDelay = baseDelay
	}
	return r
}

func (r *AccountRepository) Create(ctx context.Context, email string, balance uint) (*model.Account, error) {
	e := &AccountEntity{Email: email, Balance: balance}
	if err := r.Write(ctx).Create(e).Error; err != nil {
		return nil, err
	}
	return toAccountModel(e), nil
}

func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	var e AccountEntity
	err := r.Read(ctx).Where("email = ?", email).Take(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return toAccountModel(&e), nil
}

func (r *AccountRepository) AddAPIKey(ctx context.Context, accountID int64, key string) error {
	err := r.Write(ctx).Create(&APIKeyEntity{Key: key, AccountID: accountID}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateAPIKey
	}
	return err
}

// FindAccountIDByAPIKey resolves a non-revoked key to its account id.
func (r *AccountRepository) FindAccountIDByAPIKey(ctx context.Context, key string) (int64, error) {
	var e APIKeyEntity
	err := r.Read(ctx).
		Select("account_id").
		Where("api_key = ? AND revoked_at IS NULL", key).
		Take(&e).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrAPIKeyNotFound
		}
		return 0, err
	}
	return e.AccountID, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	var e AccountEntity
	err := r.Read(ctx).Where("id = ?", id).Take(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return toAccountModel(&e), nil
}

func (r *AccountRepository) GetBalance(ctx context.Context, id int64) (uint, error) {
	var e AccountEntity
	err := r.Read(ctx).Select("balance").Where("id = ?", id).Take(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	return e.Balance, nil
}

// DeductBalance subtracts amount only while balance >= amount and returns
// the new balance. Lost races on the version column are retried with
// exponential backoff.
func (r *AccountRepository) DeductBalance(ctx context.Context, id int64, amount uint) (uint, error) {
	return r.retry(ctx, func() (uint, error) {
		return r.deductBalanceAttempt(ctx, id, amount)
	})
}

// AddBalance adds amount and returns the new balance.
func (r *AccountRepository) AddBalance(ctx context.Context, id int64, amount uint) (uint, error) {
	return r.retry(ctx, func() (uint, error) {
		return r.addBalanceAttempt(ctx, id, amount)
	})
}

func (r *AccountRepository) retry(ctx context.Context, attempt func() (uint, error)) (uint, error) {
	for i := 0; i <= r.maxRetries; i++ {
		balance, err := attempt()
		if err == nil {
			return balance, nil
		}
		if !errors.Is(err, ErrConcurrentUpdate) {
			return 0, err
		}

		if i < r.maxRetries {
			delay := r.baseDelay << i
			if delay <= 0 || delay > maxBackoff {
				delay = maxBackoff
			}
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return 0, fmt.Errorf("%w: failed after %d attempts", ErrMaxRetriesExceeded, r.maxRetries+1)
}

func (r *AccountRepository) readVersion(ctx context.Context, id int64) (*AccountEntity, error) {
	var e AccountEntity
	err := r.Write(ctx).Select("id", "balance", "version").Where("id = ?", id).Take(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (r *AccountRepository) deductBalanceAttempt(ctx context.Context, id int64, amount uint) (uint, error) {
	e, err := r.readVersion(ctx, id)
	if err != nil {
		return 0, err
	}
	if e.Balance < amount {
		return e.Balance, ErrInsufficientBalance
	}

	result := r.Write(ctx).
		Model(&AccountEntity{}).
		Where("id = ? AND version = ? AND balance >= ?", id, e.Version, amount).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance - ?", amount),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, ErrConcurrentUpdate
	}
	return e.Balance - amount, nil
}

func (r *AccountRepository) addBalanceAttempt(ctx context.Context, id int64, amount uint) (uint, error) {
	e, err := r.readVersion(ctx, id)
	if err != nil {
		return 0, err
	}

	result := r.Write(ctx).
		Model(&AccountEntity{}).
		Where("id = ? AND version = ?", id, e.Version).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance + ?", amount),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, ErrConcurrentUpdate
	}
	return e.Balance + amount, nil
}
