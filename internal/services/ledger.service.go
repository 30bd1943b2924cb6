package services

import (
	"context"
	"errors"
	"time"

	"github.com/nimasrn/otp-gateway/internal/model"
	"github.com/nimasrn/otp-gateway/internal/repository"
	"github.com/nimasrn/otp-gateway/pkg/logger"
)

type TransactionRepository interface {
	Create(ctx context.Context, txn *model.Transaction) (*model.Transaction, error)
	ExistsReference(ctx context.Context, reference string) (bool, error)
	AttachRental(ctx context.Context, reference string, rentalID string) error
}

type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type CreditRequest struct {
	AccountID int64
	Amount    uint
	Reference string
	Type      model.TransactionType
	RentalID  *string
}

// LedgerService is the only writer of wallet balances. Every mutation is a
// balance change plus a journal line in one transaction.
type LedgerService struct {
	db       Transactor
	accounts AccountRepository
	journal  TransactionRepository
	timeout  time.Duration
	log      logger.Logger
}

func NewLedgerService(db Transactor, accounts AccountRepository, journal TransactionRepository, timeout time.Duration, log logger.Logger) *LedgerService {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &LedgerService{
		db:       db,
		accounts: accounts,
		journal:  journal,
		timeout:  timeout,
		log:      log,
	}
}

// bound applies the ledger timeout to plain store reads.
func (s *LedgerService) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Transact runs fn in a ledger transaction bounded by the ledger timeout.
// Nested calls join the outer transaction.
func (s *LedgerService) Transact(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return upstream(op, s.db.WithinTransaction(ctx, fn))
}

// Debit takes amount from the wallet only if the balance covers it.
func (s *LedgerService) Debit(ctx context.Context, accountID int64, amount uint, reference string) (uint, error) {
	var balance uint
	err := s.Transact(ctx, "debit", func(ctx context.Context) error {
		b, err := s.accounts.DeductBalance(ctx, accountID, amount)
		if err != nil {
			if errors.Is(err, repository.ErrInsufficientBalance) {
				return &InsufficientFundsError{Required: amount, Available: b}
			}
			if errors.Is(err, repository.ErrAccountNotFound) {
				return ErrInvalidCredential
			}
			return err
		}

		_, err = s.journal.Create(ctx, &model.Transaction{
			AccountID: accountID,
			Amount:    amount,
			Type:      model.TransactionDebit,
			Reference: reference,
		})
		if err != nil {
			return err
		}

		balance = b
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.Info("wallet debited", "account_id", accountID, "amount", amount, "reference", reference, "balance", balance)
	return balance, nil
}

// Credit adds req.Amount once per reference. A replay returns the current
// balance together with ErrAlreadyApplied.
func (s *LedgerService) Credit(ctx context.Context, req CreditRequest) (uint, error) {
	var (
		balance uint
		applied bool
	)
	err := s.Transact(ctx, "credit", func(ctx context.Context) error {
		exists, err := s.journal.ExistsReference(ctx, req.Reference)
		if err != nil {
			return err
		}
		if exists {
			balance, err = s.accounts.GetBalance(ctx, req.AccountID)
			return err
		}

		_, err = s.journal.Create(ctx, &model.Transaction{
			AccountID: req.AccountID,
			Amount:    req.Amount,
			Type:      req.Type,
			Reference: req.Reference,
			RentalID:  req.RentalID,
		})
		if err != nil {
			if errors.Is(err, repository.ErrDuplicateReference) {
				return ErrAlreadyApplied
			}
			return err
		}

		balance, err = s.accounts.AddBalance(ctx, req.AccountID, req.Amount)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return 0, err
	}

	if !applied {
		s.log.Info("credit already applied", "account_id", req.AccountID, "reference", req.Reference)
		return balance, ErrAlreadyApplied
	}

	s.log.Info("wallet credited", "account_id", req.AccountID, "amount", req.Amount, "reference", req.Reference, "type", req.Type, "balance", balance)
	return balance, nil
}

func (s *LedgerService) Balance(ctx context.Context, accountID int64) (uint, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	b, err := s.accounts.GetBalance(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return 0, ErrInvalidCredential
		}
		return 0, upstream("balance", err)
	}
	return b, nil
}
