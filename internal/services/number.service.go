package services

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/nimasrn/otp-gateway/internal/catalog"
	gateway "github.com/nimasrn/otp-gateway/internal/gateways"
	"github.com/nimasrn/otp-gateway/internal/idempotency"
	"github.com/nimasrn/otp-gateway/internal/model"
	"github.com/nimasrn/otp-gateway/internal/repository"
	"github.com/nimasrn/otp-gateway/pkg/logger"
	"github.com/nimasrn/otp-gateway/pkg/prom"
)

const cancelAckPrefix = "ACCESS_CANCEL"

type RentalRepository interface {
	Create(ctx context.Context, rental *model.Rental) (*model.Rental, error)
	GetForAccount(ctx context.Context, id string, accountID int64) (*model.Rental, error)
	MarkCancelled(ctx context.Context, id string, accountID int64, providerStatus string) error
	UpdateProviderStatus(ctx context.Context, id string, status string) error
}

type ProviderGateway interface {
	Service() string
	Available() bool
	AcquireNumber(ctx context.Context, countryCode int) (gateway.NumberResult, error)
	GetStatus(ctx context.Context, rentalID string) (string, error)
	SetStatus(ctx context.Context, rentalID string, status int) (string, error)
}

// CancelGuard serialises cancellations of one rental across instances.
type CancelGuard interface {
	Acquire(ctx context.Context, id string) (*idempotency.Lease, error)
	MarkSuccess(ctx context.Context, l *idempotency.Lease) error
	Release(ctx context.Context, l *idempotency.Lease) error
}

type NumberOptions struct {
	// RequireProviderAck withholds the refund unless the provider answers
	// setStatus with ACCESS_CANCEL.
	RequireProviderAck bool
}

type Allocation struct {
	RentalID   string
	Number     string
	CountryKey string
	Country    catalog.Country
	Price      uint
	Balance    uint
}

type StatusResult struct {
	Data    string
	Balance uint
}

type CancelResult struct {
	Data         string
	Refunded     bool
	RefundAmount uint
	Balance      uint
}

type NumberService struct {
	catalog  *catalog.Catalog
	ledger   *LedgerService
	refunds  *RefundService
	rentals  RentalRepository
	journal  TransactionRepository
	provider ProviderGateway
	guard    CancelGuard
	validate *validator.Validate
	opts     NumberOptions
	log      logger.Logger
}

// NewNumberService accepts a nil guard; the rental CAS and the unique
// cancel reference still keep cancellation single-shot.
func NewNumberService(
	cat *catalog.Catalog,
	ledger *LedgerService,
	refunds *RefundService,
	rentals RentalRepository,
	journal TransactionRepository,
	provider ProviderGateway,
	guard CancelGuard,
	opts NumberOptions,
	log logger.Logger,
) *NumberService {
	return &NumberService{
		catalog:  cat,
		ledger:   ledger,
		refunds:  refunds,
		rentals:  rentals,
		journal:  journal,
		provider: provider,
		guard:    guard,
		validate: validator.New(),
		opts:     opts,
		log:      log,
	}
}

func (s *NumberService) Countries() map[string]catalog.Country {
	return s.catalog.List()
}

// Acquire debits the country price, then asks the provider for a number.
// A failed or rejected provider call, or a rental that cannot be stored, is
// compensated with a refund of the same amount before the error is returned.
func (s *NumberService) Acquire(ctx context.Context, acc *model.Account, slug string) (*Allocation, error) {
	key, country, err := s.catalog.Resolve(slug)
	if err != nil {
		return nil, err
	}

	balance, err := s.ledger.Balance(ctx, acc.ID)
	if err != nil {
		return nil, err
	}
	if balance < country.Price {
		prom.RentalAcquired(key, "insufficient_balance")
		return nil, &InsufficientFundsError{Required: country.Price, Available: balance}
	}

	if !s.provider.Available() {
		prom.RentalAcquired(key, "circuit_open")
		return nil, gateway.ErrCircuitOpen
	}

	debitRef := model.DebitReference(uuid.NewString())
	balance, err = s.ledger.Debit(ctx, acc.ID, country.Price, debitRef)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			prom.RentalAcquired(key, "insufficient_balance")
		}
		return nil, err
	}

	res, err := s.provider.AcquireNumber(ctx, country.Code)
	if err != nil || !res.Accepted {
		failure, reason := err, "provider_error"
		if err == nil {
			failure, reason = &ProviderRejection{Raw: res.Raw}, "provider_rejected"
		}
		prom.RentalAcquired(key, reason)

		s.log.Warn("number allocation failed, refunding",
			"account_id", acc.ID,
			"country", key,
			"reference", debitRef,
			"error", failure)

		// refund on a fresh deadline; the request one may be what failed
		_, _, _ = s.refunds.Compensate(context.WithoutCancel(ctx), model.RefundJob{
			Reference: model.RefundReference(debitRef),
			AccountID: acc.ID,
			Amount:    country.Price,
			Type:      model.TransactionRefund,
			Reason:    reason,
		})
		return nil, failure
	}

	err = s.persistRental(context.WithoutCancel(ctx), &model.Rental{
		ID:             res.RentalID,
		AccountID:      acc.ID,
		CountryKey:     key,
		CountryCode:    country.Code,
		Number:         res.Number,
		Price:          country.Price,
		DebitReference: debitRef,
	})
	if err != nil {
		prom.RentalAcquired(key, "not_persisted")
		s.abandon(context.WithoutCancel(ctx), acc, res.RentalID, debitRef, country.Price)
		return nil, upstream("persist rental", err)
	}
	prom.RentalAcquired(key, "ok")

	s.log.Info("number allocated", "account_id", acc.ID, "country", key, "rental_id", res.RentalID, "price", country.Price)

	return &Allocation{
		RentalID:   res.RentalID,
		Number:     res.Number,
		CountryKey: key,
		Country:    country,
		Price:      country.Price,
		Balance:    balance,
	}, nil
}

// persistRental stores the rental and links it to its debit line. Without
// the row the client could never poll or cancel the number.
func (s *NumberService) persistRental(ctx context.Context, rental *model.Rental) error {
	err := s.ledger.Transact(ctx, "persist rental", func(ctx context.Context) error {
		if _, err := s.rentals.Create(ctx, rental); err != nil {
			return err
		}
		return s.journal.AttachRental(ctx, rental.DebitReference, rental.ID)
	})
	if err != nil {
		s.log.Error("reconciliation_alert",
			"reason", "rental_not_persisted",
			"rental_id", rental.ID,
			"account_id", rental.AccountID,
			"reference", rental.DebitReference,
			"error", err)
		prom.ReconciliationAlert("rental_not_persisted")
	}
	return err
}

// abandon hands an allocated but unrecorded number back to the provider and
// refunds its debit, so the account is never charged for a rental it cannot
// reach.
func (s *NumberService) abandon(ctx context.Context, acc *model.Account, rentalID, debitRef string, price uint) {
	reply, err := s.provider.SetStatus(ctx, rentalID, gateway.StatusCancel)
	if err != nil {
		s.log.Error("reconciliation_alert",
			"reason", "number_not_released",
			"rental_id", rentalID,
			"account_id", acc.ID,
			"error", err)
		prom.ReconciliationAlert("number_not_released")
	} else {
		s.log.Warn("unrecorded number released", "rental_id", rentalID, "reply", reply)
	}

	_, _, _ = s.refunds.Compensate(ctx, model.RefundJob{
		Reference: model.RefundReference(debitRef),
		AccountID: acc.ID,
		Amount:    price,
		Type:      model.TransactionRefund,
		Reason:    "rental_not_persisted",
	})
}

// Status passes the provider's status line through untouched.
func (s *NumberService) Status(ctx context.Context, acc *model.Account, rentalID string) (*StatusResult, error) {
	rental, err := s.ownedRental(ctx, acc, rentalID)
	if err != nil {
		return nil, err
	}

	data, err := s.provider.GetStatus(ctx, rental.ID)
	if err != nil {
		return nil, err
	}

	if data != rental.LastProviderStatus {
		sctx, cancel := s.ledger.bound(ctx)
		if err := s.rentals.UpdateProviderStatus(sctx, rental.ID, data); err != nil {
			s.log.Warn("failed to store provider status", "rental_id", rental.ID, "error", err)
		}
		cancel()
	}

	balance, err := s.ledger.Balance(ctx, acc.ID)
	if err != nil {
		s.log.Warn("balance unavailable, using authenticated snapshot", "account_id", acc.ID, "error", err)
		balance = acc.Balance
	}

	return &StatusResult{Data: data, Balance: balance}, nil
}

// Cancel releases the number at the provider and refunds the price that
// was paid for it, once.
func (s *NumberService) Cancel(ctx context.Context, acc *model.Account, rentalID string) (*CancelResult, error) {
	rental, err := s.ownedRental(ctx, acc, rentalID)
	if err != nil {
		return nil, err
	}
	if !rental.Active() {
		return nil, ErrAlreadyCancelled
	}

	lease, err := s.acquireLease(ctx, rental.ID)
	if err != nil {
		return nil, err
	}
	done := false
	defer func() {
		if lease != nil && !done {
			_ = s.guard.Release(context.WithoutCancel(ctx), lease)
		}
	}()

	reply, err := s.provider.SetStatus(ctx, rental.ID, gateway.StatusCancel)
	if err != nil {
		return nil, err
	}

	if s.opts.RequireProviderAck && !strings.HasPrefix(reply, cancelAckPrefix) {
		s.log.Warn("provider did not acknowledge cancel, no refund", "rental_id", rental.ID, "reply", reply)
		prom.RentalCancelled(false)

		sctx, cancel := s.ledger.bound(ctx)
		if err := s.rentals.UpdateProviderStatus(sctx, rental.ID, reply); err != nil {
			s.log.Warn("failed to store provider status", "rental_id", rental.ID, "error", err)
		}
		cancel()

		balance, err := s.ledger.Balance(ctx, acc.ID)
		if err != nil {
			balance = acc.Balance
		}
		return &CancelResult{Data: reply, Balance: balance}, nil
	}

	id := rental.ID
	balance, applied, err := s.refunds.Compensate(context.WithoutCancel(ctx), model.RefundJob{
		Reference:      model.CancelReference(id),
		AccountID:      acc.ID,
		Amount:         rental.Price,
		Type:           model.TransactionCancelRefund,
		RentalID:       &id,
		ProviderStatus: reply,
		Reason:         "cancelled",
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, ErrAlreadyCancelled
	}

	if lease != nil {
		if err := s.guard.MarkSuccess(context.WithoutCancel(ctx), lease); err == nil {
			done = true
		}
	}
	prom.RentalCancelled(true)

	s.log.Info("rental cancelled", "account_id", acc.ID, "rental_id", id, "refund", rental.Price, "balance", balance)

	return &CancelResult{
		Data:         reply,
		Refunded:     true,
		RefundAmount: rental.Price,
		Balance:      balance,
	}, nil
}

func (s *NumberService) acquireLease(ctx context.Context, rentalID string) (*idempotency.Lease, error) {
	if s.guard == nil {
		return nil, nil
	}

	lease, err := s.guard.Acquire(ctx, rentalID)
	switch {
	case err == nil:
		return lease, nil
	case errors.Is(err, idempotency.ErrAlreadyProcessed):
		return nil, ErrAlreadyCancelled
	case errors.Is(err, idempotency.ErrLockAcquireFailed):
		return nil, ErrCancelInProgress
	}

	// the database still serialises the refund
	s.log.Warn("cancel lease unavailable, continuing without it", "rental_id", rentalID, "error", err)
	return nil, nil
}

func (s *NumberService) ownedRental(ctx context.Context, acc *model.Account, rentalID string) (*model.Rental, error) {
	if rentalID == "" {
		return nil, ErrRentalIDRequired
	}
	if err := s.validate.Var(rentalID, "max=64,printascii"); err != nil {
		return nil, ErrRentalNotFound
	}

	sctx, cancel := s.ledger.bound(ctx)
	defer cancel()

	rental, err := s.rentals.GetForAccount(sctx, rentalID, acc.ID)
	if err != nil {
		if errors.Is(err, repository.ErrRentalNotFound) {
			return nil, ErrRentalNotFound
		}
		return nil, upstream("load rental", err)
	}
	return rental, nil
}
