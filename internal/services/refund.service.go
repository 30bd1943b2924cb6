package services

import (
	"context"
	"errors"
	"time"

	"github.com/nimasrn/otp-gateway/internal/model"
	"github.com/nimasrn/otp-gateway/internal/repository"
	"github.com/nimasrn/otp-gateway/pkg/logger"
	"github.com/nimasrn/otp-gateway/pkg/prom"
)

// RefundPublisher hands a refund to the out-of-band retry stream.
type RefundPublisher interface {
	PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error)
}

// RefundService applies compensating credits. Apply is shared by the
// request path and the reconciler so both land the same journal line.
type RefundService struct {
	ledger    *LedgerService
	rentals   RentalRepository
	publisher RefundPublisher
	log       logger.Logger
}

// NewRefundService accepts a nil publisher; failed refunds are then only
// reported.
func NewRefundService(ledger *LedgerService, rentals RentalRepository, publisher RefundPublisher, log logger.Logger) *RefundService {
	return &RefundService{
		ledger:    ledger,
		rentals:   rentals,
		publisher: publisher,
		log:       log,
	}
}

// Apply credits job.Amount once per job.Reference. Cancel refunds also
// flip the rental to cancelled in the same transaction. applied is false
// when the reference had already been credited.
func (s *RefundService) Apply(ctx context.Context, job model.RefundJob) (balance uint, applied bool, err error) {
	if err := job.Validate(); err != nil {
		return 0, false, err
	}

	err = s.ledger.Transact(ctx, "refund", func(ctx context.Context) error {
		if job.Type == model.TransactionCancelRefund && job.RentalID != nil {
			err := s.rentals.MarkCancelled(ctx, *job.RentalID, job.AccountID, job.ProviderStatus)
			if err != nil && !errors.Is(err, repository.ErrRentalNotActive) {
				return err
			}
		}

		b, err := s.ledger.Credit(ctx, CreditRequest{
			AccountID: job.AccountID,
			Amount:    job.Amount,
			Reference: job.Reference,
			Type:      job.Type,
			RentalID:  job.RentalID,
		})
		balance = b
		switch {
		case err == nil:
			applied = true
		case errors.Is(err, ErrAlreadyApplied):
		default:
			return err
		}
		return nil
	})
	if err != nil {
		prom.Refund(job.Reason, "error")
		return 0, false, err
	}

	if applied {
		prom.Refund(job.Reason, "applied")
	} else {
		prom.Refund(job.Reason, "duplicate")
	}
	return balance, applied, nil
}

// Compensate is the in-request refund after a failed provider call. When
// the credit cannot land, the job is queued for the reconciler and a
// reconciliation alert is raised; the original error is still returned.
func (s *RefundService) Compensate(ctx context.Context, job model.RefundJob) (uint, bool, error) {
	balance, applied, err := s.Apply(ctx, job)
	if err == nil {
		return balance, applied, nil
	}

	s.log.Error("reconciliation_alert",
		"reason", "refund_failed",
		"reference", job.Reference,
		"account_id", job.AccountID,
		"amount", job.Amount,
		"error", err)
	prom.ReconciliationAlert("refund_failed")

	if s.publisher == nil {
		return 0, false, err
	}

	job.CreatedAt = time.Now().UTC()
	// the request context may already be spent
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	id, perr := s.publisher.PublishJSON(pubCtx, job, map[string]string{"reason": job.Reason, "type": string(job.Type)})
	if perr != nil {
		s.log.Error("reconciliation_alert",
			"reason", "refund_not_queued",
			"reference", job.Reference,
			"account_id", job.AccountID,
			"amount", job.Amount,
			"error", perr)
		prom.ReconciliationAlert("refund_not_queued")
		return 0, false, err
	}

	s.log.Warn("refund queued for retry", "reference", job.Reference, "stream_id", id)
	return 0, false, err
}
