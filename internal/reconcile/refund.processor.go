package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimasrn/otp-gateway/internal/idempotency"
	"github.com/nimasrn/otp-gateway/internal/model"
	"github.com/nimasrn/otp-gateway/internal/queue"
	"github.com/nimasrn/otp-gateway/pkg/logger"
	"github.com/nimasrn/otp-gateway/pkg/prom"
)

var ErrLockHeld = errors.New("refund lock held by another consumer")

// RefundApplier lands a compensating credit exactly once per reference.
type RefundApplier interface {
	Apply(ctx context.Context, job model.RefundJob) (balance uint, applied bool, err error)
}

type Locker interface {
	Acquire(ctx context.Context, id string) (*idempotency.Lease, error)
	MarkSuccess(ctx context.Context, l *idempotency.Lease) error
	MarkFailure(ctx context.Context, l *idempotency.Lease, reason error) error
	Release(ctx context.Context, l *idempotency.Lease) error
}

// RefundProcessor replays refunds that could not be credited during the
// request that owed them.
type RefundProcessor struct {
	refunds RefundApplier
	locks   Locker
	metrics *ServiceMetrics
	log     logger.Logger
}

func NewRefundProcessor(refunds RefundApplier, locks Locker, log logger.Logger) *RefundProcessor {
	return &RefundProcessor{
		refunds: refunds,
		locks:   locks,
		metrics: NewServiceMetrics(),
		log:     log,
	}
}

func (p *RefundProcessor) GetType() string {
	return "refund"
}

func (p *RefundProcessor) Metrics() *ServiceMetrics {
	return p.metrics
}

// Process returns nil to ack the stream entry and an error to leave it
// pending for redelivery.
func (p *RefundProcessor) Process(ctx context.Context, msg *queue.Message) error {
	var job model.RefundJob
	if err := msg.Decode(&job); err != nil {
		p.alert("refund_job_undecodable", job, err)
		return fmt.Errorf("decode refund job %s: %w", msg.ID, err)
	}
	if err := job.Validate(); err != nil {
		// retrying cannot fix a malformed job; it ends up in the dead letter stream
		p.alert("refund_job_invalid", job, err)
		return err
	}

	lease, err := p.locks.Acquire(ctx, job.Reference)
	switch {
	case err == nil:
	case errors.Is(err, idempotency.ErrAlreadyProcessed):
		p.log.Info("refund already reconciled, skipping", "reference", job.Reference)
		prom.RefundJob("skipped")
		return nil
	case errors.Is(err, idempotency.ErrMaxRetriesExceeded):
		p.alert("refund_retries_exhausted", job, err)
		prom.RefundJob("exhausted")
		return nil
	case errors.Is(err, idempotency.ErrLockAcquireFailed):
		p.log.Info("refund locked by another consumer, will retry", "reference", job.Reference)
		return ErrLockHeld
	default:
		return err
	}

	held := true
	defer func() {
		if held {
			_ = p.locks.Release(context.WithoutCancel(ctx), lease)
		}
	}()

	p.log.Info("reconciling refund",
		"reference", job.Reference,
		"account_id", job.AccountID,
		"amount", job.Amount,
		"reason", job.Reason,
		"retry_count", lease.RetryCount,
		"stream_attempts", msg.Attempts)

	balance, applied, err := p.refunds.Apply(ctx, job)
	if err != nil {
		held = false
		if markErr := p.locks.MarkFailure(context.WithoutCancel(ctx), lease, err); markErr != nil {
			p.log.Error("failed to mark refund failure", "reference", job.Reference, "error", markErr)
		}
		prom.RefundJob("failed")
		return err
	}

	if applied {
		p.log.Info("refund reconciled", "reference", job.Reference, "account_id", job.AccountID, "balance", balance)
		prom.RefundJob("applied")
	} else {
		prom.RefundJob("duplicate")
		p.metrics.RecordDuplicate()
		p.log.Info("refund was already credited", "reference", job.Reference, "account_id", job.AccountID)
	}

	if err := p.locks.MarkSuccess(context.WithoutCancel(ctx), lease); err != nil {
		// the journal reference still rejects a second credit
		p.log.Error("failed to mark refund reconciled", "reference", job.Reference, "error", err)
		return nil
	}
	held = false
	return nil
}

func (p *RefundProcessor) alert(reason string, job model.RefundJob, err error) {
	p.log.Error("reconciliation_alert",
		"reason", reason,
		"reference", job.Reference,
		"account_id", job.AccountID,
		"amount", job.Amount,
		"error", err)
	prom.ReconciliationAlert(reason)
}
