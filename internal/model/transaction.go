package model

import (
	"fmt"
	"time"
)

type TransactionType string

const (
	TransactionDebit        TransactionType = "debit"
	TransactionRefund       TransactionType = "refund"
	TransactionCancelRefund TransactionType = "cancel_refund"
)

// Transaction is one ledger journal line. Reference is unique across the
// journal, which is what makes a replayed credit a no-op.
type Transaction struct {
	ID        int64           `json:"id"`
	AccountID int64           `json:"account_id"`
	Amount    uint            `json:"amount"`
	Type      TransactionType `json:"type"`
	Reference string          `json:"reference"`
	RentalID  *string         `json:"rental_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func DebitReference(id string) string {
	return "debit:" + id
}

func RefundReference(debitRef string) string {
	return "refund:" + debitRef
}

func CancelReference(rentalID string) string {
	return "cancel:" + rentalID
}

// RefundJob is queued when an in-request compensating credit could not be
// applied and must be retried out of band.
type RefundJob struct {
	Reference      string          `json:"reference"`
	AccountID      int64           `json:"account_id"`
	Amount         uint            `json:"amount"`
	Type           TransactionType `json:"type"`
	RentalID       *string         `json:"rental_id,omitempty"`
	// ProviderStatus is stored on the rental when a cancel refund lands.
	ProviderStatus string          `json:"provider_status,omitempty"`
	Reason         string          `json:"reason"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (j RefundJob) Validate() error {
	if j.Reference == "" {
		return fmt.Errorf("refund job: empty reference")
	}
	if j.AccountID <= 0 {
		return fmt.Errorf("refund job %s: invalid account id %d", j.Reference, j.AccountID)
	}
	if j.Amount == 0 {
		return fmt.Errorf("refund job %s: zero amount", j.Reference)
	}
	if j.Type != TransactionRefund && j.Type != TransactionCancelRefund {
		return fmt.Errorf("refund job %s: unexpected type %q", j.Reference, j.Type)
	}
	return nil
}
