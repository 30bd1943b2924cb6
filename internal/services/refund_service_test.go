package services

import (
	"context"
	"errors"
	"testing"

	"github.com/nimasrn/otp-gateway/internal/model"
	"github.com/nimasrn/otp-gateway/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestRefundService_ApplyIsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	acc := e.account(t, "a@example.com", 48)

	job := model.RefundJob{
		Reference: model.RefundReference("debit:abc"),
		AccountID: acc.ID,
		Amount:    52,
		Type:      model.TransactionRefund,
		Reason:    "provider_error",
	}

	balance, applied, err := e.refunds.Apply(ctx, job)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, uint(100), balance)

	balance, applied, err = e.refunds.Apply(ctx, job)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, uint(100), balance)
	assert.Equal(t, uint(100), e.balance(t, acc.ID))
}

func TestRefundService_ApplyCancelMarksRental(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	acc := e.account(t, "a@example.com", 48)

	_, err := e.rentals.Create(ctx, &model.Rental{
		ID:             "42",
		AccountID:      acc.ID,
		CountryKey:     "philippines_51",
		CountryCode:    51,
		Number:         "639170000000",
		Price:          52,
		DebitReference: "debit:42",
	})
	require.NoError(t, err)

	id := "42"
	balance, applied, err := e.refunds.Apply(ctx, model.RefundJob{
		Reference:      model.CancelReference(id),
		AccountID:      acc.ID,
		Amount:         52,
		Type:           model.TransactionCancelRefund,
		RentalID:       &id,
		ProviderStatus: "ACCESS_CANCEL",
		Reason:         "cancelled",
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, uint(100), balance)

	rental, err := e.rentals.GetForAccount(ctx, id, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RentalStatusCancelled, rental.Status)
	assert.Equal(t, "ACCESS_CANCEL", rental.LastProviderStatus)

	txn := e.journalLine(t, acc.ID, "cancel:42")
	assert.Equal(t, model.TransactionCancelRefund, txn.Type)
	require.NotNil(t, txn.RentalID)
	assert.Equal(t, id, *txn.RentalID)
}

func TestRefundService_ApplyRejectsInvalidJob(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name string
		job  model.RefundJob
	}{
		{"empty reference", model.RefundJob{AccountID: 1, Amount: 1, Type: model.TransactionRefund}},
		{"zero amount", model.RefundJob{Reference: "refund:x", AccountID: 1, Type: model.TransactionRefund}},
		{"debit type", model.RefundJob{Reference: "refund:x", AccountID: 1, Amount: 1, Type: model.TransactionDebit}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, applied, err := e.refunds.Apply(context.Background(), tt.job)
			assert.Error(t, err)
			assert.False(t, applied)
		})
	}
}

func failingRefunds(publisher RefundPublisher) *RefundService {
	accounts := newMemAccounts(map[int64]uint{7: 48})
	accounts.failAdd = true
	ledger := NewLedgerService(noTx{}, accounts, newMemJournal(), 0, logger.NewNop())
	return NewRefundService(ledger, nil, publisher, logger.NewNop())
}

func TestRefundService_CompensateQueuesFailedRefund(t *testing.T) {
	pub := new(MockPublisher)
	svc := failingRefunds(pub)

	job := model.RefundJob{Reference: "refund:debit:q", AccountID: 7, Amount: 52, Type: model.TransactionRefund, Reason: "provider_error"}

	pub.On("PublishJSON", mock.Anything, mock.MatchedBy(func(j model.RefundJob) bool {
		return j.Reference == job.Reference && j.Amount == 52 && !j.CreatedAt.IsZero()
	}), map[string]string{"reason": "provider_error", "type": "refund"}).Return("1-0", nil).Once()

	_, applied, err := svc.Compensate(context.Background(), job)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.False(t, applied)
	pub.AssertExpectations(t)
}

func TestRefundService_CompensatePublishFailureKeepsOriginalError(t *testing.T) {
	pub := new(MockPublisher)
	svc := failingRefunds(pub)

	pub.On("PublishJSON", mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("stream down"))

	_, _, err := svc.Compensate(context.Background(), model.RefundJob{Reference: "refund:debit:z", AccountID: 7, Amount: 1, Type: model.TransactionRefund})
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.NotContains(t, err.Error(), "stream down")
}

func TestRefundService_CompensateWithoutPublisher(t *testing.T) {
	svc := failingRefunds(nil)

	_, applied, err := svc.Compensate(context.Background(), model.RefundJob{Reference: "refund:debit:n", AccountID: 7, Amount: 1, Type: model.TransactionRefund})
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.False(t, applied)
}
