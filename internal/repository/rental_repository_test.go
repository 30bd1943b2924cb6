package repository

import (
	"context"
	"testing"

	"github.com/nimasrn/otp-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRentalRepository(t *testing.T) {
	db := NewTestDB(t)
	accounts := NewAccountRepository(db)
	repo := NewRentalRepository(db)
	ctx := context.Background()

	owner := seedAccount(t, accounts, "owner@example.com", 100)
	other := seedAccount(t, accounts, "other@example.com", 100)

	created, err := repo.Create(ctx, &model.Rental{
		ID:             "123456",
		AccountID:      owner,
		CountryKey:     "philippines_51",
		CountryCode:    51,
		Number:         "639171234567",
		Price:          52,
		DebitReference: "debit:abc",
	})
	require.NoError(t, err)
	assert.Equal(t, model.RentalStatusActive, created.Status)

	t.Run("duplicate provider id", func(t *testing.T) {
		_, err := repo.Create(ctx, &model.Rental{ID: "123456", AccountID: owner, Number: "1", DebitReference: "debit:x"})
		assert.ErrorIs(t, err, ErrDuplicateRental)
	})

	t.Run("owner can read", func(t *testing.T) {
		r, err := repo.GetForAccount(ctx, "123456", owner)
		require.NoError(t, err)
		assert.Equal(t, uint(52), r.Price)
		assert.True(t, r.Active())
	})

	t.Run("other account cannot see it", func(t *testing.T) {
		_, err := repo.GetForAccount(ctx, "123456", other)
		assert.ErrorIs(t, err, ErrRentalNotFound)
	})

	t.Run("provider status is recorded", func(t *testing.T) {
		require.NoError(t, repo.UpdateProviderStatus(ctx, "123456", "STATUS_WAIT_CODE"))
		r, err := repo.GetForAccount(ctx, "123456", owner)
		require.NoError(t, err)
		assert.Equal(t, "STATUS_WAIT_CODE", r.LastProviderStatus)
	})

	t.Run("cancel wins exactly once", func(t *testing.T) {
		assert.ErrorIs(t, repo.MarkCancelled(ctx, "123456", other, "ACCESS_CANCEL"), ErrRentalNotActive)

		require.NoError(t, repo.MarkCancelled(ctx, "123456", owner, "ACCESS_CANCEL"))
		assert.ErrorIs(t, repo.MarkCancelled(ctx, "123456", owner, "ACCESS_CANCEL"), ErrRentalNotActive)

		r, err := repo.GetForAccount(ctx, "123456", owner)
		require.NoError(t, err)
		assert.Equal(t, model.RentalStatusCancelled, r.Status)
		assert.NotNil(t, r.CancelledAt)
	})
}
