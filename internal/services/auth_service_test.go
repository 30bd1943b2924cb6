package services

import (
	"context"
	"testing"
	"time"

	"github.com/nimasrn/otp-gateway/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingAccounts struct {
	*memAccounts
}

func (*failingAccounts) FindAccountIDByAPIKey(ctx context.Context, key string) (int64, error) {
	return 0, errConnRefused
}

func TestAuthService_Authenticate(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	cache, mr := newRedis(t)

	acc := e.account(t, "demo@example.com", 1000)
	require.NoError(t, e.accounts.AddAPIKey(ctx, acc.ID, "demo_key"))
	require.NoError(t, e.accounts.AddAPIKey(ctx, acc.ID, "test123"))

	auth := NewAuthService(e.accounts, cache, AuthOptions{MinKeyLength: 6, CacheTTL: time.Minute}, logger.NewNop())

	tests := []struct {
		name string
		key  string
		err  error
	}{
		{"missing key", "", ErrOwnIDRequired},
		{"too short", "abc", ErrInvalidCredential},
		{"not printable", "demo_key\n", ErrInvalidCredential},
		{"unknown key", "unknown_key", ErrInvalidCredential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.Authenticate(ctx, tt.key)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	t.Run("both demo keys resolve", func(t *testing.T) {
		for _, key := range []string{"demo_key", "test123"} {
			got, err := auth.Authenticate(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, acc.ID, got.ID)
			assert.Equal(t, "demo@example.com", got.Email)
			assert.Equal(t, uint(1000), got.Balance)
		}
	})

	t.Run("mapping is cached without the raw key", func(t *testing.T) {
		keys := mr.Keys()
		require.Len(t, keys, 2)
		for _, k := range keys {
			assert.Contains(t, k, "otp:ownid:")
			assert.NotContains(t, k, "demo_key")
		}
	})

	t.Run("balance is never served from cache", func(t *testing.T) {
		_, err := e.accounts.DeductBalance(ctx, acc.ID, 52)
		require.NoError(t, err)

		got, err := auth.Authenticate(ctx, "demo_key")
		require.NoError(t, err)
		assert.Equal(t, uint(948), got.Balance)
	})

	t.Run("cache outage falls back to the store", func(t *testing.T) {
		mr.Close()
		got, err := auth.Authenticate(ctx, "test123")
		require.NoError(t, err)
		assert.Equal(t, acc.ID, got.ID)
	})
}

func TestAuthService_StoreFailureIsNotInvalidKey(t *testing.T) {
	auth := NewAuthService(&failingAccounts{memAccounts: newMemAccounts(map[int64]uint{})}, nil, AuthOptions{}, logger.NewNop())

	_, err := auth.Authenticate(context.Background(), "demo_key")
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.NotErrorIs(t, err, ErrInvalidCredential)
}

func TestAuthService_DeletedAccount(t *testing.T) {
	accounts := newMemAccounts(map[int64]uint{})
	auth := NewAuthService(&keyedAccounts{memAccounts: accounts, id: 9}, nil, AuthOptions{}, logger.NewNop())

	_, err := auth.Authenticate(context.Background(), "orphan_key")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

type keyedAccounts struct {
	*memAccounts
	id int64
}

func (k *keyedAccounts) FindAccountIDByAPIKey(ctx context.Context, key string) (int64, error) {
	return k.id, nil
}
