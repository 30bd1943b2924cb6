package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nimasrn/otp-gateway/internal/catalog"
	gateway "github.com/nimasrn/otp-gateway/internal/gateways"
	"github.com/stretchr/testify/assert"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code string
		ok   bool
	}{
		{ErrOwnIDRequired, CodeOwnIDRequired, true},
		{ErrInvalidCredential, CodeInvalidOwnID, true},
		{fmt.Errorf("%q: %w", "mars_1", catalog.ErrCountryNotFound), CodeInvalidCountry, true},
		{&InsufficientFundsError{Required: 52, Available: 48}, CodeInsufficientBalance, true},
		{ErrRentalIDRequired, CodeIDRequired, true},
		{ErrRentalNotFound, CodeRentalNotFound, true},
		{ErrAlreadyCancelled, CodeAlreadyCancelled, true},
		{ErrCancelInProgress, CodeCancelInProgress, true},
		{&ProviderRejection{Raw: "NO_NUMBERS"}, "NO_NUMBERS", true},
		{fmt.Errorf("%w: getNumber: timeout", gateway.ErrProviderUnavailable), CodeProviderAPIError, true},
		{gateway.ErrCircuitOpen, "FIREXOTP_API_ERROR", true},
		{upstream("debit", errConnRefused), CodeUpstreamUnavailable, true},
		{errors.New("boom"), "", false},
		{nil, "", false},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			code, ok := ErrorCode(tt.err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestUpstream(t *testing.T) {
	assert.NoError(t, upstream("op", nil))

	err := upstream("op", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Contains(t, err.Error(), "timed out")

	assert.Same(t, ErrAlreadyApplied, upstream("op", ErrAlreadyApplied))
	assert.Same(t, ErrRentalNotFound, upstream("op", ErrRentalNotFound))
}
