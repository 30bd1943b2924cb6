package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimasrn/otp-gateway/internal/catalog"
	gateway "github.com/nimasrn/otp-gateway/internal/gateways"
)

var (
	ErrOwnIDRequired       = errors.New("ownid is required")
	ErrInvalidCredential   = errors.New("invalid api key")
	ErrInsufficientFunds   = errors.New("insufficient balance")
	ErrRentalIDRequired    = errors.New("rental id is required")
	ErrRentalNotFound      = errors.New("rental not found")
	ErrAlreadyCancelled    = errors.New("rental already cancelled")
	ErrCancelInProgress    = errors.New("cancellation already in progress")
	ErrAlreadyApplied      = errors.New("ledger reference already applied")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

const (
	CodeOwnIDRequired       = "OWNID_REQUIRED"
	CodeInvalidOwnID        = "INVALID_OWNID"
	CodeInvalidPath         = "INVALID_PATH"
	CodeInvalidCountry      = "INVALID_COUNTRY"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeIDRequired          = "ID_REQUIRED"
	CodeRentalNotFound      = "RENTAL_NOT_FOUND"
	CodeAlreadyCancelled    = "ALREADY_CANCELLED"
	CodeCancelInProgress    = "CANCEL_IN_PROGRESS"
	CodeProviderAPIError    = "FIREXOTP_API_ERROR"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeInternal            = "INTERNAL_SERVER_ERROR"
)

// ProviderRejection carries the provider's reply verbatim. Clients see the
// raw string as the error code.
type ProviderRejection struct {
	Raw string
}

func (e *ProviderRejection) Error() string {
	return fmt.Sprintf("provider rejected request: %s", e.Raw)
}

// InsufficientFundsError reports what the caller was short of.
type InsufficientFundsError struct {
	Required  uint
	Available uint
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient balance: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// ErrorCode maps an error to its wire code. ok is false for errors that
// should surface as an internal server error.
func ErrorCode(err error) (code string, ok bool) {
	var rejection *ProviderRejection
	switch {
	case err == nil:
		return "", false
	case errors.As(err, &rejection):
		return rejection.Raw, true
	case errors.Is(err, ErrOwnIDRequired):
		return CodeOwnIDRequired, true
	case errors.Is(err, ErrInvalidCredential):
		return CodeInvalidOwnID, true
	case errors.Is(err, catalog.ErrCountryNotFound):
		return CodeInvalidCountry, true
	case errors.Is(err, ErrInsufficientFunds):
		return CodeInsufficientBalance, true
	case errors.Is(err, ErrRentalIDRequired):
		return CodeIDRequired, true
	case errors.Is(err, ErrRentalNotFound):
		return CodeRentalNotFound, true
	case errors.Is(err, ErrAlreadyCancelled):
		return CodeAlreadyCancelled, true
	case errors.Is(err, ErrCancelInProgress):
		return CodeCancelInProgress, true
	case errors.Is(err, gateway.ErrProviderUnavailable), errors.Is(err, gateway.ErrCircuitOpen):
		return CodeProviderAPIError, true
	case errors.Is(err, ErrUpstreamUnavailable):
		return CodeUpstreamUnavailable, true
	}
	return "", false
}

// upstream classifies store failures. Domain sentinels pass through.
func upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := ErrorCode(err); ok || errors.Is(err, ErrAlreadyApplied) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s timed out: %v", ErrUpstreamUnavailable, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, op, err)
}
