package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fasthttp/router"
	"github.com/nimasrn/otp-gateway/internal/catalog"
	"github.com/nimasrn/otp-gateway/internal/model"
	"github.com/nimasrn/otp-gateway/internal/services"
	xhttp "github.com/nimasrn/otp-gateway/pkg/http"
	"github.com/nimasrn/otp-gateway/pkg/logger"
)

const (
	PathHealth       = "health"
	PathGetCountries = "getCountries"
	PathGetNumber    = "getNumber"
	PathGetOtp       = "getOtp"
	PathCancelNumber = "cancelNumber"
)

type Authenticator interface {
	Authenticate(ctx context.Context, key string) (*model.Account, error)
}

type NumberService interface {
	Countries() map[string]catalog.Country
	Acquire(ctx context.Context, acc *model.Account, slug string) (*services.Allocation, error)
	Status(ctx context.Context, acc *model.Account, rentalID string) (*services.StatusResult, error)
	Cancel(ctx context.Context, acc *model.Account, rentalID string) (*services.CancelResult, error)
}

// Dispatcher serves every operation from one endpoint, selected by the
// "path" query parameter. Expected failures are reported in the body with
// HTTP 200; only unclassified errors become a 500.
type Dispatcher struct {
	auth          Authenticator
	numbers       NumberService
	healthChecker HealthChecker
	timeout       time.Duration
	log           logger.Logger
}

// NewDispatcher accepts a nil health checker. timeout bounds the whole
// operation including ledger and provider calls.
func NewDispatcher(auth Authenticator, numbers NumberService, health HealthChecker, timeout time.Duration, log logger.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		auth:          auth,
		numbers:       numbers,
		healthChecker: health,
		timeout:       timeout,
		log:           log,
	}
}

func RegisterRoutes(r *router.Router, d *Dispatcher) {
	r.GET("/", d.Handle)
	r.GET("/api", d.Handle)
}

// IsHealth reports whether the request targets the unauthenticated health check.
func IsHealth(ctx *xhttp.RequestCtx) bool {
	return query(ctx, "path") == PathHealth
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type countriesResponse struct {
	Success   bool                       `json:"success"`
	Countries map[string]catalog.Country `json:"countries"`
	Balance   uint                       `json:"balance"`
	Email     string                     `json:"email"`
}

type numberResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Number  string `json:"number"`
	Country string `json:"country"`
	Service string `json:"service"`
	Price   uint   `json:"price"`
	Balance uint   `json:"balance"`
}

type otpResponse struct {
	Success bool   `json:"success"`
	Data    string `json:"data"`
	Balance uint   `json:"balance"`
}

type cancelResponse struct {
	Success      bool   `json:"success"`
	Data         string `json:"data"`
	Refunded     bool   `json:"refunded"`
	RefundAmount uint   `json:"refundAmount"`
	Balance      uint   `json:"balance"`
}

func (d *Dispatcher) Handle(ctx *xhttp.RequestCtx) {
	path := query(ctx, "path")
	if path == PathHealth {
		d.health(ctx)
		return
	}

	c, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	acc, err := d.authenticate(c, query(ctx, "ownid"))
	if err != nil {
		d.fail(ctx, path, err)
		return
	}

	switch path {
	case PathGetCountries:
		writeJSON(ctx, xhttp.StatusOK, countriesResponse{
			Success:   true,
			Countries: d.numbers.Countries(),
			Balance:   acc.Balance,
			Email:     acc.Email,
		})

	case PathGetNumber:
		a, err := d.numbers.Acquire(c, acc, query(ctx, "countryKey"))
		if err != nil {
			d.fail(ctx, path, err)
			return
		}
		writeJSON(ctx, xhttp.StatusOK, numberResponse{
			Success: true,
			ID:      a.RentalID,
			Number:  a.Number,
			Country: a.Country.Country,
			Service: a.Country.Name,
			Price:   a.Price,
			Balance: a.Balance,
		})

	case PathGetOtp:
		res, err := d.numbers.Status(c, acc, query(ctx, "id"))
		if err != nil {
			d.fail(ctx, path, err)
			return
		}
		writeJSON(ctx, xhttp.StatusOK, otpResponse{Success: true, Data: res.Data, Balance: res.Balance})

	case PathCancelNumber:
		res, err := d.numbers.Cancel(c, acc, query(ctx, "id"))
		if err != nil {
			d.fail(ctx, path, err)
			return
		}
		writeJSON(ctx, xhttp.StatusOK, cancelResponse{
			Success:      true,
			Data:         res.Data,
			Refunded:     res.Refunded,
			RefundAmount: res.RefundAmount,
			Balance:      res.Balance,
		})

	default:
		writeJSON(ctx, xhttp.StatusOK, errorResponse{Error: services.CodeInvalidPath})
	}
}

func (d *Dispatcher) authenticate(ctx context.Context, key string) (*model.Account, error) {
	if key == "" {
		return nil, services.ErrOwnIDRequired
	}
	return d.auth.Authenticate(ctx, key)
}

func (d *Dispatcher) fail(ctx *xhttp.RequestCtx, path string, err error) {
	log := d.log.With("path", path, "request_id", string(ctx.Request.Header.Peek(xhttp.HeaderRequestID)))

	code, ok := services.ErrorCode(err)
	if !ok {
		log.Error("request failed", "error", err)
		writeJSON(ctx, xhttp.StatusInternalServerError, errorResponse{Error: services.CodeInternal})
		return
	}

	log.Debug("request rejected", "code", code, "error", err)
	writeJSON(ctx, xhttp.StatusOK, errorResponse{Error: code, Message: message(code, err)})
}

func message(code string, err error) string {
	switch code {
	case services.CodeOwnIDRequired:
		return "Please provide your API key in ownid parameter"
	case services.CodeInvalidOwnID:
		return "Invalid API key or user not found"
	case services.CodeInsufficientBalance:
		var e *services.InsufficientFundsError
		if errors.As(err, &e) {
			return fmt.Sprintf("Required: ₹%d, Available: ₹%d", e.Required, e.Available)
		}
	case services.CodeProviderAPIError:
		return "Provider API error"
	case services.CodeUpstreamUnavailable:
		return "Service temporarily unavailable, please retry"
	case services.CodeCancelInProgress:
		return "Cancellation already in progress"
	}
	var rejection *services.ProviderRejection
	if errors.As(err, &rejection) {
		return "Provider API error"
	}
	return ""
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}
