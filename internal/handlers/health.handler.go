package handlers

import (
	"context"
	"time"

	xhttp "github.com/nimasrn/otp-gateway/pkg/http"
)

// HealthChecker reports per-dependency state. It never turns the health
// answer into a failure; the endpoint only reports liveness.
type HealthChecker interface {
	Check(ctx context.Context) map[string]string
}

type healthResponse struct {
	Status    string            `json:"status"`
	Message   string            `json:"message"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

func (d *Dispatcher) health(ctx *xhttp.RequestCtx) {
	res := healthResponse{
		Status:    "OK",
		Message:   "Server is running",
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if d.healthChecker != nil {
		res.Checks = d.healthChecker.Check(ctx)
	}
	writeJSON(ctx, xhttp.StatusOK, res)
}
