package services

import (
	"context"
	"time"

	gateway "github.com/nimasrn/otp-gateway/internal/gateways"
	"github.com/nimasrn/otp-gateway/pkg/logger"
)

const (
	HealthOK   = "ok"
	HealthDown = "down"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// ProviderMonitor exposes the provider client's breaker and latency counters.
type ProviderMonitor interface {
	Stats() gateway.ProviderStats
}

type HealthService struct {
	deps      map[string]Pinger
	providers map[string]ProviderMonitor
	timeout   time.Duration
	log       logger.Logger
}

func NewHealthService(timeout time.Duration, log logger.Logger) *HealthService {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &HealthService{
		deps:      make(map[string]Pinger),
		providers: make(map[string]ProviderMonitor),
		timeout:   timeout,
		log:       log,
	}
}

// With registers a dependency pinged by Check. Nil pingers are skipped.
func (s *HealthService) With(name string, p Pinger) *HealthService {
	if p != nil {
		s.deps[name] = p
	}
	return s
}

// WithProvider reports the provider as down while its circuit is open.
func (s *HealthService) WithProvider(name string, p ProviderMonitor) *HealthService {
	if p != nil {
		s.providers[name] = p
	}
	return s
}

// Check reports "ok" or "down" per dependency. Failure details only go to
// the log.
func (s *HealthService) Check(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out := make(map[string]string, len(s.deps)+len(s.providers))
	for name, p := range s.deps {
		if err := p.Ping(ctx); err != nil {
			s.log.Warn("health check failed", "dependency", name, "error", err)
			out[name] = HealthDown
			continue
		}
		out[name] = HealthOK
	}

	for name, p := range s.providers {
		st := p.Stats()
		if st.CircuitOpen {
			s.log.Warn("provider circuit open",
				"provider", st.Name,
				"consecutive_fails", st.ConsecutiveFails,
				"success_rate", st.SuccessRate,
				"p95_latency_ms", st.P95LatencyMs,
				"total_requests", st.TotalRequests)
			out[name] = HealthDown
			continue
		}
		out[name] = HealthOK
	}
	return out
}
