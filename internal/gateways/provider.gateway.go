package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimasrn/otp-gateway/pkg/logger"
	"github.com/nimasrn/otp-gateway/pkg/prom"
	"github.com/valyala/fasthttp"
)

var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrCircuitOpen         = errors.New("provider circuit open")
)

const (
	ActionGetNumber = "getNumber"
	ActionGetStatus = "getStatus"
	ActionSetStatus = "setStatus"
)

// StatusCancel is the setStatus code that releases a rental.
const StatusCancel = 8

const accessNumberPrefix = "ACCESS_NUMBER"

// NumberResult is the parsed reply of a getNumber call. When Accepted is
// false, Raw holds the provider's message verbatim.
type NumberResult struct {
	Accepted bool
	RentalID string
	Number   string
	Raw      string
}

// ParseNumberResponse recognises "ACCESS_NUMBER:<id>:<number>". Anything
// else, including extra colons, is a rejection.
func ParseNumberResponse(body string) NumberResult {
	raw := strings.TrimSpace(body)
	parts := strings.Split(raw, ":")
	if len(parts) != 3 || parts[0] != accessNumberPrefix || parts[1] == "" || parts[2] == "" {
		return NumberResult{Raw: raw}
	}
	return NumberResult{Accepted: true, RentalID: parts[1], Number: parts[2], Raw: raw}
}

type ProviderMetrics struct {
	TotalRequests    atomic.Int64
	SuccessfulReqs   atomic.Int64
	FailedReqs       atomic.Int64
	TotalLatencyMs   atomic.Int64
	LastLatencyMs    atomic.Int64
	ConsecutiveFails atomic.Int32
	LastErrorTime    atomic.Int64
	LastSuccessTime  atomic.Int64

	mu             sync.RWMutex
	latencyHistory []int64
	maxHistorySize int
}

func NewProviderMetrics() *ProviderMetrics {
	return &ProviderMetrics{
		latencyHistory: make([]int64, 0, 100),
		maxHistorySize: 100,
	}
}

func (m *ProviderMetrics) RecordSuccess(latencyMs int64) {
	m.TotalRequests.Add(1)
	m.SuccessfulReqs.Add(1)
	m.TotalLatencyMs.Add(latencyMs)
	m.LastLatencyMs.Store(latencyMs)
	m.ConsecutiveFails.Store(0)
	m.LastSuccessTime.Store(time.Now().Unix())

	m.mu.Lock()
	if len(m.latencyHistory) >= m.maxHistorySize {
		m.latencyHistory = m.latencyHistory[1:]
	}
	m.latencyHistory = append(m.latencyHistory, latencyMs)
	m.mu.Unlock()
}

func (m *ProviderMetrics) RecordFailure() int32 {
	m.TotalRequests.Add(1)
	m.FailedReqs.Add(1)
	m.LastErrorTime.Store(time.Now().Unix())
	return m.ConsecutiveFails.Add(1)
}

func (m *ProviderMetrics) AvgLatencyMs() int64 {
	ok := m.SuccessfulReqs.Load()
	if ok == 0 {
		return 0
	}
	return m.TotalLatencyMs.Load() / ok
}

func (m *ProviderMetrics) SuccessRate() float64 {
	total := m.TotalRequests.Load()
	if total == 0 {
		return 1.0
	}
	return float64(m.SuccessfulReqs.Load()) / float64(total)
}

func (m *ProviderMetrics) P95LatencyMs() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.latencyHistory) == 0 {
		return 0
	}

	sorted := make([]int64, len(m.latencyHistory))
	copy(sorted, m.latencyHistory)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

type Config struct {
	Name                    string
	URL                     string
	APIKey                  string
	Service                 string
	Timeout                 time.Duration
	MaxConns                int
	ReadBufferSize          int
	WriteBufferSize         int
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration

	// Dial overrides the TCP dialer. Tests point it at an in-memory listener.
	Dial fasthttp.DialFunc
}

// Client talks to a single SMS-activate style number provider.
type Client struct {
	config           Config
	http             *fasthttp.Client
	metrics          *ProviderMetrics
	circuitOpenUntil atomic.Int64
}

func NewClient(config Config) (*Client, error) {
	if config.URL == "" {
		return nil, errors.New("provider url is required")
	}
	if config.Name == "" {
		config.Name = "provider"
	}
	if config.Timeout <= 0 {
		config.Timeout = 8 * time.Second
	}
	if config.CircuitBreakerThreshold <= 0 {
		config.CircuitBreakerThreshold = 5
	}
	if config.CircuitBreakerTimeout <= 0 {
		config.CircuitBreakerTimeout = 30 * time.Second
	}
	if config.APIKey == "" {
		logger.Warn("provider api key is empty", "provider", config.Name)
	}

	c := &Client{
		config:  config,
		metrics: NewProviderMetrics(),
		http: &fasthttp.Client{
			Name:                "otp-gateway",
			MaxConnsPerHost:     config.MaxConns,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
			ReadBufferSize:      config.ReadBufferSize,
			WriteBufferSize:     config.WriteBufferSize,
			Dial:                config.Dial,
		},
	}
	prom.ProviderCircuit(config.Name, false)

	logger.Info("provider client initialized", "provider", config.Name, "url", config.URL, "timeout", config.Timeout)

	return c, nil
}

func (c *Client) Name() string {
	return c.config.Name
}

func (c *Client) Service() string {
	return c.config.Service
}

// Available reports whether the circuit breaker lets a call through.
func (c *Client) Available() bool {
	until := c.circuitOpenUntil.Load()
	if until == 0 {
		return true
	}
	if time.Now().UnixNano() < until {
		return false
	}
	// half-open: the next result decides
	if c.circuitOpenUntil.CompareAndSwap(until, 0) {
		prom.ProviderCircuit(c.config.Name, false)
		logger.Info("circuit breaker half-open", "provider", c.config.Name)
	}
	return true
}

// AcquireNumber rents a number for the configured service in the given
// country. A provider rejection is not an error; inspect NumberResult.Accepted.
func (c *Client) AcquireNumber(ctx context.Context, countryCode int) (NumberResult, error) {
	body, err := c.call(ctx, ActionGetNumber, map[string]string{
		"service": c.config.Service,
		"country": strconv.Itoa(countryCode),
	})
	if err != nil {
		return NumberResult{}, err
	}

	res := ParseNumberResponse(body)
	if !res.Accepted {
		logger.Warn("provider rejected number request", "provider", c.config.Name, "country", countryCode, "reply", res.Raw)
	}
	return res, nil
}

// GetStatus returns the provider's raw status line for a rental.
func (c *Client) GetStatus(ctx context.Context, rentalID string) (string, error) {
	body, err := c.call(ctx, ActionGetStatus, map[string]string{"id": rentalID})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(body), nil
}

func (c *Client) SetStatus(ctx context.Context, rentalID string, status int) (string, error) {
	body, err := c.call(ctx, ActionSetStatus, map[string]string{
		"id":     rentalID,
		"status": strconv.Itoa(status),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(body), nil
}

func (c *Client) call(ctx context.Context, action string, params map[string]string) (string, error) {
	if !c.Available() {
		prom.ProviderRequest(action, "circuit_open", 0)
		return "", ErrCircuitOpen
	}

	start := time.Now()
	body, err := c.doRequest(ctx, action, params)
	latency := time.Since(start)

	if err != nil {
		fails := c.metrics.RecordFailure()
		c.checkCircuitBreaker(fails)
		prom.ProviderRequest(action, "error", latency.Seconds())
		logger.Warn("provider request failed", "provider", c.config.Name, "action", action, "error", err, "latency_ms", latency.Milliseconds())
		return "", fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, action, err)
	}

	c.metrics.RecordSuccess(latency.Milliseconds())
	prom.ProviderRequest(action, "ok", latency.Seconds())
	logger.Debug("provider request done", "provider", c.config.Name, "action", action, "latency_ms", latency.Milliseconds())

	return body, nil
}

// doRequest issues a GET against the handler endpoint. The api key is added
// here and never leaves this function.
func (c *Client) doRequest(ctx context.Context, action string, params map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.URL)
	req.Header.SetMethod(fasthttp.MethodGet)
	args := req.URI().QueryArgs()
	args.Set("action", action)
	args.Set("api_key", c.config.APIKey)
	for k, v := range params {
		args.Set(k, v)
	}

	deadline := time.Now().Add(c.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}

	statusCode := resp.StatusCode()
	if statusCode < 200 || statusCode > 299 {
		return "", fmt.Errorf("unexpected status code: %d", statusCode)
	}

	return string(resp.Body()), nil
}

func (c *Client) checkCircuitBreaker(consecutiveFails int32) {
	if consecutiveFails < int32(c.config.CircuitBreakerThreshold) {
		return
	}
	c.circuitOpenUntil.Store(time.Now().Add(c.config.CircuitBreakerTimeout).UnixNano())
	prom.ProviderCircuit(c.config.Name, true)

	logger.Warn("circuit breaker opened", "provider", c.config.Name, "consecutive_fails", consecutiveFails, "timeout", c.config.CircuitBreakerTimeout)
}

type ProviderStats struct {
	Name             string
	CircuitOpen      bool
	TotalRequests    int64
	SuccessfulReqs   int64
	FailedReqs       int64
	SuccessRate      float64
	AvgLatencyMs     int64
	P95LatencyMs     int64
	LastLatencyMs    int64
	ConsecutiveFails int32
}

func (c *Client) Stats() ProviderStats {
	return ProviderStats{
		Name:             c.config.Name,
		CircuitOpen:      time.Now().UnixNano() < c.circuitOpenUntil.Load(),
		TotalRequests:    c.metrics.TotalRequests.Load(),
		SuccessfulReqs:   c.metrics.SuccessfulReqs.Load(),
		FailedReqs:       c.metrics.FailedReqs.Load(),
		SuccessRate:      c.metrics.SuccessRate(),
		AvgLatencyMs:     c.metrics.AvgLatencyMs(),
		P95LatencyMs:     c.metrics.P95LatencyMs(),
		LastLatencyMs:    c.metrics.LastLatencyMs.Load(),
		ConsecutiveFails: c.metrics.ConsecutiveFails.Load(),
	}
}
