package main

import (
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Replies of the handler_api.php contract.
const (
	ReplyBadKey       = "BAD_KEY"
	ReplyBadAction    = "BAD_ACTION"
	ReplyBadService   = "BAD_SERVICE"
	ReplyNoNumbers    = "NO_NUMBERS"
	ReplyNoActivation = "NO_ACTIVATION"
	ReplyWaitCode     = "STATUS_WAIT_CODE"
	ReplyCancelled    = "STATUS_CANCEL"
	ReplyAccessCancel = "ACCESS_CANCEL"
	ReplyEarlyCancel  = "EARLY_CANCEL_DENIED"
)

type activation struct {
	id        string
	number    string
	country   int
	code      string
	createdAt time.Time
	cancelled bool
}

// MockProvider simulates an OTP number provider. Codes "arrive" once an
// activation is older than codeDelay.
type MockProvider struct {
	apiKey     string
	service    string
	stockRate  float64
	codeDelay  time.Duration
	providerID string

	mu          sync.Mutex
	rng         *rand.Rand
	nextID      int64
	activations map[string]*activation
}

func NewMockProvider(apiKey, service string, stockRate float64, codeDelay time.Duration) *MockProvider {
	return &MockProvider{
		apiKey:      apiKey,
		service:     service,
		stockRate:   stockRate,
		codeDelay:   codeDelay,
		providerID:  "MOCK_PROVIDER_" + uuid.New().String()[:8],
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		nextID:      100000,
		activations: make(map[string]*activation),
	}
}

func (m *MockProvider) getNumber(service string, country int) string {
	if service != m.service {
		return ReplyBadService
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rng.Float64() >= m.stockRate {
		return ReplyNoNumbers
	}

	m.nextID++
	a := &activation{
		id:        strconv.FormatInt(m.nextID, 10),
		number:    fmt.Sprintf("%d%09d", country, m.rng.Int63n(1_000_000_000)),
		country:   country,
		code:      fmt.Sprintf("%06d", m.rng.Intn(1_000_000)),
		createdAt: time.Now(),
	}
	m.activations[a.id] = a

	log.Info().Str("id", a.id).Int("country", country).Str("number", a.number).Msg("number rented")
	return fmt.Sprintf("ACCESS_NUMBER:%s:%s", a.id, a.number)
}

func (m *MockProvider) getStatus(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.activations[id]
	switch {
	case !ok:
		return ReplyNoActivation
	case a.cancelled:
		return ReplyCancelled
	case time.Since(a.createdAt) < m.codeDelay:
		return ReplyWaitCode
	}
	return "STATUS_OK:" + a.code
}

func (m *MockProvider) setStatus(id string, status int) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.activations[id]
	if !ok {
		return ReplyNoActivation
	}
	if status != 8 {
		return ReplyBadAction
	}
	// once the code is out the number is spent
	if !a.cancelled && time.Since(a.createdAt) >= m.codeDelay {
		return ReplyEarlyCancel
	}
	a.cancelled = true

	log.Info().Str("id", id).Msg("activation cancelled")
	return ReplyAccessCancel
}

type Handler struct {
	provider *MockProvider
}

func NewHandler(provider *MockProvider) *Handler {
	return &Handler{provider: provider}
}

// API serves every action from one endpoint, answering in plain text.
func (h *Handler) API(c *gin.Context) {
	if c.Query("api_key") != h.provider.apiKey {
		c.String(http.StatusOK, ReplyBadKey)
		return
	}

	var reply string
	switch c.Query("action") {
	case "getNumber":
		country, err := strconv.Atoi(c.Query("country"))
		if err != nil {
			reply = ReplyNoNumbers
			break
		}
		reply = h.provider.getNumber(c.Query("service"), country)
	case "getStatus":
		reply = h.provider.getStatus(c.Query("id"))
	case "setStatus":
		status, _ := strconv.Atoi(c.Query("status"))
		reply = h.provider.setStatus(c.Query("id"), status)
	default:
		reply = ReplyBadAction
	}

	c.String(http.StatusOK, reply)
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"provider_id": h.provider.providerID,
		"timestamp":   time.Now(),
		"stock_rate":  h.provider.stockRate,
	})
}

// UpdateConfig changes the stock rate at runtime, handy for exercising the
// refund path.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var cfg struct {
		StockRate *float64 `json:"stock_rate"`
	}
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	h.provider.mu.Lock()
	if cfg.StockRate != nil && *cfg.StockRate >= 0 && *cfg.StockRate <= 1 {
		h.provider.stockRate = *cfg.StockRate
		log.Info().Float64("rate", *cfg.StockRate).Msg("updated stock rate")
	}
	rate := h.provider.stockRate
	h.provider.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"message": "Configuration updated", "stock_rate": rate})
}

func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("action", c.Query("action")).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request processed")
	})

	router.GET("/stubs/handler_api.php", handler.API)
	router.GET("/health", handler.HealthCheck)
	router.PUT("/config", handler.UpdateConfig)

	return router
}
