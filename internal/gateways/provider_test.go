package gateway

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func TestParseNumberResponse(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		accepted bool
		id       string
		number   string
	}{
		{"access number", "ACCESS_NUMBER:123456:639171234567", true, "123456", "639171234567"},
		{"trailing newline", "ACCESS_NUMBER:1:2\n", true, "1", "2"},
		{"no numbers", "NO_NUMBERS", false, "", ""},
		{"bad key", "BAD_KEY", false, "", ""},
		{"extra segment", "ACCESS_NUMBER:1:2:3", false, "", ""},
		{"missing number", "ACCESS_NUMBER:1", false, "", ""},
		{"empty id", "ACCESS_NUMBER::639171234567", false, "", ""},
		{"wrong prefix", "ACCESS_READY:1:2", false, "", ""},
		{"empty body", "", false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ParseNumberResponse(tt.body)
			assert.Equal(t, tt.accepted, res.Accepted)
			assert.Equal(t, tt.id, res.RentalID)
			assert.Equal(t, tt.number, res.Number)
			assert.Equal(t, strings.TrimSpace(tt.body), res.Raw)
		})
	}

	assert.Equal(t, "NO_BALANCE", ParseNumberResponse(" NO_BALANCE \n").Raw)
}

func TestProviderMetrics(t *testing.T) {
	m := NewProviderMetrics()

	m.RecordSuccess(100)
	m.RecordSuccess(200)
	assert.Equal(t, int64(150), m.AvgLatencyMs())
	assert.Equal(t, 1.0, m.SuccessRate())

	assert.Equal(t, int32(1), m.RecordFailure())
	assert.Equal(t, int32(2), m.RecordFailure())
	assert.InDelta(t, 0.5, m.SuccessRate(), 0.001)

	m.RecordSuccess(10)
	assert.Equal(t, int32(0), m.ConsecutiveFails.Load())

	for i := int64(0); i < 100; i++ {
		m.RecordSuccess(i * 10)
	}
	p95 := m.P95LatencyMs()
	assert.GreaterOrEqual(t, p95, int64(900))
	assert.LessOrEqual(t, p95, int64(990))
}

type fakeProvider struct {
	reply  func(args *fasthttp.Args) (int, string)
	calls  atomic.Int32
	lastQS atomic.Value
}

func startProvider(t *testing.T, fp *fakeProvider, cfg Config) *Client {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		fp.calls.Add(1)
		fp.lastQS.Store(string(ctx.QueryArgs().QueryString()))
		code, body := fp.reply(ctx.QueryArgs())
		ctx.SetStatusCode(code)
		ctx.SetBodyString(body)
	}}
	go srv.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { _ = ln.Close() })

	cfg.URL = "http://provider.test/stubs/handler_api.php"
	cfg.Dial = func(addr string) (net.Conn, error) { return ln.Dial() }
	if cfg.APIKey == "" {
		cfg.APIKey = "secret"
	}
	if cfg.Service == "" {
		cfg.Service = "wa"
	}

	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c
}

func TestClient_AcquireNumber(t *testing.T) {
	fp := &fakeProvider{reply: func(args *fasthttp.Args) (int, string) {
		if string(args.Peek("country")) == "51" {
			return 200, "ACCESS_NUMBER:987:639170000000"
		}
		return 200, "NO_NUMBERS"
	}}
	c := startProvider(t, fp, Config{Name: "firexotp", Timeout: time.Second})

	t.Run("accepted", func(t *testing.T) {
		res, err := c.AcquireNumber(context.Background(), 51)
		require.NoError(t, err)
		assert.True(t, res.Accepted)
		assert.Equal(t, "987", res.RentalID)
		assert.Equal(t, "639170000000", res.Number)

		qs := fp.lastQS.Load().(string)
		assert.Contains(t, qs, "action=getNumber")
		assert.Contains(t, qs, "service=wa")
		assert.Contains(t, qs, "api_key=secret")
	})

	t.Run("rejected is not an error", func(t *testing.T) {
		res, err := c.AcquireNumber(context.Background(), 22)
		require.NoError(t, err)
		assert.False(t, res.Accepted)
		assert.Equal(t, "NO_NUMBERS", res.Raw)
	})

	assert.Equal(t, int64(2), c.Stats().SuccessfulReqs)
}

func TestClient_StatusCalls(t *testing.T) {
	fp := &fakeProvider{reply: func(args *fasthttp.Args) (int, string) {
		switch string(args.Peek("action")) {
		case ActionGetStatus:
			return 200, "STATUS_OK:482913"
		case ActionSetStatus:
			if string(args.Peek("status")) == "8" {
				return 200, "ACCESS_CANCEL"
			}
		}
		return 200, "BAD_ACTION"
	}}
	c := startProvider(t, fp, Config{Timeout: time.Second})

	status, err := c.GetStatus(context.Background(), "987")
	require.NoError(t, err)
	assert.Equal(t, "STATUS_OK:482913", status)
	assert.Contains(t, fp.lastQS.Load().(string), "id=987")

	reply, err := c.SetStatus(context.Background(), "987", StatusCancel)
	require.NoError(t, err)
	assert.Equal(t, "ACCESS_CANCEL", reply)
}

func TestClient_TransportFailuresOpenCircuit(t *testing.T) {
	fp := &fakeProvider{reply: func(*fasthttp.Args) (int, string) {
		return 502, "bad gateway"
	}}
	c := startProvider(t, fp, Config{
		Timeout:                 time.Second,
		CircuitBreakerThreshold: 2,
		CircuitBreakerTimeout:   time.Hour,
	})

	for i := 0; i < 2; i++ {
		_, err := c.AcquireNumber(context.Background(), 51)
		assert.ErrorIs(t, err, ErrProviderUnavailable)
	}

	assert.False(t, c.Available())
	_, err := c.GetStatus(context.Background(), "1")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), fp.calls.Load())
	assert.True(t, c.Stats().CircuitOpen)

	t.Run("half-open after timeout", func(t *testing.T) {
		c.circuitOpenUntil.Store(time.Now().Add(-time.Second).UnixNano())
		assert.True(t, c.Available())
		assert.False(t, c.Stats().CircuitOpen)
	})
}

func TestClient_CancelledContext(t *testing.T) {
	fp := &fakeProvider{reply: func(*fasthttp.Args) (int, string) { return 200, "ACCESS_NUMBER:1:2" }}
	c := startProvider(t, fp, Config{Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.AcquireNumber(ctx, 51)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, int32(0), fp.calls.Load())
}

func TestNewClient_RequiresURL(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}
