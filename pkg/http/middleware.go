package xhttp

import (
	"bytes"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/otp-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

const slowThreshold = 500 * time.Millisecond

const HeaderRequestID = "X-Request-Id"

var skipPaths = []string{"/metrics"}

var internalErrorBody = []byte(`{"success":false,"error":"INTERNAL_SERVER_ERROR"}`)

type MiddlewareFunc func(next RequestHandler) RequestHandler
type RequestCtx = fasthttp.RequestCtx
type RequestHandler = fasthttp.RequestHandler

// TimeoutMiddleware runs the rest of the chain on its own goroutine, so it
// recovers there too; an outer RecoverMiddleware cannot see those panics.
func TimeoutMiddleware(timeout time.Duration) MiddlewareFunc {
	return func(next RequestHandler) RequestHandler {
		return fasthttp.TimeoutWithCodeHandler(RecoverMiddleware(next), timeout, StatusText(StatusRequestTimeout), StatusRequestTimeout)
	}
}

func CompressMiddleware(level int) MiddlewareFunc {
	return func(next RequestHandler) RequestHandler {
		return fasthttp.CompressHandlerBrotliLevel(next, level, level)
	}
}

// RecoverMiddleware turns a panic into a JSON 500 envelope.
func RecoverMiddleware(next RequestHandler) RequestHandler {
	return func(ctx *RequestCtx) {
		defer func() {
			if err := recover(); err != nil {
				ctx.Response.Reset()
				ctx.SetStatusCode(StatusInternalServerError)
				ctx.SetContentType("application/json; charset=utf-8")
				ctx.SetBody(internalErrorBody)
				logger.Error("[xhttp] panic recovered", "error", err, "path", string(ctx.Path()), "request_id", requestID(ctx))
			}
		}()
		next(ctx)
	}
}

// RequestIDMiddleware makes sure every request carries an id, echoing it back.
func RequestIDMiddleware(next RequestHandler) RequestHandler {
	return func(ctx *RequestCtx) {
		rid := requestID(ctx)
		if rid == "" {
			rid = uuid.NewString()
			ctx.Request.Header.Set(HeaderRequestID, rid)
		}
		ctx.Response.Header.Set(HeaderRequestID, rid)
		next(ctx)
	}
}

func RequestLoggerMiddleware(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		if shouldSkip(path) {
			next(ctx)
			return
		}

		start := time.Now()
		next(ctx)
		latency := time.Since(start)
		status := ctx.Response.StatusCode()

		fields := []any{
			"status", status,
			"method", string(ctx.Method()),
			"path", path,
			"op", string(ctx.QueryArgs().Peek("path")),
			"latency", latency.String(),
			"bytes_out", len(ctx.Response.Body()),
			"ip", ctx.RemoteIP().String(),
			"ua", string(ctx.Request.Header.UserAgent()),
			"request_id", requestID(ctx),
		}

		switch {
		case status >= 500:
			logger.Error("http_request", fields...)
		case status >= 400 || latency > slowThreshold:
			logger.Warn("http_request", fields...)
		default:
			logger.Info("http_request", fields...)
		}
	}
}

type CORSOptions struct {
	AllowOrigin  string
	AllowMethods string
	AllowHeaders string
}

// CORSMiddleware stamps the CORS headers on every response and answers
// preflight requests with an empty 200.
func CORSMiddleware(o CORSOptions) MiddlewareFunc {
	if o.AllowOrigin == "" {
		o.AllowOrigin = "*"
	}
	if o.AllowMethods == "" {
		o.AllowMethods = "GET, OPTIONS"
	}
	if o.AllowHeaders == "" {
		o.AllowHeaders = "Content-Type"
	}
	return func(next RequestHandler) RequestHandler {
		return func(ctx *RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", o.AllowOrigin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", o.AllowMethods)
			ctx.Response.Header.Set("Access-Control-Allow-Headers", o.AllowHeaders)
			if ctx.IsOptions() {
				ctx.SetStatusCode(StatusOK)
				ctx.ResetBody()
				return
			}
			next(ctx)
		}
	}
}

type BotGateOptions struct {
	AllowedOrigins []string
	BearerToken    string
	// Exempt requests skip the gate entirely.
	Exempt func(ctx *RequestCtx) bool
}

const blockedPage = `<!DOCTYPE html>
<html><head><title>Access denied</title></head>
<body><h1>Access denied</h1><p>Automated access to this endpoint is not allowed.</p></body></html>`

// BotGateMiddleware lets a request through when its Origin or Referer host
// is allowed, or when it carries the configured bearer token.
func BotGateMiddleware(o BotGateOptions) MiddlewareFunc {
	allowed := make(map[string]struct{}, len(o.AllowedOrigins))
	for _, origin := range o.AllowedOrigins {
		if h := originHost(origin); h != "" {
			allowed[h] = struct{}{}
		}
	}
	token := []byte(o.BearerToken)

	return func(next RequestHandler) RequestHandler {
		return func(ctx *RequestCtx) {
			if ctx.IsOptions() || (o.Exempt != nil && o.Exempt(ctx)) {
				next(ctx)
				return
			}
			if len(token) > 0 {
				auth := ctx.Request.Header.Peek("Authorization")
				if v, ok := bytes.CutPrefix(auth, []byte("Bearer ")); ok && bytes.Equal(v, token) {
					next(ctx)
					return
				}
			}
			for _, h := range [][]byte{ctx.Request.Header.Peek("Origin"), ctx.Request.Header.Referer()} {
				if _, ok := allowed[originHost(string(h))]; ok && len(h) > 0 {
					next(ctx)
					return
				}
			}

			logger.Warn("[xhttp] request blocked by bot gate", "ip", ctx.RemoteIP().String(), "ua", string(ctx.Request.Header.UserAgent()))
			ctx.SetStatusCode(StatusUnauthorized)
			ctx.SetContentType("text/html; charset=utf-8")
			ctx.SetBodyString(blockedPage)
		}
	}
}

func originHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

func shouldSkip(p string) bool {
	for _, sp := range skipPaths {
		if strings.HasPrefix(p, sp) {
			return true
		}
	}
	return false
}

func requestID(ctx *fasthttp.RequestCtx) string {
	return string(ctx.Request.Header.Peek(HeaderRequestID))
}
