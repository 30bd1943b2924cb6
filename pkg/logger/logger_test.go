package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLogger_WithAndNamed(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewFromCore(core)

	l.Named("ledger").With("account_id", int64(7)).Warn("debit retried", "attempt", 2)

	require.Equal(t, 1, logs.Len())
	e := logs.All()[0]
	assert.Equal(t, "ledger", e.LoggerName)
	assert.Equal(t, zapcore.WarnLevel, e.Level)
	assert.Equal(t, map[string]any{"account_id": int64(7), "attempt": int64(2)}, e.ContextMap())
}

func TestOptions_ZapConfig(t *testing.T) {
	cfg, err := Options{Env: "production", Level: "warn", Service: "otp-gateway"}.zapConfig()
	require.NoError(t, err)
	assert.Equal(t, zap.WarnLevel, cfg.Level.Level())
	assert.Equal(t, "json", cfg.Encoding)
	assert.Equal(t, "otp-gateway", cfg.InitialFields["service"])

	cfg, err = Options{}.zapConfig()
	require.NoError(t, err)
	assert.True(t, cfg.Development)
	assert.Nil(t, cfg.InitialFields)

	_, err = Options{Level: "loud"}.zapConfig()
	assert.Error(t, err)
}
