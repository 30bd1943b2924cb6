package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging port handed to services.
// Values are alternating key/value pairs.
type Logger interface {
	Info(msg string, values ...any)
	Warn(msg string, values ...any)
	Error(msg string, values ...any)
	Debug(msg string, values ...any)
	Panic(message string, values ...any)
	Fatal(error error, values ...any)
	Printf(format string, args ...interface{})
	With(values ...any) Logger
}

// Options selects the zap preset and the minimum level. Service, when set,
// is attached to every entry.
type Options struct {
	Env     string
	Level   string
	Service string
}

// OptionsFromEnv reads LOG_ENV, LOG_LEVEL and APP_NAME.
func OptionsFromEnv() Options {
	return Options{
		Env:     os.Getenv("LOG_ENV"),
		Level:   os.Getenv("LOG_LEVEL"),
		Service: os.Getenv("APP_NAME"),
	}
}

func (o Options) zapConfig() (zap.Config, error) {
	config := zap.NewDevelopmentConfig()
	if o.Env == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if o.Level != "" {
		lvl, err := zap.ParseAtomicLevel(o.Level)
		if err != nil {
			return config, err
		}
		config.Level = lvl
	}
	if o.Service != "" {
		config.InitialFields = map[string]any{"service": o.Service}
	}
	return config, nil
}

func init() {
	if _, err := Setup(OptionsFromEnv()); err != nil {
		panic(err)
	}
}

// Setup replaces the process-wide logger. Binaries call it once the config
// is loaded so the service name and level follow the env file.
func Setup(o Options) (*ZapLogger, error) {
	config, err := o.zapConfig()
	if err != nil {
		return nil, err
	}
	return NewLogger(config)
}

func Info(msg string, values ...any) {
	GetLogger().Info(msg, values...)
}

func Warn(msg string, values ...any) {
	GetLogger().Warn(msg, values...)
}

func Error(msg string, values ...any) {
	GetLogger().Error(msg, values...)
}

func Debug(msg string, values ...any) {
	GetLogger().Debug(msg, values...)
}

func Panic(msg string, values ...any) {
	GetLogger().Panic(msg, values...)
}

func Fatal(error error, values ...any) {
	GetLogger().Fatal(error, values...)
}

// Sync flushes buffered entries; call it before exiting.
func Sync() {
	_ = GetLogger().log.Sync()
}
