package logger

import (
	"context"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/e2b-dev/infra/packages/lcloud/internal/cfg"
)

// Components that name their logger.
const (
	ComponentSession    = "session"
	ComponentTransport  = "transport"
	ComponentController = "controller"
)

type LoggerConfig struct {
	ServiceName string
	// Component is the logger name, one of the Component constants.
	Component     string
	OTELExport    bool
	IsDevelopment bool
	IsDebug       bool
	InitialFields []zap.Field

	// Cores are teed next to the stdout core.
	Cores []zapcore.Core
}

// FromConfig maps the environment logger settings to a LoggerConfig.
func FromConfig(c cfg.LoggerConfig, component string) LoggerConfig {
	return LoggerConfig{
		ServiceName:   c.ServiceName,
		Component:     component,
		OTELExport:    c.OTELLogs,
		IsDevelopment: c.Development,
		IsDebug:       c.Debug,
	}
}

// NewLogger builds a JSON logger on stdout. With OTELExport set, entries are
// also sent to the global OpenTelemetry log provider.
func NewLogger(_ context.Context, c LoggerConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if c.IsDebug {
		level.SetLevel(zap.DebugLevel)
	}

	stdout := zapcore.NewCore(
		zapcore.NewJSONEncoder(GetEncoderConfig(zapcore.DefaultLineEnding)),
		zapcore.Lock(os.Stdout),
		level,
	)

	cores := []zapcore.Core{stdout}
	if c.OTELExport {
		cores = append(cores, otelzap.NewCore(c.ServiceName, otelzap.WithLoggerProvider(global.GetLoggerProvider())))
	}
	cores = append(cores, c.Cores...)

	opts := []zap.Option{
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
		zap.AddStacktrace(zap.ErrorLevel),
		zap.Fields(
			zap.String("service", c.ServiceName),
			zap.Int("pid", os.Getpid()),
		),
		zap.Fields(c.InitialFields...),
	}
	if c.IsDevelopment {
		opts = append(opts, zap.Development())
	}

	l := zap.New(zapcore.NewTee(cores...), opts...)
	if c.Component != "" {
		l = l.Named(c.Component)
	}

	return l, nil
}

// NewNopLogger is the logger components fall back to when none is given.
func NewNopLogger() *zap.Logger {
	return zap.NewNop()
}

// ForSession scopes l to one session.
func ForSession(l *zap.Logger, sessionID string) *zap.Logger {
	return l.Named(ComponentSession).With(WithSessionID(sessionID))
}

func GetEncoderConfig(lineEnding string) zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:       "timestamp",
		MessageKey:    "message",
		LevelKey:      "level",
		NameKey:       "component",
		StacktraceKey: "stacktrace",
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		EncodeTime:    zapcore.RFC3339TimeEncoder,
		EncodeName:    zapcore.FullNameEncoder,
		LineEnding:    lineEnding,
	}
}
