package logger

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const (
	connIDKey    ctxKey = "conn_id"
	requestIDKey ctxKey = "request_id"
)

// New builds the process logger. Unknown levels fall back to info.
func New(level string) *zap.Logger {
	return NewWithFormat(level, "json")
}

// NewWithFormat builds a logger with either json or console encoding.
func NewWithFormat(level, format string) *zap.Logger {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// WithConnID stores a connection id for FromContext.
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDKey, connID)
}

// WithRequestID stores a request id for FromContext.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.SugaredLogger
}

// NewContextLogger creates a new context logger
func NewContextLogger(logger *zap.SugaredLogger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// FromContext returns the base logger annotated with connection and request ids found in ctx.
func (cl *ContextLogger) FromContext(ctx context.Context) *zap.SugaredLogger {
	var fields []interface{}
	if id, ok := ctx.Value(connIDKey).(string); ok && id != "" {
		fields = append(fields, "conn_id", id)
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		fields = append(fields, "request_id", id)
	}
	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// ForConnection scopes a logger to a single client connection.
func ForConnection(base *zap.SugaredLogger, connID string) *zap.SugaredLogger {
	return base.With("conn_id", connID)
}
