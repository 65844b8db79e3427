package logutil

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

// Values groups a set of zap.Fields under a single "values" object field.
// Zero reflection, same speed as inline fields.
func Values(fields ...zap.Field) zap.Field {
	return zap.Object("values", zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		for _, f := range fields {
			f.AddTo(enc)
		}
		return nil
	}))
}

// New builds the process logger. format is "json" or "console".
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// WithLogger stores a request-scoped logger in ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger stored by WithLogger, or the global logger.
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return zap.L()
}

// HubLogger adapts zap to the logger expected by juju/pubsub hubs.
type HubLogger struct {
	L *zap.SugaredLogger
}

func NewHubLogger(l *zap.Logger) HubLogger {
	return HubLogger{L: l.Named("hub").Sugar()}
}

func (h HubLogger) Errorf(format string, args ...interface{})   { h.L.Errorf(format, args...) }
func (h HubLogger) Warningf(format string, args ...interface{}) { h.L.Warnf(format, args...) }
func (h HubLogger) Infof(format string, args ...interface{})    { h.L.Infof(format, args...) }
func (h HubLogger) Debugf(format string, args ...interface{})   { h.L.Debugf(format, args...) }
func (h HubLogger) Tracef(format string, args ...interface{})   { h.L.Debugf(format, args...) }
