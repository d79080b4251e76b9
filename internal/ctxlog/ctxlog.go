// Package ctxlog carries a zap logger in a context.Context in the form
// zlog.FromContext reads, so exchange-scoped log lines reach the
// process logger instead of zlog's stderr fallback.
package ctxlog

import (
	"context"

	lg "github.com/Andrej220/go-utils/zlog"
	"go.uber.org/zap"
)

// logger is a zap.Logger seen through zlog.ZLogger.
type logger struct {
	*zap.Logger
}

func (l logger) With(fields ...lg.Field) lg.ZLogger {
	return logger{l.Logger.With(fields...)}
}

// Adapt wraps l. A nil l yields zlog.Discard.
func Adapt(l *zap.Logger) lg.ZLogger {
	if l == nil {
		return lg.Discard
	}
	return logger{l}
}

// WithLogger returns ctx carrying l for zlog.FromContext.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return lg.Attach(ctx, Adapt(l))
}
