package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context: the wire request
// being served and the device it is currently touching. Every *Ctx log
// call prepends these fields automatically.
type LogContext struct {
	TraceID   string    // OpenTelemetry trace ID
	SpanID    string    // OpenTelemetry span ID
	ReqKind   string    // Wire request kind (write_alloc, release, ...)
	ReqID     uint32    // Client-assigned request id
	Conn      uint64    // Daemon connection id
	Serial    string    // Device serial currently being driven
	Medium    string    // Medium currently being driven
	StartTime time.Time // For duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for one wire request
func NewLogContext(conn uint64, reqID uint32, reqKind string) *LogContext {
	return &LogContext{
		Conn:      conn,
		ReqID:     reqID,
		ReqKind:   reqKind,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithDevice returns a copy with the device serial set
func (lc *LogContext) WithDevice(serial string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Serial = serial
	}
	return clone
}

// WithMedium returns a copy with the medium name set
func (lc *LogContext) WithMedium(medium string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Medium = medium
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
