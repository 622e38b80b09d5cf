// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if cycle := CycleFromContext(ctx); cycle != 0 {
		fields = append(fields, zap.Uint64("cycle", cycle))
	}
	if branch := BranchFromContext(ctx); branch != "" {
		fields = append(fields, zap.String("branch", branch))
	}
	if session := SessionFromContext(ctx); session != "" {
		fields = append(fields, zap.String("session", session))
	}
	if id := CommandIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("command.id", id))
	}
	return fields
}

type branchCtxKey struct{}
type sessionCtxKey struct{}
type cycleCtxKey struct{}
type commandCtxKey struct{}
type loggerCtxKey struct{}

// WithBranch tags ctx with the branch being processed.
func WithBranch(ctx context.Context, branch string) context.Context {
	return context.WithValue(ctx, branchCtxKey{}, branch)
}

// BranchFromContext returns the branch tag, or "".
func BranchFromContext(ctx context.Context) string {
	s, _ := ctx.Value(branchCtxKey{}).(string)
	return s
}

// WithSession tags ctx with a terminal session name.
func WithSession(ctx context.Context, session string) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, session)
}

// SessionFromContext returns the session tag, or "".
func SessionFromContext(ctx context.Context) string {
	s, _ := ctx.Value(sessionCtxKey{}).(string)
	return s
}

// WithCycle tags ctx with the loop cycle number.
func WithCycle(ctx context.Context, cycle uint64) context.Context {
	return context.WithValue(ctx, cycleCtxKey{}, cycle)
}

// CycleFromContext returns the cycle number, or 0.
func CycleFromContext(ctx context.Context) uint64 {
	n, _ := ctx.Value(cycleCtxKey{}).(uint64)
	return n
}

// WithCommandID tags ctx with an instrumented command id.
func WithCommandID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, commandCtxKey{}, id)
}

// CommandIDFromContext returns the command id, or "".
func CommandIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(commandCtxKey{}).(string)
	return s
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if none is stored.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
