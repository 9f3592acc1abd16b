package logging

import (
	"context"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Context key types. Struct keys keep the values private to this package.
type runCtxKey struct{}
type agentCtxKey struct{}
type loggerCtxKey struct{}

// maxIDLen bounds run and agent identifiers; longer values come from bugs
// or from payload text leaking into an identifier slot.
const maxIDLen = 128

// idPattern admits the identifier alphabet used across the fleet: episode
// and pattern IDs, agent names, and run stamps.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// validID reports whether s is safe to carry as a correlation field.
func validID(s string) bool {
	return s != "" &&
		len(s) <= maxIDLen &&
		utf8.ValidString(s) &&
		idPattern.MatchString(s)
}

// ContextWith attaches run and agent identifiers to the context in one
// call. Empty or malformed identifiers are left off rather than rejected:
// a bad correlation field must never fail the operation being logged.
func ContextWith(ctx context.Context, runID, agentID string) context.Context {
	ctx = WithRunID(ctx, runID)
	return WithAgentID(ctx, agentID)
}

// WithRunID attaches a harness or scenario run identifier to the context.
// Malformed identifiers are ignored.
func WithRunID(ctx context.Context, runID string) context.Context {
	if !validID(runID) {
		return ctx
	}
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// RunIDFromContext returns the run identifier, or "" when unset.
func RunIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(runCtxKey{}).(string); ok {
		return id
	}
	return ""
}

// WithAgentID attaches a fleet agent identifier to the context.
// Malformed identifiers are ignored.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	if !validID(agentID) {
		return ctx
	}
	return context.WithValue(ctx, agentCtxKey{}, agentID)
}

// AgentIDFromContext returns the agent identifier, or "" when unset.
func AgentIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(agentCtxKey{}).(string); ok {
		return id
	}
	return ""
}

// FieldsFromContext extracts the correlation fields carried by ctx: the
// active OpenTelemetry span, the run identifier, and the agent identifier.
func FieldsFromContext(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if runID := RunIDFromContext(ctx); runID != "" {
		fields = append(fields, zap.String("run_id", runID))
	}
	if agentID := AgentIDFromContext(ctx); agentID != "" {
		fields = append(fields, zap.String("agent_id", agentID))
	}

	return fields
}

// WithLogger stores the logger in the context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger from the context, or a nop logger when
// none is stored.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
