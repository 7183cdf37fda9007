// Package kit carries request-scoped values through context: the trace ID
// assigned at the control API edge and the tab a call concerns.
package kit

import "context"

type contextKey string

const (
	TraceIDKey   contextKey = "kit_trace_id"
	TabIDKey     contextKey = "kit_tab_id"
	SessionIDKey contextKey = "kit_session_id"
)

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

func WithTabID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TabIDKey, id)
}
func GetTabID(ctx context.Context) string {
	v, _ := ctx.Value(TabIDKey).(string)
	return v
}

// WithSessionID tags ctx with the monitoring session (trigger ID) it runs under.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}
func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(SessionIDKey).(string)
	return v
}

// LogAttrs returns the non-empty context values as slog key/value pairs.
func LogAttrs(ctx context.Context) []any {
	var attrs []any
	if v := GetTraceID(ctx); v != "" {
		attrs = append(attrs, "trace_id", v)
	}
	if v := GetTabID(ctx); v != "" {
		attrs = append(attrs, "tab", v)
	}
	if v := GetSessionID(ctx); v != "" {
		attrs = append(attrs, "session", v)
	}
	return attrs
}
