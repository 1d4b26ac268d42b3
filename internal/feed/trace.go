package feed

import "context"

type traceKey struct{}

// WithTrace attaches a run trace id to the context so adapters can forward
// it in outbound request headers.
func WithTrace(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID returns the trace id attached by WithTrace, or "".
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}
