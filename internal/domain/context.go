package domain

import "context"

type ctxKey string

const requestCtxKey ctxKey = "request"

// RequestContext is the explicit per-request identity passed to every tool,
// model and graph call.
type RequestContext struct {
	UserID    string
	Locale    string
	RequestID string
	ThreadID  string
}

// WithRequest returns a context carrying rc.
func WithRequest(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestCtxKey, rc)
}

// RequestFromContext extracts the RequestContext. The zero value is returned
// when none is set.
func RequestFromContext(ctx context.Context) RequestContext {
	if v, ok := ctx.Value(requestCtxKey).(RequestContext); ok {
		return v
	}
	return RequestContext{}
}

// UserIDFromContext is shorthand for RequestFromContext(ctx).UserID.
func UserIDFromContext(ctx context.Context) string {
	return RequestFromContext(ctx).UserID
}
