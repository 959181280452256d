package tools

import "context"

type sessionKey struct{}

// WithSession tags ctx with the session a tool call runs on behalf of.
// The dispatcher sets it before Execute; handlers that need to know their
// calling session read it back with SessionFromContext.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFromContext returns the session id set by WithSession, or "".
func SessionFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionKey{}).(string); ok {
		return v
	}
	return ""
}
