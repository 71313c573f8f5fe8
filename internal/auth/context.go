package auth

import (
	"context"

	"github.com/knoguchi/kbserve/internal/apperr"
)

// contextKey is a private type so context values cannot collide.
type contextKey string

const requestContextKey contextKey = "kbserve.request_context"

// WithRequestContext stores the authenticated caller on the context.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// FromContext extracts the authenticated caller, if any.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey).(*RequestContext)
	return rc, ok
}

// RequireContext extracts the authenticated caller or fails. Handlers
// behind the auth middleware can rely on it being present; a miss means
// a routing mistake rather than a caller error.
func RequireContext(ctx context.Context) (*RequestContext, error) {
	rc, ok := FromContext(ctx)
	if !ok {
		return nil, apperr.New(apperr.Internal, "request context missing")
	}
	return rc, nil
}
