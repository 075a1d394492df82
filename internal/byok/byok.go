// Package byok implements C9: resolving a per-user API key for a
// BYOK-supported provider, and the request-scoped identity that makes that
// resolution possible without a thread-local. Grounded on
// byok_resolver.py, with the thread-local replaced by a context.Context
// value per spec.md's Design Notes (Design Notes item on thread-local
// request context).
package byok

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/axion66/A2rchi-sub000/internal/user"
)

type contextKey struct{}

// RequestContext carries the identity needed to resolve a BYOK key for the
// current request, threaded explicitly through context.Context instead of
// relying on ambient thread-local state.
type RequestContext struct {
	UserID      string
	UserService *user.Service
}

// WithRequestContext attaches rc to ctx, enabling per-user key resolution
// for anything downstream that calls ResolveKey with this context.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// RequestContextFrom retrieves the RequestContext attached by
// WithRequestContext, if any.
func RequestContextFrom(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(contextKey{}).(RequestContext)
	return rc, ok
}

// ClearRequestContext removes any attached RequestContext, restoring the
// default environment-key behavior for downstream resolution.
func ClearRequestContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKey{}, RequestContext{})
}

// Resolver implements C9.
type Resolver struct {
	log zerolog.Logger
}

func NewResolver(log zerolog.Logger) *Resolver {
	return &Resolver{log: log}
}

// ResolveKey returns the user's stored plaintext key for provider, or
// ("", false, nil) if the user has none on file, the provider isn't
// BYOK-supported, or no request context is attached. The caller must
// construct a fresh outbound client from the returned key for every
// request; Resolver caches nothing keyed by user.
func (r *Resolver) ResolveKey(ctx context.Context, provider user.Provider) (string, bool, error) {
	rc, ok := RequestContextFrom(ctx)
	if !ok || rc.UserID == "" || rc.UserService == nil {
		r.log.Debug().Str("provider", string(provider)).Msg("byok: no request context, falling back to environment key")
		return "", false, nil
	}
	if !provider.Supported() {
		return "", false, nil
	}
	key, found, err := rc.UserService.GetAPIKey(ctx, rc.UserID, provider)
	if err == nil && !found {
		r.log.Debug().Str("user_id", rc.UserID).Str("provider", string(provider)).
			Msg("byok: no user key on file, falling back to environment key")
	}
	return key, found, err
}
