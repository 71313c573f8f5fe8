package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/knoguchi/kbserve/internal/apperr"
	"github.com/knoguchi/kbserve/internal/ratelimit"
	"github.com/knoguchi/kbserve/internal/repository"
)

// RequestContext is the authenticated caller of a request: the tenant,
// the api key acting for it, and the effective identity used for ACL
// evaluation (the key's static identity unless a forwarded identity
// token overrides it).
type RequestContext struct {
	Tenant   *repository.Tenant
	APIKey   *repository.ApiKey
	Identity repository.Identity
}

// Role returns the api key's role.
func (rc *RequestContext) Role() string {
	return rc.APIKey.Role
}

// Resolver authenticates api keys and enforces the per-key rate limit.
type Resolver struct {
	tenants         repository.TenantRepository
	keys            repository.ApiKeyRepository
	limiter         ratelimit.Limiter
	defaultCapacity int
	logger          *slog.Logger
}

// NewResolver wires the resolver. defaultCapacity is the per-minute
// request budget for keys without an override.
func NewResolver(tenants repository.TenantRepository, keys repository.ApiKeyRepository, limiter ratelimit.Limiter, defaultCapacity int, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		tenants:         tenants,
		keys:            keys,
		limiter:         limiter,
		defaultCapacity: defaultCapacity,
		logger:          logger,
	}
}

// Resolve authenticates the bearer token and, when identityToken is
// non-empty, verifies it against the tenant's identity secret and swaps
// the effective identity. Errors are classified for the HTTP layer.
func (r *Resolver) Resolve(ctx context.Context, token, identityToken string) (*RequestContext, error) {
	if token == "" {
		return nil, apperr.New(apperr.AuthInvalid, "missing api key")
	}

	key, err := r.keys.GetByDigest(ctx, Digest(token))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.AuthInvalid, "invalid api key")
		}
		return nil, apperr.Wrap(apperr.Internal, "failed to look up api key", err)
	}
	now := time.Now()
	if key.Revoked {
		return nil, apperr.New(apperr.AuthInvalid, "api key revoked")
	}
	if key.Expired(now) {
		return nil, apperr.New(apperr.AuthInvalid, "api key expired")
	}

	tenant, err := r.tenants.GetByID(ctx, key.TenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.AuthInvalid, "invalid api key")
		}
		return nil, apperr.Wrap(apperr.Internal, "failed to look up tenant", err)
	}
	if tenant.Status != repository.TenantStatusActive {
		return nil, apperr.Newf(apperr.TenantDisabled, "tenant is %s", tenant.Status)
	}

	capacity := r.defaultCapacity
	if key.RateLimitPerMinute != nil {
		capacity = *key.RateLimitPerMinute
	}
	decision, err := r.limiter.Allow(ctx, key.ID.String(), capacity)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "rate limiter failed", err)
	}
	if !decision.Allowed {
		retryAfter := int(decision.RetryAfter.Seconds()) + 1
		return nil, apperr.New(apperr.RateLimited, "rate limit exceeded").
			WithDetail("retry_after_seconds", retryAfter)
	}

	identity := key.Identity
	if identityToken != "" {
		override, err := VerifyIdentityToken(identityToken, tenant.IdentitySecret)
		if err != nil {
			return nil, err
		}
		identity = *override
	}

	if err := r.keys.TouchLastUsed(ctx, key.ID, now); err != nil {
		r.logger.Warn("failed to touch api key last_used_at", "api_key_id", key.ID, "error", err)
	}

	return &RequestContext{Tenant: tenant, APIKey: key, Identity: identity}, nil
}
