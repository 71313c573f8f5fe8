package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/kbserve/internal/acl"
	"github.com/knoguchi/kbserve/internal/apperr"
	"github.com/knoguchi/kbserve/internal/auth"
	"github.com/knoguchi/kbserve/internal/repository"
)

// APIKeyService manages a tenant's api keys. Every operation requires the
// admin role on the calling key.
type APIKeyService struct {
	keys repository.ApiKeyRepository
	kbs  repository.KnowledgeBaseRepository
}

// NewAPIKeyService wires the api key operations.
func NewAPIKeyService(keys repository.ApiKeyRepository, kbs repository.KnowledgeBaseRepository) *APIKeyService {
	return &APIKeyService{keys: keys, kbs: kbs}
}

// CreateAPIKeyRequest mints a key. Role defaults to read. A scope
// restricts the key to the listed knowledge bases.
type CreateAPIKeyRequest struct {
	Name               string               `json:"name"`
	Role               string               `json:"role,omitempty"`
	ScopeKBIDs         []string             `json:"scope_kb_ids,omitempty"`
	Identity           *repository.Identity `json:"identity,omitempty"`
	RateLimitPerMinute *int                 `json:"rate_limit_per_minute,omitempty"`
	ExpiresAt          *time.Time           `json:"expires_at,omitempty"`
}

// CreatedAPIKey carries the one-time plaintext next to the stored key.
type CreatedAPIKey struct {
	Key       *repository.ApiKey `json:"key"`
	Plaintext string             `json:"plaintext"`
}

// Create mints an api key for the caller's tenant.
func (s *APIKeyService) Create(ctx context.Context, rc *auth.RequestContext, req *CreateAPIKeyRequest) (*CreatedAPIKey, error) {
	if err := requireRole(rc, repository.RoleAdmin); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.New(apperr.Validation, "key name is required")
	}

	role := req.Role
	if role == "" {
		role = repository.RoleRead
	}
	if _, ok := roleRank[role]; !ok {
		return nil, apperr.Newf(apperr.Validation, "unknown role %q", role)
	}

	scope, err := s.parseScope(ctx, rc.Tenant.ID, req.ScopeKBIDs)
	if err != nil {
		return nil, err
	}

	var identity repository.Identity
	if req.Identity != nil {
		identity = *req.Identity
		if identity.Clearance != "" && !acl.ValidLevel(identity.Clearance) {
			return nil, apperr.Newf(apperr.Validation, "unknown clearance %q", identity.Clearance)
		}
	}

	if req.RateLimitPerMinute != nil && *req.RateLimitPerMinute <= 0 {
		return nil, apperr.New(apperr.Validation, "rate_limit_per_minute must be positive")
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		return nil, apperr.New(apperr.Validation, "expires_at must be in the future")
	}

	plaintext, digest, prefix, err := auth.NewKey()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to generate api key", err)
	}
	key := &repository.ApiKey{
		ID:                 uuid.New(),
		TenantID:           rc.Tenant.ID,
		Name:               name,
		Digest:             digest,
		Prefix:             prefix,
		Role:               role,
		ScopeKBIDs:         scope,
		Identity:           identity,
		RateLimitPerMinute: req.RateLimitPerMinute,
		ExpiresAt:          req.ExpiresAt,
		CreatedAt:          time.Now(),
	}
	if err := s.keys.Create(ctx, key); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to store api key", err)
	}
	return &CreatedAPIKey{Key: key, Plaintext: plaintext}, nil
}

// parseScope validates that every scoped knowledge base exists in this
// tenant. A key scoped to an unknown kb would be silently useless.
func (s *APIKeyService) parseScope(ctx context.Context, tenantID uuid.UUID, raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	scope := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			return nil, apperr.Newf(apperr.Validation, "invalid knowledge base id %q in scope", r)
		}
		if _, err := s.kbs.GetByID(ctx, tenantID, id); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, apperr.Newf(apperr.Validation, "unknown knowledge base %s in scope", id)
			}
			return nil, apperr.Wrap(apperr.Internal, "failed to validate scope", err)
		}
		scope = append(scope, id)
	}
	return scope, nil
}

// List returns the tenant's keys, digests withheld.
func (s *APIKeyService) List(ctx context.Context, rc *auth.RequestContext) ([]*repository.ApiKey, error) {
	if err := requireRole(rc, repository.RoleAdmin); err != nil {
		return nil, err
	}
	keys, err := s.keys.ListByTenant(ctx, rc.Tenant.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to list api keys", err)
	}
	return keys, nil
}

// Revoke disables a key in the caller's tenant.
func (s *APIKeyService) Revoke(ctx context.Context, rc *auth.RequestContext, keyID uuid.UUID) error {
	if err := requireRole(rc, repository.RoleAdmin); err != nil {
		return err
	}
	if err := s.keys.Revoke(ctx, rc.Tenant.ID, keyID); err != nil {
		return notFoundOr(err, "api key")
	}
	return nil
}
