package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/kbserve/internal/apperr"
	"github.com/knoguchi/kbserve/internal/auth"
	"github.com/knoguchi/kbserve/internal/repository"
)

// AdminTokenService manages the control-plane tokens accepted by the
// admin surface alongside the bootstrap token from the environment.
type AdminTokenService struct {
	tokens repository.AdminTokenRepository
}

// NewAdminTokenService wires the admin token operations.
func NewAdminTokenService(tokens repository.AdminTokenRepository) *AdminTokenService {
	return &AdminTokenService{tokens: tokens}
}

// CreateAdminTokenRequest names a new admin token.
type CreateAdminTokenRequest struct {
	Name      string     `json:"name"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CreatedAdminToken carries the one-time plaintext.
type CreatedAdminToken struct {
	Token     *repository.AdminToken `json:"token"`
	Plaintext string                 `json:"plaintext"`
}

// Create mints an admin token. The plaintext is returned once.
func (s *AdminTokenService) Create(ctx context.Context, req *CreateAdminTokenRequest) (*CreatedAdminToken, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.New(apperr.Validation, "token name is required")
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		return nil, apperr.New(apperr.Validation, "expires_at must be in the future")
	}

	plaintext, digest, prefix, err := auth.NewAdminToken()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to generate admin token", err)
	}
	token := &repository.AdminToken{
		ID:        uuid.New(),
		Name:      name,
		Digest:    digest,
		Prefix:    prefix,
		ExpiresAt: req.ExpiresAt,
		CreatedAt: time.Now(),
	}
	if err := s.tokens.Create(ctx, token); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to store admin token", err)
	}
	return &CreatedAdminToken{Token: token, Plaintext: plaintext}, nil
}

// List returns every admin token, prefix only.
func (s *AdminTokenService) List(ctx context.Context) ([]*repository.AdminToken, error) {
	tokens, err := s.tokens.List(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to list admin tokens", err)
	}
	return tokens, nil
}

// Revoke disables an admin token.
func (s *AdminTokenService) Revoke(ctx context.Context, id uuid.UUID) error {
	if err := s.tokens.Revoke(ctx, id); err != nil {
		return notFoundOr(err, "admin token")
	}
	return nil
}
