package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/kbserve/internal/apperr"
	"github.com/knoguchi/kbserve/internal/auth"
	"github.com/knoguchi/kbserve/internal/repository"
	"github.com/knoguchi/kbserve/internal/sparsestore"
	"github.com/knoguchi/kbserve/internal/vectorstore"
)

// TenantService manages tenants on the admin surface. Creating a tenant
// mints its bootstrap admin api key; deleting one cascades through the
// relational rows and drops the tenant's store partitions.
type TenantService struct {
	tenants repository.TenantRepository
	keys    repository.ApiKeyRepository
	dense   vectorstore.Store
	sparse  sparsestore.Store
	logger  *slog.Logger
}

// NewTenantService wires the tenant admin operations.
func NewTenantService(tenants repository.TenantRepository, keys repository.ApiKeyRepository, dense vectorstore.Store, sparse sparsestore.Store, logger *slog.Logger) *TenantService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TenantService{
		tenants: tenants,
		keys:    keys,
		dense:   dense,
		sparse:  sparse,
		logger:  logger,
	}
}

// CreateTenantRequest creates a tenant. Omitted quotas are unlimited.
type CreateTenantRequest struct {
	Name           string             `json:"name"`
	Quotas         *repository.Quotas `json:"quotas,omitempty"`
	IdentitySecret string             `json:"identity_secret,omitempty"`
}

// CreatedTenant couples the new tenant with its bootstrap api key. The
// key plaintext is returned here and never again.
type CreatedTenant struct {
	Tenant          *repository.Tenant `json:"tenant"`
	APIKey          *repository.ApiKey `json:"api_key"`
	APIKeyPlaintext string             `json:"api_key_plaintext"`
}

// Create provisions a tenant and its bootstrap admin key.
func (s *TenantService) Create(ctx context.Context, req *CreateTenantRequest) (*CreatedTenant, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.New(apperr.Validation, "tenant name is required")
	}
	if len(name) > maxNameLen {
		return nil, apperr.Newf(apperr.Validation, "tenant name exceeds %d characters", maxNameLen)
	}

	quotas := repository.DefaultQuotas()
	if req.Quotas != nil {
		quotas = *req.Quotas
	}
	if err := validateQuotas(quotas); err != nil {
		return nil, err
	}

	now := time.Now()
	tenant := &repository.Tenant{
		ID:             uuid.New(),
		Name:           name,
		Status:         repository.TenantStatusActive,
		Quotas:         quotas,
		IdentitySecret: req.IdentitySecret,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.tenants.Create(ctx, tenant); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to create tenant", err)
	}

	plaintext, digest, prefix, err := auth.NewKey()
	if err != nil {
		s.rollbackTenant(ctx, tenant.ID)
		return nil, apperr.Wrap(apperr.Internal, "failed to generate bootstrap api key", err)
	}
	key := &repository.ApiKey{
		ID:        uuid.New(),
		TenantID:  tenant.ID,
		Name:      "bootstrap-admin",
		Digest:    digest,
		Prefix:    prefix,
		Role:      repository.RoleAdmin,
		CreatedAt: now,
	}
	if err := s.keys.Create(ctx, key); err != nil {
		s.rollbackTenant(ctx, tenant.ID)
		return nil, apperr.Wrap(apperr.Internal, "failed to store bootstrap api key", err)
	}

	s.logger.Info("tenant created", "tenant_id", tenant.ID, "name", tenant.Name)
	return &CreatedTenant{Tenant: tenant, APIKey: key, APIKeyPlaintext: plaintext}, nil
}

// rollbackTenant removes a half-provisioned tenant so a retry starts clean.
func (s *TenantService) rollbackTenant(ctx context.Context, id uuid.UUID) {
	if err := s.tenants.Delete(ctx, id); err != nil {
		s.logger.Warn("failed to roll back tenant", "tenant_id", id, "error", err)
	}
}

// Get returns a tenant by id.
func (s *TenantService) Get(ctx context.Context, id uuid.UUID) (*repository.Tenant, error) {
	tenant, err := s.tenants.GetByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "tenant")
	}
	return tenant, nil
}

// List returns a page of tenants and the total count.
func (s *TenantService) List(ctx context.Context, limit, offset int) ([]*repository.Tenant, int, error) {
	limit, offset = clampPage(limit, offset)
	tenants, total, err := s.tenants.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.Internal, "failed to list tenants", err)
	}
	return tenants, total, nil
}

// UpdateTenantRequest patches a tenant. Nil fields are left untouched; an
// empty identity secret clears it.
type UpdateTenantRequest struct {
	Name           *string            `json:"name,omitempty"`
	Status         *string            `json:"status,omitempty"`
	Quotas         *repository.Quotas `json:"quotas,omitempty"`
	IdentitySecret *string            `json:"identity_secret,omitempty"`
}

// Update applies a partial update to a tenant.
func (s *TenantService) Update(ctx context.Context, id uuid.UUID, req *UpdateTenantRequest) (*repository.Tenant, error) {
	tenant, err := s.tenants.GetByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "tenant")
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, apperr.New(apperr.Validation, "tenant name is required")
		}
		tenant.Name = name
	}
	if req.Status != nil {
		if !validTenantStatus(*req.Status) {
			return nil, apperr.Newf(apperr.Validation, "unknown tenant status %q", *req.Status)
		}
		tenant.Status = *req.Status
	}
	if req.Quotas != nil {
		if err := validateQuotas(*req.Quotas); err != nil {
			return nil, err
		}
		tenant.Quotas = *req.Quotas
	}
	if req.IdentitySecret != nil {
		tenant.IdentitySecret = *req.IdentitySecret
	}
	tenant.UpdatedAt = time.Now()

	if err := s.tenants.Update(ctx, tenant); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to update tenant", err)
	}
	s.logger.Info("tenant updated", "tenant_id", tenant.ID, "status", tenant.Status)
	return tenant, nil
}

// Delete removes a tenant. Relational rows cascade; the store partitions
// are dropped best effort because the rows that could drive a retry are
// already gone.
func (s *TenantService) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.tenants.GetByID(ctx, id); err != nil {
		return notFoundOr(err, "tenant")
	}
	if err := s.tenants.Delete(ctx, id); err != nil {
		return apperr.Wrap(apperr.Internal, "failed to delete tenant", err)
	}

	tid := id.String()
	if err := s.dense.DropTenant(ctx, tid); err != nil {
		s.logger.Warn("failed to drop dense collection", "tenant_id", id, "error", err)
	}
	if err := s.sparse.DropTenant(ctx, tid); err != nil {
		s.logger.Warn("failed to drop sparse index", "tenant_id", id, "error", err)
	}

	s.logger.Info("tenant deleted", "tenant_id", id)
	return nil
}

func validateQuotas(q repository.Quotas) error {
	if q.KBCount < -1 || q.DocCount < -1 || q.StorageMB < -1 {
		return apperr.New(apperr.Validation, "quota values must be -1 (unlimited) or non-negative")
	}
	return nil
}

func validTenantStatus(s string) bool {
	switch s {
	case repository.TenantStatusActive, repository.TenantStatusDisabled, repository.TenantStatusPending:
		return true
	}
	return false
}
