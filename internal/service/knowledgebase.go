package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/kbserve/internal/apperr"
	"github.com/knoguchi/kbserve/internal/auth"
	"github.com/knoguchi/kbserve/internal/chunker"
	"github.com/knoguchi/kbserve/internal/repository"
	"github.com/knoguchi/kbserve/internal/retriever"
	"github.com/knoguchi/kbserve/internal/sparsestore"
	"github.com/knoguchi/kbserve/internal/vectorstore"
)

// KBService manages knowledge bases. Config validation happens here so a
// bad chunker or retriever surfaces at create time instead of at the
// first ingest or query.
type KBService struct {
	kbs        repository.KnowledgeBaseRepository
	docs       repository.DocumentRepository
	chunks     repository.ChunkRepository
	dense      vectorstore.Store
	sparse     sparsestore.Store
	chunkers   *chunker.Registry
	retrievers *retriever.Registry
	embedders  retriever.EmbedderProvider
	defaults   repository.KBConfig
	logger     *slog.Logger
}

// NewKBService wires the knowledge base operations. defaults fills the
// config pieces a create request leaves out.
func NewKBService(
	kbs repository.KnowledgeBaseRepository,
	docs repository.DocumentRepository,
	chunks repository.ChunkRepository,
	dense vectorstore.Store,
	sparse sparsestore.Store,
	chunkers *chunker.Registry,
	retrievers *retriever.Registry,
	embedders retriever.EmbedderProvider,
	defaults repository.KBConfig,
	logger *slog.Logger,
) *KBService {
	if logger == nil {
		logger = slog.Default()
	}
	return &KBService{
		kbs:        kbs,
		docs:       docs,
		chunks:     chunks,
		dense:      dense,
		sparse:     sparse,
		chunkers:   chunkers,
		retrievers: retrievers,
		embedders:  embedders,
		defaults:   defaults,
		logger:     logger,
	}
}

// CreateKBRequest creates a knowledge base. Omitted config pieces fall
// back to the server defaults.
type CreateKBRequest struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Config      *repository.KBConfig `json:"config,omitempty"`
}

// Create validates the config, enforces the kb_count quota, and persists
// the knowledge base.
func (s *KBService) Create(ctx context.Context, rc *auth.RequestContext, req *CreateKBRequest) (*repository.KnowledgeBase, error) {
	if err := requireRole(rc, repository.RoleWrite); err != nil {
		return nil, err
	}
	if len(rc.APIKey.ScopeKBIDs) > 0 {
		return nil, apperr.New(apperr.PermissionDenied, "scoped api keys cannot create knowledge bases")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.New(apperr.Validation, "knowledge base name is required")
	}
	if len(name) > maxNameLen {
		return nil, apperr.Newf(apperr.Validation, "knowledge base name exceeds %d characters", maxNameLen)
	}

	if limit := rc.Tenant.Quotas.KBCount; limit >= 0 {
		count, err := s.kbs.CountByTenant(ctx, rc.Tenant.ID)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "failed to count knowledge bases", err)
		}
		if count >= limit {
			return nil, quotaExceeded("kb_count", limit)
		}
	}

	cfg := s.buildConfig(req.Config)
	if err := s.validateConfig(cfg); err != nil {
		return nil, err
	}

	now := time.Now()
	kb := &repository.KnowledgeBase{
		ID:          uuid.New(),
		TenantID:    rc.Tenant.ID,
		Name:        name,
		Description: req.Description,
		Config:      cfg,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.kbs.Create(ctx, kb); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to create knowledge base", err)
	}

	s.logger.Info("knowledge base created",
		"tenant_id", kb.TenantID, "kb_id", kb.ID,
		"chunker", cfg.Chunker.Name, "retriever", cfg.Retriever.Name)
	return kb, nil
}

// buildConfig overlays the request config onto the server defaults.
func (s *KBService) buildConfig(req *repository.KBConfig) repository.KBConfig {
	cfg := s.defaults
	if req == nil {
		return cfg
	}
	if req.Chunker.Name != "" {
		cfg.Chunker = req.Chunker
	}
	if req.Retriever.Name != "" {
		cfg.Retriever = req.Retriever
	}
	if req.Embedding.Provider != "" || req.Embedding.Model != "" {
		cfg.Embedding = req.Embedding
	}
	if req.GenerateSummaries {
		cfg.GenerateSummaries = true
	}
	return cfg
}

// validateConfig constructs the named chunker and retriever so parameter
// errors surface immediately, and resolves the embedding provider.
func (s *KBService) validateConfig(cfg repository.KBConfig) error {
	if _, err := s.chunkers.New(cfg.Chunker.Name, cfg.Chunker.Params); err != nil {
		return apperr.Wrap(apperr.Validation, "invalid chunker config", err)
	}
	if _, err := s.retrievers.New(cfg.Retriever.Name, cfg.Retriever.Params); err != nil {
		return apperr.Wrap(apperr.Validation, "invalid retriever config", err)
	}
	if cfg.Embedding.Dimension <= 0 {
		return apperr.New(apperr.Validation, "embedding dimension must be positive")
	}
	if _, err := s.embedders.For(cfg.Embedding); err != nil {
		return apperr.Wrap(apperr.Validation, "invalid embedding config", err)
	}
	return nil
}

// Get returns a knowledge base in the caller's tenant and scope.
func (s *KBService) Get(ctx context.Context, rc *auth.RequestContext, kbID uuid.UUID) (*repository.KnowledgeBase, error) {
	kb, err := s.kbs.GetByID(ctx, rc.Tenant.ID, kbID)
	if err != nil {
		return nil, notFoundOr(err, "knowledge base")
	}
	if err := checkScope(rc, kbID); err != nil {
		return nil, err
	}
	return kb, nil
}

// List returns the knowledge bases visible to the key. Scoped keys see
// their whitelist resolved directly, so the page is exact.
func (s *KBService) List(ctx context.Context, rc *auth.RequestContext, limit, offset int) ([]*repository.KnowledgeBase, int, error) {
	limit, offset = clampPage(limit, offset)

	scope := rc.APIKey.ScopeKBIDs
	if len(scope) == 0 {
		kbs, total, err := s.kbs.ListByTenant(ctx, rc.Tenant.ID, limit, offset)
		if err != nil {
			return nil, 0, apperr.Wrap(apperr.Internal, "failed to list knowledge bases", err)
		}
		return kbs, total, nil
	}

	visible := make([]*repository.KnowledgeBase, 0, len(scope))
	for _, id := range scope {
		kb, err := s.kbs.GetByID(ctx, rc.Tenant.ID, id)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, 0, apperr.Wrap(apperr.Internal, "failed to list knowledge bases", err)
		}
		visible = append(visible, kb)
	}
	total := len(visible)
	if offset >= total {
		return []*repository.KnowledgeBase{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return visible[offset:end], total, nil
}

// UpdateKBRequest patches a knowledge base. Nil fields are untouched.
type UpdateKBRequest struct {
	Name              *string                     `json:"name,omitempty"`
	Description       *string                     `json:"description,omitempty"`
	Chunker           *repository.ChunkerConfig   `json:"chunker,omitempty"`
	Retriever         *repository.RetrieverConfig `json:"retriever,omitempty"`
	Embedding         *repository.EmbeddingConfig `json:"embedding,omitempty"`
	GenerateSummaries *bool                       `json:"generate_summaries,omitempty"`
}

// Update applies a partial update. Changing the embedding config
// invalidates the index: every chunk flips back to pending before the new
// config is saved, so a failed flip leaves the old config in force and
// the update retryable.
func (s *KBService) Update(ctx context.Context, rc *auth.RequestContext, kbID uuid.UUID, req *UpdateKBRequest) (*repository.KnowledgeBase, error) {
	if err := requireRole(rc, repository.RoleWrite); err != nil {
		return nil, err
	}
	kb, err := s.kbs.GetByID(ctx, rc.Tenant.ID, kbID)
	if err != nil {
		return nil, notFoundOr(err, "knowledge base")
	}
	if err := checkScope(rc, kbID); err != nil {
		return nil, err
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, apperr.New(apperr.Validation, "knowledge base name is required")
		}
		kb.Name = name
	}
	if req.Description != nil {
		kb.Description = *req.Description
	}

	cfg := kb.Config
	embeddingChanged := false
	if req.Chunker != nil {
		cfg.Chunker = *req.Chunker
	}
	if req.Retriever != nil {
		cfg.Retriever = *req.Retriever
	}
	if req.Embedding != nil && !kb.Config.Embedding.Equal(*req.Embedding) {
		cfg.Embedding = *req.Embedding
		embeddingChanged = true
	}
	if req.GenerateSummaries != nil {
		cfg.GenerateSummaries = *req.GenerateSummaries
	}
	if err := s.validateConfig(cfg); err != nil {
		return nil, err
	}

	if embeddingChanged {
		if err := s.invalidateIndex(ctx, rc.Tenant.ID, kbID); err != nil {
			return nil, err
		}
		s.logger.Info("embedding config changed, index invalidated",
			"tenant_id", rc.Tenant.ID, "kb_id", kbID,
			"model", cfg.Embedding.Model)
	}

	kb.Config = cfg
	kb.UpdatedAt = time.Now()
	if err := s.kbs.Update(ctx, kb); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to update knowledge base", err)
	}
	return kb, nil
}

// invalidateIndex flips every chunk of the knowledge base back to pending
// so the sweeper re-embeds them under the new config.
func (s *KBService) invalidateIndex(ctx context.Context, tenantID, kbID uuid.UUID) error {
	offset := 0
	for {
		docs, _, err := s.docs.ListByKB(ctx, tenantID, kbID, maxPageLimit, offset)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "failed to list documents", err)
		}
		if len(docs) == 0 {
			return nil
		}
		for _, d := range docs {
			ids, err := s.chunks.IDsByDocument(ctx, d.ID)
			if err != nil {
				return apperr.Wrap(apperr.Internal, "failed to load chunk ids", err)
			}
			if len(ids) == 0 {
				continue
			}
			if err := s.chunks.UpdateStatus(ctx, ids, repository.ChunkStatusPending, ""); err != nil {
				return apperr.Wrap(apperr.Internal, "failed to invalidate chunks", err)
			}
		}
		offset += len(docs)
		if len(docs) < maxPageLimit {
			return nil
		}
	}
}

// Delete removes a knowledge base. Store entries go first: the rows are
// what a retry needs to find the remaining work, so they are deleted only
// after both stores are clean.
func (s *KBService) Delete(ctx context.Context, rc *auth.RequestContext, kbID uuid.UUID) error {
	if err := requireRole(rc, repository.RoleWrite); err != nil {
		return err
	}
	if _, err := s.kbs.GetByID(ctx, rc.Tenant.ID, kbID); err != nil {
		return notFoundOr(err, "knowledge base")
	}
	if err := checkScope(rc, kbID); err != nil {
		return err
	}

	tid := rc.Tenant.ID.String()
	offset := 0
	for {
		docs, _, err := s.docs.ListByKB(ctx, rc.Tenant.ID, kbID, maxPageLimit, offset)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "failed to list documents", err)
		}
		if len(docs) == 0 {
			break
		}
		for _, d := range docs {
			did := d.ID.String()
			if err := s.dense.DeleteByDocument(ctx, tid, did); err != nil {
				return apperr.Wrap(apperr.UpstreamUnavailable, "failed to delete dense entries", err)
			}
			if err := s.sparse.DeleteByDocument(ctx, tid, did); err != nil {
				return apperr.Wrap(apperr.UpstreamUnavailable, "failed to delete sparse entries", err)
			}
		}
		offset += len(docs)
		if len(docs) < maxPageLimit {
			break
		}
	}

	if err := s.kbs.Delete(ctx, rc.Tenant.ID, kbID); err != nil {
		return apperr.Wrap(apperr.Internal, "failed to delete knowledge base", err)
	}
	s.logger.Info("knowledge base deleted", "tenant_id", rc.Tenant.ID, "kb_id", kbID)
	return nil
}
