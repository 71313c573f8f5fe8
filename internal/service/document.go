package service

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/kbserve/internal/acl"
	"github.com/knoguchi/kbserve/internal/apperr"
	"github.com/knoguchi/kbserve/internal/auth"
	"github.com/knoguchi/kbserve/internal/ingest"
	"github.com/knoguchi/kbserve/internal/repository"
	"github.com/knoguchi/kbserve/internal/sparsestore"
	"github.com/knoguchi/kbserve/internal/vectorstore"
)

// DocumentService manages documents within a knowledge base. Creation and
// reindexing run the ingestion pipeline synchronously; the result reports
// per-chunk outcomes.
type DocumentService struct {
	docs   repository.DocumentRepository
	kbs    repository.KnowledgeBaseRepository
	chunks repository.ChunkRepository
	dense  vectorstore.Store
	sparse sparsestore.Store
	ingest *ingest.Orchestrator
	logger *slog.Logger
}

// NewDocumentService wires the document operations.
func NewDocumentService(
	docs repository.DocumentRepository,
	kbs repository.KnowledgeBaseRepository,
	chunks repository.ChunkRepository,
	dense vectorstore.Store,
	sparse sparsestore.Store,
	orch *ingest.Orchestrator,
	logger *slog.Logger,
) *DocumentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentService{
		docs:   docs,
		kbs:    kbs,
		chunks: chunks,
		dense:  dense,
		sparse: sparse,
		ingest: orch,
		logger: logger,
	}
}

// CreateDocumentRequest carries inline content or an external locator.
// The sensitivity level and allow lists are inherited by every chunk.
type CreateDocumentRequest struct {
	Title            string            `json:"title,omitempty"`
	Content          string            `json:"content,omitempty"`
	ContentType      string            `json:"content_type,omitempty"`
	SourceURL        string            `json:"source_url,omitempty"`
	SensitivityLevel string            `json:"sensitivity_level,omitempty"`
	AllowUsers       []string          `json:"allow_users,omitempty"`
	AllowRoles       []string          `json:"allow_roles,omitempty"`
	AllowGroups      []string          `json:"allow_groups,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// IngestedDocument pairs the stored document with its ingestion outcome.
type IngestedDocument struct {
	Document *repository.Document `json:"document"`
	Ingest   *ingest.Result       `json:"ingest"`
}

// DocumentDetail pairs a document with its chunk status counts.
type DocumentDetail struct {
	Document *repository.Document   `json:"document"`
	Chunks   *repository.ChunkStats `json:"chunks"`
}

// Create stores a document and indexes it synchronously. On partial
// ingest failure both the document and a classified error are returned,
// mirroring the pipeline's own convention.
func (s *DocumentService) Create(ctx context.Context, rc *auth.RequestContext, kbID uuid.UUID, req *CreateDocumentRequest) (*IngestedDocument, error) {
	if err := requireRole(rc, repository.RoleWrite); err != nil {
		return nil, err
	}
	if _, err := s.kbs.GetByID(ctx, rc.Tenant.ID, kbID); err != nil {
		return nil, notFoundOr(err, "knowledge base")
	}
	if err := checkScope(rc, kbID); err != nil {
		return nil, err
	}
	if err := validateDocumentRequest(req); err != nil {
		return nil, err
	}
	if err := s.checkDocumentQuotas(ctx, rc.Tenant, len(req.Content)); err != nil {
		return nil, err
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Untitled Document"
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = repository.ContentTypeText
	}

	now := time.Now()
	doc := &repository.Document{
		ID:               uuid.New(),
		KBID:             kbID,
		TenantID:         rc.Tenant.ID,
		Title:            title,
		Content:          req.Content,
		ContentType:      contentType,
		SourceURL:        req.SourceURL,
		SensitivityLevel: req.SensitivityLevel,
		AllowUsers:       req.AllowUsers,
		AllowRoles:       req.AllowRoles,
		AllowGroups:      req.AllowGroups,
		SummaryStatus:    repository.SummaryStatusNone,
		Metadata:         req.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.docs.Create(ctx, doc); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to create document", err)
	}

	res, err := s.ingest.Ingest(ctx, rc.Tenant.ID, doc.ID)
	s.refresh(ctx, rc.Tenant.ID, doc)
	if err != nil {
		var e *apperr.Error
		if errors.As(err, &e) {
			e.WithDetail("document_id", doc.ID.String())
		}
		return &IngestedDocument{Document: doc, Ingest: res}, err
	}
	return &IngestedDocument{Document: doc, Ingest: res}, nil
}

// refresh re-reads the document so the response reflects fields the
// pipeline updated, the summary in particular. Best effort.
func (s *DocumentService) refresh(ctx context.Context, tenantID uuid.UUID, doc *repository.Document) {
	fresh, err := s.docs.GetByID(ctx, tenantID, doc.ID)
	if err != nil {
		return
	}
	*doc = *fresh
}

func validateDocumentRequest(req *CreateDocumentRequest) error {
	if strings.TrimSpace(req.Content) == "" && req.SourceURL == "" {
		return apperr.New(apperr.Validation, "content or source_url is required")
	}
	switch req.ContentType {
	case "", repository.ContentTypeText, repository.ContentTypeMarkdown, repository.ContentTypeHTML:
	default:
		return apperr.Newf(apperr.Validation, "unknown content type %q", req.ContentType)
	}
	if req.SensitivityLevel != "" && !acl.ValidLevel(req.SensitivityLevel) {
		return apperr.Newf(apperr.Validation, "unknown sensitivity level %q", req.SensitivityLevel)
	}
	if req.SourceURL != "" {
		u, err := url.Parse(req.SourceURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return apperr.New(apperr.Validation, "source_url must be an http or https URL")
		}
	}
	return nil
}

// checkDocumentQuotas enforces doc_count and storage_mb before the write.
func (s *DocumentService) checkDocumentQuotas(ctx context.Context, tenant *repository.Tenant, contentLen int) error {
	if limit := tenant.Quotas.DocCount; limit >= 0 {
		count, err := s.docs.CountByTenant(ctx, tenant.ID)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "failed to count documents", err)
		}
		if count >= limit {
			return quotaExceeded("doc_count", limit)
		}
	}
	if limit := tenant.Quotas.StorageMB; limit >= 0 {
		used, err := s.docs.StorageBytesByTenant(ctx, tenant.ID)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "failed to measure storage", err)
		}
		if used+int64(contentLen) > int64(limit)<<20 {
			return quotaExceeded("storage_mb", limit)
		}
	}
	return nil
}

// Get returns a document with its chunk status counts.
func (s *DocumentService) Get(ctx context.Context, rc *auth.RequestContext, kbID, docID uuid.UUID) (*DocumentDetail, error) {
	doc, err := s.load(ctx, rc, kbID, docID)
	if err != nil {
		return nil, err
	}
	stats, err := s.chunks.StatsByDocument(ctx, docID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to load chunk stats", err)
	}
	return &DocumentDetail{Document: doc, Chunks: stats}, nil
}

// List returns a page of the knowledge base's documents.
func (s *DocumentService) List(ctx context.Context, rc *auth.RequestContext, kbID uuid.UUID, limit, offset int) ([]*repository.Document, int, error) {
	if _, err := s.kbs.GetByID(ctx, rc.Tenant.ID, kbID); err != nil {
		return nil, 0, notFoundOr(err, "knowledge base")
	}
	if err := checkScope(rc, kbID); err != nil {
		return nil, 0, err
	}
	limit, offset = clampPage(limit, offset)
	docs, total, err := s.docs.ListByKB(ctx, rc.Tenant.ID, kbID, limit, offset)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.Internal, "failed to list documents", err)
	}
	return docs, total, nil
}

// Reindex re-runs ingestion for a document. Chunk ids are deterministic
// for parent/child chunkers and replaced wholesale otherwise, so the
// operation is idempotent.
func (s *DocumentService) Reindex(ctx context.Context, rc *auth.RequestContext, kbID, docID uuid.UUID) (*ingest.Result, error) {
	if err := requireRole(rc, repository.RoleWrite); err != nil {
		return nil, err
	}
	if _, err := s.load(ctx, rc, kbID, docID); err != nil {
		return nil, err
	}
	return s.ingest.Ingest(ctx, rc.Tenant.ID, docID)
}

// Delete removes a document everywhere. Stores are cleaned before the
// rows so a store failure leaves the document intact and the delete
// retryable; success means the chunks are gone from retrieval.
func (s *DocumentService) Delete(ctx context.Context, rc *auth.RequestContext, kbID, docID uuid.UUID) error {
	if err := requireRole(rc, repository.RoleWrite); err != nil {
		return err
	}
	if _, err := s.load(ctx, rc, kbID, docID); err != nil {
		return err
	}

	tid := rc.Tenant.ID.String()
	did := docID.String()
	if err := s.dense.DeleteByDocument(ctx, tid, did); err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, "failed to delete dense entries", err)
	}
	if err := s.sparse.DeleteByDocument(ctx, tid, did); err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, "failed to delete sparse entries", err)
	}
	if err := s.docs.Delete(ctx, rc.Tenant.ID, docID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return apperr.Wrap(apperr.Internal, "failed to delete document", err)
	}
	s.logger.Info("document deleted", "tenant_id", rc.Tenant.ID, "kb_id", kbID, "document_id", docID)
	return nil
}

// load fetches a document and verifies tenancy, path, and scope.
func (s *DocumentService) load(ctx context.Context, rc *auth.RequestContext, kbID, docID uuid.UUID) (*repository.Document, error) {
	doc, err := s.docs.GetByID(ctx, rc.Tenant.ID, docID)
	if err != nil {
		return nil, notFoundOr(err, "document")
	}
	if doc.KBID != kbID {
		return nil, apperr.New(apperr.NotFound, "document not found")
	}
	if err := checkScope(rc, kbID); err != nil {
		return nil, err
	}
	return doc, nil
}
