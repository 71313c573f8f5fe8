// Package repository defines domain models and data access interfaces for
// tenants, API keys, knowledge bases, documents, and chunks.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Tenant statuses
const (
	TenantStatusActive   = "active"
	TenantStatusDisabled = "disabled"
	TenantStatusPending  = "pending"
)

// API key roles
const (
	RoleAdmin = "admin"
	RoleWrite = "write"
	RoleRead  = "read"
)

// Document content types
const (
	ContentTypeText     = "text"
	ContentTypeMarkdown = "markdown"
	ContentTypeHTML     = "html"
)

// Document summary statuses
const (
	SummaryStatusNone    = "none"
	SummaryStatusPending = "pending"
	SummaryStatusReady   = "ready"
	SummaryStatusFailed  = "failed"
)

// Chunk indexing statuses. Only indexed chunks have entries in the dense
// and sparse stores; parent rows serve context expansion from relational
// storage and are never embedded or searched.
const (
	ChunkStatusPending = "pending"
	ChunkStatusIndexed = "indexed"
	ChunkStatusFailed  = "failed"
	ChunkStatusParent  = "parent"
)

// Tenant represents an isolated customer of the service
type Tenant struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Status string    `json:"status"`
	Quotas Quotas    `json:"quotas"`

	// IdentitySecret verifies forwarded identity tokens. Empty means the
	// tenant does not accept them.
	IdentitySecret string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Quotas bounds tenant resource usage. -1 disables a check.
type Quotas struct {
	KBCount   int `json:"kb_count"`
	DocCount  int `json:"doc_count"`
	StorageMB int `json:"storage_mb"`
}

// DefaultQuotas returns unlimited quotas
func DefaultQuotas() Quotas {
	return Quotas{KBCount: -1, DocCount: -1, StorageMB: -1}
}

// Identity carries the principal attributes evaluated against chunk ACLs
type Identity struct {
	User      string   `json:"user,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	Groups    []string `json:"groups,omitempty"`
	Clearance string   `json:"clearance"`
}

// ApiKey authenticates a caller for a tenant. The plaintext key is returned
// exactly once at creation; only its digest is stored.
type ApiKey struct {
	ID       uuid.UUID `json:"id"`
	TenantID uuid.UUID `json:"tenant_id"`
	Name     string    `json:"name"`
	Digest   string    `json:"-"`
	Prefix   string    `json:"prefix"`
	Role     string    `json:"role"`

	// ScopeKBIDs restricts the key to a whitelist of knowledge bases.
	// Empty means every knowledge base of the tenant.
	ScopeKBIDs []uuid.UUID `json:"scope_kb_ids,omitempty"`

	Identity           Identity   `json:"identity"`
	RateLimitPerMinute *int       `json:"rate_limit_per_minute,omitempty"`
	Revoked            bool       `json:"revoked"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Expired reports whether the key's expiry has passed
func (k *ApiKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// KnowledgeBase groups documents that share a chunking, embedding, and
// retrieval configuration
type KnowledgeBase struct {
	ID          uuid.UUID `json:"id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Config      KBConfig  `json:"config"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// KBConfig holds the per-knowledge-base pipeline configuration. The
// embedding config is immutable once chunks are indexed.
type KBConfig struct {
	Chunker           ChunkerConfig   `json:"chunker"`
	Retriever         RetrieverConfig `json:"retriever"`
	Embedding         EmbeddingConfig `json:"embedding"`
	GenerateSummaries bool            `json:"generate_summaries,omitempty"`
}

// ChunkerConfig names a chunker and its parameters
type ChunkerConfig struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// RetrieverConfig names a retriever and its parameters
type RetrieverConfig struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// EmbeddingConfig describes the embedding model for a knowledge base
type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
}

// Equal reports whether two embedding configs produce compatible vectors
func (c EmbeddingConfig) Equal(o EmbeddingConfig) bool {
	return c.Provider == o.Provider && c.Model == o.Model && c.Dimension == o.Dimension
}

// Document is a unit of ingested content. Sensitivity and ACL lists are
// inherited by every chunk derived from it.
type Document struct {
	ID          uuid.UUID `json:"id"`
	KBID        uuid.UUID `json:"kb_id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	Title       string    `json:"title"`
	Content     string    `json:"content,omitempty"`
	ContentType string    `json:"content_type"`
	SourceURL   string    `json:"source_url,omitempty"`

	SensitivityLevel string   `json:"sensitivity_level"`
	AllowUsers       []string `json:"acl_allow_users,omitempty"`
	AllowRoles       []string `json:"acl_allow_roles,omitempty"`
	AllowGroups      []string `json:"acl_allow_groups,omitempty"`

	Summary       string            `json:"summary,omitempty"`
	SummaryStatus string            `json:"summary_status"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Chunk is the unit of retrieval. The relational row is authoritative;
// dense and sparse store entries are secondary indices keyed by chunk id.
type Chunk struct {
	ID         uuid.UUID         `json:"id"`
	DocumentID uuid.UUID         `json:"document_id"`
	KBID       uuid.UUID         `json:"kb_id"`
	TenantID   uuid.UUID         `json:"tenant_id"`
	Index      int               `json:"index"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	IndexingStatus string    `json:"indexing_status"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StaleDocument identifies a document with chunks stuck in pending,
// found by the recovery sweeper.
type StaleDocument struct {
	DocumentID uuid.UUID `json:"document_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
}

// ChunkStats aggregates per-document indexing progress
type ChunkStats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Indexed int `json:"indexed"`
	Failed  int `json:"failed"`
	Parents int `json:"parents,omitempty"`
}

// AdminToken authorizes tenant-management endpoints. Global, not owned by
// any tenant.
type AdminToken struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Digest    string     `json:"-"`
	Prefix    string     `json:"prefix"`
	Revoked   bool       `json:"revoked"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Expired reports whether the token's expiry has passed
func (t *AdminToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// UsageLog records one authenticated API request for accounting
type UsageLog struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	APIKeyID  uuid.UUID `json:"api_key_id"`
	Endpoint  string    `json:"endpoint"`
	Status    int       `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// TenantRepository defines operations for tenant persistence
type TenantRepository interface {
	Create(ctx context.Context, tenant *Tenant) error
	GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
	List(ctx context.Context, limit, offset int) ([]*Tenant, int, error)
	Update(ctx context.Context, tenant *Tenant) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// ApiKeyRepository defines operations for API key persistence. Digest
// lookup is global because authentication happens before the tenant is
// known; everything else is tenant-scoped.
type ApiKeyRepository interface {
	Create(ctx context.Context, key *ApiKey) error
	GetByDigest(ctx context.Context, digest string) (*ApiKey, error)
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*ApiKey, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*ApiKey, error)
	Revoke(ctx context.Context, tenantID, id uuid.UUID) error
	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// KnowledgeBaseRepository defines operations for knowledge base
// persistence. Reads are tenant-scoped: a kb id belonging to another tenant
// behaves exactly like a missing one.
type KnowledgeBaseRepository interface {
	Create(ctx context.Context, kb *KnowledgeBase) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*KnowledgeBase, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*KnowledgeBase, int, error)
	CountByTenant(ctx context.Context, tenantID uuid.UUID) (int, error)
	Update(ctx context.Context, kb *KnowledgeBase) error
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
}

// DocumentRepository defines operations for document persistence
type DocumentRepository interface {
	Create(ctx context.Context, doc *Document) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*Document, error)
	ListByKB(ctx context.Context, tenantID, kbID uuid.UUID, limit, offset int) ([]*Document, int, error)
	CountByTenant(ctx context.Context, tenantID uuid.UUID) (int, error)
	StorageBytesByTenant(ctx context.Context, tenantID uuid.UUID) (int64, error)
	Update(ctx context.Context, doc *Document) error
	UpdateSummary(ctx context.Context, id uuid.UUID, summary, status string) error
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
}

// ChunkRepository defines operations for chunk rows and indexing status
type ChunkRepository interface {
	CreateBatch(ctx context.Context, chunks []*Chunk) error
	GetByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*Chunk, error)
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*Chunk, error)
	IDsByDocument(ctx context.Context, documentID uuid.UUID) ([]uuid.UUID, error)
	UpdateStatus(ctx context.Context, ids []uuid.UUID, status, lastError string) error
	StatsByDocument(ctx context.Context, documentID uuid.UUID) (*ChunkStats, error)
	StalePendingDocuments(ctx context.Context, olderThan time.Time, limit int) ([]StaleDocument, error)
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error
}

// AdminTokenRepository defines operations for admin token persistence
type AdminTokenRepository interface {
	Create(ctx context.Context, token *AdminToken) error
	GetByDigest(ctx context.Context, digest string) (*AdminToken, error)
	List(ctx context.Context) ([]*AdminToken, error)
	Revoke(ctx context.Context, id uuid.UUID) error
}

// UsageLogRepository appends and reads request accounting rows
type UsageLogRepository interface {
	Insert(ctx context.Context, log *UsageLog) error
	ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*UsageLog, int, error)
}
