package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/knoguchi/kbserve/internal/repository"
)

// DocumentRepo implements repository.DocumentRepository
type DocumentRepo struct {
	db *DB
}

// NewDocumentRepo creates a new document repository
func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

const documentColumns = `id, kb_id, tenant_id, title, content, content_type, source_url,
	sensitivity_level, acl_allow_users, acl_allow_roles, acl_allow_groups,
	summary, summary_status, metadata, created_at, updated_at`

// Create creates a new document
func (r *DocumentRepo) Create(ctx context.Context, doc *repository.Document) error {
	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		doc.ID, doc.KBID, doc.TenantID, doc.Title, doc.Content, doc.ContentType,
		doc.SourceURL, doc.SensitivityLevel, doc.AllowUsers, doc.AllowRoles,
		doc.AllowGroups, doc.Summary, doc.SummaryStatus, metadataJSON,
		doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetByID retrieves a document by ID within a tenant
func (r *DocumentRepo) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*repository.Document, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE id = $1 AND tenant_id = $2
	`
	return r.scanDocument(r.db.Pool.QueryRow(ctx, query, id, tenantID))
}

func (r *DocumentRepo) scanDocument(row pgRow) (*repository.Document, error) {
	var doc repository.Document
	var metadataJSON []byte

	err := row.Scan(
		&doc.ID, &doc.KBID, &doc.TenantID, &doc.Title, &doc.Content,
		&doc.ContentType, &doc.SourceURL, &doc.SensitivityLevel,
		&doc.AllowUsers, &doc.AllowRoles, &doc.AllowGroups,
		&doc.Summary, &doc.SummaryStatus, &metadataJSON,
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	doc.Metadata = make(map[string]string)
	if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return &doc, nil
}

// ListByKB retrieves documents for a knowledge base with pagination.
// Content is omitted from listings.
func (r *DocumentRepo) ListByKB(ctx context.Context, tenantID, kbID uuid.UUID, limit, offset int) ([]*repository.Document, int, error) {
	var total int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM documents WHERE kb_id = $1 AND tenant_id = $2`,
		kbID, tenantID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}

	query := `
		SELECT id, kb_id, tenant_id, title, '', content_type, source_url,
			sensitivity_level, acl_allow_users, acl_allow_roles, acl_allow_groups,
			summary, summary_status, metadata, created_at, updated_at
		FROM documents
		WHERE kb_id = $1 AND tenant_id = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.db.Pool.Query(ctx, query, kbID, tenantID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*repository.Document
	for rows.Next() {
		doc, err := r.scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		docs = append(docs, doc)
	}

	return docs, total, nil
}

// CountByTenant counts documents for quota checks
func (r *DocumentRepo) CountByTenant(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM documents WHERE tenant_id = $1`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

// StorageBytesByTenant sums raw content size for quota checks
func (r *DocumentRepo) StorageBytesByTenant(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	var bytes int64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(octet_length(content)), 0) FROM documents WHERE tenant_id = $1`,
		tenantID).Scan(&bytes)
	if err != nil {
		return 0, fmt.Errorf("failed to sum document storage: %w", err)
	}
	return bytes, nil
}

// Update updates a document
func (r *DocumentRepo) Update(ctx context.Context, doc *repository.Document) error {
	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		UPDATE documents
		SET title = $3, content = $4, content_type = $5, source_url = $6,
			sensitivity_level = $7, acl_allow_users = $8, acl_allow_roles = $9,
			acl_allow_groups = $10, metadata = $11, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
	`
	result, err := r.db.Pool.Exec(ctx, query,
		doc.ID, doc.TenantID, doc.Title, doc.Content, doc.ContentType,
		doc.SourceURL, doc.SensitivityLevel, doc.AllowUsers, doc.AllowRoles,
		doc.AllowGroups, metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateSummary records a generated summary and its status
func (r *DocumentRepo) UpdateSummary(ctx context.Context, id uuid.UUID, summary, status string) error {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE documents SET summary = $2, summary_status = $3, updated_at = NOW() WHERE id = $1`,
		id, summary, status)
	if err != nil {
		return fmt.Errorf("failed to update summary: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete deletes a document. Chunks cascade.
func (r *DocumentRepo) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx,
		`DELETE FROM documents WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Ensure DocumentRepo implements the interface
var _ repository.DocumentRepository = (*DocumentRepo)(nil)
