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

// KnowledgeBaseRepo implements repository.KnowledgeBaseRepository
type KnowledgeBaseRepo struct {
	db *DB
}

// NewKnowledgeBaseRepo creates a new knowledge base repository
func NewKnowledgeBaseRepo(db *DB) *KnowledgeBaseRepo {
	return &KnowledgeBaseRepo{db: db}
}

// Create creates a new knowledge base
func (r *KnowledgeBaseRepo) Create(ctx context.Context, kb *repository.KnowledgeBase) error {
	configJSON, err := json.Marshal(kb.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	query := `
		INSERT INTO knowledge_bases (id, tenant_id, name, description, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		kb.ID, kb.TenantID, kb.Name, kb.Description, configJSON,
		kb.CreatedAt, kb.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create knowledge base: %w", err)
	}
	return nil
}

// GetByID retrieves a knowledge base by ID within a tenant. A kb belonging
// to another tenant is reported as not found.
func (r *KnowledgeBaseRepo) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*repository.KnowledgeBase, error) {
	query := `
		SELECT id, tenant_id, name, description, config, created_at, updated_at
		FROM knowledge_bases
		WHERE id = $1 AND tenant_id = $2
	`
	var kb repository.KnowledgeBase
	var configJSON []byte

	err := r.db.Pool.QueryRow(ctx, query, id, tenantID).Scan(
		&kb.ID, &kb.TenantID, &kb.Name, &kb.Description, &configJSON,
		&kb.CreatedAt, &kb.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get knowledge base: %w", err)
	}

	if err := json.Unmarshal(configJSON, &kb.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &kb, nil
}

// ListByTenant retrieves knowledge bases for a tenant with pagination
func (r *KnowledgeBaseRepo) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*repository.KnowledgeBase, int, error) {
	var total int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM knowledge_bases WHERE tenant_id = $1`, tenantID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count knowledge bases: %w", err)
	}

	query := `
		SELECT id, tenant_id, name, description, config, created_at, updated_at
		FROM knowledge_bases
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Pool.Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list knowledge bases: %w", err)
	}
	defer rows.Close()

	var kbs []*repository.KnowledgeBase
	for rows.Next() {
		var kb repository.KnowledgeBase
		var configJSON []byte
		if err := rows.Scan(&kb.ID, &kb.TenantID, &kb.Name, &kb.Description,
			&configJSON, &kb.CreatedAt, &kb.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan knowledge base: %w", err)
		}
		if err := json.Unmarshal(configJSON, &kb.Config); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal config: %w", err)
		}
		kbs = append(kbs, &kb)
	}

	return kbs, total, nil
}

// CountByTenant counts knowledge bases for quota checks
func (r *KnowledgeBaseRepo) CountByTenant(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM knowledge_bases WHERE tenant_id = $1`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count knowledge bases: %w", err)
	}
	return count, nil
}

// Update updates a knowledge base
func (r *KnowledgeBaseRepo) Update(ctx context.Context, kb *repository.KnowledgeBase) error {
	configJSON, err := json.Marshal(kb.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	query := `
		UPDATE knowledge_bases
		SET name = $3, description = $4, config = $5, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
	`
	result, err := r.db.Pool.Exec(ctx, query,
		kb.ID, kb.TenantID, kb.Name, kb.Description, configJSON)
	if err != nil {
		return fmt.Errorf("failed to update knowledge base: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete deletes a knowledge base. Documents and chunks cascade.
func (r *KnowledgeBaseRepo) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx,
		`DELETE FROM knowledge_bases WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete knowledge base: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Ensure KnowledgeBaseRepo implements the interface
var _ repository.KnowledgeBaseRepository = (*KnowledgeBaseRepo)(nil)
