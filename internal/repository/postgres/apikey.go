package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/knoguchi/kbserve/internal/repository"
)

// ApiKeyRepo implements repository.ApiKeyRepository
type ApiKeyRepo struct {
	db *DB
}

// NewApiKeyRepo creates a new API key repository
func NewApiKeyRepo(db *DB) *ApiKeyRepo {
	return &ApiKeyRepo{db: db}
}

const apiKeyColumns = `id, tenant_id, name, digest, prefix, role, scope_kb_ids, identity,
	rate_limit_per_minute, revoked, expires_at, last_used_at, created_at`

// Create creates a new API key
func (r *ApiKeyRepo) Create(ctx context.Context, key *repository.ApiKey) error {
	identityJSON, err := json.Marshal(key.Identity)
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	query := `
		INSERT INTO api_keys (` + apiKeyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		key.ID, key.TenantID, key.Name, key.Digest, key.Prefix, key.Role,
		key.ScopeKBIDs, identityJSON, key.RateLimitPerMinute, key.Revoked,
		key.ExpiresAt, key.LastUsedAt, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// GetByDigest retrieves an API key by its digest. Used on the hot
// authentication path, so the digest column carries a unique index.
func (r *ApiKeyRepo) GetByDigest(ctx context.Context, digest string) (*repository.ApiKey, error) {
	query := `
		SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE digest = $1
	`
	return r.scanApiKey(r.db.Pool.QueryRow(ctx, query, digest))
}

// GetByID retrieves an API key by ID within a tenant
func (r *ApiKeyRepo) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*repository.ApiKey, error) {
	query := `
		SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE id = $1 AND tenant_id = $2
	`
	return r.scanApiKey(r.db.Pool.QueryRow(ctx, query, id, tenantID))
}

type pgRow interface {
	Scan(dest ...any) error
}

func (r *ApiKeyRepo) scanApiKey(row pgRow) (*repository.ApiKey, error) {
	var key repository.ApiKey
	var identityJSON []byte

	err := row.Scan(
		&key.ID, &key.TenantID, &key.Name, &key.Digest, &key.Prefix, &key.Role,
		&key.ScopeKBIDs, &identityJSON, &key.RateLimitPerMinute, &key.Revoked,
		&key.ExpiresAt, &key.LastUsedAt, &key.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}

	if err := json.Unmarshal(identityJSON, &key.Identity); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}

	return &key, nil
}

// ListByTenant retrieves all API keys for a tenant
func (r *ApiKeyRepo) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*repository.ApiKey, error) {
	query := `
		SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*repository.ApiKey
	for rows.Next() {
		key, err := r.scanApiKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return keys, nil
}

// Revoke marks an API key revoked within a tenant
func (r *ApiKeyRepo) Revoke(ctx context.Context, tenantID, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE api_keys SET revoked = TRUE WHERE id = $1 AND tenant_id = $2`,
		id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// TouchLastUsed records when a key last authenticated. Best-effort.
func (r *ApiKeyRepo) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	return nil
}

// Ensure ApiKeyRepo implements the interface
var _ repository.ApiKeyRepository = (*ApiKeyRepo)(nil)
