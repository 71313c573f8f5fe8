package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/knoguchi/kbserve/internal/repository"
)

// AdminTokenRepo implements repository.AdminTokenRepository
type AdminTokenRepo struct {
	db *DB
}

// NewAdminTokenRepo creates a new admin token repository
func NewAdminTokenRepo(db *DB) *AdminTokenRepo {
	return &AdminTokenRepo{db: db}
}

// Create creates a new admin token
func (r *AdminTokenRepo) Create(ctx context.Context, token *repository.AdminToken) error {
	query := `
		INSERT INTO admin_tokens (id, name, digest, prefix, revoked, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		token.ID, token.Name, token.Digest, token.Prefix, token.Revoked,
		token.ExpiresAt, token.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create admin token: %w", err)
	}
	return nil
}

// GetByDigest retrieves an admin token by its digest
func (r *AdminTokenRepo) GetByDigest(ctx context.Context, digest string) (*repository.AdminToken, error) {
	query := `
		SELECT id, name, digest, prefix, revoked, expires_at, created_at
		FROM admin_tokens
		WHERE digest = $1
	`
	var token repository.AdminToken
	err := r.db.Pool.QueryRow(ctx, query, digest).Scan(
		&token.ID, &token.Name, &token.Digest, &token.Prefix, &token.Revoked,
		&token.ExpiresAt, &token.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get admin token: %w", err)
	}
	return &token, nil
}

// List retrieves all admin tokens
func (r *AdminTokenRepo) List(ctx context.Context) ([]*repository.AdminToken, error) {
	query := `
		SELECT id, name, digest, prefix, revoked, expires_at, created_at
		FROM admin_tokens
		ORDER BY created_at DESC
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list admin tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*repository.AdminToken
	for rows.Next() {
		var token repository.AdminToken
		if err := rows.Scan(&token.ID, &token.Name, &token.Digest, &token.Prefix,
			&token.Revoked, &token.ExpiresAt, &token.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan admin token: %w", err)
		}
		tokens = append(tokens, &token)
	}

	return tokens, nil
}

// Revoke marks an admin token revoked
func (r *AdminTokenRepo) Revoke(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE admin_tokens SET revoked = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke admin token: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Ensure AdminTokenRepo implements the interface
var _ repository.AdminTokenRepository = (*AdminTokenRepo)(nil)
