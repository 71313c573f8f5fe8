package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/knoguchi/kbserve/internal/repository"
)

// UsageLogRepo implements repository.UsageLogRepository
type UsageLogRepo struct {
	db *DB
}

// NewUsageLogRepo creates a new usage log repository
func NewUsageLogRepo(db *DB) *UsageLogRepo {
	return &UsageLogRepo{db: db}
}

// Insert appends one request accounting row
func (r *UsageLogRepo) Insert(ctx context.Context, log *repository.UsageLog) error {
	query := `
		INSERT INTO usage_logs (id, tenant_id, api_key_id, endpoint, status, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		log.ID, log.TenantID, log.APIKeyID, log.Endpoint, log.Status,
		log.LatencyMS, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert usage log: %w", err)
	}
	return nil
}

// ListByTenant retrieves usage rows for a tenant with pagination
func (r *UsageLogRepo) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*repository.UsageLog, int, error) {
	var total int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM usage_logs WHERE tenant_id = $1`, tenantID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count usage logs: %w", err)
	}

	query := `
		SELECT id, tenant_id, api_key_id, endpoint, status, latency_ms, created_at
		FROM usage_logs
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Pool.Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list usage logs: %w", err)
	}
	defer rows.Close()

	var logs []*repository.UsageLog
	for rows.Next() {
		var log repository.UsageLog
		if err := rows.Scan(&log.ID, &log.TenantID, &log.APIKeyID, &log.Endpoint,
			&log.Status, &log.LatencyMS, &log.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan usage log: %w", err)
		}
		logs = append(logs, &log)
	}

	return logs, total, nil
}

// Ensure UsageLogRepo implements the interface
var _ repository.UsageLogRepository = (*UsageLogRepo)(nil)
