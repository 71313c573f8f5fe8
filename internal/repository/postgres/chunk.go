package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/knoguchi/kbserve/internal/repository"
)

// ChunkRepo implements repository.ChunkRepository
type ChunkRepo struct {
	db *DB
}

// NewChunkRepo creates a new chunk repository
func NewChunkRepo(db *DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

const chunkColumns = `id, document_id, kb_id, tenant_id, chunk_index, content, metadata,
	indexing_status, last_error, created_at, updated_at`

// CreateBatch inserts chunk rows in one batch
func (r *ChunkRepo) CreateBatch(ctx context.Context, chunks []*repository.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, chunk := range chunks {
		metadataJSON, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk metadata: %w", err)
		}
		batch.Queue(`
			INSERT INTO chunks (`+chunkColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, chunk.ID, chunk.DocumentID, chunk.KBID, chunk.TenantID, chunk.Index,
			chunk.Content, metadataJSON, chunk.IndexingStatus, chunk.LastError,
			chunk.CreatedAt, chunk.UpdatedAt)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to create chunk: %w", err)
		}
	}

	return nil
}

// GetByIDs retrieves chunks by id within a tenant, used for parent lookups
func (r *ChunkRepo) GetByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*repository.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + chunkColumns + `
		FROM chunks
		WHERE tenant_id = $1 AND id = ANY($2)
	`
	rows, err := r.db.Pool.Query(ctx, query, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

// ListByDocument retrieves all chunks of a document in index order
func (r *ChunkRepo) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*repository.Chunk, error) {
	query := `
		SELECT ` + chunkColumns + `
		FROM chunks
		WHERE document_id = $1
		ORDER BY chunk_index
	`
	rows, err := r.db.Pool.Query(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

// IDsByDocument retrieves the chunk ids of a document, for store deletions
func (r *ChunkRepo) IDsByDocument(ctx context.Context, documentID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id FROM chunks WHERE document_id = $1 ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunk ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan chunk id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, nil
}

func scanChunks(rows pgx.Rows) ([]*repository.Chunk, error) {
	var chunks []*repository.Chunk
	for rows.Next() {
		var chunk repository.Chunk
		var metadataJSON []byte
		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.KBID, &chunk.TenantID,
			&chunk.Index, &chunk.Content, &metadataJSON, &chunk.IndexingStatus,
			&chunk.LastError, &chunk.CreatedAt, &chunk.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunk.Metadata = make(map[string]string)
		if err := json.Unmarshal(metadataJSON, &chunk.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chunk metadata: %w", err)
		}
		chunks = append(chunks, &chunk)
	}
	return chunks, nil
}

// UpdateStatus transitions a set of chunks to a new indexing status
func (r *ChunkRepo) UpdateStatus(ctx context.Context, ids []uuid.UUID, status, lastError string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := r.db.Pool.Exec(ctx, `
		UPDATE chunks
		SET indexing_status = $2, last_error = $3, updated_at = NOW()
		WHERE id = ANY($1)
	`, ids, status, lastError)
	if err != nil {
		return fmt.Errorf("failed to update chunk status: %w", err)
	}
	return nil
}

// StatsByDocument aggregates indexing progress for a document
func (r *ChunkRepo) StatsByDocument(ctx context.Context, documentID uuid.UUID) (*repository.ChunkStats, error) {
	query := `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE indexing_status = 'pending'),
			COUNT(*) FILTER (WHERE indexing_status = 'indexed'),
			COUNT(*) FILTER (WHERE indexing_status = 'failed'),
			COUNT(*) FILTER (WHERE indexing_status = 'parent')
		FROM chunks
		WHERE document_id = $1
	`
	var stats repository.ChunkStats
	err := r.db.Pool.QueryRow(ctx, query, documentID).Scan(
		&stats.Total, &stats.Pending, &stats.Indexed, &stats.Failed, &stats.Parents)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk stats: %w", err)
	}
	return &stats, nil
}

// StalePendingDocuments finds documents with chunks stuck in pending since
// before the cutoff, for the recovery sweeper
func (r *ChunkRepo) StalePendingDocuments(ctx context.Context, olderThan time.Time, limit int) ([]repository.StaleDocument, error) {
	query := `
		SELECT DISTINCT document_id, tenant_id
		FROM chunks
		WHERE indexing_status = 'pending' AND updated_at < $1
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale pending chunks: %w", err)
	}
	defer rows.Close()

	var stale []repository.StaleDocument
	for rows.Next() {
		var s repository.StaleDocument
		if err := rows.Scan(&s.DocumentID, &s.TenantID); err != nil {
			return nil, fmt.Errorf("failed to scan stale document: %w", err)
		}
		stale = append(stale, s)
	}

	return stale, nil
}

// DeleteByDocument deletes all chunk rows of a document
func (r *ChunkRepo) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// Ensure ChunkRepo implements the interface
var _ repository.ChunkRepository = (*ChunkRepo)(nil)
