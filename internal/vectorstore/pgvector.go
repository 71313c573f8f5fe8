package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

const pgvectorSchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS dense_vectors (
	chunk_id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	kb_id UUID NOT NULL,
	doc_id UUID NOT NULL,
	content TEXT NOT NULL,
	sensitivity_level TEXT NOT NULL DEFAULT 'public',
	acl_allow_users TEXT[] NOT NULL DEFAULT '{}',
	acl_allow_roles TEXT[] NOT NULL DEFAULT '{}',
	acl_allow_groups TEXT[] NOT NULL DEFAULT '{}',
	metadata JSONB NOT NULL DEFAULT '{}',
	embedding vector NOT NULL
);

CREATE INDEX IF NOT EXISTS dense_vectors_tenant_doc_idx ON dense_vectors (tenant_id, doc_id);
CREATE INDEX IF NOT EXISTS dense_vectors_tenant_kb_idx ON dense_vectors (tenant_id, kb_id);
`

// PgvectorStore implements Store on Postgres with the pgvector extension.
// All tenants share one table; every query filters by tenant_id. The
// embedding column is dimensionless so knowledge bases with different
// embedding models can coexist.
type PgvectorStore struct {
	pool *pgxpool.Pool
}

// NewPgvectorStore connects a dedicated pool with pgvector types
// registered and ensures the schema exists.
func NewPgvectorStore(ctx context.Context, databaseURL string) (*PgvectorStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if _, err := pool.Exec(ctx, pgvectorSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure pgvector schema: %w", err)
	}

	return &PgvectorStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PgvectorStore) Close() {
	s.pool.Close()
}

// EnsureCollection is a no-op: the shared table is created at startup.
func (s *PgvectorStore) EnsureCollection(ctx context.Context, tenantID string, dimension int) error {
	return nil
}

// Upsert inserts or updates records keyed by chunk id.
func (s *PgvectorStore) Upsert(ctx context.Context, tenantID string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		metadata, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		batch.Queue(`
			INSERT INTO dense_vectors (
				chunk_id, tenant_id, kb_id, doc_id, content,
				sensitivity_level, acl_allow_users, acl_allow_roles, acl_allow_groups,
				metadata, embedding
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (chunk_id) DO UPDATE SET
				content = EXCLUDED.content,
				sensitivity_level = EXCLUDED.sensitivity_level,
				acl_allow_users = EXCLUDED.acl_allow_users,
				acl_allow_roles = EXCLUDED.acl_allow_roles,
				acl_allow_groups = EXCLUDED.acl_allow_groups,
				metadata = EXCLUDED.metadata,
				embedding = EXCLUDED.embedding`,
			rec.ID, tenantID, rec.KBID, rec.DocumentID, rec.Content,
			rec.ACL.Sensitivity, rec.ACL.AllowUsers, rec.ACL.AllowRoles, rec.ACL.AllowGroups,
			metadata, pgvector.NewVector(rec.Vector),
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert vector: %w", err)
		}
	}
	return nil
}

// Search runs cosine similarity with all filters in SQL.
func (s *PgvectorStore) Search(ctx context.Context, tenantID string, q Query) ([]Result, error) {
	args := []any{pgvector.NewVector(q.Vector), tenantID}
	conds := []string{"tenant_id = $2"}

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(q.KBIDs) > 0 {
		conds = append(conds, fmt.Sprintf("kb_id = ANY(%s)", arg(q.KBIDs)))
	}
	if q.ChildrenOnly {
		conds = append(conds, "metadata->>'child' = 'true'")
	}
	if q.ACL != nil {
		conds = append(conds, fmt.Sprintf("sensitivity_level = ANY(%s)", arg(q.ACL.Levels)))
		conds = append(conds, fmt.Sprintf(
			"(cardinality(acl_allow_users) = 0 OR acl_allow_users && %s)", arg([]string{q.ACL.User})))
		conds = append(conds, fmt.Sprintf(
			"(cardinality(acl_allow_roles) = 0 OR acl_allow_roles && %s)", arg(q.ACL.Roles)))
		conds = append(conds, fmt.Sprintf(
			"(cardinality(acl_allow_groups) = 0 OR acl_allow_groups && %s)", arg(q.ACL.Groups)))
	}
	if q.MinScore > 0 {
		conds = append(conds, fmt.Sprintf("1 - (embedding <=> $1) >= %s", arg(q.MinScore)))
	}

	query := fmt.Sprintf(`
		SELECT chunk_id::text, doc_id::text, kb_id::text, content,
		       sensitivity_level, acl_allow_users, acl_allow_roles, acl_allow_groups,
		       metadata, 1 - (embedding <=> $1) AS score
		FROM dense_vectors
		WHERE %s
		ORDER BY embedding <=> $1, chunk_id
		LIMIT %d`,
		strings.Join(conds, " AND "), q.TopK)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var metadata []byte
		var score float64
		err := rows.Scan(
			&r.ID, &r.DocumentID, &r.KBID, &r.Content,
			&r.ACL.Sensitivity, &r.ACL.AllowUsers, &r.ACL.AllowRoles, &r.ACL.AllowGroups,
			&metadata, &score,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		r.Score = float32(score)
		results = append(results, r)
	}
	return results, rows.Err()
}

// DeleteByDocument removes all records belonging to a document.
func (s *PgvectorStore) DeleteByDocument(ctx context.Context, tenantID, documentID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM dense_vectors WHERE tenant_id = $1 AND doc_id = $2`, tenantID, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete by document ID: %w", err)
	}
	return nil
}

// DeleteByChunkIDs removes specific records.
func (s *PgvectorStore) DeleteByChunkIDs(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM dense_vectors WHERE tenant_id = $1 AND chunk_id = ANY($2)`, tenantID, ids)
	if err != nil {
		return fmt.Errorf("failed to delete by IDs: %w", err)
	}
	return nil
}

// DropTenant removes every record for the tenant.
func (s *PgvectorStore) DropTenant(ctx context.Context, tenantID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dense_vectors WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to drop tenant: %w", err)
	}
	return nil
}

// Ping reports whether Postgres is reachable.
func (s *PgvectorStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Ensure PgvectorStore implements Store.
var _ Store = (*PgvectorStore)(nil)
