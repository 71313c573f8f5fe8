// Package vectorstore provides interfaces and implementations for dense
// vector similarity search.
//
// Stores are tenant-scoped: every operation names the tenant, and
// implementations either keep one collection per tenant or filter a shared
// collection by tenant id. Access control metadata travels with each
// record so stores can push ACL filtering into the search itself.
package vectorstore

import (
	"context"

	"github.com/knoguchi/kbserve/internal/acl"
)

// Payload field names shared by implementations. Chunker metadata keys
// (parent_id, child, heading_path, language, ...) are stored alongside
// these and returned in Result.Metadata.
const (
	FieldTenantID    = "tenant_id"
	FieldKBID        = "kb_id"
	FieldDocID       = "doc_id"
	FieldChunkID     = "chunk_id"
	FieldContent     = "content"
	FieldSensitivity = "sensitivity_level"
	FieldAllowUsers  = "acl_allow_users"
	FieldAllowRoles  = "acl_allow_roles"
	FieldAllowGroups = "acl_allow_groups"
	FieldChild       = "child"
)

// Record is a chunk ready for dense indexing. IDs are uuid strings.
type Record struct {
	ID         string
	DocumentID string
	KBID       string
	Content    string
	Vector     []float32
	ACL        acl.Meta
	Metadata   map[string]string
}

// Query is a dense similarity search request within one tenant.
type Query struct {
	Vector   []float32
	KBIDs    []string
	TopK     int
	MinScore float32

	// ACL restricts results to chunks the caller may read. Nil means
	// unrestricted (admin or internal search).
	ACL *acl.Filter

	// ChildrenOnly restricts results to child chunks (child = "true"),
	// used by parent-child retrieval.
	ChildrenOnly bool
}

// Result is a single search hit.
type Result struct {
	ID         string
	DocumentID string
	KBID       string
	Content    string
	Score      float32
	ACL        acl.Meta
	Metadata   map[string]string
}

// Store defines the interface for dense vector storage operations.
type Store interface {
	// EnsureCollection makes the tenant's collection exist with the given
	// dimension. Calling it again with the same dimension is a no-op.
	EnsureCollection(ctx context.Context, tenantID string, dimension int) error

	// Upsert inserts or updates records in the tenant's collection.
	Upsert(ctx context.Context, tenantID string, records []Record) error

	// Search performs similarity search, honoring the query's knowledge
	// base scope, ACL filter, and child restriction.
	Search(ctx context.Context, tenantID string, q Query) ([]Result, error)

	// DeleteByDocument removes all records belonging to a document.
	DeleteByDocument(ctx context.Context, tenantID, documentID string) error

	// DeleteByChunkIDs removes specific records by chunk id.
	DeleteByChunkIDs(ctx context.Context, tenantID string, ids []string) error

	// DropTenant removes the tenant's collection entirely.
	DropTenant(ctx context.Context, tenantID string) error

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}
