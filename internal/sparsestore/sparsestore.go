// Package sparsestore provides keyword (lexical) search over chunks,
// mirroring the dense store: one logical index per tenant, ACL metadata
// stored with every record and enforced inside the search.
package sparsestore

import (
	"context"

	"github.com/knoguchi/kbserve/internal/acl"
)

// Record is a chunk ready for lexical indexing. IDs are uuid strings.
type Record struct {
	ID         string
	DocumentID string
	KBID       string
	Content    string
	ACL        acl.Meta
	Metadata   map[string]string
}

// Query is a keyword search request within one tenant.
type Query struct {
	Text  string
	KBIDs []string
	TopK  int

	// ACL restricts results to chunks the caller may read. Nil means
	// unrestricted.
	ACL *acl.Filter

	// ChildrenOnly restricts results to child chunks.
	ChildrenOnly bool
}

// Result is a single search hit. Scores are raw relevance scores; callers
// normalize them before mixing with other sources.
type Result struct {
	ID         string
	DocumentID string
	KBID       string
	Content    string
	Score      float32
	ACL        acl.Meta
	Metadata   map[string]string
}

// Store defines the interface for sparse (keyword) storage operations.
type Store interface {
	// EnsureIndex makes the tenant's index exist.
	EnsureIndex(ctx context.Context, tenantID string) error

	// Index inserts or updates records keyed by chunk id.
	Index(ctx context.Context, tenantID string, records []Record) error

	// Search performs keyword search, honoring the query's knowledge base
	// scope, ACL filter, and child restriction.
	Search(ctx context.Context, tenantID string, q Query) ([]Result, error)

	// DeleteByDocument removes all records belonging to a document.
	DeleteByDocument(ctx context.Context, tenantID, documentID string) error

	// DeleteByChunkIDs removes specific records by chunk id.
	DeleteByChunkIDs(ctx context.Context, tenantID string, ids []string) error

	// DropTenant removes the tenant's index entirely.
	DropTenant(ctx context.Context, tenantID string) error

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}
