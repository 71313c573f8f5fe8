package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/knoguchi/kbserve/internal/acl"
)

// MemoryStore is an in-process Store for development and tests. It brute
// forces cosine similarity over all records in a tenant.
type MemoryStore struct {
	mu         sync.RWMutex
	dimensions map[string]int
	records    map[string]map[string]Record // tenant -> chunk id -> record
}

// NewMemoryStore creates an empty in-memory vector store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		dimensions: make(map[string]int),
		records:    make(map[string]map[string]Record),
	}
}

// EnsureCollection records the tenant's dimension, rejecting changes.
func (s *MemoryStore) EnsureCollection(ctx context.Context, tenantID string, dimension int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.dimensions[tenantID]; ok && existing != dimension {
		return fmt.Errorf("collection for tenant %s has dimension %d, requested %d", tenantID, existing, dimension)
	}
	s.dimensions[tenantID] = dimension
	if s.records[tenantID] == nil {
		s.records[tenantID] = make(map[string]Record)
	}
	return nil
}

// Upsert inserts or replaces records keyed by chunk id.
func (s *MemoryStore) Upsert(ctx context.Context, tenantID string, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant := s.records[tenantID]
	if tenant == nil {
		tenant = make(map[string]Record)
		s.records[tenantID] = tenant
	}
	for _, rec := range records {
		tenant[rec.ID] = rec
	}
	return nil
}

// Search scores every record in the tenant and returns the top matches.
// Results order by score descending, then chunk id ascending for
// deterministic ties.
func (s *MemoryStore) Search(ctx context.Context, tenantID string, q Query) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kbs := make(map[string]bool, len(q.KBIDs))
	for _, id := range q.KBIDs {
		kbs[id] = true
	}

	var results []Result
	for _, rec := range s.records[tenantID] {
		if len(kbs) > 0 && !kbs[rec.KBID] {
			continue
		}
		if q.ChildrenOnly && rec.Metadata[FieldChild] != "true" {
			continue
		}
		if !acl.Matches(q.ACL, rec.ACL) {
			continue
		}

		score := cosine(q.Vector, rec.Vector)
		if q.MinScore > 0 && score < q.MinScore {
			continue
		}

		results = append(results, Result{
			ID:         rec.ID,
			DocumentID: rec.DocumentID,
			KBID:       rec.KBID,
			Content:    rec.Content,
			Score:      score,
			ACL:        rec.ACL,
			Metadata:   rec.Metadata,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if q.TopK > 0 && len(results) > q.TopK {
		results = results[:q.TopK]
	}
	return results, nil
}

// DeleteByDocument removes every record belonging to the document.
func (s *MemoryStore) DeleteByDocument(ctx context.Context, tenantID, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rec := range s.records[tenantID] {
		if rec.DocumentID == documentID {
			delete(s.records[tenantID], id)
		}
	}
	return nil
}

// DeleteByChunkIDs removes specific records.
func (s *MemoryStore) DeleteByChunkIDs(ctx context.Context, tenantID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.records[tenantID], id)
	}
	return nil
}

// DropTenant removes the tenant's collection.
func (s *MemoryStore) DropTenant(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, tenantID)
	delete(s.dimensions, tenantID)
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Count returns the number of records stored for a tenant, for tests.
func (s *MemoryStore) Count(tenantID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[tenantID])
}

// cosine computes cosine similarity between two vectors.
func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
