package sparsestore

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/knoguchi/kbserve/internal/acl"
)

// BM25 parameters, standard Robertson defaults.
const (
	bm25K1 = 1.6
	bm25B  = 0.75
)

var tokenRE = regexp.MustCompile(`[\p{L}\p{M}]+|\p{N}+`)

// tokenize lowercases and extracts letter and number runs.
func tokenize(text string) []string {
	return tokenRE.FindAllString(strings.ToLower(text), -1)
}

type indexedDoc struct {
	record Record
	freqs  map[string]int
	length int
}

type tenantIndex struct {
	docs        map[string]*indexedDoc // chunk id -> doc
	docFreq     map[string]int         // term -> number of docs containing it
	totalLength int
}

func newTenantIndex() *tenantIndex {
	return &tenantIndex{
		docs:    make(map[string]*indexedDoc),
		docFreq: make(map[string]int),
	}
}

func (t *tenantIndex) remove(id string) {
	doc, ok := t.docs[id]
	if !ok {
		return
	}
	for term := range doc.freqs {
		if t.docFreq[term] <= 1 {
			delete(t.docFreq, term)
		} else {
			t.docFreq[term]--
		}
	}
	t.totalLength -= doc.length
	delete(t.docs, id)
}

func (t *tenantIndex) add(rec Record) {
	t.remove(rec.ID)

	tokens := tokenize(rec.Content)
	freqs := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		freqs[tok]++
	}
	for term := range freqs {
		t.docFreq[term]++
	}
	t.docs[rec.ID] = &indexedDoc{record: rec, freqs: freqs, length: len(tokens)}
	t.totalLength += len(tokens)
}

// MemoryStore is an in-process BM25 index for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*tenantIndex
}

// NewMemoryStore creates an empty in-memory sparse store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*tenantIndex)}
}

func (s *MemoryStore) tenant(tenantID string) *tenantIndex {
	t, ok := s.tenants[tenantID]
	if !ok {
		t = newTenantIndex()
		s.tenants[tenantID] = t
	}
	return t
}

// EnsureIndex creates the tenant's index if missing.
func (s *MemoryStore) EnsureIndex(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenant(tenantID)
	return nil
}

// Index inserts or updates records keyed by chunk id.
func (s *MemoryStore) Index(ctx context.Context, tenantID string, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tenant(tenantID)
	for _, rec := range records {
		t.add(rec)
	}
	return nil
}

// Search scores matching documents with BM25 and returns the top matches,
// ordered by score descending then chunk id ascending.
func (s *MemoryStore) Search(ctx context.Context, tenantID string, q Query) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[tenantID]
	if !ok || len(t.docs) == 0 {
		return nil, nil
	}

	terms := tokenize(q.Text)
	if len(terms) == 0 {
		return nil, nil
	}

	kbs := make(map[string]bool, len(q.KBIDs))
	for _, id := range q.KBIDs {
		kbs[id] = true
	}

	n := float64(len(t.docs))
	avgLen := float64(t.totalLength) / n

	var results []Result
	for _, doc := range t.docs {
		rec := doc.record
		if len(kbs) > 0 && !kbs[rec.KBID] {
			continue
		}
		if q.ChildrenOnly && rec.Metadata["child"] != "true" {
			continue
		}
		if !acl.Matches(q.ACL, rec.ACL) {
			continue
		}

		var score float64
		for _, term := range terms {
			tf := float64(doc.freqs[term])
			if tf == 0 {
				continue
			}
			df := float64(t.docFreq[term])
			idf := math.Log((n-df+0.5)/(df+0.5) + 1)
			norm := tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*float64(doc.length)/avgLen))
			score += idf * norm
		}
		if score <= 0 {
			continue
		}

		results = append(results, Result{
			ID:         rec.ID,
			DocumentID: rec.DocumentID,
			KBID:       rec.KBID,
			Content:    rec.Content,
			Score:      float32(score),
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

	t, ok := s.tenants[tenantID]
	if !ok {
		return nil
	}
	for id, doc := range t.docs {
		if doc.record.DocumentID == documentID {
			t.remove(id)
		}
	}
	return nil
}

// DeleteByChunkIDs removes specific records.
func (s *MemoryStore) DeleteByChunkIDs(ctx context.Context, tenantID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return nil
	}
	for _, id := range ids {
		t.remove(id)
	}
	return nil
}

// DropTenant removes the tenant's index.
func (s *MemoryStore) DropTenant(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tenants, tenantID)
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
	if t, ok := s.tenants[tenantID]; ok {
		return len(t.docs)
	}
	return 0
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
