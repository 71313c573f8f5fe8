package sparsestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/knoguchi/kbserve/internal/acl"
)

// chunkMapping types the ACL fields as keywords so term filters are
// exact, and flattens chunker metadata to keywords the same way.
const chunkMapping = `{
	"mappings": {
		"dynamic_templates": [
			{
				"metadata_strings": {
					"path_match": "metadata.*",
					"mapping": {"type": "keyword"}
				}
			}
		],
		"properties": {
			"tenant_id": {"type": "keyword"},
			"kb_id": {"type": "keyword"},
			"doc_id": {"type": "keyword"},
			"content": {"type": "text"},
			"sensitivity_level": {"type": "keyword"},
			"acl_allow_users": {"type": "keyword"},
			"acl_allow_roles": {"type": "keyword"},
			"acl_allow_groups": {"type": "keyword"}
		}
	}
}`

// esDoc is the indexed document shape. ACL lists use omitempty so an
// unrestricted chunk has no field at all, which the empty-or-intersects
// filter relies on.
type esDoc struct {
	TenantID    string            `json:"tenant_id"`
	KBID        string            `json:"kb_id"`
	DocID       string            `json:"doc_id"`
	Content     string            `json:"content"`
	Sensitivity string            `json:"sensitivity_level"`
	AllowUsers  []string          `json:"acl_allow_users,omitempty"`
	AllowRoles  []string          `json:"acl_allow_roles,omitempty"`
	AllowGroups []string          `json:"acl_allow_groups,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ElasticStore implements Store using Elasticsearch with one index per
// tenant. Scores are Elasticsearch's native BM25.
type ElasticStore struct {
	client *elasticsearch.Client
}

// NewElasticStore creates an Elasticsearch-backed sparse store.
func NewElasticStore(url string) (*ElasticStore, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{url},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return &ElasticStore{client: client}, nil
}

// indexName returns the index name for a tenant.
func (s *ElasticStore) indexName(tenantID string) string {
	return fmt.Sprintf("chunks_%s", tenantID)
}

// EnsureIndex creates the tenant's index with the chunk mapping if it
// does not exist.
func (s *ElasticStore) EnsureIndex(ctx context.Context, tenantID string) error {
	name := s.indexName(tenantID)

	res, err := s.client.Indices.Exists([]string{name}, s.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index existence: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("unexpected status checking index: %s", res.Status())
	}

	res, err = s.client.Indices.Create(name,
		s.client.Indices.Create.WithContext(ctx),
		s.client.Indices.Create.WithBody(bytes.NewReader([]byte(chunkMapping))),
	)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to create index: %s", res.Status())
	}
	return nil
}

// Index bulk-upserts records keyed by chunk id.
func (s *ElasticStore) Index(ctx context.Context, tenantID string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, rec := range records {
		action := map[string]any{"index": map[string]any{"_id": rec.ID}}
		if err := json.NewEncoder(&buf).Encode(action); err != nil {
			return fmt.Errorf("failed to encode bulk action: %w", err)
		}
		doc := esDoc{
			TenantID:    tenantID,
			KBID:        rec.KBID,
			DocID:       rec.DocumentID,
			Content:     rec.Content,
			Sensitivity: rec.ACL.Sensitivity,
			AllowUsers:  rec.ACL.AllowUsers,
			AllowRoles:  rec.ACL.AllowRoles,
			AllowGroups: rec.ACL.AllowGroups,
			Metadata:    rec.Metadata,
		}
		if err := json.NewEncoder(&buf).Encode(doc); err != nil {
			return fmt.Errorf("failed to encode bulk document: %w", err)
		}
	}

	res, err := s.client.Bulk(bytes.NewReader(buf.Bytes()),
		s.client.Bulk.WithContext(ctx),
		s.client.Bulk.WithIndex(s.indexName(tenantID)),
		s.client.Bulk.WithRefresh("true"),
	)
	if err != nil {
		return fmt.Errorf("failed to bulk index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to bulk index: %s", res.Status())
	}

	var bulk struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(res.Body).Decode(&bulk); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if bulk.Errors {
		return fmt.Errorf("bulk indexing reported item errors")
	}
	return nil
}

// Search runs a BM25 match query with all filters compiled into the
// bool query.
func (s *ElasticStore) Search(ctx context.Context, tenantID string, q Query) ([]Result, error) {
	body := map[string]any{
		"size":  q.TopK,
		"query": buildBoolQuery(q),
		"sort": []any{
			map[string]any{"_score": map[string]any{"order": "desc"}},
			map[string]any{"_id": map[string]any{"order": "asc"}},
		},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("failed to encode search body: %w", err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.indexName(tenantID)),
		s.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, nil // tenant has no index yet
	}
	if res.IsError() {
		return nil, fmt.Errorf("failed to search: %s", res.Status())
	}

	var sr struct {
		Hits struct {
			Hits []struct {
				ID     string  `json:"_id"`
				Score  float64 `json:"_score"`
				Source esDoc   `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := make([]Result, 0, len(sr.Hits.Hits))
	for _, hit := range sr.Hits.Hits {
		results = append(results, Result{
			ID:         hit.ID,
			DocumentID: hit.Source.DocID,
			KBID:       hit.Source.KBID,
			Content:    hit.Source.Content,
			Score:      float32(hit.Score),
			ACL: acl.Meta{
				Sensitivity: hit.Source.Sensitivity,
				AllowUsers:  hit.Source.AllowUsers,
				AllowRoles:  hit.Source.AllowRoles,
				AllowGroups: hit.Source.AllowGroups,
			},
			Metadata: hit.Source.Metadata,
		})
	}
	return results, nil
}

// buildBoolQuery compiles scope, child, and ACL restrictions into an
// Elasticsearch bool query. Each ACL dimension passes when the field is
// absent or intersects the caller's principals.
func buildBoolQuery(q Query) map[string]any {
	filters := []any{}

	if len(q.KBIDs) > 0 {
		filters = append(filters, map[string]any{"terms": map[string]any{"kb_id": q.KBIDs}})
	}
	if q.ChildrenOnly {
		filters = append(filters, map[string]any{"term": map[string]any{"metadata.child": "true"}})
	}
	if q.ACL != nil {
		filters = append(filters, map[string]any{"terms": map[string]any{"sensitivity_level": q.ACL.Levels}})
		filters = append(filters, aclDimensionQuery("acl_allow_users", []string{q.ACL.User}))
		filters = append(filters, aclDimensionQuery("acl_allow_roles", q.ACL.Roles))
		filters = append(filters, aclDimensionQuery("acl_allow_groups", q.ACL.Groups))
	}

	return map[string]any{
		"bool": map[string]any{
			"must":   []any{map[string]any{"match": map[string]any{"content": q.Text}}},
			"filter": filters,
		},
	}
}

// aclDimensionQuery builds "field absent OR field intersects principals".
func aclDimensionQuery(field string, principals []string) map[string]any {
	should := []any{
		map[string]any{"bool": map[string]any{
			"must_not": map[string]any{"exists": map[string]any{"field": field}},
		}},
	}

	var keywords []string
	for _, p := range principals {
		if p != "" {
			keywords = append(keywords, p)
		}
	}
	if len(keywords) > 0 {
		should = append(should, map[string]any{"terms": map[string]any{field: keywords}})
	}

	return map[string]any{"bool": map[string]any{
		"should":               should,
		"minimum_should_match": 1,
	}}
}

// DeleteByDocument removes all records belonging to a document.
func (s *ElasticStore) DeleteByDocument(ctx context.Context, tenantID, documentID string) error {
	query := fmt.Sprintf(`{"query": {"term": {"doc_id": %q}}}`, documentID)

	res, err := s.client.DeleteByQuery(
		[]string{s.indexName(tenantID)},
		bytes.NewReader([]byte(query)),
		s.client.DeleteByQuery.WithContext(ctx),
		s.client.DeleteByQuery.WithIgnoreUnavailable(true),
		s.client.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return fmt.Errorf("failed to delete by document ID: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to delete by document ID: %s", res.Status())
	}
	return nil
}

// DeleteByChunkIDs removes specific records.
func (s *ElasticStore) DeleteByChunkIDs(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	body := map[string]any{"query": map[string]any{"ids": map[string]any{"values": ids}}}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return fmt.Errorf("failed to encode delete query: %w", err)
	}

	res, err := s.client.DeleteByQuery(
		[]string{s.indexName(tenantID)},
		&buf,
		s.client.DeleteByQuery.WithContext(ctx),
		s.client.DeleteByQuery.WithIgnoreUnavailable(true),
		s.client.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return fmt.Errorf("failed to delete by IDs: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to delete by IDs: %s", res.Status())
	}
	return nil
}

// DropTenant deletes the tenant's index.
func (s *ElasticStore) DropTenant(ctx context.Context, tenantID string) error {
	res, err := s.client.Indices.Delete(
		[]string{s.indexName(tenantID)},
		s.client.Indices.Delete.WithContext(ctx),
		s.client.Indices.Delete.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return fmt.Errorf("failed to delete index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to delete index: %s", res.Status())
	}
	return nil
}

// Ping reports whether Elasticsearch is reachable.
func (s *ElasticStore) Ping(ctx context.Context) error {
	res, err := s.client.Ping(s.client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elasticsearch ping: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch ping: %s", res.Status())
	}
	return nil
}

// Ensure ElasticStore implements Store.
var _ Store = (*ElasticStore)(nil)
