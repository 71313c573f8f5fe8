package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/kbserve/internal/auth"
	"github.com/knoguchi/kbserve/internal/chunker"
	"github.com/knoguchi/kbserve/internal/embedder"
	"github.com/knoguchi/kbserve/internal/ingest"
	"github.com/knoguchi/kbserve/internal/llm"
	"github.com/knoguchi/kbserve/internal/metrics"
	"github.com/knoguchi/kbserve/internal/ratelimit"
	"github.com/knoguchi/kbserve/internal/repository"
	"github.com/knoguchi/kbserve/internal/retriever"
	"github.com/knoguchi/kbserve/internal/service"
	"github.com/knoguchi/kbserve/internal/sparsestore"
	"github.com/knoguchi/kbserve/internal/vectorstore"
)

// memDB backs all repository fakes with one lock, mirroring the row
// tables the SQL schema has.
type memDB struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]*repository.Tenant
	keys    map[uuid.UUID]*repository.ApiKey
	kbs     map[uuid.UUID]*repository.KnowledgeBase
	docs    map[uuid.UUID]*repository.Document
	chunks  map[uuid.UUID]*repository.Chunk
	tokens  map[uuid.UUID]*repository.AdminToken
	usage   []*repository.UsageLog
}

func newMemDB() *memDB {
	return &memDB{
		tenants: make(map[uuid.UUID]*repository.Tenant),
		keys:    make(map[uuid.UUID]*repository.ApiKey),
		kbs:     make(map[uuid.UUID]*repository.KnowledgeBase),
		docs:    make(map[uuid.UUID]*repository.Document),
		chunks:  make(map[uuid.UUID]*repository.Chunk),
		tokens:  make(map[uuid.UUID]*repository.AdminToken),
	}
}

func pageOf[T any](all []T, limit, offset int) ([]T, int, error) {
	total := len(all)
	if offset >= total {
		return []T{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

type dbTenants struct{ db *memDB }

func (d *dbTenants) Create(_ context.Context, t *repository.Tenant) error {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	cp := *t
	d.db.tenants[t.ID] = &cp
	return nil
}

func (d *dbTenants) GetByID(_ context.Context, id uuid.UUID) (*repository.Tenant, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	t, ok := d.db.tenants[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (d *dbTenants) List(_ context.Context, limit, offset int) ([]*repository.Tenant, int, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	all := make([]*repository.Tenant, 0, len(d.db.tenants))
	for _, t := range d.db.tenants {
		cp := *t
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return pageOf(all, limit, offset)
}

func (d *dbTenants) Update(_ context.Context, t *repository.Tenant) error {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	if _, ok := d.db.tenants[t.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *t
	d.db.tenants[t.ID] = &cp
	return nil
}

func (d *dbTenants) Delete(_ context.Context, id uuid.UUID) error {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	if _, ok := d.db.tenants[id]; !ok {
		return repository.ErrNotFound
	}
	delete(d.db.tenants, id)
	for kid, k := range d.db.keys {
		if k.TenantID == id {
			delete(d.db.keys, kid)
		}
	}
	for kbid, kb := range d.db.kbs {
		if kb.TenantID == id {
			delete(d.db.kbs, kbid)
		}
	}
	for did, doc := range d.db.docs {
		if doc.TenantID == id {
			delete(d.db.docs, did)
		}
	}
	for cid, c := range d.db.chunks {
		if c.TenantID == id {
			delete(d.db.chunks, cid)
		}
	}
	return nil
}

type dbKeys struct{ db *memDB }

func (d *dbKeys) Create(_ context.Context, key *repository.ApiKey) error {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	cp := *key
	d.db.keys[key.ID] = &cp
	return nil
}

func (d *dbKeys) GetByDigest(_ context.Context, digest string) (*repository.ApiKey, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	for _, k := range d.db.keys {
		if k.Digest == digest {
			cp := *k
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (d *dbKeys) GetByID(_ context.Context, tenantID, id uuid.UUID) (*repository.ApiKey, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	k, ok := d.db.keys[id]
	if !ok || k.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (d *dbKeys) ListByTenant(_ context.Context, tenantID uuid.UUID) ([]*repository.ApiKey, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	var out []*repository.ApiKey
	for _, k := range d.db.keys {
		if k.TenantID == tenantID {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *dbKeys) Revoke(_ context.Context, tenantID, id uuid.UUID) error {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	k, ok := d.db.keys[id]
	if !ok || k.TenantID != tenantID {
		return repository.ErrNotFound
	}
	k.Revoked = true
	return nil
}

func (d *dbKeys) TouchLastUsed(_ context.Context, id uuid.UUID, at time.Time) error {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	if k, ok := d.db.keys[id]; ok {
		k.LastUsedAt = &at
	}
	return nil
}

type dbKBs struct{ db *memDB }

func (d *dbKBs) Create(_ context.Context, kb *repository.KnowledgeBase) error {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	cp := *kb
	d.db.kbs[kb.ID] = &cp
	return nil
}

func (d *dbKBs) GetByID(_ context.Context, tenantID, id uuid.UUID) (*repository.KnowledgeBase, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	kb, ok := d.db.kbs[id]
	if !ok || kb.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	cp := *kb
	return &cp, nil
}

func (d *dbKBs) ListByTenant(_ context.Context, tenantID uuid.UUID, limit, offset int) ([]*repository.KnowledgeBase, int, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	var all []*repository.KnowledgeBase
	for _, kb := range d.db.kbs {
		if kb.TenantID == tenantID {
			cp := *kb
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return pageOf(all, limit, offset)
}

func (d *dbKBs) CountByTenant(_ context.Context, tenantID uuid.UUID) (int, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	n := 0
	for _, kb := range d.db.kbs {
		if kb.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (d *dbKBs) Update(_ context.Context, kb *repository.KnowledgeBase) error {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	if _, ok := d.db.kbs[kb.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *kb
	d.db.kbs[kb.ID] = &cp
	return nil
}

func (d *dbKBs) Delete(_ context.Context, tenantID, id uuid.UUID) error {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	kb, ok := d.db.kbs[id]
	if !ok || kb.TenantID != tenantID {
		return repository.ErrNotFound
	}
	delete(d.db.kbs, id)
	for did, doc := range d.db.docs {
		if doc.KBID == id {
			delete(d.db.docs, did)
		}
	}
	for cid, c := range d.db.chunks {
		if c.KBID == id {
			delete(d.db.chunks, cid)
		}
	}
	return nil
}

type dbDocs struct{ db *memDB }

func (d *dbDocs) Create(_ context.Context, doc *repository.Document) error {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	cp := *doc
	d.db.docs[doc.ID] = &cp
	return nil
}

func (d *dbDocs) GetByID(_ context.Context, tenantID, id uuid.UUID) (*repository.Document, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	doc, ok := d.db.docs[id]
	if !ok || doc.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (d *dbDocs) ListByKB(_ context.Context, tenantID, kbID uuid.UUID, limit, offset int) ([]*repository.Document, int, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	var all []*repository.Document
	for _, doc := range d.db.docs {
		if doc.TenantID == tenantID && doc.KBID == kbID {
			cp := *doc
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Title < all[j].Title })
	return pageOf(all, limit, offset)
}

func (d *dbDocs) CountByTenant(_ context.Context, tenantID uuid.UUID) (int, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	n := 0
	for _, doc := range d.db.docs {
		if doc.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (d *dbDocs) StorageBytesByTenant(_ context.Context, tenantID uuid.UUID) (int64, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	var total int64
	for _, doc := range d.db.docs {
		if doc.TenantID == tenantID {
			total += int64(len(doc.Content))
		}
	}
	return total, nil
}

func (d *dbDocs) Update(_ context.Context, doc *repository.Document) error {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	if _, ok := d.db.docs[doc.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *doc
	d.db.docs[doc.ID] = &cp
	return nil
}

func (d *dbDocs) UpdateSummary(_ context.Context, id uuid.UUID, summary, status string) error {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	doc, ok := d.db.docs[id]
	if !ok {
		return repository.ErrNotFound
	}
	doc.Summary = summary
	doc.SummaryStatus = status
	return nil
}

func (d *dbDocs) Delete(_ context.Context, tenantID, id uuid.UUID) error {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	doc, ok := d.db.docs[id]
	if !ok || doc.TenantID != tenantID {
		return repository.ErrNotFound
	}
	delete(d.db.docs, id)
	for cid, c := range d.db.chunks {
		if c.DocumentID == id {
			delete(d.db.chunks, cid)
		}
	}
	return nil
}

type dbChunks struct{ db *memDB }

func (d *dbChunks) CreateBatch(_ context.Context, chunks []*repository.Chunk) error {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	for _, c := range chunks {
		cp := *c
		d.db.chunks[c.ID] = &cp
	}
	return nil
}

func (d *dbChunks) GetByIDs(_ context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*repository.Chunk, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	var out []*repository.Chunk
	for _, id := range ids {
		if c, ok := d.db.chunks[id]; ok && c.TenantID == tenantID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (d *dbChunks) ListByDocument(_ context.Context, documentID uuid.UUID) ([]*repository.Chunk, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	var out []*repository.Chunk
	for _, c := range d.db.chunks {
		if c.DocumentID == documentID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (d *dbChunks) IDsByDocument(_ context.Context, documentID uuid.UUID) ([]uuid.UUID, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	var out []uuid.UUID
	for _, c := range d.db.chunks {
		if c.DocumentID == documentID {
			out = append(out, c.ID)
		}
	}
	return out, nil
}

func (d *dbChunks) UpdateStatus(_ context.Context, ids []uuid.UUID, status, lastError string) error {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	for _, id := range ids {
		if c, ok := d.db.chunks[id]; ok {
			c.IndexingStatus = status
			c.LastError = lastError
			c.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (d *dbChunks) StatsByDocument(_ context.Context, documentID uuid.UUID) (*repository.ChunkStats, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	stats := &repository.ChunkStats{}
	for _, c := range d.db.chunks {
		if c.DocumentID != documentID {
			continue
		}
		stats.Total++
		switch c.IndexingStatus {
		case repository.ChunkStatusPending:
			stats.Pending++
		case repository.ChunkStatusIndexed:
			stats.Indexed++
		case repository.ChunkStatusFailed:
			stats.Failed++
		case repository.ChunkStatusParent:
			stats.Parents++
		}
	}
	return stats, nil
}

func (d *dbChunks) StalePendingDocuments(_ context.Context, olderThan time.Time, _ int) ([]repository.StaleDocument, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var out []repository.StaleDocument
	for _, c := range d.db.chunks {
		if c.IndexingStatus == repository.ChunkStatusPending && c.UpdatedAt.Before(olderThan) && !seen[c.DocumentID] {
			seen[c.DocumentID] = true
			out = append(out, repository.StaleDocument{DocumentID: c.DocumentID, TenantID: c.TenantID})
		}
	}
	return out, nil
}

func (d *dbChunks) DeleteByDocument(_ context.Context, documentID uuid.UUID) error {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	for id, c := range d.db.chunks {
		if c.DocumentID == documentID {
			delete(d.db.chunks, id)
		}
	}
	return nil
}

type dbTokens struct{ db *memDB }

func (d *dbTokens) Create(_ context.Context, token *repository.AdminToken) error {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	cp := *token
	d.db.tokens[token.ID] = &cp
	return nil
}

func (d *dbTokens) GetByDigest(_ context.Context, digest string) (*repository.AdminToken, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	for _, t := range d.db.tokens {
		if t.Digest == digest {
			cp := *t
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (d *dbTokens) List(_ context.Context) ([]*repository.AdminToken, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	var out []*repository.AdminToken
	for _, t := range d.db.tokens {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *dbTokens) Revoke(_ context.Context, id uuid.UUID) error {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	t, ok := d.db.tokens[id]
	if !ok {
		return repository.ErrNotFound
	}
	t.Revoked = true
	return nil
}

type dbUsage struct{ db *memDB }

func (d *dbUsage) Insert(_ context.Context, log *repository.UsageLog) error {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	cp := *log
	d.db.usage = append(d.db.usage, &cp)
	return nil
}

func (d *dbUsage) ListByTenant(_ context.Context, tenantID uuid.UUID, limit, offset int) ([]*repository.UsageLog, int, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	var all []*repository.UsageLog
	for _, u := range d.db.usage {
		if u.TenantID == tenantID {
			cp := *u
			all = append(all, &cp)
		}
	}
	return pageOf(all, limit, offset)
}

func (d *dbUsage) rows() []*repository.UsageLog {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	out := make([]*repository.UsageLog, len(d.db.usage))
	copy(out, d.db.usage)
	return out
}

// keywordEmbedder maps known keywords onto orthogonal axes so retrieval
// relevance in tests follows word choice.
type keywordEmbedder struct{ axes []string }

func (e *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, len(e.axes)+1)
	lower := strings.ToLower(text)
	matched := false
	for i, w := range e.axes {
		if strings.Contains(lower, w) {
			vec[i] = 1
			matched = true
		}
	}
	if !matched {
		vec[len(e.axes)] = 1
	}
	return vec, nil
}

func (e *keywordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *keywordEmbedder) Dimension() int    { return len(e.axes) + 1 }
func (e *keywordEmbedder) ModelName() string { return "keyword-embed" }
func (e *keywordEmbedder) Provider() string  { return "test" }

type stubEmbedders struct{ emb embedder.Embedder }

func (s stubEmbedders) For(repository.EmbeddingConfig) (embedder.Embedder, error) {
	return s.emb, nil
}

// scriptedLLM plays back a canned response, as one string or as stream
// tokens.
type scriptedLLM struct {
	mu       sync.Mutex
	response string
	tokens   []string
}

func (c *scriptedLLM) Generate(_ context.Context, _ string, _ llm.GenerateOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.response != "" {
		return c.response, nil
	}
	return "scripted answer [Source 1]", nil
}

func (c *scriptedLLM) GenerateStream(_ context.Context, _ string, _ llm.GenerateOptions) (<-chan llm.StreamChunk, error) {
	c.mu.Lock()
	tokens := c.tokens
	c.mu.Unlock()
	ch := make(chan llm.StreamChunk, len(tokens)+1)
	for _, tok := range tokens {
		ch <- llm.StreamChunk{Token: tok}
	}
	ch <- llm.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

func (c *scriptedLLM) ModelName() string { return "scripted-llm" }
func (c *scriptedLLM) Provider() string  { return "test" }

type probeFunc func(ctx context.Context) error

func (f probeFunc) Ping(ctx context.Context) error { return f(ctx) }

var testAxes = []string{"postgres", "kubernetes", "terraform"}

const testAdminToken = "test-bootstrap-admin-token"

// harness wires the full route tree over in-memory storage with the
// production resolver and admin verifier, so requests travel the same
// path they do in deployment.
type harness struct {
	t     *testing.T
	srv   *Server
	usage *dbUsage
	llm   *scriptedLLM
}

func newHarness(t *testing.T, probes map[string]Pinger) *harness {
	t.Helper()

	db := newMemDB()
	tenants := &dbTenants{db: db}
	keys := &dbKeys{db: db}
	kbs := &dbKBs{db: db}
	docs := &dbDocs{db: db}
	chunks := &dbChunks{db: db}
	tokens := &dbTokens{db: db}
	usage := &dbUsage{db: db}

	dense := vectorstore.NewMemoryStore()
	sparse := sparsestore.NewMemoryStore()
	scripted := &scriptedLLM{}
	provider := stubEmbedders{emb: &keywordEmbedder{axes: testAxes}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	embedding := repository.EmbeddingConfig{Provider: "test", Model: "keyword-embed", Dimension: len(testAxes) + 1}
	defaults := repository.KBConfig{
		Chunker:   repository.ChunkerConfig{Name: chunker.NameSimple},
		Retriever: repository.RetrieverConfig{Name: retriever.NameDense, Params: map[string]any{"min_score": 0.1}},
		Embedding: embedding,
	}

	chunkers := chunker.NewRegistry(true)
	retrievers := retriever.NewRegistry(retriever.Deps{
		Dense:     dense,
		Sparse:    sparse,
		Embedders: provider,
		Chunks:    chunks,
		LLM:       scripted,
		Logger:    logger,
	}, true)

	orch, err := ingest.NewOrchestrator(ingest.Deps{
		Documents: docs,
		KBs:       kbs,
		Chunks:    chunks,
		Dense:     dense,
		Sparse:    sparse,
		Embedders: provider,
		Chunkers:  chunkers,
		LLM:       scripted,
		Logger:    logger,
	}, ingest.Options{EmbedAttempts: 1, StoreAttempts: 1})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	svcs := Services{
		Tenants:     service.NewTenantService(tenants, keys, dense, sparse, logger),
		AdminTokens: service.NewAdminTokenService(tokens),
		APIKeys:     service.NewAPIKeyService(keys, kbs),
		KBs:         service.NewKBService(kbs, docs, chunks, dense, sparse, chunkers, retrievers, provider, defaults, logger),
		Documents:   service.NewDocumentService(docs, kbs, chunks, dense, sparse, orch, logger),
		Query:       service.NewQueryService(kbs, chunks, retrievers, scripted, metrics.New(), logger),
	}
	svcs.RAG = service.NewRAGService(svcs.Query, scripted, service.RAGOptions{}, logger)

	srv, err := New(
		Config{Port: 0, RequestTimeout: 10 * time.Second, Logger: logger},
		svcs,
		Deps{
			Auth:             auth.NewResolver(tenants, keys, ratelimit.NewMemoryLimiter(), 1000, logger),
			Admin:            auth.NewAdminVerifier(tokens, testAdminToken),
			Usage:            usage,
			Embedders:        provider,
			DefaultEmbedding: embedding,
			Metrics:          metrics.New(),
			Probes:           probes,
		},
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &harness{t: t, srv: srv, usage: usage, llm: scripted}
}

// do runs one request through the route tree.
func (h *harness) do(method, path string, headers map[string]string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		case []byte:
			rd = bytes.NewReader(b)
		default:
			raw, err := json.Marshal(body)
			if err != nil {
				h.t.Fatalf("marshal request body: %v", err)
			}
			rd = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.srv.Router().ServeHTTP(rec, req)
	return rec
}

func (h *harness) admin(method, path string, body any) *httptest.ResponseRecorder {
	return h.do(method, path, map[string]string{"X-Admin-Token": testAdminToken}, body)
}

func (h *harness) api(method, path, key string, body any) *httptest.ResponseRecorder {
	return h.do(method, path, map[string]string{"Authorization": "Bearer " + key}, body)
}

// decode unmarshals a response body into v, failing the test on error.
func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("unmarshal response %q: %v", rec.Body.String(), err)
	}
}

// errCode pulls the stable code out of an error envelope.
func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decode(t, rec, &body)
	return body.Error.Code
}

// createTenant provisions a tenant through the admin API and returns its
// id with the bootstrap admin key plaintext.
func (h *harness) createTenant(name string) (string, string) {
	h.t.Helper()
	rec := h.admin(http.MethodPost, "/admin/tenants", map[string]any{"name": name})
	if rec.Code != http.StatusCreated {
		h.t.Fatalf("create tenant = %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Tenant struct {
			ID string `json:"id"`
		} `json:"tenant"`
		APIKeyPlaintext string `json:"api_key_plaintext"`
	}
	decode(h.t, rec, &created)
	if created.APIKeyPlaintext == "" {
		h.t.Fatal("create tenant returned no bootstrap key")
	}
	return created.Tenant.ID, created.APIKeyPlaintext
}

// createKB makes a knowledge base with the harness defaults and returns
// its id.
func (h *harness) createKB(key, name string) string {
	h.t.Helper()
	rec := h.api(http.MethodPost, "/v1/knowledge-bases", key, map[string]any{"name": name})
	if rec.Code != http.StatusCreated {
		h.t.Fatalf("create kb = %d: %s", rec.Code, rec.Body.String())
	}
	var kb struct {
		ID string `json:"id"`
	}
	decode(h.t, rec, &kb)
	return kb.ID
}

// addDocument ingests a document and returns its id.
func (h *harness) addDocument(key, kbID string, doc map[string]any) string {
	h.t.Helper()
	rec := h.api(http.MethodPost, "/v1/knowledge-bases/"+kbID+"/documents", key, doc)
	if rec.Code != http.StatusCreated {
		h.t.Fatalf("create document = %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Document struct {
			ID string `json:"id"`
		} `json:"document"`
	}
	decode(h.t, rec, &created)
	return created.Document.ID
}
