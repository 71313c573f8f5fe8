package service

import (
	"context"
	"io"
	"log/slog"
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
	"github.com/knoguchi/kbserve/internal/repository"
	"github.com/knoguchi/kbserve/internal/retriever"
	"github.com/knoguchi/kbserve/internal/sparsestore"
	"github.com/knoguchi/kbserve/internal/vectorstore"
)

// memState backs all repository fakes with one lock so deletes can
// cascade across tables the way the SQL schema does.
type memState struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]*repository.Tenant
	keys    map[uuid.UUID]*repository.ApiKey
	kbs     map[uuid.UUID]*repository.KnowledgeBase
	docs    map[uuid.UUID]*repository.Document
	chunks  map[uuid.UUID]*repository.Chunk
	tokens  map[uuid.UUID]*repository.AdminToken
}

func newMemState() *memState {
	return &memState{
		tenants: make(map[uuid.UUID]*repository.Tenant),
		keys:    make(map[uuid.UUID]*repository.ApiKey),
		kbs:     make(map[uuid.UUID]*repository.KnowledgeBase),
		docs:    make(map[uuid.UUID]*repository.Document),
		chunks:  make(map[uuid.UUID]*repository.Chunk),
		tokens:  make(map[uuid.UUID]*repository.AdminToken),
	}
}

type memTenants struct{ st *memState }

func (m *memTenants) Create(_ context.Context, t *repository.Tenant) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	cp := *t
	m.st.tenants[t.ID] = &cp
	return nil
}

func (m *memTenants) GetByID(_ context.Context, id uuid.UUID) (*repository.Tenant, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	t, ok := m.st.tenants[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memTenants) List(_ context.Context, limit, offset int) ([]*repository.Tenant, int, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	all := make([]*repository.Tenant, 0, len(m.st.tenants))
	for _, t := range m.st.tenants {
		cp := *t
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return page(all, limit, offset)
}

func (m *memTenants) Update(_ context.Context, t *repository.Tenant) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if _, ok := m.st.tenants[t.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *t
	m.st.tenants[t.ID] = &cp
	return nil
}

func (m *memTenants) Delete(_ context.Context, id uuid.UUID) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if _, ok := m.st.tenants[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.st.tenants, id)
	for kid, k := range m.st.keys {
		if k.TenantID == id {
			delete(m.st.keys, kid)
		}
	}
	for kbid, kb := range m.st.kbs {
		if kb.TenantID == id {
			delete(m.st.kbs, kbid)
		}
	}
	for did, d := range m.st.docs {
		if d.TenantID == id {
			delete(m.st.docs, did)
		}
	}
	for cid, c := range m.st.chunks {
		if c.TenantID == id {
			delete(m.st.chunks, cid)
		}
	}
	return nil
}

type memKeys struct{ st *memState }

func (m *memKeys) Create(_ context.Context, key *repository.ApiKey) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	cp := *key
	m.st.keys[key.ID] = &cp
	return nil
}

func (m *memKeys) GetByDigest(_ context.Context, digest string) (*repository.ApiKey, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	for _, k := range m.st.keys {
		if k.Digest == digest {
			cp := *k
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memKeys) GetByID(_ context.Context, tenantID, id uuid.UUID) (*repository.ApiKey, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	k, ok := m.st.keys[id]
	if !ok || k.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (m *memKeys) ListByTenant(_ context.Context, tenantID uuid.UUID) ([]*repository.ApiKey, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	var out []*repository.ApiKey
	for _, k := range m.st.keys {
		if k.TenantID == tenantID {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memKeys) Revoke(_ context.Context, tenantID, id uuid.UUID) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	k, ok := m.st.keys[id]
	if !ok || k.TenantID != tenantID {
		return repository.ErrNotFound
	}
	k.Revoked = true
	return nil
}

func (m *memKeys) TouchLastUsed(_ context.Context, id uuid.UUID, at time.Time) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if k, ok := m.st.keys[id]; ok {
		k.LastUsedAt = &at
	}
	return nil
}

type memKBs struct{ st *memState }

func (m *memKBs) Create(_ context.Context, kb *repository.KnowledgeBase) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	cp := *kb
	m.st.kbs[kb.ID] = &cp
	return nil
}

func (m *memKBs) GetByID(_ context.Context, tenantID, id uuid.UUID) (*repository.KnowledgeBase, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	kb, ok := m.st.kbs[id]
	if !ok || kb.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	cp := *kb
	return &cp, nil
}

func (m *memKBs) ListByTenant(_ context.Context, tenantID uuid.UUID, limit, offset int) ([]*repository.KnowledgeBase, int, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	var all []*repository.KnowledgeBase
	for _, kb := range m.st.kbs {
		if kb.TenantID == tenantID {
			cp := *kb
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return page(all, limit, offset)
}

func (m *memKBs) CountByTenant(_ context.Context, tenantID uuid.UUID) (int, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	n := 0
	for _, kb := range m.st.kbs {
		if kb.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (m *memKBs) Update(_ context.Context, kb *repository.KnowledgeBase) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if _, ok := m.st.kbs[kb.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *kb
	m.st.kbs[kb.ID] = &cp
	return nil
}

func (m *memKBs) Delete(_ context.Context, tenantID, id uuid.UUID) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	kb, ok := m.st.kbs[id]
	if !ok || kb.TenantID != tenantID {
		return repository.ErrNotFound
	}
	delete(m.st.kbs, id)
	for did, d := range m.st.docs {
		if d.KBID == id {
			delete(m.st.docs, did)
		}
	}
	for cid, c := range m.st.chunks {
		if c.KBID == id {
			delete(m.st.chunks, cid)
		}
	}
	return nil
}

type memDocs struct{ st *memState }

func (m *memDocs) Create(_ context.Context, doc *repository.Document) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	cp := *doc
	m.st.docs[doc.ID] = &cp
	return nil
}

func (m *memDocs) GetByID(_ context.Context, tenantID, id uuid.UUID) (*repository.Document, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	d, ok := m.st.docs[id]
	if !ok || d.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memDocs) ListByKB(_ context.Context, tenantID, kbID uuid.UUID, limit, offset int) ([]*repository.Document, int, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	var all []*repository.Document
	for _, d := range m.st.docs {
		if d.TenantID == tenantID && d.KBID == kbID {
			cp := *d
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Title < all[j].Title })
	return page(all, limit, offset)
}

func (m *memDocs) CountByTenant(_ context.Context, tenantID uuid.UUID) (int, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	n := 0
	for _, d := range m.st.docs {
		if d.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (m *memDocs) StorageBytesByTenant(_ context.Context, tenantID uuid.UUID) (int64, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	var total int64
	for _, d := range m.st.docs {
		if d.TenantID == tenantID {
			total += int64(len(d.Content))
		}
	}
	return total, nil
}

func (m *memDocs) Update(_ context.Context, doc *repository.Document) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if _, ok := m.st.docs[doc.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *doc
	m.st.docs[doc.ID] = &cp
	return nil
}

func (m *memDocs) UpdateSummary(_ context.Context, id uuid.UUID, summary, status string) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	d, ok := m.st.docs[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.Summary = summary
	d.SummaryStatus = status
	return nil
}

func (m *memDocs) Delete(_ context.Context, tenantID, id uuid.UUID) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	d, ok := m.st.docs[id]
	if !ok || d.TenantID != tenantID {
		return repository.ErrNotFound
	}
	delete(m.st.docs, id)
	for cid, c := range m.st.chunks {
		if c.DocumentID == id {
			delete(m.st.chunks, cid)
		}
	}
	return nil
}

type memChunks struct{ st *memState }

func (m *memChunks) CreateBatch(_ context.Context, chunks []*repository.Chunk) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	for _, c := range chunks {
		cp := *c
		m.st.chunks[c.ID] = &cp
	}
	return nil
}

func (m *memChunks) GetByIDs(_ context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*repository.Chunk, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	var out []*repository.Chunk
	for _, id := range ids {
		if c, ok := m.st.chunks[id]; ok && c.TenantID == tenantID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memChunks) ListByDocument(_ context.Context, documentID uuid.UUID) ([]*repository.Chunk, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	var out []*repository.Chunk
	for _, c := range m.st.chunks {
		if c.DocumentID == documentID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *memChunks) IDsByDocument(_ context.Context, documentID uuid.UUID) ([]uuid.UUID, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	var out []uuid.UUID
	for _, c := range m.st.chunks {
		if c.DocumentID == documentID {
			out = append(out, c.ID)
		}
	}
	return out, nil
}

func (m *memChunks) UpdateStatus(_ context.Context, ids []uuid.UUID, status, lastError string) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	for _, id := range ids {
		if c, ok := m.st.chunks[id]; ok {
			c.IndexingStatus = status
			c.LastError = lastError
			c.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (m *memChunks) StatsByDocument(_ context.Context, documentID uuid.UUID) (*repository.ChunkStats, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	stats := &repository.ChunkStats{}
	for _, c := range m.st.chunks {
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

func (m *memChunks) StalePendingDocuments(_ context.Context, olderThan time.Time, _ int) ([]repository.StaleDocument, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var out []repository.StaleDocument
	for _, c := range m.st.chunks {
		if c.IndexingStatus == repository.ChunkStatusPending && c.UpdatedAt.Before(olderThan) && !seen[c.DocumentID] {
			seen[c.DocumentID] = true
			out = append(out, repository.StaleDocument{DocumentID: c.DocumentID, TenantID: c.TenantID})
		}
	}
	return out, nil
}

func (m *memChunks) DeleteByDocument(_ context.Context, documentID uuid.UUID) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	for id, c := range m.st.chunks {
		if c.DocumentID == documentID {
			delete(m.st.chunks, id)
		}
	}
	return nil
}

func (m *memChunks) byStatus(status string) int {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	n := 0
	for _, c := range m.st.chunks {
		if c.IndexingStatus == status {
			n++
		}
	}
	return n
}

type memTokens struct{ st *memState }

func (m *memTokens) Create(_ context.Context, token *repository.AdminToken) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	cp := *token
	m.st.tokens[token.ID] = &cp
	return nil
}

func (m *memTokens) GetByDigest(_ context.Context, digest string) (*repository.AdminToken, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	for _, t := range m.st.tokens {
		if t.Digest == digest {
			cp := *t
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memTokens) List(_ context.Context) ([]*repository.AdminToken, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	var out []*repository.AdminToken
	for _, t := range m.st.tokens {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memTokens) Revoke(_ context.Context, id uuid.UUID) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	t, ok := m.st.tokens[id]
	if !ok {
		return repository.ErrNotFound
	}
	t.Revoked = true
	return nil
}

// page applies limit/offset the way the SQL repositories do.
func page[T any](all []T, limit, offset int) ([]T, int, error) {
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

// axisEmbedder maps known keywords onto orthogonal axes so relevance in
// tests is controlled by word choice. Text mentioning none of the
// keywords lands on a spare axis orthogonal to all of them.
type axisEmbedder struct{ axes []string }

func (e *axisEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
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

func (e *axisEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
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

func (e *axisEmbedder) Dimension() int    { return len(e.axes) + 1 }
func (e *axisEmbedder) ModelName() string { return "axis-embed" }
func (e *axisEmbedder) Provider() string  { return "test" }

type stubEmbedders struct{ emb embedder.Embedder }

func (s stubEmbedders) For(repository.EmbeddingConfig) (embedder.Embedder, error) {
	return s.emb, nil
}

// captureLLM records every prompt and option set it sees and plays back
// canned output.
type captureLLM struct {
	mu       sync.Mutex
	response string
	tokens   []string
	err      error
	prompts  []string
	opts     []llm.GenerateOptions
}

func (c *captureLLM) Generate(_ context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, prompt)
	c.opts = append(c.opts, opts)
	if c.err != nil {
		return "", c.err
	}
	if c.response != "" {
		return c.response, nil
	}
	return "stubbed answer [Source 1]", nil
}

func (c *captureLLM) GenerateStream(_ context.Context, prompt string, opts llm.GenerateOptions) (<-chan llm.StreamChunk, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	c.opts = append(c.opts, opts)
	err := c.err
	tokens := c.tokens
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.StreamChunk, len(tokens)+1)
	for _, tok := range tokens {
		ch <- llm.StreamChunk{Token: tok}
	}
	ch <- llm.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

func (c *captureLLM) ModelName() string { return "capture-llm" }
func (c *captureLLM) Provider() string  { return "test" }

func (c *captureLLM) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}

func (c *captureLLM) lastPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.prompts) == 0 {
		return ""
	}
	return c.prompts[len(c.prompts)-1]
}

func (c *captureLLM) lastOpts() llm.GenerateOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.opts) == 0 {
		return llm.GenerateOptions{}
	}
	return c.opts[len(c.opts)-1]
}

// reverseReranker inverts hit order so tests can tell reranking ran.
type reverseReranker struct{ err error }

func (r *reverseReranker) Rerank(_ context.Context, _ string, hits []retriever.Hit, topN int) ([]retriever.Hit, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := make([]retriever.Hit, 0, len(hits))
	for i := len(hits) - 1; i >= 0; i-- {
		out = append(out, hits[i])
	}
	if len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}

func (r *reverseReranker) ModelName() string { return "reverse-rerank" }
func (r *reverseReranker) Provider() string  { return "test" }

var testAxes = []string{"postgres", "kubernetes", "terraform"}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDefaults() repository.KBConfig {
	return repository.KBConfig{
		Chunker: repository.ChunkerConfig{Name: chunker.NameSimple},
		// The floor keeps orthogonal-axis results out entirely, so "no
		// match" assertions see empty results rather than zero scores.
		Retriever: repository.RetrieverConfig{Name: retriever.NameDense, Params: map[string]any{"min_score": 0.1}},
		Embedding: repository.EmbeddingConfig{Provider: "test", Model: "axis-embed", Dimension: len(testAxes) + 1},
	}
}

// fixture wires every service over in-memory stores with a real ingest
// pipeline, so query tests exercise the same write path production does.
type fixture struct {
	t *testing.T

	tenants *memTenants
	keys    *memKeys
	kbs     *memKBs
	docs    *memDocs
	chunks  *memChunks
	tokens  *memTokens
	dense   *vectorstore.MemoryStore
	sparse  *sparsestore.MemoryStore
	llm     *captureLLM

	tenantSvc *TenantService
	tokenSvc  *AdminTokenService
	keySvc    *APIKeyService
	kbSvc     *KBService
	docSvc    *DocumentService
	querySvc  *QueryService
	ragSvc    *RAGService

	tenant *repository.Tenant
}

func newFixture(t *testing.T, opts ...QueryOption) *fixture {
	t.Helper()

	st := newMemState()
	f := &fixture{
		t:       t,
		tenants: &memTenants{st: st},
		keys:    &memKeys{st: st},
		kbs:     &memKBs{st: st},
		docs:    &memDocs{st: st},
		chunks:  &memChunks{st: st},
		tokens:  &memTokens{st: st},
		dense:   vectorstore.NewMemoryStore(),
		sparse:  sparsestore.NewMemoryStore(),
		llm:     &captureLLM{},
	}

	provider := stubEmbedders{emb: &axisEmbedder{axes: testAxes}}
	chunkers := chunker.NewRegistry(true)
	retrievers := retriever.NewRegistry(retriever.Deps{
		Dense:     f.dense,
		Sparse:    f.sparse,
		Embedders: provider,
		Chunks:    f.chunks,
		LLM:       f.llm,
		Logger:    testLogger(),
	}, true)

	orch, err := ingest.NewOrchestrator(ingest.Deps{
		Documents: f.docs,
		KBs:       f.kbs,
		Chunks:    f.chunks,
		Dense:     f.dense,
		Sparse:    f.sparse,
		Embedders: provider,
		Chunkers:  chunkers,
		LLM:       f.llm,
		Logger:    testLogger(),
	}, ingest.Options{EmbedAttempts: 1, StoreAttempts: 1})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	logger := testLogger()
	f.tenantSvc = NewTenantService(f.tenants, f.keys, f.dense, f.sparse, logger)
	f.tokenSvc = NewAdminTokenService(f.tokens)
	f.keySvc = NewAPIKeyService(f.keys, f.kbs)
	f.kbSvc = NewKBService(f.kbs, f.docs, f.chunks, f.dense, f.sparse, chunkers, retrievers, provider, testDefaults(), logger)
	f.docSvc = NewDocumentService(f.docs, f.kbs, f.chunks, f.dense, f.sparse, orch, logger)
	f.querySvc = NewQueryService(f.kbs, f.chunks, retrievers, f.llm, metrics.New(), logger, opts...)
	f.ragSvc = NewRAGService(f.querySvc, f.llm, RAGOptions{}, logger)

	created, err := f.tenantSvc.Create(context.Background(), &CreateTenantRequest{Name: "acme"})
	if err != nil {
		t.Fatalf("Create() tenant error = %v", err)
	}
	f.tenant = created.Tenant
	return f
}

// rc builds an authenticated caller for the fixture tenant.
func (f *fixture) rc(role string, identity repository.Identity, scope ...uuid.UUID) *auth.RequestContext {
	return &auth.RequestContext{
		Tenant: f.tenant,
		APIKey: &repository.ApiKey{
			ID:         uuid.New(),
			TenantID:   f.tenant.ID,
			Name:       "test-key",
			Role:       role,
			ScopeKBIDs: scope,
			Identity:   identity,
		},
		Identity: identity,
	}
}

func (f *fixture) admin() *auth.RequestContext {
	return f.rc(repository.RoleAdmin, repository.Identity{})
}

func (f *fixture) createKB(name string, cfg *repository.KBConfig) *repository.KnowledgeBase {
	f.t.Helper()
	kb, err := f.kbSvc.Create(context.Background(), f.admin(), &CreateKBRequest{Name: name, Config: cfg})
	if err != nil {
		f.t.Fatalf("Create() kb %s error = %v", name, err)
	}
	return kb
}

func (f *fixture) addDoc(kbID uuid.UUID, req *CreateDocumentRequest) *repository.Document {
	f.t.Helper()
	ing, err := f.docSvc.Create(context.Background(), f.admin(), kbID, req)
	if err != nil {
		f.t.Fatalf("Create() document error = %v", err)
	}
	return ing.Document
}
