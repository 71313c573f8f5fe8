package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/kbserve/internal/apperr"
	"github.com/knoguchi/kbserve/internal/chunker"
	"github.com/knoguchi/kbserve/internal/embedder"
	"github.com/knoguchi/kbserve/internal/llm"
	"github.com/knoguchi/kbserve/internal/repository"
	"github.com/knoguchi/kbserve/internal/sparsestore"
	"github.com/knoguchi/kbserve/internal/vectorstore"
)

type memDocs struct {
	repository.DocumentRepository
	mu        sync.Mutex
	rows      map[uuid.UUID]*repository.Document
	summaries []string // status transitions, in order
	summary   string
}

func (m *memDocs) GetByID(_ context.Context, tenantID, id uuid.UUID) (*repository.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.rows[id]
	if !ok || doc.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (m *memDocs) UpdateSummary(_ context.Context, id uuid.UUID, summary, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, status)
	m.summary = summary
	return nil
}

type memKBs struct {
	repository.KnowledgeBaseRepository
	rows map[uuid.UUID]*repository.KnowledgeBase
}

func (m *memKBs) GetByID(_ context.Context, tenantID, id uuid.UUID) (*repository.KnowledgeBase, error) {
	kb, ok := m.rows[id]
	if !ok || kb.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	return kb, nil
}

type memChunks struct {
	repository.ChunkRepository
	mu   sync.Mutex
	rows map[uuid.UUID]*repository.Chunk
}

func (m *memChunks) CreateBatch(_ context.Context, chunks []*repository.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		cp := *c
		m.rows[c.ID] = &cp
	}
	return nil
}

func (m *memChunks) UpdateStatus(_ context.Context, ids []uuid.UUID, status, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if r, ok := m.rows[id]; ok {
			r.IndexingStatus = status
			r.LastError = lastError
			r.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (m *memChunks) DeleteByDocument(_ context.Context, documentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.rows {
		if r.DocumentID == documentID {
			delete(m.rows, id)
		}
	}
	return nil
}

func (m *memChunks) StalePendingDocuments(_ context.Context, olderThan time.Time, _ int) ([]repository.StaleDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var out []repository.StaleDocument
	for _, r := range m.rows {
		if r.IndexingStatus == repository.ChunkStatusPending && r.UpdatedAt.Before(olderThan) && !seen[r.DocumentID] {
			seen[r.DocumentID] = true
			out = append(out, repository.StaleDocument{DocumentID: r.DocumentID, TenantID: r.TenantID})
		}
	}
	return out, nil
}

func (m *memChunks) byStatus(status string) []*repository.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.Chunk
	for _, r := range m.rows {
		if r.IndexingStatus == status {
			out = append(out, r)
		}
	}
	return out
}

type stubEmbedder struct {
	err  error
	fail map[string]bool
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if s.fail[t] {
			return nil, fmt.Errorf("embedder refused %q", t)
		}
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (s *stubEmbedder) Dimension() int    { return 2 }
func (s *stubEmbedder) ModelName() string { return "stub-embed" }
func (s *stubEmbedder) Provider() string  { return "test" }

type stubProvider struct {
	emb embedder.Embedder
	err error
}

func (p stubProvider) For(repository.EmbeddingConfig) (embedder.Embedder, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.emb, nil
}

type stubLLM struct {
	response string
	err      error
}

func (s *stubLLM) Generate(context.Context, string, llm.GenerateOptions) (string, error) {
	return s.response, s.err
}

func (s *stubLLM) GenerateStream(context.Context, string, llm.GenerateOptions) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	close(ch)
	return ch, nil
}

type failingSparse struct {
	sparsestore.Store
}

func (failingSparse) Index(context.Context, string, []sparsestore.Record) error {
	return errors.New("sparse store down")
}

type fixture struct {
	orch    *Orchestrator
	docs    *memDocs
	kbs     *memKBs
	chunks  *memChunks
	dense   *vectorstore.MemoryStore
	sparse  sparsestore.Store
	tenant  uuid.UUID
	kbID    uuid.UUID
	docID   uuid.UUID
}

// fastOpts keeps retries single-shot so failure tests do not sleep.
func fastOpts() Options {
	return Options{EmbedAttempts: 1, StoreAttempts: 1}
}

func newFixture(t *testing.T, opts Options, mutate func(*Deps)) *fixture {
	t.Helper()

	f := &fixture{
		docs:   &memDocs{rows: make(map[uuid.UUID]*repository.Document)},
		kbs:    &memKBs{rows: make(map[uuid.UUID]*repository.KnowledgeBase)},
		chunks: &memChunks{rows: make(map[uuid.UUID]*repository.Chunk)},
		dense:  vectorstore.NewMemoryStore(),
		sparse: sparsestore.NewMemoryStore(),
		tenant: uuid.New(),
		kbID:   uuid.New(),
		docID:  uuid.New(),
	}

	f.kbs.rows[f.kbID] = &repository.KnowledgeBase{
		ID:       f.kbID,
		TenantID: f.tenant,
		Name:     "docs",
		Config: repository.KBConfig{
			Chunker:   repository.ChunkerConfig{Name: chunker.NameSimple},
			Embedding: repository.EmbeddingConfig{Provider: "test", Model: "stub-embed", Dimension: 2},
		},
	}
	f.docs.rows[f.docID] = &repository.Document{
		ID:          f.docID,
		KBID:        f.kbID,
		TenantID:    f.tenant,
		Title:       "handbook",
		Content:     "alpha section one.\n\nbravo section two.\n\ncharlie section three.",
		ContentType: repository.ContentTypeText,
	}

	deps := Deps{
		Documents: f.docs,
		KBs:       f.kbs,
		Chunks:    f.chunks,
		Dense:     f.dense,
		Sparse:    f.sparse,
		Embedders: stubProvider{emb: &stubEmbedder{}},
		Chunkers:  chunker.NewRegistry(true),
	}
	if mutate != nil {
		mutate(&deps)
	}
	f.sparse = deps.Sparse

	orch, err := NewOrchestrator(deps, opts)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	f.orch = orch
	return f
}

func (f *fixture) denseIDs(t *testing.T) map[string]bool {
	t.Helper()
	results, err := f.dense.Search(context.Background(), f.tenant.String(), vectorstore.Query{
		Vector: []float32{1, 0},
		KBIDs:  []string{f.kbID.String()},
		TopK:   100,
	})
	if err != nil {
		t.Fatalf("dense search: %v", err)
	}
	ids := make(map[string]bool, len(results))
	for _, r := range results {
		ids[r.ID] = true
	}
	return ids
}

func TestIngest_IndexesChunks(t *testing.T) {
	f := newFixture(t, fastOpts(), nil)

	res, err := f.orch.Ingest(context.Background(), f.tenant, f.docID)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.Total != 3 || res.Indexed != 3 || res.Failed != 0 {
		t.Errorf("Result = %+v, want 3 total, 3 indexed, 0 failed", res)
	}
	if got := len(f.chunks.byStatus(repository.ChunkStatusIndexed)); got != 3 {
		t.Errorf("indexed rows = %d, want 3", got)
	}
	if got := len(f.denseIDs(t)); got != 3 {
		t.Errorf("dense entries = %d, want 3", got)
	}

	sparseHits, err := f.sparse.Search(context.Background(), f.tenant.String(), sparsestore.Query{
		Text:  "bravo",
		KBIDs: []string{f.kbID.String()},
		TopK:  10,
	})
	if err != nil {
		t.Fatalf("sparse search: %v", err)
	}
	if len(sparseHits) == 0 || !strings.Contains(sparseHits[0].Content, "bravo") {
		t.Errorf("sparse search for bravo = %+v, want the bravo chunk", sparseHits)
	}
}

func TestIngest_ParentChildKeepsParentsOutOfStores(t *testing.T) {
	f := newFixture(t, fastOpts(), nil)
	f.kbs.rows[f.kbID].Config.Chunker = repository.ChunkerConfig{
		Name: chunker.NameParentChild,
		Params: map[string]any{
			"parent_mode":      "paragraph",
			"parent_max_chars": 200,
			"child_chars":      50,
			"child_overlap":    10,
		},
	}

	res, err := f.orch.Ingest(context.Background(), f.tenant, f.docID)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	parents := f.chunks.byStatus(repository.ChunkStatusParent)
	children := f.chunks.byStatus(repository.ChunkStatusIndexed)
	if len(parents) == 0 || len(children) == 0 {
		t.Fatalf("parents = %d, children = %d, want both populated", len(parents), len(children))
	}
	for _, p := range parents {
		if p.Metadata[chunker.MetaChild] != "false" {
			t.Errorf("parent %s carries child metadata %q", p.ID, p.Metadata[chunker.MetaChild])
		}
	}
	if res.Indexed != len(children) {
		t.Errorf("Indexed = %d, want the %d children", res.Indexed, len(children))
	}
	if res.Parents != len(parents) {
		t.Errorf("Parents = %d, want %d", res.Parents, len(parents))
	}

	// Row ids of parents must be resolvable from their children's
	// parent_id metadata, and only children may reach the dense store.
	parentIDs := make(map[string]bool)
	for _, p := range parents {
		parentIDs[p.ID.String()] = true
	}
	for _, c := range children {
		if !parentIDs[c.Metadata[chunker.MetaParentID]] {
			t.Errorf("child %s references unknown parent %q", c.ID, c.Metadata[chunker.MetaParentID])
		}
	}
	stored := f.denseIDs(t)
	if len(stored) != len(children) {
		t.Errorf("dense entries = %d, want only the %d children", len(stored), len(children))
	}
	for id := range parentIDs {
		if stored[id] {
			t.Errorf("parent %s was embedded", id)
		}
	}
}

func TestIngest_ReingestReplacesOldChunks(t *testing.T) {
	f := newFixture(t, fastOpts(), nil)
	ctx := context.Background()

	if _, err := f.orch.Ingest(ctx, f.tenant, f.docID); err != nil {
		t.Fatalf("first Ingest() error = %v", err)
	}
	oldIDs := f.denseIDs(t)

	f.docs.rows[f.docID].Content = "delta replaces everything."
	res, err := f.orch.Ingest(ctx, f.tenant, f.docID)
	if err != nil {
		t.Fatalf("second Ingest() error = %v", err)
	}
	if res.Total != 1 || res.Indexed != 1 {
		t.Errorf("Result = %+v, want exactly the replacement chunk", res)
	}

	newIDs := f.denseIDs(t)
	if len(newIDs) != 1 {
		t.Fatalf("dense entries after re-ingest = %d, want 1", len(newIDs))
	}
	for id := range newIDs {
		if oldIDs[id] {
			t.Errorf("chunk %s survived re-ingest", id)
		}
	}
	if rows := f.chunks.byStatus(repository.ChunkStatusIndexed); len(rows) != 1 || !strings.Contains(rows[0].Content, "delta") {
		t.Errorf("rows after re-ingest = %+v, want one delta chunk", rows)
	}
}

func TestIngest_EmbedFailureFailsDocument(t *testing.T) {
	f := newFixture(t, fastOpts(), func(d *Deps) {
		d.Embedders = stubProvider{emb: &stubEmbedder{err: errors.New("model down")}}
	})

	res, err := f.orch.Ingest(context.Background(), f.tenant, f.docID)
	if !apperr.IsKind(err, apperr.UpstreamUnavailable) {
		t.Fatalf("error = %v, want UpstreamUnavailable", err)
	}
	if res == nil || res.Failed != 3 || res.Indexed != 0 {
		t.Fatalf("Result = %+v, want all 3 chunks failed", res)
	}

	failed := f.chunks.byStatus(repository.ChunkStatusFailed)
	if len(failed) != 3 {
		t.Fatalf("failed rows = %d, want 3", len(failed))
	}
	for _, r := range failed {
		if !strings.Contains(r.LastError, "embedding failed") {
			t.Errorf("LastError = %q, want the embedding error", r.LastError)
		}
	}
}

func TestIngest_PartialFailureUnderThreshold(t *testing.T) {
	opts := fastOpts()
	opts.BatchSize = 1
	opts.FailFraction = 0.9
	f := newFixture(t, opts, func(d *Deps) {
		d.Embedders = stubProvider{emb: &stubEmbedder{fail: map[string]bool{"bravo section two.": true}}}
	})

	res, err := f.orch.Ingest(context.Background(), f.tenant, f.docID)
	if err != nil {
		t.Fatalf("Ingest() error = %v, want partial success", err)
	}
	if res.Indexed != 2 || res.Failed != 1 {
		t.Errorf("Result = %+v, want 2 indexed, 1 failed", res)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0].Error, "embedding failed") {
		t.Errorf("Errors = %+v, want one embedding failure", res.Errors)
	}
	if got := len(f.denseIDs(t)); got != 2 {
		t.Errorf("dense entries = %d, want 2", got)
	}
}

func TestIngest_SparseFailureMarksChunksFailed(t *testing.T) {
	f := newFixture(t, fastOpts(), func(d *Deps) {
		d.Sparse = failingSparse{Store: sparsestore.NewMemoryStore()}
	})

	res, err := f.orch.Ingest(context.Background(), f.tenant, f.docID)
	if !apperr.IsKind(err, apperr.UpstreamUnavailable) {
		t.Fatalf("error = %v, want UpstreamUnavailable", err)
	}
	if res == nil || res.Failed != 3 {
		t.Fatalf("Result = %+v, want all chunks failed", res)
	}
	for _, r := range f.chunks.byStatus(repository.ChunkStatusFailed) {
		if !strings.Contains(r.LastError, "sparse index failed") {
			t.Errorf("LastError = %q, want the sparse error", r.LastError)
		}
	}
}

func TestIngest_EmbedderResolutionLeavesChunksPending(t *testing.T) {
	f := newFixture(t, fastOpts(), func(d *Deps) {
		d.Embedders = stubProvider{err: errors.New("no api key")}
	})

	if _, err := f.orch.Ingest(context.Background(), f.tenant, f.docID); !apperr.IsKind(err, apperr.UpstreamUnavailable) {
		t.Fatalf("error = %v, want UpstreamUnavailable", err)
	}
	if got := len(f.chunks.byStatus(repository.ChunkStatusPending)); got != 3 {
		t.Errorf("pending rows = %d, want 3 left for the sweeper", got)
	}
}

func TestIngest_EmptyContent(t *testing.T) {
	f := newFixture(t, fastOpts(), nil)
	f.docs.rows[f.docID].Content = "   \n\n  "

	if _, err := f.orch.Ingest(context.Background(), f.tenant, f.docID); !apperr.IsKind(err, apperr.Validation) {
		t.Errorf("error = %v, want Validation", err)
	}
}

func TestIngest_UnknownDocument(t *testing.T) {
	f := newFixture(t, fastOpts(), nil)

	if _, err := f.orch.Ingest(context.Background(), f.tenant, uuid.New()); !apperr.IsKind(err, apperr.NotFound) {
		t.Errorf("error = %v, want NotFound", err)
	}
}

func TestIngest_ConvertsHTML(t *testing.T) {
	f := newFixture(t, fastOpts(), nil)
	f.docs.rows[f.docID].Content = "<h1>Guide</h1><p>Install the service.</p>"
	f.docs.rows[f.docID].ContentType = repository.ContentTypeHTML

	if _, err := f.orch.Ingest(context.Background(), f.tenant, f.docID); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	var all strings.Builder
	for _, r := range f.chunks.byStatus(repository.ChunkStatusIndexed) {
		all.WriteString(r.Content)
		all.WriteString("\n")
	}
	text := all.String()
	if strings.Contains(text, "<h1>") || strings.Contains(text, "<p>") {
		t.Errorf("chunks still contain html tags: %q", text)
	}
	if !strings.Contains(text, "Guide") || !strings.Contains(text, "Install the service.") {
		t.Errorf("chunks lost content: %q", text)
	}
}

func TestIngest_FetchesSourceURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "fetched alpha text.\n\nfetched bravo text.")
	}))
	defer srv.Close()

	f := newFixture(t, fastOpts(), nil)
	f.docs.rows[f.docID].Content = ""
	f.docs.rows[f.docID].SourceURL = srv.URL

	res, err := f.orch.Ingest(context.Background(), f.tenant, f.docID)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.Indexed != 2 {
		t.Errorf("Indexed = %d, want 2 fetched chunks", res.Indexed)
	}

	t.Run("size cap", func(t *testing.T) {
		opts := fastOpts()
		opts.FetchMaxBytes = 8
		capped := newFixture(t, opts, nil)
		capped.docs.rows[capped.docID].Content = ""
		capped.docs.rows[capped.docID].SourceURL = srv.URL

		if _, err := capped.orch.Ingest(context.Background(), capped.tenant, capped.docID); !apperr.IsKind(err, apperr.UpstreamUnavailable) {
			t.Errorf("error = %v, want UpstreamUnavailable for oversized body", err)
		}
	})
}

func TestIngest_GeneratesSummary(t *testing.T) {
	f := newFixture(t, fastOpts(), func(d *Deps) {
		d.LLM = &stubLLM{response: " A concise summary. "}
	})
	f.kbs.rows[f.kbID].Config.GenerateSummaries = true

	if _, err := f.orch.Ingest(context.Background(), f.tenant, f.docID); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	want := []string{repository.SummaryStatusPending, repository.SummaryStatusReady}
	if len(f.docs.summaries) != 2 || f.docs.summaries[0] != want[0] || f.docs.summaries[1] != want[1] {
		t.Errorf("summary transitions = %v, want %v", f.docs.summaries, want)
	}
	if f.docs.summary != "A concise summary." {
		t.Errorf("summary = %q, want trimmed llm output", f.docs.summary)
	}

	t.Run("llm failure never fails ingestion", func(t *testing.T) {
		broken := newFixture(t, fastOpts(), func(d *Deps) {
			d.LLM = &stubLLM{err: errors.New("model down")}
		})
		broken.kbs.rows[broken.kbID].Config.GenerateSummaries = true

		if _, err := broken.orch.Ingest(context.Background(), broken.tenant, broken.docID); err != nil {
			t.Fatalf("Ingest() error = %v, want success despite summary failure", err)
		}
		if n := len(broken.docs.summaries); n == 0 || broken.docs.summaries[n-1] != repository.SummaryStatusFailed {
			t.Errorf("summary transitions = %v, want to end in failed", broken.docs.summaries)
		}
	})
}

func TestSweeper_RedrivesStalePending(t *testing.T) {
	f := newFixture(t, fastOpts(), nil)

	// A crashed ingest left pending rows behind.
	stale := &repository.Chunk{
		ID:             uuid.New(),
		DocumentID:     f.docID,
		KBID:           f.kbID,
		TenantID:       f.tenant,
		Content:        "orphaned pending chunk",
		IndexingStatus: repository.ChunkStatusPending,
		UpdatedAt:      time.Now().Add(-time.Hour),
	}
	f.chunks.rows[stale.ID] = stale

	sw, err := NewSweeper(f.orch, f.chunks, time.Minute, 10*time.Minute, nil)
	if err != nil {
		t.Fatalf("NewSweeper() error = %v", err)
	}
	defer sw.Stop()
	sw.sweep()

	if got := len(f.chunks.byStatus(repository.ChunkStatusPending)); got != 0 {
		t.Errorf("pending rows after sweep = %d, want 0", got)
	}
	if got := len(f.chunks.byStatus(repository.ChunkStatusIndexed)); got != 3 {
		t.Errorf("indexed rows after sweep = %d, want the re-ingested document", got)
	}

	leftover, err := f.chunks.StalePendingDocuments(context.Background(), time.Now(), 10)
	if err != nil {
		t.Fatalf("StalePendingDocuments() error = %v", err)
	}
	if len(leftover) != 0 {
		t.Errorf("stale documents after sweep = %v, want none", leftover)
	}
}

func TestKeyedMutex(t *testing.T) {
	km := newKeyedMutex()

	u1 := km.lock("doc-1")
	u2 := km.lock("doc-2") // distinct keys must not block each other
	u2()

	acquired := make(chan struct{})
	go func() {
		u := km.lock("doc-1")
		u()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("lock acquired while already held")
	case <-time.After(50 * time.Millisecond):
	}

	u1()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("lock never handed over")
	}

	km.mu.Lock()
	defer km.mu.Unlock()
	if len(km.locks) != 0 {
		t.Errorf("lock map has %d entries after release, want 0", len(km.locks))
	}
}
