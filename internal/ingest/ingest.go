// Package ingest drives the document indexing pipeline: chunk, persist
// rows as pending, embed in bounded batches, upsert the dense and sparse
// stores, then flip rows to indexed. The relational row is authoritative;
// store entries are rebuilt from it on re-ingest.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/kbserve/internal/acl"
	"github.com/knoguchi/kbserve/internal/apperr"
	"github.com/knoguchi/kbserve/internal/chunker"
	"github.com/knoguchi/kbserve/internal/embedder"
	"github.com/knoguchi/kbserve/internal/llm"
	"github.com/knoguchi/kbserve/internal/metrics"
	"github.com/knoguchi/kbserve/internal/repository"
	"github.com/knoguchi/kbserve/internal/sparsestore"
	"github.com/knoguchi/kbserve/internal/vectorstore"
)

// Defaults for Options zero values.
const (
	DefaultFailFraction  = 0.5
	DefaultBatchSize     = 16
	DefaultEmbedTimeout  = 30 * time.Second
	DefaultEmbedAttempts = 3
	DefaultStoreAttempts = 3
	DefaultFetchTimeout  = 15 * time.Second
	DefaultFetchMaxBytes = 8 << 20
)

const (
	embedConcurrency = 4
	embedBackoffBase = 500 * time.Millisecond
	storeBackoffBase = 250 * time.Millisecond
)

// EmbedderProvider resolves an embedding client for a knowledge base
// config. Satisfied by *embedder.Factory.
type EmbedderProvider interface {
	For(cfg repository.EmbeddingConfig) (embedder.Embedder, error)
}

// Deps are the collaborators of the orchestrator. Documents, KBs, Chunks,
// Dense, Sparse, Embedders, and Chunkers are required; LLM, Metrics, and
// Logger are optional.
type Deps struct {
	Documents repository.DocumentRepository
	KBs       repository.KnowledgeBaseRepository
	Chunks    repository.ChunkRepository
	Dense     vectorstore.Store
	Sparse    sparsestore.Store
	Embedders EmbedderProvider
	Chunkers  *chunker.Registry
	LLM       llm.LLM
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Options tune the pipeline. Zero values fall back to the defaults above.
type Options struct {
	// FailFraction is the tolerated share of failed chunks per document
	// before Ingest reports the document as failed.
	FailFraction float64

	// BatchSize is how many chunk texts go into one embedding call.
	BatchSize int

	// EmbedTimeout bounds a single embedding call.
	EmbedTimeout time.Duration

	// EmbedAttempts and StoreAttempts bound retries of embedding and
	// store calls. Retries back off exponentially with jitter.
	EmbedAttempts int
	StoreAttempts int

	// FetchTimeout and FetchMaxBytes bound fetching documents that carry
	// a source_url instead of inline content.
	FetchTimeout  time.Duration
	FetchMaxBytes int64
}

func (o Options) withDefaults() Options {
	if o.FailFraction <= 0 {
		o.FailFraction = DefaultFailFraction
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.EmbedTimeout <= 0 {
		o.EmbedTimeout = DefaultEmbedTimeout
	}
	if o.EmbedAttempts <= 0 {
		o.EmbedAttempts = DefaultEmbedAttempts
	}
	if o.StoreAttempts <= 0 {
		o.StoreAttempts = DefaultStoreAttempts
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.FetchMaxBytes <= 0 {
		o.FetchMaxBytes = DefaultFetchMaxBytes
	}
	return o
}

// Result reports what one Ingest run did to a document. Indexed counts
// chunks written to both stores; parent rows are tallied separately.
type Result struct {
	DocumentID uuid.UUID    `json:"document_id"`
	Total      int          `json:"total_chunks"`
	Indexed    int          `json:"indexed_chunks"`
	Parents    int          `json:"parent_chunks,omitempty"`
	Failed     int          `json:"failed_chunks"`
	Errors     []ChunkError `json:"errors,omitempty"`
}

// ChunkError is a per-chunk failure kept in the result and written to the
// chunk row's last_error.
type ChunkError struct {
	ChunkID string `json:"chunk_id"`
	Error   string `json:"error"`
}

// Orchestrator runs the ingestion pipeline. Safe for concurrent use;
// runs for the same document are serialized by a keyed mutex.
type Orchestrator struct {
	documents repository.DocumentRepository
	kbs       repository.KnowledgeBaseRepository
	chunks    repository.ChunkRepository
	dense     vectorstore.Store
	sparse    sparsestore.Store
	embedders EmbedderProvider
	chunkers  *chunker.Registry
	llm       llm.LLM
	metrics   *metrics.Metrics
	logger    *slog.Logger

	opts  Options
	locks *keyedMutex
}

// NewOrchestrator validates deps and builds an orchestrator.
func NewOrchestrator(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Documents == nil:
		return nil, fmt.Errorf("ingest: document repository is required")
	case deps.KBs == nil:
		return nil, fmt.Errorf("ingest: knowledge base repository is required")
	case deps.Chunks == nil:
		return nil, fmt.Errorf("ingest: chunk repository is required")
	case deps.Dense == nil:
		return nil, fmt.Errorf("ingest: dense store is required")
	case deps.Sparse == nil:
		return nil, fmt.Errorf("ingest: sparse store is required")
	case deps.Embedders == nil:
		return nil, fmt.Errorf("ingest: embedder provider is required")
	case deps.Chunkers == nil:
		return nil, fmt.Errorf("ingest: chunker registry is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		documents: deps.Documents,
		kbs:       deps.KBs,
		chunks:    deps.Chunks,
		dense:     deps.Dense,
		sparse:    deps.Sparse,
		embedders: deps.Embedders,
		chunkers:  deps.Chunkers,
		llm:       deps.LLM,
		metrics:   deps.Metrics,
		logger:    logger,
		opts:      opts.withDefaults(),
		locks:     newKeyedMutex(),
	}, nil
}

// Ingest runs the full pipeline for one document. Re-ingesting first
// removes the previous generation of chunks from both stores and the
// relational store, so the call is idempotent for unchanged content.
//
// A partial result is returned alongside the error when more than the
// tolerated fraction of chunks failed.
func (o *Orchestrator) Ingest(ctx context.Context, tenantID, documentID uuid.UUID) (*Result, error) {
	unlock := o.locks.lock(documentID.String())
	defer unlock()

	start := time.Now()
	if o.metrics != nil {
		defer func() {
			o.metrics.IngestDuration.Observe(time.Since(start).Seconds())
		}()
	}

	doc, err := o.documents.GetByID(ctx, tenantID, documentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "document not found")
		}
		return nil, apperr.Wrap(apperr.Internal, "failed to load document", err)
	}
	kb, err := o.kbs.GetByID(ctx, tenantID, doc.KBID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "knowledge base not found")
		}
		return nil, apperr.Wrap(apperr.Internal, "failed to load knowledge base", err)
	}

	content, err := o.resolveContent(ctx, doc)
	if err != nil {
		return nil, err
	}

	ck, err := o.chunkers.New(kb.Config.Chunker.Name, kb.Config.Chunker.Params)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "invalid chunker config", err)
	}
	pieces := ck.Chunk(content, map[string]string{
		chunker.MetaDocumentID: doc.ID.String(),
	})

	if err := o.deleteExisting(ctx, tenantID, documentID); err != nil {
		return nil, err
	}
	if len(pieces) == 0 {
		return &Result{DocumentID: documentID}, nil
	}

	rows, err := buildRows(doc, pieces)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "chunker produced invalid metadata", err)
	}
	if err := o.chunks.CreateBatch(ctx, rows); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to persist chunk rows", err)
	}

	// Parent pieces stay out of the stores: only children are searchable,
	// parents serve context expansion from the relational store.
	var parents, embeddable []*repository.Chunk
	for _, r := range rows {
		if r.Metadata[chunker.MetaChild] == "false" {
			parents = append(parents, r)
		} else {
			embeddable = append(embeddable, r)
		}
	}

	// From here on chunks exist as pending rows. Failing out leaves them
	// pending and the recovery sweeper re-drives the document later.
	emb, err := o.embedders.For(kb.Config.Embedding)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, "failed to resolve embedder", err)
	}
	tid := tenantID.String()
	err = o.withRetry(ctx, o.opts.StoreAttempts, storeBackoffBase, func(ctx context.Context) error {
		return o.dense.EnsureCollection(ctx, tid, emb.Dimension())
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, "failed to prepare dense collection", err)
	}
	err = o.withRetry(ctx, o.opts.StoreAttempts, storeBackoffBase, func(ctx context.Context) error {
		return o.sparse.EnsureIndex(ctx, tid)
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, "failed to prepare sparse index", err)
	}

	vectors, failures := o.embedBatches(ctx, emb, embeddable)
	storedIDs := o.upsertStores(ctx, doc, embeddable, vectors, failures)

	// Parents get a terminal status of their own: they never reach the
	// stores, so marking them indexed would break the invariant that an
	// indexed chunk has a dense and a sparse entry.
	if len(parents) > 0 {
		parentIDs := make([]uuid.UUID, len(parents))
		for i, p := range parents {
			parentIDs[i] = p.ID
		}
		if err := o.chunks.UpdateStatus(ctx, parentIDs, repository.ChunkStatusParent, ""); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "failed to mark parent chunks", err)
		}
	}
	if len(storedIDs) > 0 {
		if err := o.chunks.UpdateStatus(ctx, storedIDs, repository.ChunkStatusIndexed, ""); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "failed to mark chunks indexed", err)
		}
	}
	o.markFailed(ctx, failures)

	if o.metrics != nil {
		o.metrics.IngestedChunks.WithLabelValues(repository.ChunkStatusIndexed).Add(float64(len(storedIDs)))
		o.metrics.IngestedChunks.WithLabelValues(repository.ChunkStatusParent).Add(float64(len(parents)))
		o.metrics.IngestedChunks.WithLabelValues(repository.ChunkStatusFailed).Add(float64(len(failures)))
	}

	res := &Result{
		DocumentID: documentID,
		Total:      len(rows),
		Indexed:    len(storedIDs),
		Parents:    len(parents),
		Failed:     len(failures),
	}
	for id, msg := range failures {
		res.Errors = append(res.Errors, ChunkError{ChunkID: id.String(), Error: msg})
	}
	sort.Slice(res.Errors, func(i, j int) bool { return res.Errors[i].ChunkID < res.Errors[j].ChunkID })

	if n := len(embeddable); n > 0 && float64(len(failures))/float64(n) > o.opts.FailFraction {
		return res, apperr.Newf(apperr.UpstreamUnavailable,
			"ingestion failed for %d of %d chunks", len(failures), n)
	}

	o.logger.Info("document ingested",
		"document_id", documentID,
		"kb_id", doc.KBID,
		"chunks", res.Total,
		"indexed", res.Indexed,
		"failed", res.Failed,
		"duration", time.Since(start))

	if kb.Config.GenerateSummaries && o.llm != nil {
		o.generateSummary(ctx, doc, content)
	}
	return res, nil
}

// resolveContent returns the text to chunk: inline content, or the body
// fetched from source_url when content is empty. HTML is converted to
// markdown first so heading-aware chunkers see structure.
func (o *Orchestrator) resolveContent(ctx context.Context, doc *repository.Document) (string, error) {
	content := doc.Content
	contentType := doc.ContentType

	if strings.TrimSpace(content) == "" && doc.SourceURL != "" {
		body, fetchedType, err := fetchSource(ctx, doc.SourceURL, o.opts.FetchTimeout, o.opts.FetchMaxBytes)
		if err != nil {
			return "", apperr.Wrap(apperr.UpstreamUnavailable, "failed to fetch source document", err)
		}
		content = body
		if strings.Contains(fetchedType, "text/html") {
			contentType = repository.ContentTypeHTML
		}
	}

	if contentType == repository.ContentTypeHTML {
		converted, err := htmlToMarkdown(content)
		if err != nil {
			return "", apperr.Wrap(apperr.Validation, "failed to convert html content", err)
		}
		content = converted
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return "", apperr.New(apperr.Validation, "document has no content")
	}
	return content, nil
}

func (o *Orchestrator) deleteExisting(ctx context.Context, tenantID, documentID uuid.UUID) error {
	tid, did := tenantID.String(), documentID.String()
	if err := o.dense.DeleteByDocument(ctx, tid, did); err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, "failed to clear dense entries", err)
	}
	if err := o.sparse.DeleteByDocument(ctx, tid, did); err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, "failed to clear sparse entries", err)
	}
	if err := o.chunks.DeleteByDocument(ctx, documentID); err != nil {
		return apperr.Wrap(apperr.Internal, "failed to clear chunk rows", err)
	}
	return nil
}

// embedBatches embeds the chunks in bounded concurrent batches. Failed
// batches are recorded per chunk instead of failing the run.
func (o *Orchestrator) embedBatches(ctx context.Context, emb embedder.Embedder, rows []*repository.Chunk) (map[uuid.UUID][]float32, map[uuid.UUID]string) {
	vectors := make(map[uuid.UUID][]float32, len(rows))
	failures := make(map[uuid.UUID]string)
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(embedConcurrency)
	for start := 0; start < len(rows); start += o.opts.BatchSize {
		batch := rows[start:min(start+o.opts.BatchSize, len(rows))]
		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, r := range batch {
				texts[i] = r.Content
			}

			var vecs [][]float32
			err := o.withRetry(ctx, o.opts.EmbedAttempts, embedBackoffBase, func(ctx context.Context) error {
				cctx, cancel := context.WithTimeout(ctx, o.opts.EmbedTimeout)
				defer cancel()
				var embedErr error
				vecs, embedErr = emb.EmbedBatch(cctx, texts)
				return embedErr
			})
			if err == nil && len(vecs) != len(batch) {
				err = fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(batch))
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				for _, r := range batch {
					failures[r.ID] = fmt.Sprintf("embedding failed: %v", err)
				}
				return nil
			}
			for i, r := range batch {
				vectors[r.ID] = vecs[i]
			}
			return nil
		})
	}
	g.Wait()
	return vectors, failures
}

// upsertStores writes embedded chunks to the dense then the sparse store
// and returns the ids that landed in both. Store failures after retries
// mark the affected chunks failed; the document stays partially indexed.
func (o *Orchestrator) upsertStores(ctx context.Context, doc *repository.Document, rows []*repository.Chunk, vectors map[uuid.UUID][]float32, failures map[uuid.UUID]string) []uuid.UUID {
	meta := acl.MetadataForChunk(doc)

	var denseRecs []vectorstore.Record
	var sparseRecs []sparsestore.Record
	var ids []uuid.UUID
	for _, r := range rows {
		vec, ok := vectors[r.ID]
		if !ok {
			continue
		}
		payload := storeMetadata(doc, r.Metadata)
		denseRecs = append(denseRecs, vectorstore.Record{
			ID:         r.ID.String(),
			DocumentID: r.DocumentID.String(),
			KBID:       r.KBID.String(),
			Content:    r.Content,
			Vector:     vec,
			ACL:        meta,
			Metadata:   payload,
		})
		sparseRecs = append(sparseRecs, sparsestore.Record{
			ID:         r.ID.String(),
			DocumentID: r.DocumentID.String(),
			KBID:       r.KBID.String(),
			Content:    r.Content,
			ACL:        meta,
			Metadata:   payload,
		})
		ids = append(ids, r.ID)
	}
	if len(ids) == 0 {
		return nil
	}

	tid := doc.TenantID.String()
	err := o.withRetry(ctx, o.opts.StoreAttempts, storeBackoffBase, func(ctx context.Context) error {
		return o.dense.Upsert(ctx, tid, denseRecs)
	})
	if err != nil {
		o.logger.Error("dense upsert failed", "document_id", doc.ID, "chunks", len(ids), "error", err)
		for _, id := range ids {
			failures[id] = fmt.Sprintf("dense upsert failed: %v", err)
		}
		return nil
	}

	err = o.withRetry(ctx, o.opts.StoreAttempts, storeBackoffBase, func(ctx context.Context) error {
		return o.sparse.Index(ctx, tid, sparseRecs)
	})
	if err != nil {
		o.logger.Error("sparse index failed", "document_id", doc.ID, "chunks", len(ids), "error", err)
		for _, id := range ids {
			failures[id] = fmt.Sprintf("sparse index failed: %v", err)
		}
		return nil
	}
	return ids
}

// markFailed flips failed chunks with their error message, batching rows
// that share a message. Errors here only log: the rows stay pending and
// the sweeper retries them.
func (o *Orchestrator) markFailed(ctx context.Context, failures map[uuid.UUID]string) {
	byMsg := make(map[string][]uuid.UUID)
	for id, msg := range failures {
		byMsg[msg] = append(byMsg[msg], id)
	}
	for msg, ids := range byMsg {
		if err := o.chunks.UpdateStatus(ctx, ids, repository.ChunkStatusFailed, msg); err != nil {
			o.logger.Warn("failed to mark chunks failed", "chunks", len(ids), "error", err)
		}
	}
}

// withRetry runs fn up to attempts times with exponential backoff and
// full jitter. Only for idempotent calls.
func (o *Orchestrator) withRetry(ctx context.Context, attempts int, base time.Duration, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := base << (attempt - 1)
			delay += rand.N(delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
	}
	return err
}

// storeMetadata is the chunk metadata written to the store payloads,
// extended with the document title and source so retrieval hits can be
// attributed without a relational lookup.
func storeMetadata(doc *repository.Document, chunkMeta map[string]string) map[string]string {
	meta := make(map[string]string, len(chunkMeta)+2)
	for k, v := range chunkMeta {
		meta[k] = v
	}
	if doc.Title != "" {
		meta["title"] = doc.Title
	}
	if doc.SourceURL != "" {
		meta["source"] = doc.SourceURL
	}
	return meta
}

func buildRows(doc *repository.Document, pieces []chunker.Piece) ([]*repository.Chunk, error) {
	now := time.Now()
	rows := make([]*repository.Chunk, 0, len(pieces))
	for i, p := range pieces {
		// Parent/child chunkers pre-assign ids so children can reference
		// their parent; everything else gets a fresh id.
		id := uuid.New()
		if raw, ok := p.Metadata[chunker.MetaChunkID]; ok {
			parsed, err := uuid.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid chunk id %q: %w", raw, err)
			}
			id = parsed
		}
		rows = append(rows, &repository.Chunk{
			ID:             id,
			DocumentID:     doc.ID,
			KBID:           doc.KBID,
			TenantID:       doc.TenantID,
			Index:          i,
			Content:        p.Text,
			Metadata:       p.Metadata,
			IndexingStatus: repository.ChunkStatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return rows, nil
}
