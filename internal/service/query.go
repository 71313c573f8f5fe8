package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/kbserve/internal/acl"
	"github.com/knoguchi/kbserve/internal/apperr"
	"github.com/knoguchi/kbserve/internal/auth"
	"github.com/knoguchi/kbserve/internal/llm"
	"github.com/knoguchi/kbserve/internal/metrics"
	"github.com/knoguchi/kbserve/internal/repository"
	"github.com/knoguchi/kbserve/internal/retriever"
)

const (
	defaultTopK = 10
	maxTopK     = 100

	// dedupeThreshold is the Jaccard word overlap above which two chunks
	// are treated as the same content.
	dedupeThreshold = 0.7
)

// QueryService orchestrates retrieval: it resolves the retriever and
// embedding config from the knowledge bases, pushes the ACL filter into
// the stores, and post-processes the hits.
type QueryService struct {
	kbs        repository.KnowledgeBaseRepository
	chunks     repository.ChunkRepository
	retrievers *retriever.Registry
	llm        llm.LLM
	reranker   retriever.Reranker
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// QueryOption configures optional QueryService pieces.
type QueryOption func(*QueryService)

// WithReranker enables request-level reranking.
func WithReranker(r retriever.Reranker) QueryOption {
	return func(s *QueryService) {
		s.reranker = r
	}
}

// NewQueryService wires the query orchestrator. llmClient attributes
// generation inside composite retrievers and may be nil; metrics may be
// nil in tests.
func NewQueryService(
	kbs repository.KnowledgeBaseRepository,
	chunks repository.ChunkRepository,
	retrievers *retriever.Registry,
	llmClient llm.LLM,
	m *metrics.Metrics,
	logger *slog.Logger,
	opts ...QueryOption,
) *QueryService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &QueryService{
		kbs:        kbs,
		chunks:     chunks,
		retrievers: retrievers,
		llm:        llmClient,
		metrics:    m,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RetrieveRequest queries one or more knowledge bases. The retriever and
// embedding overrides replace the knowledge base config for this call
// only.
type RetrieveRequest struct {
	Query            string                      `json:"query"`
	KnowledgeBaseIDs []string                    `json:"knowledge_base_ids"`
	TopK             int                         `json:"top_k,omitempty"`
	Retriever        *repository.RetrieverConfig `json:"retriever,omitempty"`
	Embedding        *repository.EmbeddingConfig `json:"embedding,omitempty"`
	ExpandParents    string                      `json:"expand_parents,omitempty"`
	Rerank           bool                        `json:"rerank,omitempty"`
}

// RetrievedChunk is one ranked result on the wire.
type RetrievedChunk struct {
	ChunkID         string            `json:"chunk_id"`
	DocumentID      string            `json:"document_id"`
	KnowledgeBaseID string            `json:"knowledge_base_id"`
	Content         string            `json:"content"`
	Score           float64           `json:"score"`
	Title           string            `json:"title,omitempty"`
	Source          string            `json:"source,omitempty"`
	MatchSource     string            `json:"match_source,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	MatchedChildren []string          `json:"matched_children,omitempty"`
}

// ModelInfo attributes the models a request touched.
type ModelInfo struct {
	Retriever         string `json:"retriever"`
	EmbeddingProvider string `json:"embedding_provider"`
	EmbeddingModel    string `json:"embedding_model"`
	LLMProvider       string `json:"llm_provider,omitempty"`
	LLMModel          string `json:"llm_model,omitempty"`
	RerankProvider    string `json:"rerank_provider,omitempty"`
	RerankModel       string `json:"rerank_model,omitempty"`
}

// QueryResult is the retrieval response.
type QueryResult struct {
	Hits        []RetrievedChunk       `json:"hits"`
	ModelInfo   ModelInfo              `json:"model_info"`
	Diagnostics *retriever.Diagnostics `json:"diagnostics,omitempty"`
}

// Retrieve runs a query. Tenancy violations read as NotFound so
// cross-tenant ids are indistinguishable from missing ones; in-scope
// violations read as PermissionDenied. Hits that exist but are all
// invisible to the caller's identity read as NoPermission, distinct from
// an empty result.
func (s *QueryService) Retrieve(ctx context.Context, rc *auth.RequestContext, req *RetrieveRequest) (*QueryResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, apperr.New(apperr.Validation, "query is required")
	}
	if len(req.KnowledgeBaseIDs) == 0 {
		return nil, apperr.New(apperr.Validation, "knowledge_base_ids is required")
	}
	if m := req.ExpandParents; m != "" && m != retriever.ModeReplace && m != retriever.ModeAttach {
		return nil, apperr.Newf(apperr.Validation, "expand_parents must be %q or %q", retriever.ModeReplace, retriever.ModeAttach)
	}
	if req.Rerank && s.reranker == nil {
		return nil, apperr.New(apperr.Validation, "reranking is not configured")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	kbs, kbIDs, err := s.loadKBs(ctx, rc, req.KnowledgeBaseIDs)
	if err != nil {
		return nil, err
	}
	embedding, err := resolveEmbedding(kbs, req.Embedding)
	if err != nil {
		return nil, err
	}
	name, params := s.resolveRetriever(kbs, req.Retriever)
	r, err := s.retrievers.New(name, params)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "invalid retriever config", err)
	}

	// Admin keys skip the ACL filter within their tenant.
	var identity *repository.Identity
	if rc.Role() != repository.RoleAdmin {
		identity = &rc.Identity
	}

	rreq := retriever.Request{
		Query:     req.Query,
		TenantID:  rc.Tenant.ID.String(),
		KBIDs:     kbIDs,
		TopK:      topK,
		Embedding: embedding,
		Identity:  identity,
	}
	start := time.Now()
	hits, diags, err := r.Retrieve(ctx, rreq)
	if s.metrics != nil {
		s.metrics.RetrievalDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		var e *apperr.Error
		if errors.As(err, &e) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, "retrieval failed", err)
	}

	hits = dedupeHits(hits)

	if req.ExpandParents != "" {
		hits, err = retriever.ExpandParents(ctx, s.chunks, rreq.TenantID, hits, req.ExpandParents, s.logger)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "parent expansion failed", err)
		}
	}

	info := ModelInfo{
		Retriever:         name,
		EmbeddingProvider: embedding.Provider,
		EmbeddingModel:    embedding.Model,
	}
	if s.llm != nil && usedLLM(diags) {
		info.LLMProvider = s.llm.Provider()
		info.LLMModel = s.llm.ModelName()
	}

	if req.Rerank && len(hits) > 0 {
		reranked, rerr := s.reranker.Rerank(ctx, req.Query, hits, len(hits))
		if rerr != nil {
			s.logger.Warn("rerank failed, keeping retrieval order", "error", rerr)
		} else {
			hits = reranked
			info.RerankProvider = s.reranker.Provider()
			info.RerankModel = s.reranker.ModelName()
		}
	}

	hits, err = trimForIdentity(hits, rc)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 && identity != nil {
		if err := s.checkInvisibleMatches(ctx, r, rreq); err != nil {
			return nil, err
		}
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}

	return &QueryResult{Hits: toChunks(hits), ModelInfo: info, Diagnostics: diags}, nil
}

// loadKBs resolves and authorizes the requested knowledge bases,
// returning them with their deduplicated string ids.
func (s *QueryService) loadKBs(ctx context.Context, rc *auth.RequestContext, raw []string) ([]*repository.KnowledgeBase, []string, error) {
	kbs := make([]*repository.KnowledgeBase, 0, len(raw))
	ids := make([]string, 0, len(raw))
	seen := make(map[uuid.UUID]bool, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			return nil, nil, apperr.Newf(apperr.Validation, "invalid knowledge base id %q", r)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		kb, err := s.kbs.GetByID(ctx, rc.Tenant.ID, id)
		if err != nil {
			return nil, nil, notFoundOr(err, "knowledge base")
		}
		if err := checkScope(rc, id); err != nil {
			return nil, nil, err
		}
		kbs = append(kbs, kb)
		ids = append(ids, id.String())
	}
	return kbs, ids, nil
}

// resolveEmbedding returns the embedding config shared by the knowledge
// bases, or the explicit override. Mixed configs without an override
// cannot produce comparable vectors.
func resolveEmbedding(kbs []*repository.KnowledgeBase, override *repository.EmbeddingConfig) (repository.EmbeddingConfig, error) {
	if override != nil {
		return *override, nil
	}
	cfg := kbs[0].Config.Embedding
	for _, kb := range kbs[1:] {
		if !kb.Config.Embedding.Equal(cfg) {
			return repository.EmbeddingConfig{}, apperr.New(apperr.ConfigMismatch, "knowledge bases use different embedding configs")
		}
	}
	return cfg, nil
}

// resolveRetriever picks the retriever for this call: the override when
// given, otherwise the knowledge bases' configured one. Heterogeneous
// scopes without an override fall back to the first knowledge base's.
func (s *QueryService) resolveRetriever(kbs []*repository.KnowledgeBase, override *repository.RetrieverConfig) (string, map[string]any) {
	if override != nil && override.Name != "" {
		return override.Name, override.Params
	}
	cfg := kbs[0].Config.Retriever
	for _, kb := range kbs[1:] {
		if kb.Config.Retriever.Name != cfg.Name {
			s.logger.Warn("mixed retriever configs, using the first knowledge base's",
				"retriever", cfg.Name, "kb_id", kbs[0].ID)
			break
		}
	}
	return cfg.Name, cfg.Params
}

// usedLLM reports whether the retriever's diagnostics show generated
// queries, which only LLM-backed retrievers produce.
func usedLLM(d *retriever.Diagnostics) bool {
	return d != nil && (len(d.HydeQueries) > 0 || len(d.QueryVariants) > 0)
}

// checkInvisibleMatches distinguishes "nothing matches" from "matches
// exist but this identity may not see them". The store adapters push the
// ACL filter down, so invisible chunks never reach the orchestrator and
// an empty result alone cannot tell the two apart. One retry without the
// ACL predicate, scoped to the same tenant and knowledge bases, settles
// it: a positive-scoring match there means the caller lacks permission
// rather than the content being absent. Failures of the check are
// swallowed so a degraded store reads as an empty result, not an error.
func (s *QueryService) checkInvisibleMatches(ctx context.Context, r retriever.Retriever, req retriever.Request) error {
	req.Identity = nil
	req.TopK = 1
	unfiltered, _, err := r.Retrieve(ctx, req)
	if err != nil {
		s.logger.Warn("unfiltered visibility check failed", "retriever", r.Name(), "error", err)
		return nil
	}
	if len(unfiltered) > 0 && unfiltered[0].Score > 0 {
		return apperr.New(apperr.NoPermission, "matching chunks exist but none are visible to this identity")
	}
	return nil
}

// trimForIdentity is the ACL backstop for stores whose filter push-down
// is partial. Hits that existed but all vanished mean the content is
// there and this identity may not see it.
func trimForIdentity(hits []retriever.Hit, rc *auth.RequestContext) ([]retriever.Hit, error) {
	if rc.Role() == repository.RoleAdmin {
		return hits, nil
	}
	kept := acl.Trim(hits, func(h retriever.Hit) acl.Meta { return h.ACL }, &rc.Identity)
	if len(hits) > 0 && len(kept) == 0 {
		return nil, apperr.New(apperr.NoPermission, "matching chunks exist but none are visible to this identity")
	}
	return kept, nil
}

// dedupeHits removes exact chunk-id repeats and near-duplicate texts,
// keeping the higher-ranked copy.
func dedupeHits(hits []retriever.Hit) []retriever.Hit {
	if len(hits) <= 1 {
		return hits
	}

	seen := make(map[string]bool, len(hits))
	uniq := make([]retriever.Hit, 0, len(hits))
	for _, h := range hits {
		if h.ChunkID != "" && seen[h.ChunkID] {
			continue
		}
		seen[h.ChunkID] = true
		uniq = append(uniq, h)
	}

	words := make([]map[string]struct{}, len(uniq))
	for i, h := range uniq {
		words[i] = tokenize(h.Text)
	}
	keep := make([]bool, len(uniq))
	for i := range keep {
		keep[i] = true
	}
	// Hits arrive ranked, so on overlap the earlier one wins.
	for i := 0; i < len(uniq); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(uniq); j++ {
			if !keep[j] {
				continue
			}
			if jaccard(words[i], words[j]) >= dedupeThreshold {
				keep[j] = false
			}
		}
	}

	out := make([]retriever.Hit, 0, len(uniq))
	for i, h := range uniq {
		if keep[i] {
			out = append(out, h)
		}
	}
	return out
}

// tokenize lowercases content into a word set for overlap comparison.
func tokenize(content string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(content))
	set := make(map[string]struct{}, len(fields))
	for _, w := range fields {
		w = strings.Trim(w, ".,!?;:\"'()[]{}<>")
		if len(w) > 2 {
			set[w] = struct{}{}
		}
	}
	return set
}

// jaccard computes word-set overlap in [0, 1].
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	intersection := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

// toChunks converts retriever hits to their wire shape.
func toChunks(hits []retriever.Hit) []RetrievedChunk {
	out := make([]RetrievedChunk, len(hits))
	for i, h := range hits {
		out[i] = RetrievedChunk{
			ChunkID:         h.ChunkID,
			DocumentID:      h.DocumentID,
			KnowledgeBaseID: h.KBID,
			Content:         h.Text,
			Score:           h.Score,
			Title:           h.Metadata["title"],
			Source:          h.Metadata["source"],
			MatchSource:     h.Source,
			Metadata:        h.Metadata,
			MatchedChildren: h.MatchedChildren,
		}
	}
	return out
}
