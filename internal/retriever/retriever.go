// Package retriever executes ranked retrieval over the dense and sparse
// stores.
//
// Retrievers are registered by name and built from free-form parameter
// maps stored in knowledge base configs, mirroring the chunker registry.
// Composite retrievers (fusion, hyde, multi_query, parent_child) build
// their sub-retrievers through the same registry.
//
// Every retriever pushes tenant scope, knowledge base scope, and the
// caller's ACL filter down into the store query; ACL trimming at the
// orchestrator runs afterwards as defense in depth.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/knoguchi/kbserve/internal/acl"
	"github.com/knoguchi/kbserve/internal/embedder"
	"github.com/knoguchi/kbserve/internal/llm"
	"github.com/knoguchi/kbserve/internal/repository"
	"github.com/knoguchi/kbserve/internal/sparsestore"
	"github.com/knoguchi/kbserve/internal/vectorstore"
)

// Retriever names, also used as hit source tags.
const (
	NameDense       = "dense"
	NameBM25        = "bm25"
	NameHybrid      = "hybrid"
	NameFusion      = "fusion"
	NameHyde        = "hyde"
	NameMultiQuery  = "multi_query"
	NameParentChild = "parent_child"
)

// DefaultRRFK is the rank constant in reciprocal-rank fusion.
const DefaultRRFK = 60

// Hit is one ranked retrieval result.
type Hit struct {
	ChunkID    string
	DocumentID string
	KBID       string
	Text       string
	Score      float64
	Source     string
	ACL        acl.Meta
	Metadata   map[string]string

	// MatchedChildren lists the child chunk ids that surfaced this hit
	// during parent expansion.
	MatchedChildren []string
}

// Request is a retrieval request within one tenant.
type Request struct {
	Query     string
	TenantID  string
	KBIDs     []string
	TopK      int
	Embedding repository.EmbeddingConfig

	// Identity restricts results via the ACL filter; nil means
	// unrestricted (admin bypass).
	Identity *repository.Identity

	// ChildrenOnly scopes the search to child chunks. Set by the
	// parent_child retriever when running its base retriever.
	ChildrenOnly bool
}

// Diagnostics carries optional retriever debug info surfaced to clients.
type Diagnostics struct {
	HydeQueries   []string            `json:"hyde_queries,omitempty"`
	QueryVariants []string            `json:"query_variants,omitempty"`
	VariantHits   map[string][]string `json:"variant_hits,omitempty"`
}

// Retriever produces a ranked sequence of hits for a query.
type Retriever interface {
	Name() string
	Retrieve(ctx context.Context, req Request) ([]Hit, *Diagnostics, error)
}

// Reranker reorders hits by relevance to the query, replacing scores.
// Implemented by the reranker package.
type Reranker interface {
	Rerank(ctx context.Context, query string, hits []Hit, topN int) ([]Hit, error)
	ModelName() string
	Provider() string
}

// EmbedderProvider resolves an embedding client per knowledge base
// config. Satisfied by *embedder.Factory.
type EmbedderProvider interface {
	For(cfg repository.EmbeddingConfig) (embedder.Embedder, error)
}

// Deps are the shared clients retrievers draw on. Composite retrievers
// require only the pieces they use; factories fail fast when a needed
// dependency is absent.
type Deps struct {
	Dense     vectorstore.Store
	Sparse    sparsestore.Store
	Embedders EmbedderProvider
	Chunks    repository.ChunkRepository
	LLM       llm.LLM
	Reranker  Reranker
	Logger    *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Factory builds a retriever from decoded parameters.
type Factory func(p *params, deps Deps, reg *Registry) (Retriever, error)

// Registry binds retriever names to factories.
type Registry struct {
	strict    bool
	deps      Deps
	factories map[string]Factory
}

// NewRegistry creates a registry with all built-in retrievers. In strict
// mode, unknown parameter keys are rejected; otherwise they are ignored.
func NewRegistry(deps Deps, strict bool) *Registry {
	r := &Registry{
		strict:    strict,
		deps:      deps,
		factories: make(map[string]Factory),
	}
	r.factories[NameDense] = newDense
	r.factories[NameBM25] = newBM25
	r.factories[NameHybrid] = newHybrid
	r.factories[NameFusion] = newFusion
	r.factories[NameHyde] = newHyde
	r.factories[NameMultiQuery] = newMultiQuery
	r.factories[NameParentChild] = newParentChild
	return r
}

// New instantiates a retriever by name with the given parameters.
func (r *Registry) New(name string, raw map[string]any) (Retriever, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown retriever: %s", name)
	}
	p := newParams(raw)
	ret, err := factory(p, r.deps, r)
	if err != nil {
		return nil, fmt.Errorf("retriever %s: %w", name, err)
	}
	if err := p.finish(r.strict); err != nil {
		return nil, fmt.Errorf("retriever %s: %w", name, err)
	}
	return ret, nil
}

// Names returns the registered retriever names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ============================================================================
// Ranking helpers
// ============================================================================

// sourcePriority orders sources for deterministic tie-breaks: direct
// store sources first, composites after.
var sourceRank = map[string]int{
	NameDense:       0,
	NameBM25:        1,
	NameHybrid:      2,
	NameFusion:      3,
	NameHyde:        4,
	NameMultiQuery:  5,
	NameParentChild: 6,
}

func sourcePriority(source string) int {
	if rank, ok := sourceRank[source]; ok {
		return rank
	}
	return len(sourceRank)
}

// sortHits orders hits by score descending, breaking ties by source
// priority and then ascending chunk id so output is deterministic.
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		pi, pj := sourcePriority(hits[i].Source), sourcePriority(hits[j].Source)
		if pi != pj {
			return pi < pj
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
}

// truncate cuts hits to at most k entries.
func truncate(hits []Hit, k int) []Hit {
	if k > 0 && len(hits) > k {
		return hits[:k]
	}
	return hits
}

// minMaxNormalize rescales scores to [0,1] within the batch. When every
// score is equal the batch collapses to 1.0 if positive, else 0.0.
func minMaxNormalize(hits []Hit) {
	if len(hits) == 0 {
		return
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, h := range hits {
		lo = math.Min(lo, h.Score)
		hi = math.Max(hi, h.Score)
	}
	if hi == lo {
		v := 0.0
		if hi > 0 {
			v = 1.0
		}
		for i := range hits {
			hits[i].Score = v
		}
		return
	}
	for i := range hits {
		hits[i].Score = (hits[i].Score - lo) / (hi - lo)
	}
}

// fuseRRF merges ranked lists with reciprocal-rank fusion:
// score = Σ 1/(k + rank), rank starting at 1 within each list. The
// best-ranked occurrence of a chunk supplies its fields.
func fuseRRF(lists [][]Hit, k int, source string) []Hit {
	if k <= 0 {
		k = DefaultRRFK
	}

	merged := make(map[string]*Hit)
	for _, list := range lists {
		for rank, h := range list {
			score := 1.0 / float64(k+rank+1)
			if existing, ok := merged[h.ChunkID]; ok {
				existing.Score += score
				continue
			}
			fused := h
			fused.Score = score
			fused.Source = source
			merged[h.ChunkID] = &fused
		}
	}

	out := make([]Hit, 0, len(merged))
	for _, h := range merged {
		out = append(out, *h)
	}
	sortHits(out)
	return out
}

// hitFromDense converts a dense store result.
func hitFromDense(r vectorstore.Result) Hit {
	return Hit{
		ChunkID:    r.ID,
		DocumentID: r.DocumentID,
		KBID:       r.KBID,
		Text:       r.Content,
		Score:      float64(r.Score),
		Source:     NameDense,
		ACL:        r.ACL,
		Metadata:   r.Metadata,
	}
}

// hitFromSparse converts a sparse store result.
func hitFromSparse(r sparsestore.Result) Hit {
	return Hit{
		ChunkID:    r.ID,
		DocumentID: r.DocumentID,
		KBID:       r.KBID,
		Text:       r.Content,
		Score:      float64(r.Score),
		Source:     NameBM25,
		ACL:        r.ACL,
		Metadata:   r.Metadata,
	}
}

// ============================================================================
// Parameter decoding
// ============================================================================

// params reads typed values out of a free-form parameter map, tracking
// consumed keys so strict mode can reject the rest. Values arrive either
// as native Go types or JSON-decoded ones.
type params struct {
	raw  map[string]any
	used map[string]bool
	err  error
}

func newParams(raw map[string]any) *params {
	return &params{raw: raw, used: make(map[string]bool)}
}

func (p *params) fail(key, want string) {
	if p.err == nil {
		p.err = fmt.Errorf("param %q: expected %s", key, want)
	}
}

func (p *params) String(key, def string) string {
	v, ok := p.raw[key]
	if !ok {
		return def
	}
	p.used[key] = true
	s, ok := v.(string)
	if !ok {
		p.fail(key, "string")
		return def
	}
	return s
}

func (p *params) Int(key string, def int) int {
	v, ok := p.raw[key]
	if !ok {
		return def
	}
	p.used[key] = true
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		if n == math.Trunc(n) {
			return int(n)
		}
		p.fail(key, "integer")
	default:
		p.fail(key, "integer")
	}
	return def
}

func (p *params) Float(key string, def float64) float64 {
	v, ok := p.raw[key]
	if !ok {
		return def
	}
	p.used[key] = true
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		p.fail(key, "number")
	}
	return def
}

func (p *params) Bool(key string, def bool) bool {
	v, ok := p.raw[key]
	if !ok {
		return def
	}
	p.used[key] = true
	b, ok := v.(bool)
	if !ok {
		p.fail(key, "boolean")
		return def
	}
	return b
}

func (p *params) Strings(key string, def []string) []string {
	v, ok := p.raw[key]
	if !ok {
		return def
	}
	p.used[key] = true
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				p.fail(key, "list of strings")
				return def
			}
			out = append(out, s)
		}
		return out
	default:
		p.fail(key, "list of strings")
	}
	return def
}

func (p *params) Floats(key string, def []float64) []float64 {
	v, ok := p.raw[key]
	if !ok {
		return def
	}
	p.used[key] = true
	switch list := v.(type) {
	case []float64:
		return list
	case []any:
		out := make([]float64, 0, len(list))
		for _, item := range list {
			switch n := item.(type) {
			case float64:
				out = append(out, n)
			case int:
				out = append(out, float64(n))
			default:
				p.fail(key, "list of numbers")
				return def
			}
		}
		return out
	default:
		p.fail(key, "list of numbers")
	}
	return def
}

func (p *params) finish(strict bool) error {
	if p.err != nil {
		return p.err
	}
	if !strict {
		return nil
	}
	var unknown []string
	for key := range p.raw {
		if !p.used[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown params: %s", strings.Join(unknown, ", "))
	}
	return nil
}
