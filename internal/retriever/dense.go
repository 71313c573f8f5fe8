package retriever

import (
	"context"
	"fmt"

	"github.com/knoguchi/kbserve/internal/acl"
	"github.com/knoguchi/kbserve/internal/vectorstore"
)

// denseRetriever embeds the query and runs cosine similarity search
// against the vector store.
type denseRetriever struct {
	store     vectorstore.Store
	embedders EmbedderProvider
	minScore  float64
}

func newDense(p *params, deps Deps, _ *Registry) (Retriever, error) {
	if deps.Dense == nil {
		return nil, fmt.Errorf("vector store not configured")
	}
	if deps.Embedders == nil {
		return nil, fmt.Errorf("embedder factory not configured")
	}
	return &denseRetriever{
		store:     deps.Dense,
		embedders: deps.Embedders,
		minScore:  p.Float("min_score", 0),
	}, nil
}

func (r *denseRetriever) Name() string { return NameDense }

func (r *denseRetriever) Retrieve(ctx context.Context, req Request) ([]Hit, *Diagnostics, error) {
	emb, err := r.embedders.For(req.Embedding)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve embedder: %w", err)
	}
	vector, err := emb.Embed(ctx, req.Query)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := r.store.Search(ctx, req.TenantID, vectorstore.Query{
		Vector:       vector,
		KBIDs:        req.KBIDs,
		TopK:         req.TopK,
		MinScore:     float32(r.minScore),
		ACL:          acl.StoreFilter(req.Identity),
		ChildrenOnly: req.ChildrenOnly,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to search vector store: %w", err)
	}

	hits := make([]Hit, len(results))
	for i, res := range results {
		hits[i] = hitFromDense(res)
	}
	sortHits(hits)
	return hits, nil, nil
}
