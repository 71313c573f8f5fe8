package retriever

import (
	"context"
	"fmt"

	"github.com/knoguchi/kbserve/internal/acl"
	"github.com/knoguchi/kbserve/internal/sparsestore"
)

// bm25Retriever runs full-text search against the sparse store. Raw BM25
// scores are unbounded, so each batch is min-max normalized to [0,1] to
// keep scores comparable across queries.
type bm25Retriever struct {
	store sparsestore.Store
}

func newBM25(_ *params, deps Deps, _ *Registry) (Retriever, error) {
	if deps.Sparse == nil {
		return nil, fmt.Errorf("sparse store not configured")
	}
	return &bm25Retriever{store: deps.Sparse}, nil
}

func (r *bm25Retriever) Name() string { return NameBM25 }

func (r *bm25Retriever) Retrieve(ctx context.Context, req Request) ([]Hit, *Diagnostics, error) {
	results, err := r.store.Search(ctx, req.TenantID, sparsestore.Query{
		Text:         req.Query,
		KBIDs:        req.KBIDs,
		TopK:         req.TopK,
		ACL:          acl.StoreFilter(req.Identity),
		ChildrenOnly: req.ChildrenOnly,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to search sparse store: %w", err)
	}

	hits := make([]Hit, len(results))
	for i, res := range results {
		hits[i] = hitFromSparse(res)
	}
	minMaxNormalize(hits)
	sortHits(hits)
	return hits, nil, nil
}
