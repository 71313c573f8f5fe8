package retriever

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/knoguchi/kbserve/internal/llm"
)

const multiQueryPromptTemplate = `Rewrite the search query below as %d alternative phrasings that keep the same meaning but use different wording. Each phrasing goes on its own line with no numbering or commentary.

Query: %s`

// Cap on chunk ids reported per variant in diagnostics.
const variantHitsCap = 10

// multiQueryRetriever rewrites the query into several phrasings, runs
// the base retriever for each, and merges the rankings with RRF. Per
// variant hit lists are surfaced as diagnostics.
type multiQueryRetriever struct {
	base            Retriever
	client          llm.LLM
	numQueries      int
	includeOriginal bool
	rrfK            int
	logger          *slog.Logger
}

func newMultiQuery(p *params, deps Deps, reg *Registry) (Retriever, error) {
	if deps.LLM == nil {
		return nil, fmt.Errorf("llm client not configured")
	}
	base, err := reg.New(p.String("base", NameDense), nil)
	if err != nil {
		return nil, err
	}
	numQueries := p.Int("num_queries", DefaultNumQueries)
	if numQueries < 1 {
		return nil, fmt.Errorf("num_queries must be positive")
	}
	return &multiQueryRetriever{
		base:            base,
		client:          deps.LLM,
		numQueries:      numQueries,
		includeOriginal: p.Bool("include_original", true),
		rrfK:            p.Int("k", DefaultRRFK),
		logger:          deps.logger(),
	}, nil
}

func (r *multiQueryRetriever) Name() string { return NameMultiQuery }

func (r *multiQueryRetriever) Retrieve(ctx context.Context, req Request) ([]Hit, *Diagnostics, error) {
	prompt := fmt.Sprintf(multiQueryPromptTemplate, r.numQueries, req.Query)
	variants, err := generateLines(ctx, r.client, prompt, r.numQueries)
	if err != nil || len(variants) == 0 {
		if err != nil {
			r.logger.Warn("multi_query expansion failed, using original query", "error", err)
		}
		hits, _, err := r.base.Retrieve(ctx, req)
		if err != nil {
			return nil, nil, err
		}
		for i := range hits {
			hits[i].Source = NameMultiQuery
		}
		return hits, &Diagnostics{}, nil
	}

	queries := variants
	if r.includeOriginal {
		queries = append([]string{req.Query}, variants...)
	}

	lists, err := fanOutQueries(ctx, r.base, req, queries, NameMultiQuery, r.logger)
	if err != nil {
		return nil, nil, err
	}

	diag := &Diagnostics{
		QueryVariants: variants,
		VariantHits:   make(map[string][]string, len(queries)),
	}
	for i, list := range lists {
		if list == nil {
			continue
		}
		ids := make([]string, 0, min(len(list), variantHitsCap))
		for _, h := range list {
			if len(ids) == variantHitsCap {
				break
			}
			ids = append(ids, h.ChunkID)
		}
		diag.VariantHits[queries[i]] = ids
	}

	hits := fuseRRF(compactLists(lists), r.rrfK, NameMultiQuery)
	return truncate(hits, req.TopK), diag, nil
}
