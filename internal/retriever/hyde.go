package retriever

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/knoguchi/kbserve/internal/llm"
)

const hydePromptTemplate = `Write %d short, self-contained passages that could plausibly answer the question below. Each passage goes on its own line with no numbering or commentary.

Question: %s`

// hydeRetriever implements hypothetical document embeddings: the LLM
// drafts plausible answers, each draft is retrieved against as if it
// were the query, and the rankings are merged with RRF. Drafted text
// tends to land closer to stored passages in embedding space than the
// question itself does.
type hydeRetriever struct {
	base            Retriever
	client          llm.LLM
	numQueries      int
	includeOriginal bool
	rrfK            int
	logger          *slog.Logger
}

func newHyde(p *params, deps Deps, reg *Registry) (Retriever, error) {
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
	return &hydeRetriever{
		base:            base,
		client:          deps.LLM,
		numQueries:      numQueries,
		includeOriginal: p.Bool("include_original", true),
		rrfK:            p.Int("k", DefaultRRFK),
		logger:          deps.logger(),
	}, nil
}

func (r *hydeRetriever) Name() string { return NameHyde }

func (r *hydeRetriever) Retrieve(ctx context.Context, req Request) ([]Hit, *Diagnostics, error) {
	prompt := fmt.Sprintf(hydePromptTemplate, r.numQueries, req.Query)
	drafts, err := generateLines(ctx, r.client, prompt, r.numQueries)
	if err != nil || len(drafts) == 0 {
		// Expansion failure degrades to plain base retrieval.
		if err != nil {
			r.logger.Warn("hyde expansion failed, using original query", "error", err)
		}
		hits, _, err := r.base.Retrieve(ctx, req)
		if err != nil {
			return nil, nil, err
		}
		for i := range hits {
			hits[i].Source = NameHyde
		}
		return hits, &Diagnostics{}, nil
	}

	queries := drafts
	if r.includeOriginal {
		queries = append([]string{req.Query}, drafts...)
	}

	lists, err := fanOutQueries(ctx, r.base, req, queries, NameHyde, r.logger)
	if err != nil {
		return nil, nil, err
	}

	hits := fuseRRF(compactLists(lists), r.rrfK, NameHyde)
	return truncate(hits, req.TopK), &Diagnostics{HydeQueries: drafts}, nil
}
