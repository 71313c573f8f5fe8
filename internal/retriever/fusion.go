package retriever

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Fusion strategies.
const (
	StrategyRRF      = "rrf"
	StrategyWeighted = "weighted"
)

// DefaultRerankTopN bounds how many hits are handed to the reranker.
const DefaultRerankTopN = 20

// fusionRetriever fans out to a configurable set of sub-retrievers and
// merges their rankings, either by reciprocal-rank fusion or by a
// weighted sum of normalized scores. An optional rerank stage rescores
// the merged head with a cross-encoder style client.
type fusionRetriever struct {
	subs       []Retriever
	strategy   string
	rrfK       int
	weights    []float64
	rerank     bool
	rerankTopN int
	reranker   Reranker
	logger     *slog.Logger
}

func newFusion(p *params, deps Deps, reg *Registry) (Retriever, error) {
	names := p.Strings("retrievers", []string{NameDense, NameBM25})
	if len(names) == 0 {
		return nil, fmt.Errorf("retrievers list is empty")
	}
	subs := make([]Retriever, len(names))
	for i, name := range names {
		sub, err := reg.New(name, nil)
		if err != nil {
			return nil, err
		}
		subs[i] = sub
	}

	strategy := p.String("strategy", StrategyRRF)
	if strategy != StrategyRRF && strategy != StrategyWeighted {
		return nil, fmt.Errorf("unknown fusion strategy: %s", strategy)
	}

	weights := p.Floats("weights", nil)
	if strategy == StrategyWeighted {
		if weights == nil {
			weights = make([]float64, len(subs))
			for i := range weights {
				weights[i] = 1.0 / float64(len(subs))
			}
		}
		if len(weights) != len(subs) {
			return nil, fmt.Errorf("weights length %d does not match retrievers length %d", len(weights), len(subs))
		}
	}

	rerank := p.Bool("rerank", false)
	if rerank && deps.Reranker == nil {
		return nil, fmt.Errorf("rerank requested but no rerank client configured")
	}

	return &fusionRetriever{
		subs:       subs,
		strategy:   strategy,
		rrfK:       p.Int("k", DefaultRRFK),
		weights:    weights,
		rerank:     rerank,
		rerankTopN: p.Int("rerank_top_n", DefaultRerankTopN),
		reranker:   deps.Reranker,
		logger:     deps.logger(),
	}, nil
}

func (r *fusionRetriever) Name() string { return NameFusion }

func (r *fusionRetriever) Retrieve(ctx context.Context, req Request) ([]Hit, *Diagnostics, error) {
	lists := make([][]Hit, len(r.subs))
	errs := make([]error, len(r.subs))

	g, gctx := errgroup.WithContext(ctx)
	for i, sub := range r.subs {
		i, sub := i, sub
		g.Go(func() error {
			lists[i], _, errs[i] = sub.Retrieve(gctx, req)
			return nil
		})
	}
	g.Wait()

	succeeded := 0
	for i, err := range errs {
		if err != nil {
			r.logger.Warn("fusion branch failed", "retriever", r.subs[i].Name(), "error", err)
			continue
		}
		succeeded++
	}
	if succeeded == 0 {
		return nil, nil, fmt.Errorf("all retrieval branches failed: %w", errs[0])
	}

	var hits []Hit
	switch r.strategy {
	case StrategyWeighted:
		hits = r.fuseWeighted(lists, errs)
	default:
		good := make([][]Hit, 0, len(lists))
		for i, list := range lists {
			if errs[i] == nil {
				good = append(good, list)
			}
		}
		hits = fuseRRF(good, r.rrfK, NameFusion)
	}

	hits, err := r.maybeRerank(ctx, req.Query, hits)
	if err != nil {
		return nil, nil, err
	}
	return truncate(hits, req.TopK), nil, nil
}

// fuseWeighted normalizes each branch to [0,1] and sums weight*score per
// chunk across branches.
func (r *fusionRetriever) fuseWeighted(lists [][]Hit, errs []error) []Hit {
	combined := make(map[string]*Hit)
	for i, list := range lists {
		if errs[i] != nil {
			continue
		}
		minMaxNormalize(list)
		for _, h := range list {
			score := r.weights[i] * h.Score
			if existing, ok := combined[h.ChunkID]; ok {
				existing.Score += score
				continue
			}
			merged := h
			merged.Score = score
			merged.Source = NameFusion
			combined[h.ChunkID] = &merged
		}
	}
	hits := make([]Hit, 0, len(combined))
	for _, h := range combined {
		hits = append(hits, *h)
	}
	sortHits(hits)
	return hits
}

// maybeRerank rescores the head of the ranking with the rerank client.
// Rerank failures degrade to the fused order rather than failing the
// whole query.
func (r *fusionRetriever) maybeRerank(ctx context.Context, query string, hits []Hit) ([]Hit, error) {
	if !r.rerank || len(hits) == 0 {
		return hits, nil
	}
	n := r.rerankTopN
	if n <= 0 || n > len(hits) {
		n = len(hits)
	}
	head := make([]Hit, n)
	copy(head, hits[:n])

	reranked, err := r.reranker.Rerank(ctx, query, head, n)
	if err != nil {
		r.logger.Warn("rerank failed, keeping fused order", "error", err)
		return hits, nil
	}
	sortHits(reranked)
	return append(reranked, hits[n:]...), nil
}
