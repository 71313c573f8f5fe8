package retriever

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Default hybrid weights favor the dense side.
const (
	DefaultDenseWeight  = 0.7
	DefaultSparseWeight = 0.3
)

// hybridRetriever fans out to the dense and sparse retrievers, min-max
// normalizes each side, and combines scores as
// dense_weight*s_dense + sparse_weight*s_sparse per chunk.
type hybridRetriever struct {
	dense        Retriever
	sparse       Retriever
	denseWeight  float64
	sparseWeight float64
	logger       *slog.Logger
}

func newHybrid(p *params, deps Deps, reg *Registry) (Retriever, error) {
	dense, err := reg.New(NameDense, nil)
	if err != nil {
		return nil, err
	}
	sparse, err := reg.New(NameBM25, nil)
	if err != nil {
		return nil, err
	}
	dw := p.Float("dense_weight", DefaultDenseWeight)
	sw := p.Float("sparse_weight", DefaultSparseWeight)
	if dw < 0 || sw < 0 || dw+sw == 0 {
		return nil, fmt.Errorf("weights must be non-negative and not both zero")
	}
	return &hybridRetriever{
		dense:        dense,
		sparse:       sparse,
		denseWeight:  dw,
		sparseWeight: sw,
		logger:       deps.logger(),
	}, nil
}

func (r *hybridRetriever) Name() string { return NameHybrid }

func (r *hybridRetriever) Retrieve(ctx context.Context, req Request) ([]Hit, *Diagnostics, error) {
	var denseHits, sparseHits []Hit
	var denseErr, sparseErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		denseHits, _, denseErr = r.dense.Retrieve(gctx, req)
		return nil
	})
	g.Go(func() error {
		sparseHits, _, sparseErr = r.sparse.Retrieve(gctx, req)
		return nil
	})
	g.Wait()

	// One failed branch degrades to the surviving one; both failing is
	// a real outage.
	if denseErr != nil && sparseErr != nil {
		return nil, nil, fmt.Errorf("all retrieval branches failed: dense: %v; sparse: %w", denseErr, sparseErr)
	}
	if denseErr != nil {
		r.logger.Warn("hybrid dense branch failed", "error", denseErr)
	}
	if sparseErr != nil {
		r.logger.Warn("hybrid sparse branch failed", "error", sparseErr)
	}

	minMaxNormalize(denseHits)
	minMaxNormalize(sparseHits)

	combined := make(map[string]*Hit, len(denseHits)+len(sparseHits))
	for _, h := range denseHits {
		merged := h
		merged.Score = r.denseWeight * h.Score
		merged.Source = NameHybrid
		combined[h.ChunkID] = &merged
	}
	for _, h := range sparseHits {
		if existing, ok := combined[h.ChunkID]; ok {
			existing.Score += r.sparseWeight * h.Score
			continue
		}
		merged := h
		merged.Score = r.sparseWeight * h.Score
		merged.Source = NameHybrid
		combined[h.ChunkID] = &merged
	}

	hits := make([]Hit, 0, len(combined))
	for _, h := range combined {
		hits = append(hits, *h)
	}
	sortHits(hits)
	return truncate(hits, req.TopK), nil, nil
}
