package retriever

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/knoguchi/kbserve/internal/chunker"
	"github.com/knoguchi/kbserve/internal/repository"
)

// Parent expansion modes.
const (
	ModeReplace = "replace"
	ModeAttach  = "attach"
)

// MetaParentText is the metadata key attach mode stores the parent
// chunk's content under. Written at retrieval time, never persisted.
const MetaParentText = "parent_text"

// childOverfetchFactor widens the child search so that enough distinct
// parents survive the collapse to fill top_k.
const childOverfetchFactor = 4

// parentChildRetriever searches child chunks for precision, then
// expands matches to their parent chunks for context. In replace mode
// the parents become the hits; in attach mode the children remain hits
// and carry the parent text along.
type parentChildRetriever struct {
	base      Retriever
	chunks    repository.ChunkRepository
	mode      string
	childTopK int
	logger    *slog.Logger
}

func newParentChild(p *params, deps Deps, reg *Registry) (Retriever, error) {
	if deps.Chunks == nil {
		return nil, fmt.Errorf("chunk repository not configured")
	}
	base, err := reg.New(p.String("base", NameDense), nil)
	if err != nil {
		return nil, err
	}
	mode := p.String("mode", ModeReplace)
	if mode != ModeReplace && mode != ModeAttach {
		return nil, fmt.Errorf("unknown parent expansion mode: %s", mode)
	}
	return &parentChildRetriever{
		base:      base,
		chunks:    deps.Chunks,
		mode:      mode,
		childTopK: p.Int("child_top_k", 0),
		logger:    deps.logger(),
	}, nil
}

func (r *parentChildRetriever) Name() string { return NameParentChild }

func (r *parentChildRetriever) Retrieve(ctx context.Context, req Request) ([]Hit, *Diagnostics, error) {
	childReq := req
	childReq.ChildrenOnly = true
	childReq.TopK = r.childTopK
	if childReq.TopK <= 0 {
		childReq.TopK = req.TopK * childOverfetchFactor
	}

	children, _, err := r.base.Retrieve(ctx, childReq)
	if err != nil {
		return nil, nil, err
	}

	hits, err := ExpandParents(ctx, r.chunks, req.TenantID, children, r.mode, r.logger)
	if err != nil {
		return nil, nil, err
	}
	for i := range hits {
		hits[i].Source = NameParentChild
	}
	sortHits(hits)
	return truncate(hits, req.TopK), nil, nil
}

// ExpandParents maps child hits to their parent chunks. Hits without a
// parent id pass through untouched. In replace mode each parent appears
// once, scored by its best child, with the matching child ids recorded
// on the hit. In attach mode child hits keep their scores and gain the
// parent text in metadata. A child whose parent row is missing stays in
// the result as-is.
func ExpandParents(ctx context.Context, chunks repository.ChunkRepository, tenantID string, hits []Hit, mode string, logger *slog.Logger) ([]Hit, error) {
	tid, err := uuid.Parse(tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse tenant id: %w", err)
	}

	parentIDs := make([]uuid.UUID, 0, len(hits))
	seen := make(map[string]bool)
	for _, h := range hits {
		pid := h.Metadata[chunker.MetaParentID]
		if pid == "" || seen[pid] {
			continue
		}
		id, err := uuid.Parse(pid)
		if err != nil {
			logger.Warn("skipping malformed parent id", "parent_id", pid, "chunk_id", h.ChunkID)
			continue
		}
		seen[pid] = true
		parentIDs = append(parentIDs, id)
	}
	if len(parentIDs) == 0 {
		return hits, nil
	}

	rows, err := chunks.GetByIDs(ctx, tid, parentIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load parent chunks: %w", err)
	}
	parents := make(map[string]*repository.Chunk, len(rows))
	for _, row := range rows {
		parents[row.ID.String()] = row
	}

	if mode == ModeAttach {
		out := make([]Hit, len(hits))
		for i, h := range hits {
			out[i] = h
			parent, ok := parents[h.Metadata[chunker.MetaParentID]]
			if !ok {
				continue
			}
			meta := make(map[string]string, len(h.Metadata)+1)
			for k, v := range h.Metadata {
				meta[k] = v
			}
			meta[MetaParentText] = parent.Content
			out[i].Metadata = meta
		}
		return out, nil
	}

	// Replace mode. Children arrive ranked, so the first child seen per
	// parent carries the best score and the matched list stays in rank
	// order.
	var out []Hit
	index := make(map[string]int)
	for _, h := range hits {
		pid := h.Metadata[chunker.MetaParentID]
		parent, ok := parents[pid]
		if !ok {
			out = append(out, h)
			continue
		}
		if at, ok := index[pid]; ok {
			out[at].MatchedChildren = append(out[at].MatchedChildren, h.ChunkID)
			continue
		}
		meta := make(map[string]string, len(parent.Metadata))
		for k, v := range parent.Metadata {
			meta[k] = v
		}
		index[pid] = len(out)
		out = append(out, Hit{
			ChunkID:         pid,
			DocumentID:      h.DocumentID,
			KBID:            h.KBID,
			Text:            parent.Content,
			Score:           h.Score,
			Source:          h.Source,
			ACL:             h.ACL,
			Metadata:        meta,
			MatchedChildren: []string{h.ChunkID},
		})
	}
	return out, nil
}
