// Package reranker rescores retrieval hits with an LLM acting as a
// cross-encoder: the model sees query and chunk together, which separates
// near-duplicates that first-stage scores rank almost identically.
//
// Reranking adds an LLM round trip per query. Knowledge bases opt in
// through their retriever config; latency-sensitive ones leave it off.
package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/knoguchi/kbserve/internal/llm"
	"github.com/knoguchi/kbserve/internal/retriever"
)

const (
	defaultModel    = "llama3.2"
	defaultProvider = "ollama"

	// snippetCap truncates chunk text in the scoring prompt.
	snippetCap      = 500
	rerankMaxTokens = 1024
)

// LLMReranker scores query-chunk pairs with a single LLM call that
// returns JSON scores for every candidate.
type LLMReranker struct {
	client   llm.LLM
	model    string
	provider string
}

// Option configures the reranker.
type Option func(*LLMReranker)

// WithModel sets the scoring model.
func WithModel(model string) Option {
	return func(r *LLMReranker) {
		if model != "" {
			r.model = model
		}
	}
}

// WithProvider sets the provider name reported for model attribution.
func WithProvider(provider string) Option {
	return func(r *LLMReranker) {
		if provider != "" {
			r.provider = provider
		}
	}
}

// NewLLMReranker builds a reranker on the given LLM client.
func NewLLMReranker(client llm.LLM, opts ...Option) *LLMReranker {
	r := &LLMReranker{
		client:   client,
		model:    defaultModel,
		provider: defaultProvider,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ModelName returns the scoring model.
func (r *LLMReranker) ModelName() string { return r.model }

// Provider returns the provider name.
func (r *LLMReranker) Provider() string { return r.provider }

type relevanceScore struct {
	DocIndex int     `json:"doc_index"`
	Score    float64 `json:"score"`
}

type rerankResponse struct {
	Scores []relevanceScore `json:"scores"`
}

// Rerank scores the hits against the query, replaces their scores, and
// returns them in descending score order, truncated to topN. A transport
// failure returns an error; a response the model garbled keeps the
// incoming order instead of failing the query.
func (r *LLMReranker) Rerank(ctx context.Context, query string, hits []retriever.Hit, topN int) ([]retriever.Hit, error) {
	if len(hits) == 0 {
		return nil, nil
	}
	if topN <= 0 || topN > len(hits) {
		topN = len(hits)
	}

	response, err := r.client.Generate(ctx, buildPrompt(query, hits), llm.GenerateOptions{
		Model:       r.model,
		Temperature: 0,
		MaxTokens:   rerankMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("rerank generation failed: %w", err)
	}

	scores, err := parseScores(response, len(hits))
	if err != nil {
		return hits[:topN], nil
	}

	out := make([]retriever.Hit, len(hits))
	copy(out, hits)
	for i := range out {
		out[i].Score = scores[i]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out[:topN], nil
}

func buildPrompt(query string, hits []retriever.Hit) string {
	var sb strings.Builder
	sb.WriteString("You are a relevance scoring system. Score each document's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\nDocuments to score:\n")
	for i, hit := range hits {
		text := hit.Text
		if runes := []rune(text); len(runes) > snippetCap {
			text = string(runes[:snippetCap]) + "..."
		}
		fmt.Fprintf(&sb, "[Doc %d]: %s\n\n", i, text)
	}
	sb.WriteString(`Score each document from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"doc_index": 0, "score": 0.9}, {"doc_index": 1, "score": 0.3}, ...]}

Be strict: irrelevant documents should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)
	return sb.String()
}

// parseScores extracts one score per hit from the model output, tolerating
// markdown code fences. Missing indexes default to 0.5, scores clamp to
// [0,1].
func parseScores(response string, n int) ([]float64, error) {
	response = stripFences(strings.TrimSpace(response))

	var parsed rerankResponse
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}

	scores := make([]float64, n)
	for i := range scores {
		scores[i] = 0.5
	}
	for _, s := range parsed.Scores {
		if s.DocIndex < 0 || s.DocIndex >= n {
			continue
		}
		score := s.Score
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		scores[s.DocIndex] = score
	}
	return scores, nil
}

func stripFences(s string) string {
	if idx := strings.Index(s, "```json"); idx != -1 {
		start := idx + len("```json")
		if end := strings.Index(s[start:], "```"); end != -1 {
			return strings.TrimSpace(s[start : start+end])
		}
	}
	if idx := strings.Index(s, "```"); idx != -1 {
		start := idx + len("```")
		if end := strings.Index(s[start:], "```"); end != -1 {
			return strings.TrimSpace(s[start : start+end])
		}
	}
	return s
}

var _ retriever.Reranker = (*LLMReranker)(nil)
