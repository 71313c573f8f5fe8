package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/knoguchi/kbserve/internal/apperr"
	"github.com/knoguchi/kbserve/internal/auth"
	"github.com/knoguchi/kbserve/internal/llm"
)

const (
	defaultAnswerTemperature = 0.2
	defaultAnswerTokens      = 1024

	// maxHistoryTurns bounds how much prior conversation enters the
	// prompt; older turns are dropped first.
	maxHistoryTurns = 20

	// noSourcesAnswer short-circuits generation when retrieval found
	// nothing: the system prompt forbids answering outside the sources,
	// so there is nothing for the model to do.
	noSourcesAnswer = "No relevant documents were found to answer this question."
)

// RAGOptions caps generation inputs and bounds the prompt context.
type RAGOptions struct {
	ContextBudget  int
	MaxTokens      int
	MaxTemperature float32
}

func (o RAGOptions) withDefaults() RAGOptions {
	if o.ContextBudget <= 0 {
		o.ContextBudget = 12000
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 2048
	}
	if o.MaxTemperature <= 0 {
		o.MaxTemperature = 2.0
	}
	return o
}

// RAGService answers questions grounded in retrieved chunks. Generation
// is never retried; a failed call surfaces as ServiceUnavailable and the
// client decides whether to repeat it.
type RAGService struct {
	query  *QueryService
	llm    llm.LLM
	opts   RAGOptions
	logger *slog.Logger
}

// NewRAGService wires grounded generation on top of the query
// orchestrator.
func NewRAGService(query *QueryService, llmClient llm.LLM, opts RAGOptions, logger *slog.Logger) *RAGService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RAGService{
		query:  query,
		llm:    llmClient,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// Turn is one prior exchange in a multi-turn conversation. Clients send
// history with each request; the service itself holds no session state.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnswerRequest extends a retrieval request with generation parameters.
// All three are clamped to the configured maxima.
type AnswerRequest struct {
	RetrieveRequest
	History     []Turn   `json:"history,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// Answer is a grounded response with the chunks it drew on.
type Answer struct {
	Answer         string           `json:"answer"`
	Sources        []RetrievedChunk `json:"sources"`
	ModelInfo      ModelInfo        `json:"model_info"`
	RetrievalCount int              `json:"retrieval_count"`
}

// AnswerStream is a streaming answer: sources and attribution are known
// before the first delta arrives.
type AnswerStream struct {
	Sources        []RetrievedChunk
	ModelInfo      ModelInfo
	RetrievalCount int
	Deltas         <-chan llm.StreamChunk
}

// Answer retrieves context and generates a grounded response.
func (s *RAGService) Answer(ctx context.Context, rc *auth.RequestContext, req *AnswerRequest) (*Answer, error) {
	prep, err := s.prepare(ctx, rc, req)
	if err != nil {
		return nil, err
	}
	if len(prep.hits) == 0 {
		return &Answer{Answer: noSourcesAnswer, Sources: []RetrievedChunk{}, ModelInfo: prep.info}, nil
	}

	answer, err := s.llm.Generate(ctx, prep.prompt, prep.genOpts)
	if err != nil {
		s.logger.Warn("generation failed", "model", prep.info.LLMModel, "error", err)
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, "generation failed", err)
	}
	return &Answer{
		Answer:         strings.TrimSpace(answer),
		Sources:        prep.hits,
		ModelInfo:      prep.info,
		RetrievalCount: len(prep.hits),
	}, nil
}

// AnswerStream runs the same pipeline as Answer but streams the
// generated tokens.
func (s *RAGService) AnswerStream(ctx context.Context, rc *auth.RequestContext, req *AnswerRequest) (*AnswerStream, error) {
	prep, err := s.prepare(ctx, rc, req)
	if err != nil {
		return nil, err
	}
	stream := &AnswerStream{
		Sources:        prep.hits,
		ModelInfo:      prep.info,
		RetrievalCount: len(prep.hits),
	}
	if len(prep.hits) == 0 {
		stream.Sources = []RetrievedChunk{}
		stream.Deltas = staticDeltas(noSourcesAnswer)
		return stream, nil
	}

	deltas, err := s.llm.GenerateStream(ctx, prep.prompt, prep.genOpts)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, "generation failed", err)
	}
	stream.Deltas = deltas
	return stream, nil
}

// generation holds everything derived before the LLM call.
type generation struct {
	hits    []RetrievedChunk
	info    ModelInfo
	prompt  string
	genOpts llm.GenerateOptions
}

func (s *RAGService) prepare(ctx context.Context, rc *auth.RequestContext, req *AnswerRequest) (*generation, error) {
	res, err := s.query.Retrieve(ctx, rc, &req.RetrieveRequest)
	if err != nil {
		return nil, err
	}
	info := res.ModelInfo
	info.LLMProvider = s.llm.Provider()
	info.LLMModel = s.llm.ModelName()

	g := &generation{hits: res.Hits, info: info}
	if len(res.Hits) == 0 {
		return g, nil
	}
	g.prompt = buildPrompt(req.Query, req.History, res.Hits, s.opts.ContextBudget)
	g.genOpts = s.generateOptions(req)
	return g, nil
}

// generateOptions clamps the request's generation parameters to the
// configured maxima.
func (s *RAGService) generateOptions(req *AnswerRequest) llm.GenerateOptions {
	opts := llm.GenerateOptions{
		SystemPrompt: defaultSystemPrompt,
		Temperature:  defaultAnswerTemperature,
		MaxTokens:    defaultAnswerTokens,
	}
	if req.Temperature != nil {
		opts.Temperature = clamp32(*req.Temperature, 0, s.opts.MaxTemperature)
	}
	if req.TopP != nil {
		opts.TopP = clamp32(*req.TopP, 0, 1)
	}
	if req.MaxTokens > 0 {
		opts.MaxTokens = req.MaxTokens
	}
	if opts.MaxTokens > s.opts.MaxTokens {
		opts.MaxTokens = s.opts.MaxTokens
	}
	return opts
}

func clamp32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// buildPrompt assembles the grounded prompt: numbered source blocks in
// retrieval order with the context section capped at budget runes, then
// the recent conversation, then the question.
func buildPrompt(query string, history []Turn, hits []RetrievedChunk, budget int) string {
	var sb strings.Builder
	sb.WriteString("## Sources\n\n")

	remaining := budget
	for i, h := range hits {
		if remaining <= 0 {
			break
		}
		block := fmt.Sprintf("[Source %d: %s]\n%s\n\n", i+1, sourceTitle(h), h.Content)
		if n := utf8.RuneCountInString(block); n > remaining {
			block = string([]rune(block)[:remaining])
			remaining = 0
		} else {
			remaining -= n
		}
		sb.WriteString(block)
	}

	if h := formatHistory(history); h != "" {
		sb.WriteString("## Conversation so far\n")
		sb.WriteString(h)
		sb.WriteString("\n")
	}

	sb.WriteString("## Question\n")
	sb.WriteString(query)
	sb.WriteString("\n\n## Answer\n")
	return sb.String()
}

// formatHistory renders prior turns as prompt lines, keeping only the
// most recent maxHistoryTurns. Roles other than user and assistant are
// skipped.
func formatHistory(history []Turn) string {
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}
	var sb strings.Builder
	for _, t := range history {
		switch t.Role {
		case "user":
			sb.WriteString("User: ")
		case "assistant":
			sb.WriteString("Assistant: ")
		default:
			continue
		}
		sb.WriteString(t.Content)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func sourceTitle(h RetrievedChunk) string {
	if h.Title != "" {
		return h.Title
	}
	if h.Source != "" {
		return h.Source
	}
	return "untitled"
}

// staticDeltas wraps a fixed answer in the streaming shape.
func staticDeltas(text string) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk, 2)
	ch <- llm.StreamChunk{Token: text}
	ch <- llm.StreamChunk{Done: true}
	close(ch)
	return ch
}

// defaultSystemPrompt keeps answers grounded in the retrieved sources.
const defaultSystemPrompt = `You are a concise knowledge assistant. Answer the question using ONLY the numbered sources provided.

Rules:
1. If the sources do not contain the answer, say "I don't have enough information to answer that."
2. Cite the sources you used as [Source N].
3. Never invent information that is not in the sources.
4. Be brief and direct.`
