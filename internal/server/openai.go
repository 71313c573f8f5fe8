package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/kbserve/internal/apperr"
	"github.com/knoguchi/kbserve/internal/auth"
	"github.com/knoguchi/kbserve/internal/embedder"
	"github.com/knoguchi/kbserve/internal/service"
)

// The /v1/embeddings and /v1/chat/completions handlers speak the OpenAI
// wire shape so existing SDKs can point at this service. Chat requests
// carry a knowledge_base_ids extension that selects the grounding
// corpus; responses add a sources extension with the chunks the answer
// drew on.

type embeddingsRequest struct {
	// Input is a single string or an array of strings.
	Input json.RawMessage `json:"input"`
	Model string          `json:"model,omitempty"`
}

type embeddingObject struct {
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type usageInfo struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type embeddingsResponse struct {
	Object string            `json:"object"`
	Data   []embeddingObject `json:"data"`
	Model  string            `json:"model"`
	Usage  usageInfo         `json:"usage"`
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.RequireContext(r.Context()); err != nil {
		s.respondError(w, r, err)
		return
	}
	var req embeddingsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	inputs, err := parseEmbeddingInput(req.Input)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	cfg := s.deps.DefaultEmbedding
	if req.Model != "" && req.Model != cfg.Model {
		cfg.Model = req.Model
		cfg.Dimension = embedder.DimensionFor(req.Model, 0)
	}
	emb, err := s.deps.Embedders.For(cfg)
	if err != nil {
		s.respondError(w, r, apperr.Wrap(apperr.Validation, fmt.Sprintf("unsupported embedding model %q", cfg.Model), err))
		return
	}
	vectors, err := emb.EmbedBatch(r.Context(), inputs)
	if err != nil {
		s.respondError(w, r, apperr.Wrap(apperr.UpstreamUnavailable, "embedding backend failed", err))
		return
	}

	resp := embeddingsResponse{
		Object: "list",
		Data:   make([]embeddingObject, len(vectors)),
		Model:  cfg.Model,
	}
	for i, vec := range vectors {
		resp.Data[i] = embeddingObject{Object: "embedding", Embedding: vec, Index: i}
		// Rough token estimate; the providers do not report usage for
		// every model.
		resp.Usage.PromptTokens += len(inputs[i]) / 4
	}
	resp.Usage.TotalTokens = resp.Usage.PromptTokens
	respondJSON(w, http.StatusOK, resp)
}

func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, apperr.New(apperr.Validation, "input is required")
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, apperr.New(apperr.Validation, "input must not be empty")
		}
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, apperr.New(apperr.Validation, "input must be a string or an array of strings")
	}
	if len(many) == 0 {
		return nil, apperr.New(apperr.Validation, "input must not be empty")
	}
	for _, in := range many {
		if in == "" {
			return nil, apperr.New(apperr.Validation, "input must not contain empty strings")
		}
	}
	return many, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature *float32      `json:"temperature,omitempty"`
	TopP        *float32      `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`

	// Extensions beyond the OpenAI schema.
	KnowledgeBaseIDs []string `json:"knowledge_base_ids"`
	TopK             int      `json:"top_k,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID      string                   `json:"id"`
	Object  string                   `json:"object"`
	Created int64                    `json:"created"`
	Model   string                   `json:"model"`
	Choices []chatChoice             `json:"choices"`
	Sources []service.RetrievedChunk `json:"sources,omitempty"`
}

type chatDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chatStreamChoice struct {
	Index        int       `json:"index"`
	Delta        chatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

type chatStreamChunk struct {
	ID      string                   `json:"id"`
	Object  string                   `json:"object"`
	Created int64                    `json:"created"`
	Model   string                   `json:"model"`
	Choices []chatStreamChoice       `json:"choices"`
	Sources []service.RetrievedChunk `json:"sources,omitempty"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	rc, err := auth.RequireContext(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var req chatCompletionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	query, history, err := splitMessages(req.Messages)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if len(req.KnowledgeBaseIDs) == 0 {
		s.respondError(w, r, apperr.New(apperr.Validation, "knowledge_base_ids is required"))
		return
	}

	answerReq := &service.AnswerRequest{
		RetrieveRequest: service.RetrieveRequest{
			Query:            query,
			KnowledgeBaseIDs: req.KnowledgeBaseIDs,
			TopK:             req.TopK,
		},
		History:     history,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}

	if req.Stream {
		s.streamChatCompletion(w, r, rc, answerReq)
		return
	}

	answer, err := s.svcs.RAG.Answer(r.Context(), rc, answerReq)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, chatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   answer.ModelInfo.LLMModel,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: answer.Answer},
			FinishReason: "stop",
		}},
		Sources: answer.Sources,
	})
}

// streamChatCompletion emits chat.completion.chunk events over SSE. The
// first chunk carries the assistant role and the sources extension, the
// last carries finish_reason, then the [DONE] sentinel closes the
// stream.
func (s *Server) streamChatCompletion(w http.ResponseWriter, r *http.Request, rc *auth.RequestContext, req *service.AnswerRequest) {
	stream, err := s.svcs.RAG.AnswerStream(r.Context(), rc, req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, r, apperr.New(apperr.Internal, "streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	chunk := chatStreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   stream.ModelInfo.LLMModel,
		Choices: []chatStreamChoice{{Delta: chatDelta{Role: "assistant"}}},
		Sources: stream.Sources,
	}
	writeSSE(w, flusher, chunk)

	chunk.Sources = nil
	for delta := range stream.Deltas {
		if delta.Error != nil {
			s.logger.Error("chat completion stream failed", "error", delta.Error, "tenant_id", rc.Tenant.ID)
			break
		}
		if delta.Token != "" {
			chunk.Choices[0].Delta = chatDelta{Content: delta.Token}
			writeSSE(w, flusher, chunk)
		}
		if delta.Done {
			break
		}
	}

	finish := "stop"
	chunk.Choices[0].Delta = chatDelta{}
	chunk.Choices[0].FinishReason = &finish
	writeSSE(w, flusher, chunk)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}

// splitMessages pulls the final user message out as the query and keeps
// the preceding user and assistant turns as conversation history.
func splitMessages(messages []chatMessage) (string, []service.Turn, error) {
	last := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" && messages[i].Content != "" {
			last = i
			break
		}
	}
	if last < 0 {
		return "", nil, apperr.New(apperr.Validation, "messages must include a user message")
	}
	var history []service.Turn
	for _, m := range messages[:last] {
		if (m.Role == "user" || m.Role == "assistant") && m.Content != "" {
			history = append(history, service.Turn{Role: m.Role, Content: m.Content})
		}
	}
	return messages[last].Content, history, nil
}
