// Package embedder provides interfaces and implementations for text embedding.
package embedder

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/knoguchi/kbserve/internal/repository"
)

// Provider names accepted in embedding configs.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Embedder defines the interface for text embedding services.
type Embedder interface {
	// Embed generates an embedding vector for a single text input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for multiple text inputs.
	// Returns a slice of embeddings in the same order as the input texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the dimensionality of the embedding vectors.
	Dimension() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string

	// Provider returns the provider name for model attribution.
	Provider() string
}

// modelDimensions maps known embedding models to their vector sizes, used
// when a knowledge base config omits the dimension.
var modelDimensions = map[string]int{
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"all-minilm":             384,
	"snowflake-arctic-embed": 1024,
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// DimensionFor returns the dimension for a known model, or the fallback.
func DimensionFor(model string, fallback int) int {
	if d, ok := modelDimensions[model]; ok {
		return d
	}
	return fallback
}

// FactoryOptions carries the provider credentials and endpoints shared by
// every embedder the factory builds.
type FactoryOptions struct {
	OllamaBaseURL string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	// BatchConcurrency bounds concurrent requests per batch for providers
	// without a native batch API.
	BatchConcurrency int

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// Factory builds embedders from per-knowledge-base embedding configs,
// caching one instance per provider/model/dimension.
type Factory struct {
	opts FactoryOptions

	mu    sync.Mutex
	cache map[string]Embedder
}

// NewFactory creates an embedder factory.
func NewFactory(opts FactoryOptions) *Factory {
	return &Factory{
		opts:  opts,
		cache: make(map[string]Embedder),
	}
}

// For returns an embedder matching the config. Instances are shared, so
// callers must not mutate them.
func (f *Factory) For(cfg repository.EmbeddingConfig) (Embedder, error) {
	dim := cfg.Dimension
	if dim <= 0 {
		dim = DimensionFor(cfg.Model, 0)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension unknown for model %q", cfg.Model)
	}

	key := fmt.Sprintf("%s/%s/%d", cfg.Provider, cfg.Model, dim)

	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.cache[key]; ok {
		return e, nil
	}

	var e Embedder
	switch cfg.Provider {
	case ProviderOllama, "":
		e = NewOllamaEmbedder(OllamaConfig{
			BaseURL:          f.opts.OllamaBaseURL,
			Model:            cfg.Model,
			Dimension:        dim,
			BatchConcurrency: f.opts.BatchConcurrency,
			HTTPClient:       f.opts.HTTPClient,
		})
	case ProviderOpenAI:
		e = NewOpenAIEmbedder(OpenAIConfig{
			APIKey:     f.opts.OpenAIAPIKey,
			BaseURL:    f.opts.OpenAIBaseURL,
			Model:      cfg.Model,
			Dimension:  dim,
			HTTPClient: f.opts.HTTPClient,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}

	f.cache[key] = e
	return e, nil
}
