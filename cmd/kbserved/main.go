package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/knoguchi/kbserve/internal/auth"
	"github.com/knoguchi/kbserve/internal/chunker"
	"github.com/knoguchi/kbserve/internal/config"
	"github.com/knoguchi/kbserve/internal/embedder"
	"github.com/knoguchi/kbserve/internal/ingest"
	"github.com/knoguchi/kbserve/internal/llm"
	"github.com/knoguchi/kbserve/internal/metrics"
	"github.com/knoguchi/kbserve/internal/ratelimit"
	"github.com/knoguchi/kbserve/internal/repository"
	"github.com/knoguchi/kbserve/internal/repository/postgres"
	"github.com/knoguchi/kbserve/internal/reranker"
	"github.com/knoguchi/kbserve/internal/retriever"
	"github.com/knoguchi/kbserve/internal/server"
	"github.com/knoguchi/kbserve/internal/service"
	"github.com/knoguchi/kbserve/internal/sparsestore"
	"github.com/knoguchi/kbserve/internal/vectorstore"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting knowledge-base service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"dense_store", cfg.DenseStoreBackend,
		"sparse_store", cfg.SparseStoreBackend,
		"rate_limit", cfg.RateLimitBackend,
	)

	m := metrics.New()

	// Initialize PostgreSQL
	db, err := postgres.New(ctx, cfg.PostgresURL, cfg.PostgresMaxConns)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	slog.Info("connected to PostgreSQL")

	// Initialize repositories
	tenantRepo := postgres.NewTenantRepo(db)
	keyRepo := postgres.NewApiKeyRepo(db)
	tokenRepo := postgres.NewAdminTokenRepo(db)
	kbRepo := postgres.NewKnowledgeBaseRepo(db)
	documentRepo := postgres.NewDocumentRepo(db)
	chunkRepo := postgres.NewChunkRepo(db)
	usageRepo := postgres.NewUsageLogRepo(db)

	// Initialize the dense vector store
	var dense vectorstore.Store
	switch cfg.DenseStoreBackend {
	case "pgvector":
		pv, err := vectorstore.NewPgvectorStore(ctx, cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("failed to connect to pgvector: %w", err)
		}
		defer pv.Close()
		dense = pv
	default:
		qd, err := vectorstore.NewQdrantStore(cfg.QdrantHost, cfg.QdrantPort)
		if err != nil {
			return fmt.Errorf("failed to connect to Qdrant: %w", err)
		}
		defer qd.Close()
		dense = qd
	}
	slog.Info("connected to dense store", "backend", cfg.DenseStoreBackend)

	// Initialize the sparse keyword store
	var sparse sparsestore.Store
	switch cfg.SparseStoreBackend {
	case "elastic":
		es, err := sparsestore.NewElasticStore(cfg.ElasticsearchURL)
		if err != nil {
			return fmt.Errorf("failed to connect to Elasticsearch: %w", err)
		}
		sparse = es
	default:
		sparse = sparsestore.NewMemoryStore()
	}
	slog.Info("initialized sparse store", "backend", cfg.SparseStoreBackend)

	// Initialize the per-key rate limiter
	var evictionWG sync.WaitGroup
	var limiter ratelimit.Limiter
	switch cfg.RateLimitBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		limiter = ratelimit.NewRedisLimiter(client, m.RateLimitDegraded, logger)
	default:
		mem := ratelimit.NewMemoryLimiter()
		mem.StartEviction(ctx, &evictionWG, 5*time.Minute, 30*time.Minute)
		limiter = mem
	}

	// Initialize model clients
	embedders := embedder.NewFactory(embedder.FactoryOptions{
		OllamaBaseURL: cfg.OllamaURL,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	})
	llmClient, err := llm.New(llm.Config{
		Provider:      cfg.LLMProvider,
		Model:         cfg.LLMModel,
		OllamaBaseURL: cfg.OllamaURL,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to build LLM client: %w", err)
	}
	slog.Info("initialized models",
		"embedding_provider", cfg.EmbeddingProvider,
		"embedding_model", cfg.EmbeddingModel,
		"llm_provider", cfg.LLMProvider,
		"llm_model", cfg.LLMModel,
	)

	var rerank retriever.Reranker
	if cfg.RerankProvider != "" {
		rerank = reranker.NewLLMReranker(llmClient, reranker.WithModel(cfg.RerankModel))
		slog.Info("initialized reranker", "provider", cfg.RerankProvider, "model", cfg.RerankModel)
	}

	// Initialize chunking and retrieval registries
	chunkers := chunker.NewRegistry(cfg.ChunkerStrictParams)
	retrievers := retriever.NewRegistry(retriever.Deps{
		Dense:     dense,
		Sparse:    sparse,
		Embedders: embedders,
		Chunks:    chunkRepo,
		LLM:       llmClient,
		Reranker:  rerank,
		Logger:    logger,
	}, cfg.ChunkerStrictParams)

	// Initialize the ingestion pipeline and its repair sweeper
	orch, err := ingest.NewOrchestrator(ingest.Deps{
		Documents: documentRepo,
		KBs:       kbRepo,
		Chunks:    chunkRepo,
		Dense:     dense,
		Sparse:    sparse,
		Embedders: embedders,
		Chunkers:  chunkers,
		LLM:       llmClient,
		Metrics:   m,
		Logger:    logger,
	}, ingest.Options{
		FailFraction:  cfg.IngestFailFraction,
		BatchSize:     cfg.EmbedBatchSize,
		EmbedTimeout:  cfg.EmbedTimeout,
		FetchTimeout:  cfg.SourceFetchTimeout,
		FetchMaxBytes: cfg.SourceFetchMaxBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to build ingestion pipeline: %w", err)
	}
	sweeper, err := ingest.NewSweeper(orch, chunkRepo, cfg.IngestSweepInterval, cfg.IngestPendingTTL, logger)
	if err != nil {
		return fmt.Errorf("failed to build ingest sweeper: %w", err)
	}
	sweeper.Start()

	// Initialize services
	kbDefaults := repository.KBConfig{
		Chunker:   repository.ChunkerConfig{Name: chunker.NameSimple},
		Retriever: repository.RetrieverConfig{Name: retriever.NameDense},
		Embedding: repository.EmbeddingConfig{
			Provider:  cfg.EmbeddingProvider,
			Model:     cfg.EmbeddingModel,
			Dimension: cfg.EmbeddingDim,
		},
	}
	var queryOpts []service.QueryOption
	if rerank != nil {
		queryOpts = append(queryOpts, service.WithReranker(rerank))
	}
	svcs := server.Services{
		Tenants:     service.NewTenantService(tenantRepo, keyRepo, dense, sparse, logger),
		AdminTokens: service.NewAdminTokenService(tokenRepo),
		APIKeys:     service.NewAPIKeyService(keyRepo, kbRepo),
		KBs:         service.NewKBService(kbRepo, documentRepo, chunkRepo, dense, sparse, chunkers, retrievers, embedders, kbDefaults, logger),
		Documents:   service.NewDocumentService(documentRepo, kbRepo, chunkRepo, dense, sparse, orch, logger),
		Query:       service.NewQueryService(kbRepo, chunkRepo, retrievers, llmClient, m, logger, queryOpts...),
	}
	svcs.RAG = service.NewRAGService(svcs.Query, llmClient, service.RAGOptions{
		ContextBudget:  cfg.RAGContextBudget,
		MaxTokens:      cfg.MaxGenerationTokens,
		MaxTemperature: float32(cfg.MaxTemperature),
	}, logger)

	// Create the HTTP server
	srv, err := server.New(server.Config{
		Port:           cfg.HTTPPort,
		RequestTimeout: cfg.RequestTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	}, svcs, server.Deps{
		Auth:             auth.NewResolver(tenantRepo, keyRepo, limiter, cfg.APIRateLimitPerMinute, logger),
		Admin:            auth.NewAdminVerifier(tokenRepo, cfg.AdminToken),
		Usage:            usageRepo,
		Embedders:        embedders,
		DefaultEmbedding: kbDefaults.Embedding,
		Metrics:          m,
		Probes: map[string]server.Pinger{
			"postgres":     db,
			"dense_store":  dense,
			"sparse_store": sparse,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	// Start the server
	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting HTTP server", "port", cfg.HTTPPort)
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	slog.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := sweeper.Stop(); err != nil {
		slog.Error("failed to stop ingest sweeper", "error", err)
	}
	cancel()
	evictionWG.Wait()

	slog.Info("server stopped")
	return nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.TenantRepository        = (*postgres.TenantRepo)(nil)
	_ repository.ApiKeyRepository        = (*postgres.ApiKeyRepo)(nil)
	_ repository.AdminTokenRepository    = (*postgres.AdminTokenRepo)(nil)
	_ repository.KnowledgeBaseRepository = (*postgres.KnowledgeBaseRepo)(nil)
	_ repository.DocumentRepository      = (*postgres.DocumentRepo)(nil)
	_ repository.ChunkRepository         = (*postgres.ChunkRepo)(nil)
	_ repository.UsageLogRepository      = (*postgres.UsageLogRepo)(nil)
	_ vectorstore.Store                  = (*vectorstore.QdrantStore)(nil)
	_ vectorstore.Store                  = (*vectorstore.PgvectorStore)(nil)
	_ sparsestore.Store                  = (*sparsestore.ElasticStore)(nil)
	_ ratelimit.Limiter                  = (*ratelimit.RedisLimiter)(nil)
	_ server.EmbedderProvider            = (*embedder.Factory)(nil)
)
