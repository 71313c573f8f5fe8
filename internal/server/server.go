// Package server exposes the service over HTTP: the tenant-facing /v1
// API, the admin control surface, the OpenAI-compatible endpoints, and
// the health and metrics probes. Handlers translate between JSON wire
// shapes and the service layer; errors leave through one envelope.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/knoguchi/kbserve/internal/auth"
	"github.com/knoguchi/kbserve/internal/embedder"
	"github.com/knoguchi/kbserve/internal/metrics"
	"github.com/knoguchi/kbserve/internal/ratelimit"
	"github.com/knoguchi/kbserve/internal/repository"
	"github.com/knoguchi/kbserve/internal/service"
)

const (
	readTimeout = 30 * time.Second
	// writeTimeout stays long for streaming chat completions.
	writeTimeout = 5 * time.Minute
	idleTimeout  = 120 * time.Second

	// Per-IP budget for routes that carry no api key. Generous enough
	// for health probes and metric scrapes, tight enough to blunt
	// admin-token guessing.
	ipLimitRate  = rate.Limit(10)
	ipLimitBurst = 30

	ipCleanupInterval = 5 * time.Minute
	ipStaleAfter      = 15 * time.Minute
)

// Authenticator resolves api-key credentials. Satisfied by
// *auth.Resolver.
type Authenticator interface {
	Resolve(ctx context.Context, token, identityToken string) (*auth.RequestContext, error)
}

// AdminAuthenticator verifies admin tokens. Satisfied by
// *auth.AdminVerifier.
type AdminAuthenticator interface {
	Verify(ctx context.Context, token string) error
}

// Pinger reports whether a dependency is reachable, for /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EmbedderProvider resolves an embedder for a given embedding config.
// *embedder.Factory satisfies it.
type EmbedderProvider interface {
	For(cfg repository.EmbeddingConfig) (embedder.Embedder, error)
}

// Config holds the HTTP server knobs.
type Config struct {
	Port           int
	RequestTimeout time.Duration
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Services are the operations behind the routes.
type Services struct {
	Tenants     *service.TenantService
	AdminTokens *service.AdminTokenService
	APIKeys     *service.APIKeyService
	KBs         *service.KBService
	Documents   *service.DocumentService
	Query       *service.QueryService
	RAG         *service.RAGService
}

// Deps are the cross-cutting collaborators of the transport layer.
// Usage and Metrics may be nil; the rest are required.
type Deps struct {
	Auth  Authenticator
	Admin AdminAuthenticator

	// Usage records per-request accounting rows for /v1 traffic.
	Usage repository.UsageLogRepository

	// Embedders and DefaultEmbedding back the OpenAI-shaped
	// /v1/embeddings endpoint.
	Embedders        EmbedderProvider
	DefaultEmbedding repository.EmbeddingConfig

	Metrics *metrics.Metrics

	// Probes are the dependencies /ready checks, by name.
	Probes map[string]Pinger
}

// Server is the HTTP front of the service.
type Server struct {
	server *http.Server
	router *chi.Mux
	logger *slog.Logger
	port   int

	svcs Services
	deps Deps

	requestTimeout time.Duration
	ipLimiter      *ratelimit.IPLimiter

	cleanupCancel context.CancelFunc
	cleanupWG     sync.WaitGroup
}

// New builds the server and its route tree.
func New(cfg Config, svcs Services, deps Deps) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("server: authenticator is required")
	}
	if deps.Admin == nil {
		return nil, fmt.Errorf("server: admin authenticator is required")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	s := &Server{
		logger:         logger,
		port:           cfg.Port,
		svcs:           svcs,
		deps:           deps,
		requestTimeout: timeout,
		ipLimiter:      ratelimit.NewIPLimiter(ipLimitRate, ipLimitBurst),
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(s.requestLogging)
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))
	router.Use(s.recordMetrics)
	router.NotFound(s.handleNotFound)
	router.MethodNotAllowed(s.handleMethodNotAllowed)

	router.Group(func(r chi.Router) {
		r.Use(s.ipLimit)
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)
		if deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
		}
	})

	router.Route("/admin", func(r chi.Router) {
		r.Use(s.ipLimit)
		r.Use(s.adminAuth)
		r.Use(s.requestDeadline)

		r.Post("/tenants", s.handleCreateTenant)
		r.Get("/tenants", s.handleListTenants)
		r.Get("/tenants/{tenantID}", s.handleGetTenant)
		r.Patch("/tenants/{tenantID}", s.handleUpdateTenant)
		r.Delete("/tenants/{tenantID}", s.handleDeleteTenant)

		r.Post("/tokens", s.handleCreateAdminToken)
		r.Get("/tokens", s.handleListAdminTokens)
		r.Delete("/tokens/{tokenID}", s.handleRevokeAdminToken)
	})

	router.Route("/v1", func(r chi.Router) {
		r.Use(s.apiKeyAuth)
		r.Use(s.recordUsage)

		// Streaming chat completions manages its own budget; everything
		// else runs under the request deadline.
		r.Post("/chat/completions", s.handleChatCompletions)

		r.Group(func(r chi.Router) {
			r.Use(s.requestDeadline)

			r.Post("/api-keys", s.handleCreateAPIKey)
			r.Get("/api-keys", s.handleListAPIKeys)
			r.Delete("/api-keys/{keyID}", s.handleRevokeAPIKey)

			r.Route("/knowledge-bases", func(r chi.Router) {
				r.Post("/", s.handleCreateKB)
				r.Get("/", s.handleListKBs)
				r.Route("/{kbID}", func(r chi.Router) {
					r.Get("/", s.handleGetKB)
					r.Patch("/", s.handleUpdateKB)
					r.Delete("/", s.handleDeleteKB)
					r.Route("/documents", func(r chi.Router) {
						r.Post("/", s.handleCreateDocument)
						r.Get("/", s.handleListDocuments)
						r.Get("/{docID}", s.handleGetDocument)
						r.Delete("/{docID}", s.handleDeleteDocument)
						r.Post("/{docID}/reindex", s.handleReindexDocument)
					})
				})
			})

			r.Post("/retrieve", s.handleRetrieve)
			r.Post("/rag", s.handleRAG)
			r.Post("/embeddings", s.handleEmbeddings)
		})
	})

	s.router = router
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s, nil
}

// Router returns the route tree, for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until Shutdown. It blocks.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cleanupCancel = cancel
	s.ipLimiter.StartCleanup(ctx, &s.cleanupWG, ipCleanupInterval, ipStaleAfter)

	s.logger.Info("starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops background work.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.cleanupCancel != nil {
		s.cleanupCancel()
	}

	err := s.server.Shutdown(ctx)
	s.cleanupWG.Wait()
	if err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// handleHealth is the liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady probes each dependency and reports per-dependency status.
// Any failure turns the response 503 so load balancers stop routing here.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.deps.Probes))
	for name := range s.deps.Probes {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	checks := make(map[string]string, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		err := s.deps.Probes[name].Ping(ctx)
		cancel()
		if err != nil {
			checks[name] = "unavailable"
			status = http.StatusServiceUnavailable
			s.logger.Warn("readiness probe failed", "dependency", name, "error", err)
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	respondJSON(w, status, body)
}
