package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/knoguchi/kbserve/internal/apperr"
	"github.com/knoguchi/kbserve/internal/auth"
	"github.com/knoguchi/kbserve/internal/repository"
)

// requestLogging logs every request with its status and duration.
func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// corsMiddleware handles CORS headers and preflight requests.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				// No origins configured allows all, for development.
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, X-Admin-Token, X-Identity-Token")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// recordMetrics counts requests and observes latency per route pattern.
// The pattern is resolved after serving so path parameters collapse into
// one label value.
func (s *Server) recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.deps.Metrics.HTTPRequests.
			WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		s.deps.Metrics.HTTPDuration.
			WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// ipLimit throttles by client IP on routes that carry no api key.
func (s *Server) ipLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		if !s.ipLimiter.Allow(ip) {
			s.respondError(w, r, apperr.New(apperr.RateLimited, "too many requests").
				WithDetail("retry_after_seconds", 1))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// apiKeyAuth authenticates /v1 requests: bearer api key, optional
// forwarded identity token, and the per-key rate limit, all through the
// resolver.
func (s *Server) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		rc, err := s.deps.Auth.Resolve(r.Context(), token, r.Header.Get("X-Identity-Token"))
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithRequestContext(r.Context(), rc)))
	})
}

// adminAuth gates the control surface on X-Admin-Token.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Admin.Verify(r.Context(), r.Header.Get("X-Admin-Token")); err != nil {
			s.respondError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestDeadline bounds the handler by the configured request budget.
func (s *Server) requestDeadline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recordUsage appends an accounting row for each authenticated request.
// Best effort: accounting never fails traffic.
func (s *Server) recordUsage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Usage == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		rc, ok := auth.FromContext(r.Context())
		if !ok {
			return
		}
		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		if endpoint == "" {
			endpoint = r.URL.Path
		}
		row := &repository.UsageLog{
			ID:        uuid.New(),
			TenantID:  rc.Tenant.ID,
			APIKeyID:  rc.APIKey.ID,
			Endpoint:  endpoint,
			Status:    ww.Status(),
			LatencyMS: time.Since(start).Milliseconds(),
			CreatedAt: time.Now(),
		}
		if err := s.deps.Usage.Insert(r.Context(), row); err != nil {
			s.logger.Warn("failed to record usage", "tenant_id", rc.Tenant.ID, "error", err)
		}
	})
}

// handleNotFound keeps unmatched routes inside the error envelope.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.respondError(w, r, apperr.New(apperr.NotFound, "no such endpoint"))
}

// handleMethodNotAllowed responds in the envelope with 405.
func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusMethodNotAllowed, errorBody{Error: errorDetail{
		Code:    "METHOD_NOT_ALLOWED",
		Message: "method not allowed for this endpoint",
	}})
}
