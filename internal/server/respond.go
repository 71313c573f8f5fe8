package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/knoguchi/kbserve/internal/apperr"
)

// maxBodyBytes caps JSON request bodies. Document content arrives inside
// JSON too, so the cap is sized for payloads, not just control messages.
const maxBodyBytes = 16 << 20

// errorBody is the wire envelope for every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// respondJSON writes any value as JSON with the given status.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone; nothing to do but note it server-side.
		return
	}
}

// respondError classifies err and writes the envelope. Rate-limited
// responses carry Retry-After; internal causes are logged, not sent.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		e = apperr.Wrap(apperr.KindOf(err), "request failed", err)
	}

	if e.Kind == apperr.Internal {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
	}

	if e.Kind == apperr.RateLimited {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RateLimitDenied.Inc()
		}
		if v, ok := e.Details["retry_after_seconds"]; ok {
			if secs, ok := v.(int); ok {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
		}
	}

	respondJSON(w, e.Kind.HTTPStatus(), errorBody{Error: errorDetail{
		Code:    e.Kind.Code(),
		Message: e.Message,
		Details: e.Details,
	}})
}

// decodeJSON reads the request body into v. Malformed JSON is a 400, not
// a 422: the request never reached validation.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("request body is required")
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return badRequest(fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
		}
		return badRequest("malformed JSON: " + err.Error())
	}
	return nil
}

// badRequestError distinguishes malformed requests (400) from failed
// validation (422) while reusing the validation wire code.
type badRequestError struct {
	message string
}

func (e *badRequestError) Error() string { return e.message }

func badRequest(message string) error {
	return &badRequestError{message: message}
}

// respondDecodeError writes the 400 envelope for request parsing errors.
func (s *Server) respondDecodeError(w http.ResponseWriter, err error) {
	respondJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
		Code:    apperr.Validation.Code(),
		Message: err.Error(),
	}})
}

// pathUUID parses a chi URL parameter as a uuid.
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Newf(apperr.Validation, "invalid %s %q", name, raw)
	}
	return id, nil
}

// queryInt reads an integer query parameter, falling back on absence or
// garbage.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
