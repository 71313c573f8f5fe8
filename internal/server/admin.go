package server

import (
	"net/http"

	"github.com/knoguchi/kbserve/internal/service"
)

// handleCreateTenant provisions a tenant and returns its bootstrap admin
// api key. The key plaintext appears in this response and nowhere else.
func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req service.CreateTenantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	created, err := s.svcs.Tenants.Create(r.Context(), &req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)
	tenants, total, err := s.svcs.Tenants.List(r.Context(), limit, offset)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"tenants": tenants,
		"total":   total,
	})
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "tenantID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	tenant, err := s.svcs.Tenants.Get(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, tenant)
}

func (s *Server) handleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "tenantID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var req service.UpdateTenantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	tenant, err := s.svcs.Tenants.Update(r.Context(), id, &req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, tenant)
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "tenantID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.svcs.Tenants.Delete(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateAdminToken mints an admin token; the plaintext is returned
// once.
func (s *Server) handleCreateAdminToken(w http.ResponseWriter, r *http.Request) {
	var req service.CreateAdminTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	created, err := s.svcs.AdminTokens.Create(r.Context(), &req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListAdminTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.svcs.AdminTokens.List(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (s *Server) handleRevokeAdminToken(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "tokenID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.svcs.AdminTokens.Revoke(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
