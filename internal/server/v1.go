package server

import (
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/knoguchi/kbserve/internal/auth"
	"github.com/knoguchi/kbserve/internal/repository"
	"github.com/knoguchi/kbserve/internal/service"
)

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	rc, err := auth.RequireContext(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var req service.CreateAPIKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	created, err := s.svcs.APIKeys.Create(r.Context(), rc, &req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	rc, err := auth.RequireContext(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	keys, err := s.svcs.APIKeys.List(r.Context(), rc)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	rc, err := auth.RequireContext(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	keyID, err := pathUUID(r, "keyID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.svcs.APIKeys.Revoke(r.Context(), rc, keyID); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateKB(w http.ResponseWriter, r *http.Request) {
	rc, err := auth.RequireContext(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var req service.CreateKBRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	kb, err := s.svcs.KBs.Create(r.Context(), rc, &req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, kb)
}

func (s *Server) handleListKBs(w http.ResponseWriter, r *http.Request) {
	rc, err := auth.RequireContext(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)
	kbs, total, err := s.svcs.KBs.List(r.Context(), rc, limit, offset)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"knowledge_bases": kbs,
		"total":           total,
	})
}

func (s *Server) handleGetKB(w http.ResponseWriter, r *http.Request) {
	rc, err := auth.RequireContext(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	kb, err := s.svcs.KBs.Get(r.Context(), rc, kbID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, kb)
}

func (s *Server) handleUpdateKB(w http.ResponseWriter, r *http.Request) {
	rc, err := auth.RequireContext(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var req service.UpdateKBRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	kb, err := s.svcs.KBs.Update(r.Context(), rc, kbID, &req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, kb)
}

func (s *Server) handleDeleteKB(w http.ResponseWriter, r *http.Request) {
	rc, err := auth.RequireContext(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.svcs.KBs.Delete(r.Context(), rc, kbID); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateDocument accepts either a JSON body or a multipart upload
// with a "file" part. Ingestion runs synchronously; a partial indexing
// failure still returns the stored document alongside the error detail.
func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	rc, err := auth.RequireContext(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var req service.CreateDocumentRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := parseDocumentUpload(r, &req); err != nil {
			s.respondDecodeError(w, err)
			return
		}
	} else if err := decodeJSON(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}

	ingested, err := s.svcs.Documents.Create(r.Context(), rc, kbID, &req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, ingested)
}

// parseDocumentUpload reads a multipart form into a document request.
// The file part supplies the content; the remaining fields mirror the
// JSON body, with list fields comma separated and metadata as a JSON
// object.
func parseDocumentUpload(r *http.Request, req *service.CreateDocumentRequest) error {
	if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
		return badRequest("malformed multipart form: " + err.Error())
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return badRequest(`multipart upload requires a "file" part`)
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxBodyBytes))
	if err != nil {
		return badRequest("failed to read uploaded file: " + err.Error())
	}
	req.Content = string(content)

	req.Title = r.FormValue("title")
	if req.Title == "" {
		req.Title = header.Filename
	}
	req.ContentType = r.FormValue("content_type")
	if req.ContentType == "" {
		req.ContentType = contentTypeForFilename(header.Filename)
	}
	req.SensitivityLevel = r.FormValue("sensitivity_level")
	req.AllowUsers = splitCommaList(r.FormValue("allow_users"))
	req.AllowRoles = splitCommaList(r.FormValue("allow_roles"))
	req.AllowGroups = splitCommaList(r.FormValue("allow_groups"))
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Metadata); err != nil {
			return badRequest("metadata must be a JSON object of strings")
		}
	}
	return nil
}

func contentTypeForFilename(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return repository.ContentTypeMarkdown
	case ".html", ".htm":
		return repository.ContentTypeHTML
	default:
		return repository.ContentTypeText
	}
}

func splitCommaList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	rc, err := auth.RequireContext(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)
	docs, total, err := s.svcs.Documents.List(r.Context(), rc, kbID, limit, offset)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"documents": docs,
		"total":     total,
	})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	rc, err := auth.RequireContext(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	docID, err := pathUUID(r, "docID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	detail, err := s.svcs.Documents.Get(r.Context(), rc, kbID, docID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	rc, err := auth.RequireContext(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	docID, err := pathUUID(r, "docID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.svcs.Documents.Delete(r.Context(), rc, kbID, docID); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReindexDocument(w http.ResponseWriter, r *http.Request) {
	rc, err := auth.RequireContext(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	docID, err := pathUUID(r, "docID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	result, err := s.svcs.Documents.Reindex(r.Context(), rc, kbID, docID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	rc, err := auth.RequireContext(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var req service.RetrieveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	result, err := s.svcs.Query.Retrieve(r.Context(), rc, &req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleRAG(w http.ResponseWriter, r *http.Request) {
	rc, err := auth.RequireContext(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var req service.AnswerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	answer, err := s.svcs.RAG.Answer(r.Context(), rc, &req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, answer)
}
