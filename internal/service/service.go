// Package service implements the operations behind the HTTP surface:
// tenant administration, api keys, knowledge bases, documents, retrieval,
// and grounded generation. Services validate input, enforce tenancy,
// scope, and quota rules, and translate repository and store failures into
// classified errors for the transport layer.
package service

import (
	"errors"

	"github.com/google/uuid"

	"github.com/knoguchi/kbserve/internal/apperr"
	"github.com/knoguchi/kbserve/internal/auth"
	"github.com/knoguchi/kbserve/internal/repository"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200

	maxNameLen = 128
)

// roleRank orders api-key roles for permission checks.
var roleRank = map[string]int{
	repository.RoleRead:  0,
	repository.RoleWrite: 1,
	repository.RoleAdmin: 2,
}

// requireRole fails with PermissionDenied unless the key's role is at
// least min.
func requireRole(rc *auth.RequestContext, min string) error {
	if roleRank[rc.Role()] < roleRank[min] {
		return apperr.Newf(apperr.PermissionDenied, "this operation requires the %s role", min)
	}
	return nil
}

// checkScope fails with PermissionDenied when the key carries a knowledge
// base whitelist that does not include kbID. Tenancy is checked before
// scope, so naming the id here leaks nothing across tenants.
func checkScope(rc *auth.RequestContext, kbID uuid.UUID) error {
	scope := rc.APIKey.ScopeKBIDs
	if len(scope) == 0 {
		return nil
	}
	for _, id := range scope {
		if id == kbID {
			return nil
		}
	}
	return apperr.Newf(apperr.PermissionDenied, "knowledge base %s is outside this key's scope", kbID)
}

// clampPage normalizes list pagination.
func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// notFoundOr maps a repository miss to NotFound and anything else to an
// Internal wrap.
func notFoundOr(err error, what string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.New(apperr.NotFound, what+" not found")
	}
	return apperr.Wrap(apperr.Internal, "failed to load "+what, err)
}

// quotaExceeded builds the quota violation error surfaced to clients.
func quotaExceeded(resource string, limit int) *apperr.Error {
	return apperr.Newf(apperr.Validation, "%s quota exceeded", resource).
		WithDetail("reason", "QUOTA_EXCEEDED").
		WithDetail("resource", resource).
		WithDetail("limit", limit)
}
