// Package acl computes chunk-level access decisions from request identity,
// sensitivity levels, and per-document allow lists.
//
// The same predicate exists in two forms: StoreFilter produces an abstract
// filter each store adapter compiles into its native query, and Trim
// re-evaluates it on already-fetched results for backends with partial
// filter fidelity. Both are built on Matches, so a hit passes Trim exactly
// when the store filter would have matched it.
package acl

import (
	"github.com/knoguchi/kbserve/internal/repository"
)

// Sensitivity levels, least to most restricted
const (
	LevelPublic       = "public"
	LevelInternal     = "internal"
	LevelConfidential = "confidential"
	LevelSecret       = "secret"
)

var levelRank = map[string]int{
	LevelPublic:       0,
	LevelInternal:     1,
	LevelConfidential: 2,
	LevelSecret:       3,
}

// ValidLevel reports whether s names a sensitivity level
func ValidLevel(s string) bool {
	_, ok := levelRank[s]
	return ok
}

// LevelsUpTo returns every level at or below the given clearance. An
// unknown clearance grants only public.
func LevelsUpTo(clearance string) []string {
	max, ok := levelRank[clearance]
	if !ok {
		max = 0
	}
	levels := make([]string, 0, max+1)
	for _, l := range []string{LevelPublic, LevelInternal, LevelConfidential, LevelSecret} {
		if levelRank[l] <= max {
			levels = append(levels, l)
		}
	}
	return levels
}

// Meta is the access-control metadata attached to every chunk. Empty allow
// lists mean unrestricted at that dimension.
type Meta struct {
	Sensitivity string   `json:"sensitivity_level"`
	AllowUsers  []string `json:"acl_allow_users,omitempty"`
	AllowRoles  []string `json:"acl_allow_roles,omitempty"`
	AllowGroups []string `json:"acl_allow_groups,omitempty"`
}

// MetadataForChunk derives the ACL metadata chunks inherit from their
// document. A document without a sensitivity level is public.
func MetadataForChunk(doc *repository.Document) Meta {
	sensitivity := doc.SensitivityLevel
	if sensitivity == "" {
		sensitivity = LevelPublic
	}
	return Meta{
		Sensitivity: sensitivity,
		AllowUsers:  append([]string(nil), doc.AllowUsers...),
		AllowRoles:  append([]string(nil), doc.AllowRoles...),
		AllowGroups: append([]string(nil), doc.AllowGroups...),
	}
}

// Filter is the store-side ACL predicate: the chunk's sensitivity must be
// one of Levels, and each non-empty allow list must admit the identity.
type Filter struct {
	Levels []string
	User   string
	Roles  []string
	Groups []string
}

// StoreFilter builds the filter for an identity. A nil identity produces a
// nil filter, meaning no ACL restriction.
func StoreFilter(id *repository.Identity) *Filter {
	if id == nil {
		return nil
	}
	return &Filter{
		Levels: LevelsUpTo(id.Clearance),
		User:   id.User,
		Roles:  id.Roles,
		Groups: id.Groups,
	}
}

// Matches evaluates the filter against chunk metadata. A nil filter matches
// everything. A chunk with an unknown sensitivity level matches nothing.
func Matches(f *Filter, m Meta) bool {
	if f == nil {
		return true
	}
	if !contains(f.Levels, m.Sensitivity) {
		return false
	}
	if len(m.AllowUsers) > 0 && !contains(m.AllowUsers, f.User) {
		return false
	}
	if len(m.AllowRoles) > 0 && !intersects(m.AllowRoles, f.Roles) {
		return false
	}
	if len(m.AllowGroups) > 0 && !intersects(m.AllowGroups, f.Groups) {
		return false
	}
	return true
}

// Allowed reports whether the identity may see a chunk with this metadata
func Allowed(id *repository.Identity, m Meta) bool {
	return Matches(StoreFilter(id), m)
}

// Trim re-evaluates the store predicate on already-fetched results. The
// meta function extracts ACL metadata from a result.
func Trim[T any](items []T, meta func(T) Meta, id *repository.Identity) []T {
	f := StoreFilter(id)
	if f == nil {
		return items
	}
	out := make([]T, 0, len(items))
	for _, item := range items {
		if Matches(f, meta(item)) {
			out = append(out, item)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
