package acl

import (
	"testing"

	"github.com/knoguchi/kbserve/internal/repository"
)

func TestLevelsUpTo(t *testing.T) {
	tests := []struct {
		clearance string
		want      int
	}{
		{LevelPublic, 1},
		{LevelInternal, 2},
		{LevelConfidential, 3},
		{LevelSecret, 4},
		{"bogus", 1},
		{"", 1},
	}

	for _, tt := range tests {
		t.Run(tt.clearance, func(t *testing.T) {
			levels := LevelsUpTo(tt.clearance)
			if len(levels) != tt.want {
				t.Errorf("LevelsUpTo(%q) = %v, want %d levels", tt.clearance, levels, tt.want)
			}
			if levels[0] != LevelPublic {
				t.Errorf("lowest level should always be public, got %v", levels)
			}
		})
	}
}

func TestAllowedClearance(t *testing.T) {
	tests := []struct {
		name        string
		clearance   string
		sensitivity string
		want        bool
	}{
		{"public sees public", LevelPublic, LevelPublic, true},
		{"public blocked from internal", LevelPublic, LevelInternal, false},
		{"internal sees public", LevelInternal, LevelPublic, true},
		{"confidential blocked from secret", LevelConfidential, LevelSecret, false},
		{"secret sees everything", LevelSecret, LevelConfidential, true},
		{"unknown clearance treated as public", "wizard", LevelInternal, false},
		{"unknown sensitivity never visible", LevelSecret, "wizard", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := &repository.Identity{Clearance: tt.clearance}
			m := Meta{Sensitivity: tt.sensitivity}
			if got := Allowed(id, m); got != tt.want {
				t.Errorf("Allowed(clearance=%s, sensitivity=%s) = %v, want %v",
					tt.clearance, tt.sensitivity, got, tt.want)
			}
		})
	}
}

func TestAllowedLists(t *testing.T) {
	id := &repository.Identity{
		User:      "alice",
		Roles:     []string{"eng"},
		Groups:    []string{"platform"},
		Clearance: LevelSecret,
	}

	tests := []struct {
		name string
		meta Meta
		want bool
	}{
		{"empty lists unrestricted", Meta{Sensitivity: LevelPublic}, true},
		{"user allowed", Meta{Sensitivity: LevelPublic, AllowUsers: []string{"alice", "bob"}}, true},
		{"user blocked", Meta{Sensitivity: LevelPublic, AllowUsers: []string{"bob"}}, false},
		{"role intersects", Meta{Sensitivity: LevelPublic, AllowRoles: []string{"mgr", "eng"}}, true},
		{"role disjoint", Meta{Sensitivity: LevelPublic, AllowRoles: []string{"mgr"}}, false},
		{"group intersects", Meta{Sensitivity: LevelPublic, AllowGroups: []string{"platform"}}, true},
		{"group disjoint", Meta{Sensitivity: LevelPublic, AllowGroups: []string{"sales"}}, false},
		{
			"all dimensions must pass",
			Meta{Sensitivity: LevelPublic, AllowUsers: []string{"alice"}, AllowRoles: []string{"mgr"}},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Allowed(id, tt.meta); got != tt.want {
				t.Errorf("Allowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Trimming a single hit must agree with the store filter for every
// identity/metadata combination.
func TestTrimFilterEquivalence(t *testing.T) {
	identities := []*repository.Identity{
		nil,
		{Clearance: LevelPublic},
		{User: "alice", Clearance: LevelInternal},
		{User: "bob", Roles: []string{"mgr"}, Clearance: LevelConfidential},
		{User: "carol", Roles: []string{"eng"}, Groups: []string{"platform"}, Clearance: LevelSecret},
	}
	metas := []Meta{
		{Sensitivity: LevelPublic},
		{Sensitivity: LevelInternal, AllowUsers: []string{"alice"}},
		{Sensitivity: LevelConfidential, AllowRoles: []string{"mgr"}},
		{Sensitivity: LevelSecret, AllowGroups: []string{"platform"}},
		{Sensitivity: LevelSecret, AllowUsers: []string{"alice"}, AllowRoles: []string{"eng"}},
	}

	for _, id := range identities {
		f := StoreFilter(id)
		for _, m := range metas {
			trimmed := Trim([]Meta{m}, func(x Meta) Meta { return x }, id)
			kept := len(trimmed) == 1
			if kept != Matches(f, m) {
				t.Errorf("trim/filter disagree for identity %+v meta %+v: trim=%v filter=%v",
					id, m, kept, Matches(f, m))
			}
		}
	}
}

func TestMetadataForChunk(t *testing.T) {
	doc := &repository.Document{
		SensitivityLevel: LevelConfidential,
		AllowUsers:       []string{"alice"},
		AllowRoles:       []string{"mgr"},
	}
	m := MetadataForChunk(doc)
	if m.Sensitivity != LevelConfidential {
		t.Errorf("Sensitivity = %q, want %q", m.Sensitivity, LevelConfidential)
	}
	if len(m.AllowUsers) != 1 || m.AllowUsers[0] != "alice" {
		t.Errorf("AllowUsers = %v", m.AllowUsers)
	}

	// Mutating the copy must not touch the document
	m.AllowUsers[0] = "mallory"
	if doc.AllowUsers[0] != "alice" {
		t.Error("MetadataForChunk shares slices with the document")
	}

	empty := MetadataForChunk(&repository.Document{})
	if empty.Sensitivity != LevelPublic {
		t.Errorf("missing sensitivity should default to public, got %q", empty.Sensitivity)
	}
}

func TestTrimNilIdentity(t *testing.T) {
	items := []Meta{{Sensitivity: LevelSecret}}
	out := Trim(items, func(x Meta) Meta { return x }, nil)
	if len(out) != 1 {
		t.Error("nil identity must not restrict results")
	}
}
