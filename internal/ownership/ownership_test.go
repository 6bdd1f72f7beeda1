package ownership

import (
	"testing"

	"github.com/google/uuid"

	"github.com/wayli-app/fluxbase-sub006/internal/table"
)

const (
	u1 = "6f1c2e4a-1b2c-4d5e-8f90-0a1b2c3d4e5f"
	u2 = "0d9e8f7a-6b5c-4d3e-9f21-1a2b3c4d5e6f"
)

func TestResolveOwner(t *testing.T) {
	users := table.NewRef("auth", "users")
	s := New(users)
	orders := table.NewRef("public", "orders")

	tests := []struct {
		name   string
		ref    table.Ref
		record map[string]any
		want   string
	}{
		{"user_id", orders, map[string]any{"user_id": u1, "owner_id": u2}, u1},
		{"owner_id", orders, map[string]any{"owner_id": u2, "created_by": u1}, u2},
		{"created_by", orders, map[string]any{"created_by": u1}, u1},
		{"uppercase uuid normalized", orders, map[string]any{"user_id": "6F1C2E4A-1B2C-4D5E-8F90-0A1B2C3D4E5F"}, u1},
		{"uuid value", orders, map[string]any{"user_id": uuid.MustParse(u2)}, u2},
		{"byte value", orders, map[string]any{"user_id": []byte(u1)}, u1},
		{"malformed first field wins as unowned", orders, map[string]any{"user_id": "not-a-uuid", "owner_id": u2}, ""},
		{"null field skipped", orders, map[string]any{"user_id": nil, "owner_id": u2}, u2},
		{"numeric id unowned", orders, map[string]any{"user_id": 42}, ""},
		{"no fields", orders, map[string]any{"id": u1}, ""},
		{"actor table self-owned", users, map[string]any{"id": u1, "email": "a@b.c"}, u1},
		{"actor table prefers owner fields", users, map[string]any{"id": u1, "created_by": u2}, u2},
		{"nil record", orders, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.ResolveOwner(tt.ref, tt.record); got != tt.want {
				t.Errorf("ResolveOwner = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOwner_ReportsMalformed(t *testing.T) {
	users := table.NewRef("auth", "users")
	s := New(users)
	orders := table.NewRef("public", "orders")

	tests := []struct {
		name          string
		ref           table.Ref
		record        map[string]any
		wantID        string
		wantMalformed bool
	}{
		{"valid", orders, map[string]any{"user_id": u1}, u1, false},
		{"garbage string", orders, map[string]any{"user_id": "garbage"}, "", true},
		{"numeric", orders, map[string]any{"owner_id": 42}, "", true},
		{"absent", orders, map[string]any{"id": u1}, "", false},
		{"null", orders, map[string]any{"user_id": nil}, "", false},
		{"malformed actor id", users, map[string]any{"id": "root"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, malformed := s.Owner(tt.ref, tt.record)
			if id != tt.wantID || malformed != tt.wantMalformed {
				t.Errorf("Owner = (%q, %v), want (%q, %v)", id, malformed, tt.wantID, tt.wantMalformed)
			}
		})
	}
}

func TestResolveChange_DeleteUsesOldRow(t *testing.T) {
	s := New(table.Ref{})
	ref := table.NewRef("", "orders")
	if got := s.ResolveChange(ref, map[string]any{"user_id": u1}, nil); got != u1 {
		t.Errorf("ResolveChange(delete) = %q", got)
	}
	if got := s.ResolveChange(ref, map[string]any{"user_id": u1}, map[string]any{"user_id": u2}); got != u2 {
		t.Errorf("ResolveChange(update) = %q", got)
	}
}

func TestIsEligible(t *testing.T) {
	tests := []struct {
		name      string
		scope     Scope
		createdBy string
		owner     string
		want      bool
	}{
		{"global ignores owner", ScopeGlobal, u1, u2, true},
		{"legacy webhook", ScopeUser, "", u2, true},
		{"unowned record", ScopeUser, u1, "", true},
		{"owner matches creator", ScopeUser, u1, u1, true},
		{"owner differs", ScopeUser, u1, u2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsEligible(tt.scope, tt.createdBy, tt.owner); got != tt.want {
				t.Errorf("IsEligible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseScope(t *testing.T) {
	if s, err := ParseScope("GLOBAL"); err != nil || s != ScopeGlobal {
		t.Errorf("ParseScope(GLOBAL) = %q, %v", s, err)
	}
	if s, err := ParseScope(""); err != nil || s != ScopeUser {
		t.Errorf("ParseScope(\"\") = %q, %v", s, err)
	}
	if _, err := ParseScope("tenant"); err == nil {
		t.Error("expected error for unknown scope")
	}
}
