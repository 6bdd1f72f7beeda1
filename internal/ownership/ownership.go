// Package ownership resolves the owner of a mutated record and decides whether a webhook's
// scope makes it eligible to see that record.
package ownership

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/wayli-app/fluxbase-sub006/internal/table"
)

// Fields are probed in this order; the first one present on the record decides.
var Fields = []string{"user_id", "owner_id", "created_by"}

// Scope of a webhook.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeUser   Scope = "user"
)

// ParseScope accepts "global" or "user"; empty defaults to user.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case ScopeGlobal:
		return ScopeGlobal, nil
	case ScopeUser, "":
		return ScopeUser, nil
	}
	return "", fmt.Errorf("invalid scope %q", s)
}

// Scoper resolves record owners. ActorTable is the table whose rows are actors themselves.
type Scoper struct {
	ActorTable table.Ref
}

// New returns a Scoper treating actorTable rows as self-owned.
func New(actorTable table.Ref) *Scoper {
	return &Scoper{ActorTable: actorTable}
}

// ResolveOwner returns the canonical owner ID of record, or "" when the record is unowned.
// A present but malformed owner value resolves to unowned rather than an error.
func (s *Scoper) ResolveOwner(ref table.Ref, record map[string]any) string {
	id, _ := s.Owner(ref, record)
	return id
}

// Owner is ResolveOwner that also reports a present owner value that is not a valid ID.
// Authorization denies on malformed owners; notification scoping treats them as unowned.
func (s *Scoper) Owner(ref table.Ref, record map[string]any) (id string, malformed bool) {
	if record == nil {
		return "", false
	}
	for _, f := range Fields {
		if v, ok := record[f]; ok && v != nil {
			id = parseID(v)
			return id, id == ""
		}
	}
	if !s.ActorTable.IsZero() && ref == s.ActorTable {
		if v, ok := record["id"]; ok && v != nil {
			id = parseID(v)
			return id, id == ""
		}
	}
	return "", false
}

// ResolveChange picks the record to scope a change by: the new row, or the old row for deletes.
func (s *Scoper) ResolveChange(ref table.Ref, oldRow, newRow map[string]any) string {
	if newRow != nil {
		return s.ResolveOwner(ref, newRow)
	}
	return s.ResolveOwner(ref, oldRow)
}

func parseID(v any) string {
	var raw string
	switch t := v.(type) {
	case string:
		raw = t
	case []byte:
		raw = string(t)
	case uuid.UUID:
		return t.String()
	case fmt.Stringer:
		raw = t.String()
	default:
		return ""
	}
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return id.String()
}

// IsEligible reports whether a webhook with the given scope and creator may see a record
// owned by owner. Global webhooks, legacy webhooks without a creator, and unowned records are
// always eligible.
func IsEligible(scope Scope, createdBy, owner string) bool {
	switch {
	case scope == ScopeGlobal:
		return true
	case createdBy == "":
		return true
	case owner == "":
		return true
	}
	return createdBy == owner
}
