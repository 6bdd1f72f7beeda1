// Package table defines the identifiers shared by the authorization, watch, and delivery paths:
// qualified table references and data operations.
package table

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultSchema is assumed when a table name carries no schema qualifier.
const DefaultSchema = "public"

// Wildcard matches any table or any operation in filters and rule sets.
const Wildcard = "*"

// ErrInvalidRef is returned when a table reference cannot be parsed.
var ErrInvalidRef = errors.New("invalid table reference")

// Ref identifies a table by schema and name.
type Ref struct {
	Schema string
	Name   string
}

// Any is the wildcard reference; a hook installed on Any observes every table.
var Any = Ref{Schema: Wildcard, Name: Wildcard}

// NewRef returns a Ref with schema defaulted to DefaultSchema when empty.
func NewRef(schema, name string) Ref {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = DefaultSchema
	}
	return Ref{Schema: schema, Name: strings.TrimSpace(name)}
}

// ParseRef parses "schema.table", "table", or "*". A bare "*" yields Any.
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Ref{}, ErrInvalidRef
	}
	if s == Wildcard {
		return Any, nil
	}
	schema, name, found := strings.Cut(s, ".")
	if !found {
		return NewRef("", s), nil
	}
	if schema == "" || name == "" || strings.Contains(name, ".") {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	return NewRef(schema, name), nil
}

// String returns the qualified "schema.table" form, or "*" for Any.
func (r Ref) String() string {
	if r.IsWildcard() {
		return Wildcard
	}
	return r.Schema + "." + r.Name
}

// IsWildcard reports whether r is the any-table reference.
func (r Ref) IsWildcard() bool {
	return r.Schema == Wildcard && r.Name == Wildcard
}

// IsZero reports whether r is unset.
func (r Ref) IsZero() bool {
	return r.Schema == "" && r.Name == ""
}

// Matches reports whether the pattern r covers the concrete reference other.
func (r Ref) Matches(other Ref) bool {
	if r.IsWildcard() {
		return true
	}
	return r == other
}

// Operation is a data operation subject to authorization.
type Operation string

const (
	OpSelect Operation = "SELECT"
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
	// OpAny is the wildcard operation used in filters and rule sets.
	OpAny Operation = Wildcard
)

// ParseOperation normalizes s (case-insensitive) to an Operation.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToUpper(strings.TrimSpace(s)))
	switch op {
	case OpSelect, OpInsert, OpUpdate, OpDelete, OpAny:
		return op, nil
	}
	return "", fmt.Errorf("invalid operation %q", s)
}

// IsMutation reports whether op changes data and can therefore produce change events.
func (op Operation) IsMutation() bool {
	return op == OpInsert || op == OpUpdate || op == OpDelete
}

// Valid reports whether op is a concrete operation (not the wildcard).
func (op Operation) Valid() bool {
	return op == OpSelect || op.IsMutation()
}

// MatchOperation reports whether pattern covers op.
func MatchOperation(pattern, op Operation) bool {
	return pattern == OpAny || pattern == op
}
