package domain

import "time"

// Category separates authorization decisions from delivery outcomes in the audit log.
type Category string

const (
	CategoryDecision Category = "decision"
	CategoryDelivery Category = "delivery"
)

// AuditLog is one append-only audit entry. ActorID is empty for anonymous and service actors.
type AuditLog struct {
	ID              string
	Category        Category
	ActorID         string
	Role            string
	Operation       string
	Table           string
	Allowed         bool
	RowCount        int
	RequestID       string
	ExecutionTimeMs float64
	Details         string
	CreatedAt       time.Time
}

// Filter selects audit entries. Zero-valued fields do not constrain the query.
type Filter struct {
	ActorID  string
	Table    string
	Category Category
	Allowed  *bool
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// Matches reports whether a satisfies every set field of f. Used by in-memory stores.
func (f Filter) Matches(a *AuditLog) bool {
	switch {
	case f.ActorID != "" && a.ActorID != f.ActorID:
		return false
	case f.Table != "" && a.Table != f.Table:
		return false
	case f.Category != "" && a.Category != f.Category:
		return false
	case f.Allowed != nil && a.Allowed != *f.Allowed:
		return false
	case !f.From.IsZero() && a.CreatedAt.Before(f.From):
		return false
	case !f.To.IsZero() && !a.CreatedAt.Before(f.To):
		return false
	}
	return true
}
