package domain

import (
	"errors"
	"time"

	"github.com/wayli-app/fluxbase-sub006/internal/actor"
	"github.com/wayli-app/fluxbase-sub006/internal/table"
)

// ErrDenied is returned to callers when a decision is negative.
var ErrDenied = errors.New("permission denied")

// Policy is a stored Rego module overlaying the rule data consulted by the fixed tiers.
type Policy struct {
	ID        string
	Name      string
	Rules     string
	Enabled   bool
	CreatedAt time.Time
}

// Tier names the precedence tier that produced a decision.
type Tier string

const (
	TierService Tier = "service"
	TierAdmin   Tier = "admin"
	TierOwner   Tier = "owner"
	TierAnon    Tier = "anon"
	TierDefault Tier = "default"
)

// Request is the input to one authorization decision.
type Request struct {
	Actor actor.Actor
	Table table.Ref
	Op    table.Operation
	// Owner is the resolved owner of the candidate row. Empty means unowned.
	Owner string
	// OwnerMalformed marks a row whose owner field is set but unparsable. Such a row is
	// neither owned by the actor nor unowned.
	OwnerMalformed bool
	// Audit requests an audit entry for allowed decisions. Denials are always audited.
	Audit    bool
	RowCount int
}

// Decision is the result of evaluating a Request.
type Decision struct {
	Allowed bool
	Reason  string
	Tier    Tier
}

// Err returns ErrDenied for a negative decision and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return ErrDenied
}
