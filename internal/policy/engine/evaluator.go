package engine

import (
	"context"

	"github.com/wayli-app/fluxbase-sub006/internal/actor"
	"github.com/wayli-app/fluxbase-sub006/internal/policy/domain"
	"github.com/wayli-app/fluxbase-sub006/internal/table"
)

// RuleSet supplies the per-table data consulted by the fixed precedence tiers.
// Implementations may fail; Decide treats a failure as the answer that does not allow.
type RuleSet interface {
	// AnonAllowed reports whether anonymous actors may perform op on ref.
	AnonAllowed(ctx context.Context, ref table.Ref, op table.Operation) (bool, error)
	// AdminExcluded reports whether admin roles lose their blanket allow for op on ref.
	AdminExcluded(ctx context.Context, ref table.Ref, op table.Operation) (bool, error)
}

// Decide walks the precedence tiers top-down and stops at the first match. It never fails:
// missing information resolves to deny.
func Decide(ctx context.Context, rules RuleSet, req domain.Request) domain.Decision {
	a := req.Actor
	if a.Role == actor.RoleService {
		return domain.Decision{Allowed: true, Tier: domain.TierService, Reason: "trusted service"}
	}
	if a.Role.IsAdmin() && !adminExcluded(ctx, rules, req) {
		return domain.Decision{Allowed: true, Tier: domain.TierAdmin, Reason: string(a.Role) + " access"}
	}
	if a.ID != "" && a.Role != actor.RoleAnon && !req.OwnerMalformed {
		if req.Owner == "" {
			return domain.Decision{Allowed: true, Tier: domain.TierOwner, Reason: "unowned record"}
		}
		if req.Owner == a.ID {
			return domain.Decision{Allowed: true, Tier: domain.TierOwner, Reason: "owner match"}
		}
	}
	if a.Role == actor.RoleAnon && rules != nil {
		if ok, err := rules.AnonAllowed(ctx, req.Table, req.Op); err == nil && ok {
			return domain.Decision{Allowed: true, Tier: domain.TierAnon, Reason: "anonymous allow-list"}
		}
	}
	if req.OwnerMalformed {
		return domain.Decision{Allowed: false, Tier: domain.TierDefault, Reason: "malformed owner field"}
	}
	return domain.Decision{Allowed: false, Tier: domain.TierDefault, Reason: "no matching policy"}
}

func adminExcluded(ctx context.Context, rules RuleSet, req domain.Request) bool {
	if rules == nil {
		return false
	}
	excluded, err := rules.AdminExcluded(ctx, req.Table, req.Op)
	return err != nil || excluded
}
