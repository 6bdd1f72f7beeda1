package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/wayli-app/fluxbase-sub006/internal/actor"
	"github.com/wayli-app/fluxbase-sub006/internal/policy/domain"
	"github.com/wayli-app/fluxbase-sub006/internal/table"
)

// errRules fails every lookup.
type errRules struct{}

func (errRules) AnonAllowed(context.Context, table.Ref, table.Operation) (bool, error) {
	return true, errors.New("rules unavailable")
}

func (errRules) AdminExcluded(context.Context, table.Ref, table.Operation) (bool, error) {
	return false, errors.New("rules unavailable")
}

var (
	orders   = table.NewRef("public", "orders")
	profiles = table.NewRef("public", "profiles")
	secrets  = table.NewRef("vault", "secrets")
)

func testRules() *StaticRules {
	return &StaticRules{
		Anon:            []Rule{{Table: profiles, Ops: []table.Operation{table.OpInsert}}},
		AdminExclusions: []Rule{{Table: secrets, Ops: []table.Operation{table.OpAny}}},
	}
}

func TestDecide(t *testing.T) {
	u1 := actor.Actor{ID: "u1", Role: actor.RoleAuthenticated}
	tests := []struct {
		name     string
		rules    RuleSet
		req      domain.Request
		want     bool
		wantTier domain.Tier
	}{
		{
			name:     "service always allowed",
			rules:    testRules(),
			req:      domain.Request{Actor: actor.Actor{Role: actor.RoleService}, Table: secrets, Op: table.OpDelete, Owner: "u2"},
			want:     true,
			wantTier: domain.TierService,
		},
		{
			name:     "admin allowed on other user's row",
			rules:    testRules(),
			req:      domain.Request{Actor: actor.Actor{ID: "a1", Role: actor.RoleAdmin}, Table: orders, Op: table.OpUpdate, Owner: "u2"},
			want:     true,
			wantTier: domain.TierAdmin,
		},
		{
			name:     "dashboard admin allowed",
			rules:    testRules(),
			req:      domain.Request{Actor: actor.Actor{Role: actor.RoleDashboardAdmin}, Table: orders, Op: table.OpDelete, Owner: "u2"},
			want:     true,
			wantTier: domain.TierAdmin,
		},
		{
			name:     "admin excluded table falls through to deny",
			rules:    testRules(),
			req:      domain.Request{Actor: actor.Actor{ID: "a1", Role: actor.RoleAdmin}, Table: secrets, Op: table.OpSelect, Owner: "u2"},
			want:     false,
			wantTier: domain.TierDefault,
		},
		{
			name:     "admin excluded table but own row",
			rules:    testRules(),
			req:      domain.Request{Actor: actor.Actor{ID: "a1", Role: actor.RoleAdmin}, Table: secrets, Op: table.OpSelect, Owner: "a1"},
			want:     true,
			wantTier: domain.TierOwner,
		},
		{
			name:     "owner match",
			rules:    testRules(),
			req:      domain.Request{Actor: u1, Table: orders, Op: table.OpUpdate, Owner: "u1"},
			want:     true,
			wantTier: domain.TierOwner,
		},
		{
			name:     "unowned record visible to authenticated actor",
			rules:    testRules(),
			req:      domain.Request{Actor: u1, Table: orders, Op: table.OpSelect},
			want:     true,
			wantTier: domain.TierOwner,
		},
		{
			name:     "authenticated actor on other user's row denied",
			rules:    testRules(),
			req:      domain.Request{Actor: u1, Table: orders, Op: table.OpUpdate, Owner: "u2"},
			want:     false,
			wantTier: domain.TierDefault,
		},
		{
			name:     "anon insert allow-listed",
			rules:    testRules(),
			req:      domain.Request{Actor: actor.Anon(), Table: profiles, Op: table.OpInsert},
			want:     true,
			wantTier: domain.TierAnon,
		},
		{
			name:     "anon select not allow-listed",
			rules:    testRules(),
			req:      domain.Request{Actor: actor.Anon(), Table: profiles, Op: table.OpSelect},
			want:     false,
			wantTier: domain.TierDefault,
		},
		{
			name:     "anon never matches owner tier even for unowned rows",
			rules:    testRules(),
			req:      domain.Request{Actor: actor.Anon(), Table: orders, Op: table.OpSelect},
			want:     false,
			wantTier: domain.TierDefault,
		},
		{
			name:     "rule errors deny anon",
			rules:    errRules{},
			req:      domain.Request{Actor: actor.Anon(), Table: profiles, Op: table.OpInsert},
			want:     false,
			wantTier: domain.TierDefault,
		},
		{
			name:     "rule errors exclude admin",
			rules:    errRules{},
			req:      domain.Request{Actor: actor.Actor{Role: actor.RoleAdmin}, Table: orders, Op: table.OpSelect, Owner: "u2"},
			want:     false,
			wantTier: domain.TierDefault,
		},
		{
			name:     "nil rules still allow admin",
			rules:    nil,
			req:      domain.Request{Actor: actor.Actor{Role: actor.RoleAdmin}, Table: orders, Op: table.OpSelect},
			want:     true,
			wantTier: domain.TierAdmin,
		},
		{
			name:     "malformed owner is not unowned",
			rules:    testRules(),
			req:      domain.Request{Actor: u1, Table: orders, Op: table.OpUpdate, OwnerMalformed: true},
			want:     false,
			wantTier: domain.TierDefault,
		},
		{
			name:     "admin may manage malformed rows",
			rules:    testRules(),
			req:      domain.Request{Actor: actor.Actor{ID: "a1", Role: actor.RoleAdmin}, Table: orders, Op: table.OpDelete, OwnerMalformed: true},
			want:     true,
			wantTier: domain.TierAdmin,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(context.Background(), tt.rules, tt.req)
			if d.Allowed != tt.want || d.Tier != tt.wantTier {
				t.Errorf("Decide = %+v, want allowed=%v tier=%s", d, tt.want, tt.wantTier)
			}
			if d.Reason == "" {
				t.Error("decision should carry a reason")
			}
			if gotErr := d.Err(); tt.want != (gotErr == nil) {
				t.Errorf("Err() = %v for allowed=%v", gotErr, d.Allowed)
			}
		})
	}
}

func adminActor() actor.Actor { return actor.Actor{ID: "a1", Role: actor.RoleAdmin} }

func anonActor() actor.Actor { return actor.Anon() }
