// Package actor carries the identity performing an operation. An Actor is resolved once per
// request from its credentials and passed explicitly through the context.
package actor

import (
	"context"
	"time"
)

// Role is the trust tier of an actor.
type Role string

const (
	RoleAnon           Role = "anon"
	RoleAuthenticated  Role = "authenticated"
	RoleAdmin          Role = "admin"
	RoleDashboardAdmin Role = "dashboard_admin"
	RoleService        Role = "service"
)

// ParseRole maps s to a known Role. Unknown non-empty roles resolve to authenticated;
// an empty role resolves to anon.
func ParseRole(s string) Role {
	switch r := Role(s); r {
	case RoleAnon, RoleAuthenticated, RoleAdmin, RoleDashboardAdmin, RoleService:
		return r
	case "":
		return RoleAnon
	}
	return RoleAuthenticated
}

// IsAdmin reports whether r is one of the elevated admin roles.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin || r == RoleDashboardAdmin
}

// Actor is the request-scoped identity. ID is empty for anonymous and service actors.
type Actor struct {
	ID        string
	Role      Role
	Claims    map[string]any
	RequestID string
}

// Anon returns the anonymous actor.
func Anon() Actor {
	return Actor{Role: RoleAnon}
}

// IsAnonymous reports whether a is the anonymous tier.
func (a Actor) IsAnonymous() bool {
	return a.Role == RoleAnon
}

// Claim returns the claim value for key, or nil.
func (a Actor) Claim(key string) any {
	if a.Claims == nil {
		return nil
	}
	return a.Claims[key]
}

// APIKey is a stored project API key. SecretHash is the bcrypt hash of the secret part.
type APIKey struct {
	ID         string
	ActorID    string
	Role       Role
	SecretHash string
	CreatedAt  time.Time
	RevokedAt  *time.Time
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil
}

type contextKey struct{ name string }

var actorKey = contextKey{"actor"}

// WithActor returns a context carrying a.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// FromContext returns the actor in ctx and true if set; otherwise Anon(), false.
func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	if !ok {
		return Anon(), false
	}
	return a, true
}
