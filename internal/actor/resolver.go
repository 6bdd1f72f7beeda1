package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wayli-app/fluxbase-sub006/internal/security"
)

// ErrUnauthenticated is returned when presented credentials cannot be resolved.
// The accompanying Actor is always the anonymous actor so callers may continue at that tier.
var ErrUnauthenticated = errors.New("unauthenticated")

// Credentials are the raw credentials taken from an inbound request.
type Credentials struct {
	BearerToken string
	APIKey      string
	ServiceKey  string
	RequestID   string
}

// Empty reports whether no credential was presented.
func (c Credentials) Empty() bool {
	return c.BearerToken == "" && c.APIKey == "" && c.ServiceKey == ""
}

// APIKeyStore looks up stored API keys. GetAPIKey returns (nil, nil) when id is unknown.
type APIKeyStore interface {
	GetAPIKey(ctx context.Context, id string) (*APIKey, error)
}

// Resolver turns Credentials into an Actor.
type Resolver struct {
	tokens     *security.TokenProvider
	keys       APIKeyStore
	hasher     *security.Hasher
	serviceKey string
	logger     *slog.Logger
}

// NewResolver returns a Resolver. tokens and keys may be nil to disable those credential kinds;
// an empty serviceKey disables the trusted-service tier.
func NewResolver(tokens *security.TokenProvider, keys APIKeyStore, hasher *security.Hasher, serviceKey string, logger *slog.Logger) *Resolver {
	if hasher == nil {
		hasher = security.NewHasher(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{tokens: tokens, keys: keys, hasher: hasher, serviceKey: serviceKey, logger: logger}
}

// Resolve checks the service key, then the bearer token, then the API key. The first
// credential presented decides. No credentials yields the anonymous actor without error.
// Invalid credentials yield the anonymous actor and ErrUnauthenticated.
func (r *Resolver) Resolve(ctx context.Context, c Credentials) (Actor, error) {
	anon := Actor{Role: RoleAnon, RequestID: c.RequestID}
	switch {
	case c.ServiceKey != "":
		if !security.ServiceKeyEqual(r.serviceKey, c.ServiceKey) {
			return anon, fmt.Errorf("%w: service key rejected", ErrUnauthenticated)
		}
		return Actor{Role: RoleService, RequestID: c.RequestID}, nil
	case c.BearerToken != "":
		return r.fromToken(c, anon)
	case c.APIKey != "":
		return r.fromAPIKey(ctx, c, anon)
	}
	return anon, nil
}

func (r *Resolver) fromToken(c Credentials, anon Actor) (Actor, error) {
	if r.tokens == nil {
		return anon, fmt.Errorf("%w: bearer tokens not accepted", ErrUnauthenticated)
	}
	claims, err := r.tokens.ValidateAccess(c.BearerToken)
	if err != nil {
		return anon, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	role := ParseRole(claims.Role)
	if role == RoleAnon && claims.Subject != "" {
		role = RoleAuthenticated
	}
	out := make(map[string]any, len(claims.AppMetadata)+1)
	for k, v := range claims.AppMetadata {
		out[k] = v
	}
	out["sub"] = claims.Subject
	return Actor{ID: claims.Subject, Role: role, Claims: out, RequestID: c.RequestID}, nil
}

func (r *Resolver) fromAPIKey(ctx context.Context, c Credentials, anon Actor) (Actor, error) {
	if r.keys == nil {
		return anon, fmt.Errorf("%w: api keys not accepted", ErrUnauthenticated)
	}
	parsed, err := security.ParseAPIKey(c.APIKey)
	if err != nil {
		return anon, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	stored, err := r.keys.GetAPIKey(ctx, parsed.ID)
	if err != nil {
		r.logger.ErrorContext(ctx, "api key lookup failed", "key_id", parsed.ID, "error", err)
		return anon, fmt.Errorf("%w: api key lookup failed", ErrUnauthenticated)
	}
	if stored == nil || stored.Revoked() || !r.hasher.Verify(stored.SecretHash, parsed.Secret) {
		return anon, fmt.Errorf("%w: api key rejected", ErrUnauthenticated)
	}
	return Actor{
		ID:        stored.ActorID,
		Role:      stored.Role,
		Claims:    map[string]any{"api_key_id": stored.ID},
		RequestID: c.RequestID,
	}, nil
}
