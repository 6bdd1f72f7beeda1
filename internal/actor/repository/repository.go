package repository

import (
	"context"

	"github.com/wayli-app/fluxbase-sub006/internal/actor"
)

// Repository persists project API keys.
type Repository interface {
	// GetAPIKey returns the key for id, or nil if not found.
	GetAPIKey(ctx context.Context, id string) (*actor.APIKey, error)
	CreateAPIKey(ctx context.Context, k *actor.APIKey) error
	// RevokeAPIKey marks the key revoked. Revoking an unknown or already revoked key is a no-op.
	RevokeAPIKey(ctx context.Context, id string) error
}
