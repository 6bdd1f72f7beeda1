package repository

import (
	"context"

	"github.com/wayli-app/fluxbase-sub006/internal/table"
	"github.com/wayli-app/fluxbase-sub006/internal/webhook/domain"
)

// Repository persists webhook registrations.
// GetByID returns (nil, nil) when the webhook does not exist.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Webhook, error)
	// GetForUpdate is GetByID that also row-locks the webhook for the running transaction.
	GetForUpdate(ctx context.Context, id string) (*domain.Webhook, error)
	List(ctx context.Context) ([]*domain.Webhook, error)
	// ListEnabledByTable returns enabled webhooks with at least one filter on ref or on the wildcard table.
	ListEnabledByTable(ctx context.Context, ref table.Ref) ([]*domain.Webhook, error)
	Create(ctx context.Context, w *domain.Webhook) error
	Update(ctx context.Context, w *domain.Webhook) error
	Delete(ctx context.Context, id string) error
}
