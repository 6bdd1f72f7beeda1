package repository

import (
	"context"
	"time"

	"github.com/wayli-app/fluxbase-sub006/internal/queue/domain"
)

// Repository is the durable event queue. Status transitions out of delivering are guarded
// by the current status and return domain.ErrStaleClaim when the guard fails.
type Repository interface {
	// Enqueue appends e and assigns ID (when empty) and Seq. It joins the transaction in ctx.
	Enqueue(ctx context.Context, e *domain.Event) error
	// ReadyWebhooks returns webhooks whose oldest undelivered event is pending and due at now.
	ReadyWebhooks(ctx context.Context, now time.Time, limit int) ([]string, error)
	// ClaimNext moves the webhook's oldest undelivered event to delivering if it is pending and due.
	// It returns nil when the head is not claimable.
	ClaimNext(ctx context.Context, webhookID string, now time.Time) (*domain.Event, error)
	MarkDelivered(ctx context.Context, id string, attempt int, at time.Time) error
	MarkRetry(ctx context.Context, id string, attempt int, next time.Time, errMsg string) error
	MarkFailed(ctx context.Context, id string, attempt int, errMsg string) error
	// Release returns a claimed event to pending without consuming an attempt.
	Release(ctx context.Context, id string) error
	// RequeueExpired releases events claimed before the cutoff.
	RequeueExpired(ctx context.Context, cutoff time.Time) (int64, error)
	// Retry resets a failed event to pending with attempt 0.
	Retry(ctx context.Context, id string, now time.Time) error

	GetByID(ctx context.Context, id string) (*domain.Event, error)
	ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*domain.Event, error)
	RecordAttempt(ctx context.Context, a *domain.DeliveryAttempt) error
	ListAttempts(ctx context.Context, eventID string) ([]*domain.DeliveryAttempt, error)
}
