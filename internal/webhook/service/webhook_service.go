package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wayli-app/fluxbase-sub006/internal/actor"
	"github.com/wayli-app/fluxbase-sub006/internal/security"
	"github.com/wayli-app/fluxbase-sub006/internal/table"
	"github.com/wayli-app/fluxbase-sub006/internal/webhook/domain"
)

// WebhookRepo is the minimal webhook repository needed by the service.
type WebhookRepo interface {
	GetByID(ctx context.Context, id string) (*domain.Webhook, error)
	GetForUpdate(ctx context.Context, id string) (*domain.Webhook, error)
	List(ctx context.Context) ([]*domain.Webhook, error)
	Create(ctx context.Context, w *domain.Webhook) error
	Update(ctx context.Context, w *domain.Webhook) error
	Delete(ctx context.Context, id string) error
}

// Watcher maintains per-table watcher counts. Implemented by watch.Registry.
type Watcher interface {
	Atomically(ctx context.Context, fn func(ctx context.Context) error) error
	Reconcile(ctx context.Context, before, after []table.Ref) error
}

// Defaults fill webhook settings left at zero by the caller.
type Defaults struct {
	TimeoutSeconds    int
	MaxRetries        int
	BackoffSeconds    int
	MaxBackoffSeconds int
}

// WebhookService manages webhook registrations. Every write runs in one transaction together
// with the reconciliation of the webhook's watched tables.
type WebhookService struct {
	repo     WebhookRepo
	watch    Watcher
	defaults Defaults
	logger   *slog.Logger
	now      func() time.Time
}

// NewWebhookService returns a WebhookService. A nil logger uses slog.Default().
func NewWebhookService(repo WebhookRepo, watch Watcher, defaults Defaults, logger *slog.Logger) *WebhookService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookService{
		repo:     repo,
		watch:    watch,
		defaults: defaults,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *WebhookService) applyDefaults(w *domain.Webhook, isNew bool) {
	if w.TimeoutSeconds <= 0 {
		w.TimeoutSeconds = s.defaults.TimeoutSeconds
	}
	if isNew && w.Retry.MaxRetries == 0 {
		w.Retry.MaxRetries = s.defaults.MaxRetries
	}
	if w.Retry.BackoffSeconds <= 0 {
		w.Retry.BackoffSeconds = s.defaults.BackoffSeconds
	}
	if w.Retry.MaxBackoffSeconds <= 0 {
		w.Retry.MaxBackoffSeconds = s.defaults.MaxBackoffSeconds
	}
	w.Normalize()
}

// Create validates and stores w, assigning ID and a signing secret when absent.
// CreatedBy defaults to the id of the non-anonymous actor in ctx.
func (s *WebhookService) Create(ctx context.Context, w *domain.Webhook) (*domain.Webhook, error) {
	s.applyDefaults(w, true)
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if w.CreatedBy == "" {
		if a, ok := actor.FromContext(ctx); ok && !a.IsAnonymous() {
			if _, err := uuid.Parse(a.ID); err == nil {
				w.CreatedBy = a.ID
			}
		}
	}
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Secret == "" {
		secret, err := security.RandomSecret(32)
		if err != nil {
			return nil, err
		}
		w.Secret = secret
	}
	now := s.now()
	w.CreatedAt, w.UpdatedAt = now, now

	err := s.watch.Atomically(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, w); err != nil {
			return err
		}
		return s.watch.Reconcile(ctx, nil, w.WatchedTables())
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("webhook created", "webhook_id", w.ID, "scope", string(w.Scope), "tables", len(w.WatchedTables()))
	return w, nil
}

// Update replaces w's configuration. ID, CreatedBy and CreatedAt are kept from the stored row.
func (s *WebhookService) Update(ctx context.Context, w *domain.Webhook) (*domain.Webhook, error) {
	s.applyDefaults(w, false)
	if err := w.Validate(); err != nil {
		return nil, err
	}
	err := s.mutate(ctx, w.ID, func(prev *domain.Webhook) (*domain.Webhook, error) {
		w.CreatedBy = prev.CreatedBy
		w.CreatedAt = prev.CreatedAt
		if w.Secret == "" {
			w.Secret = prev.Secret
		}
		return w, nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// SetEnabled toggles delivery and, with it, the webhook's table watches.
func (s *WebhookService) SetEnabled(ctx context.Context, id string, enabled bool) (*domain.Webhook, error) {
	var out *domain.Webhook
	err := s.mutate(ctx, id, func(prev *domain.Webhook) (*domain.Webhook, error) {
		next := *prev
		next.Enabled = enabled
		out = &next
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the webhook and releases its watches. Queued events stay for history.
func (s *WebhookService) Delete(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(*domain.Webhook) (*domain.Webhook, error) { return nil, nil })
}

// mutate locks the stored webhook, applies change, persists the result (nil deletes)
// and reconciles watched tables from the stored state to the new one.
func (s *WebhookService) mutate(ctx context.Context, id string, change func(prev *domain.Webhook) (*domain.Webhook, error)) error {
	return s.watch.Atomically(ctx, func(ctx context.Context) error {
		prev, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if prev == nil {
			return domain.ErrNotFound
		}
		next, err := change(prev)
		if err != nil {
			return err
		}
		if next == nil {
			if err := s.repo.Delete(ctx, id); err != nil {
				return err
			}
			s.logger.Info("webhook deleted", "webhook_id", id)
			return s.watch.Reconcile(ctx, prev.WatchedTables(), nil)
		}
		next.UpdatedAt = s.now()
		if err := s.repo.Update(ctx, next); err != nil {
			return err
		}
		s.logger.Info("webhook updated", "webhook_id", id, "enabled", next.Enabled)
		return s.watch.Reconcile(ctx, prev.WatchedTables(), next.WatchedTables())
	})
}

// Get returns domain.ErrNotFound for unknown ids.
func (s *WebhookService) Get(ctx context.Context, id string) (*domain.Webhook, error) {
	w, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, domain.ErrNotFound
	}
	return w, nil
}

func (s *WebhookService) List(ctx context.Context) ([]*domain.Webhook, error) {
	return s.repo.List(ctx)
}
