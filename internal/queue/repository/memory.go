package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wayli-app/fluxbase-sub006/internal/queue/domain"
)

// MemoryRepository is an in-memory Repository for development mode and tests.
type MemoryRepository struct {
	mu       sync.Mutex
	seq      int64
	events   []*domain.Event // seq order
	byID     map[string]*domain.Event
	attempts map[string][]*domain.DeliveryAttempt
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:     make(map[string]*domain.Event),
		attempts: make(map[string][]*domain.DeliveryAttempt),
	}
}

func cloneEvent(e *domain.Event) *domain.Event {
	c := *e
	c.OldData = slices.Clone(e.OldData)
	c.NewData = slices.Clone(e.NewData)
	if e.ClaimedAt != nil {
		t := *e.ClaimedAt
		c.ClaimedAt = &t
	}
	if e.DeliveredAt != nil {
		t := *e.DeliveredAt
		c.DeliveredAt = &t
	}
	return &c
}

func (r *MemoryRepository) Enqueue(_ context.Context, e *domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = domain.StatusPending
	}
	r.seq++
	e.Seq = r.seq
	stored := cloneEvent(e)
	r.events = append(r.events, stored)
	r.byID[e.ID] = stored
	return nil
}

// head returns the oldest pending or delivering event of webhookID. Caller holds mu.
func (r *MemoryRepository) head(webhookID string) *domain.Event {
	for _, e := range r.events {
		if e.WebhookID == webhookID && !e.Status.Terminal() {
			return e
		}
	}
	return nil
}

func (r *MemoryRepository) ReadyWebhooks(_ context.Context, now time.Time, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var ids []string
	for _, e := range r.events {
		if e.Status.Terminal() || seen[e.WebhookID] {
			continue
		}
		seen[e.WebhookID] = true
		if e.Status == domain.StatusPending && !e.NextRetryAt.After(now) {
			ids = append(ids, e.WebhookID)
			if limit > 0 && len(ids) == limit {
				break
			}
		}
	}
	return ids, nil
}

func (r *MemoryRepository) ClaimNext(_ context.Context, webhookID string, now time.Time) (*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.head(webhookID)
	if e == nil || e.Status != domain.StatusPending || e.NextRetryAt.After(now) {
		return nil, nil
	}
	e.Status = domain.StatusDelivering
	claimed := now
	e.ClaimedAt = &claimed
	return cloneEvent(e), nil
}

// claimed returns the event if it is delivering. Caller holds mu.
func (r *MemoryRepository) claimed(id string) (*domain.Event, error) {
	e, ok := r.byID[id]
	if !ok || e.Status != domain.StatusDelivering {
		return nil, domain.ErrStaleClaim
	}
	return e, nil
}

func (r *MemoryRepository) MarkDelivered(_ context.Context, id string, attempt int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.claimed(id)
	if err != nil {
		return err
	}
	e.Status = domain.StatusDelivered
	e.Attempt = attempt
	e.DeliveredAt = &at
	e.ClaimedAt = nil
	e.ErrorMessage = ""
	return nil
}

func (r *MemoryRepository) MarkRetry(_ context.Context, id string, attempt int, next time.Time, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.claimed(id)
	if err != nil {
		return err
	}
	e.Status = domain.StatusPending
	e.Attempt = attempt
	e.NextRetryAt = next
	e.ErrorMessage = errMsg
	e.ClaimedAt = nil
	return nil
}

func (r *MemoryRepository) MarkFailed(_ context.Context, id string, attempt int, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.claimed(id)
	if err != nil {
		return err
	}
	e.Status = domain.StatusFailed
	e.Attempt = attempt
	e.ErrorMessage = errMsg
	e.ClaimedAt = nil
	return nil
}

func (r *MemoryRepository) Release(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.claimed(id)
	if err != nil {
		return err
	}
	e.Status = domain.StatusPending
	e.ClaimedAt = nil
	return nil
}

func (r *MemoryRepository) RequeueExpired(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, e := range r.events {
		if e.Status == domain.StatusDelivering && e.ClaimedAt != nil && e.ClaimedAt.Before(cutoff) {
			e.Status = domain.StatusPending
			e.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) Retry(_ context.Context, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok || e.Status != domain.StatusFailed {
		return domain.ErrNotRetryable
	}
	e.Status = domain.StatusPending
	e.Attempt = 0
	e.NextRetryAt = now
	e.ErrorMessage = ""
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	return cloneEvent(e), nil
}

func (r *MemoryRepository) ListByWebhook(_ context.Context, webhookID string, limit int) ([]*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*domain.Event
	for _, e := range r.events {
		if e.WebhookID == webhookID {
			out = append(out, cloneEvent(e))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *MemoryRepository) RecordAttempt(_ context.Context, a *domain.DeliveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	c := *a
	r.attempts[a.EventID] = append(r.attempts[a.EventID], &c)
	return nil
}

func (r *MemoryRepository) ListAttempts(_ context.Context, eventID string) ([]*domain.DeliveryAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.attempts[eventID]
	out := make([]*domain.DeliveryAttempt, len(src))
	for i, a := range src {
		c := *a
		out[i] = &c
	}
	return out, nil
}
