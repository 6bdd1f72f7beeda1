package repository

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/wayli-app/fluxbase-sub006/internal/table"
	"github.com/wayli-app/fluxbase-sub006/internal/webhook/domain"
)

// MemoryRepository is an in-memory Repository for development mode and tests.
type MemoryRepository struct {
	mu    sync.RWMutex
	byID  map[string]*domain.Webhook
	order []string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]*domain.Webhook)}
}

func clone(w *domain.Webhook) *domain.Webhook {
	c := *w
	c.Events = slices.Clone(w.Events)
	for i := range c.Events {
		c.Events[i].Operations = slices.Clone(w.Events[i].Operations)
	}
	c.Headers = maps.Clone(w.Headers)
	return &c
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (*domain.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	return clone(w), nil
}

// GetForUpdate relies on the caller's MemoryTransactor for exclusion.
func (r *MemoryRepository) GetForUpdate(ctx context.Context, id string) (*domain.Webhook, error) {
	return r.GetByID(ctx, id)
}

func (r *MemoryRepository) List(_ context.Context) ([]*domain.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Webhook, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, clone(r.byID[id]))
	}
	return out, nil
}

func (r *MemoryRepository) ListEnabledByTable(_ context.Context, ref table.Ref) ([]*domain.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Webhook
	for _, id := range r.order {
		w := r.byID[id]
		if !w.Enabled {
			continue
		}
		if slices.ContainsFunc(w.Events, func(f domain.EventFilter) bool { return f.Table.Matches(ref) }) {
			out = append(out, clone(w))
		}
	}
	return out, nil
}

func (r *MemoryRepository) Create(_ context.Context, w *domain.Webhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[w.ID] = clone(w)
	r.order = append(r.order, w.ID)
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, w *domain.Webhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[w.ID]; !ok {
		return domain.ErrNotFound
	}
	r.byID[w.ID] = clone(w)
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.byID, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	return nil
}
