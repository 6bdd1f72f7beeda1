package repository

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/wayli-app/fluxbase-sub006/internal/policy/domain"
)

// MemoryRepository keeps policies in process memory.
type MemoryRepository struct {
	mu       sync.RWMutex
	policies map[string]domain.Policy
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{policies: make(map[string]domain.Policy)}
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (*domain.Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r *MemoryRepository) ListEnabled(_ context.Context) ([]*domain.Policy, error) {
	r.mu.RLock()
	var out []*domain.Policy
	for _, p := range r.policies {
		if p.Enabled {
			out = append(out, &p)
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *domain.Policy) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (r *MemoryRepository) Create(_ context.Context, p *domain.Policy) error {
	r.mu.Lock()
	r.policies[p.ID] = *p
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) Update(ctx context.Context, p *domain.Policy) error {
	return r.Create(ctx, p)
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	delete(r.policies, id)
	r.mu.Unlock()
	return nil
}
