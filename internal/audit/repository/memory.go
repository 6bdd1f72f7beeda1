package repository

import (
	"context"
	"slices"
	"sync"

	"github.com/wayli-app/fluxbase-sub006/internal/audit/domain"
)

// MemoryRepository keeps audit entries in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries []*domain.AuditLog
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (*domain.AuditLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.entries {
		if a.ID == id {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) Create(_ context.Context, a *domain.AuditLog) error {
	cp := *a
	r.mu.Lock()
	r.entries = append(r.entries, &cp)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) CreateBatch(ctx context.Context, entries []*domain.AuditLog) error {
	for _, a := range entries {
		if err := r.Create(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func (r *MemoryRepository) Query(_ context.Context, f domain.Filter) ([]*domain.AuditLog, error) {
	r.mu.RLock()
	var out []*domain.AuditLog
	for _, a := range r.entries {
		if f.Matches(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	r.mu.RUnlock()
	slices.SortStableFunc(out, func(a, b *domain.AuditLog) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	offset := min(max(f.Offset, 0), len(out))
	out = out[offset:]
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
