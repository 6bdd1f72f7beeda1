package repository

import (
	"context"
	"sync"
	"time"

	"github.com/wayli-app/fluxbase-sub006/internal/actor"
)

// MemoryRepository is an in-memory API key store for development and tests.
type MemoryRepository struct {
	mu   sync.RWMutex
	keys map[string]actor.APIKey
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{keys: make(map[string]actor.APIKey)}
}

func (r *MemoryRepository) GetAPIKey(_ context.Context, id string) (*actor.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[id]
	if !ok {
		return nil, nil
	}
	return &k, nil
}

func (r *MemoryRepository) CreateAPIKey(_ context.Context, k *actor.APIKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	r.mu.Lock()
	r.keys[k.ID] = *k
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) RevokeAPIKey(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[id]
	if !ok || k.RevokedAt != nil {
		return nil
	}
	now := time.Now().UTC()
	k.RevokedAt = &now
	r.keys[id] = k
	return nil
}
