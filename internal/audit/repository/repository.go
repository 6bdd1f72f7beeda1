package repository

import (
	"context"

	"github.com/wayli-app/fluxbase-sub006/internal/audit/domain"
)

// Repository defines append-only persistence for audit logs. There is no update or delete.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.AuditLog, error)
	Create(ctx context.Context, a *domain.AuditLog) error
	CreateBatch(ctx context.Context, entries []*domain.AuditLog) error
	// Query returns entries matching f, newest first.
	Query(ctx context.Context, f domain.Filter) ([]*domain.AuditLog, error)
}
