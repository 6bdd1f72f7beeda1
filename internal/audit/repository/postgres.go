package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/wayli-app/fluxbase-sub006/internal/audit/domain"
)

const auditColumns = `id, category, actor_id, role, operation, table_ref, allowed, row_count, request_id, execution_time_ms, details, created_at`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an audit log repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the audit log for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.AuditLog, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE id = $1`, id)
	a, err := scanAuditLog(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

// Create persists a single entry. The entry must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_log (`+auditColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		insertArgs(a)...)
	return err
}

// CreateBatch persists entries in one multi-row insert.
func (r *PostgresRepository) CreateBatch(ctx context.Context, entries []*domain.AuditLog) error {
	if len(entries) == 0 {
		return nil
	}
	var (
		sb   strings.Builder
		args = make([]any, 0, len(entries)*12)
	)
	sb.WriteString(`INSERT INTO audit_log (` + auditColumns + `) VALUES `)
	for i, a := range entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := range 12 {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*12+j+1)
		}
		sb.WriteString(")")
		args = append(args, insertArgs(a)...)
	}
	_, err := r.db.ExecContext(ctx, sb.String(), args...)
	return err
}

// Query returns entries matching f, newest first. Limit defaults to 100.
func (r *PostgresRepository) Query(ctx context.Context, f domain.Filter) ([]*domain.AuditLog, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Table != "" {
		add("table_ref = $%d", f.Table)
	}
	if f.Category != "" {
		add("category = $%d", string(f.Category))
	}
	if f.Allowed != nil {
		add("allowed = $%d", *f.Allowed)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}
	query := `SELECT ` + auditColumns + ` FROM audit_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, max(f.Offset, 0))
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.AuditLog
	for rows.Next() {
		a, err := scanAuditLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAuditLog(s scanner) (*domain.AuditLog, error) {
	var (
		a         domain.AuditLog
		category  string
		actorID   sql.NullString
		requestID sql.NullString
		details   sql.NullString
	)
	if err := s.Scan(&a.ID, &category, &actorID, &a.Role, &a.Operation, &a.Table, &a.Allowed,
		&a.RowCount, &requestID, &a.ExecutionTimeMs, &details, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Category = domain.Category(category)
	a.ActorID = actorID.String
	a.RequestID = requestID.String
	a.Details = details.String
	return &a, nil
}

func insertArgs(a *domain.AuditLog) []any {
	return []any{
		a.ID,
		string(a.Category),
		sql.NullString{String: a.ActorID, Valid: a.ActorID != ""},
		a.Role,
		a.Operation,
		a.Table,
		a.Allowed,
		a.RowCount,
		sql.NullString{String: a.RequestID, Valid: a.RequestID != ""},
		a.ExecutionTimeMs,
		sql.NullString{String: a.Details, Valid: a.Details != ""},
		a.CreatedAt,
	}
}
