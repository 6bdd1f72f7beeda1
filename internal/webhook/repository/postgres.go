package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wayli-app/fluxbase-sub006/internal/db"
	"github.com/wayli-app/fluxbase-sub006/internal/ownership"
	"github.com/wayli-app/fluxbase-sub006/internal/table"
	"github.com/wayli-app/fluxbase-sub006/internal/webhook/domain"
)

const webhookColumns = `id, name, url, enabled, scope, created_by, events, secret, headers,
	timeout_seconds, max_retries, backoff_seconds, max_backoff_seconds, created_at, updated_at`

// PostgresRepository stores webhooks in the webhooks table. Events and headers are JSONB.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a webhook repository backed by conn.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWebhook(s rowScanner) (*domain.Webhook, error) {
	var (
		w               domain.Webhook
		scope           string
		createdBy       sql.NullString
		events, headers []byte
	)
	err := s.Scan(&w.ID, &w.Name, &w.URL, &w.Enabled, &scope, &createdBy, &events, &w.Secret, &headers,
		&w.TimeoutSeconds, &w.Retry.MaxRetries, &w.Retry.BackoffSeconds, &w.Retry.MaxBackoffSeconds,
		&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if w.Scope, err = ownership.ParseScope(scope); err != nil {
		return nil, err
	}
	w.CreatedBy = createdBy.String
	if len(events) > 0 {
		if err := json.Unmarshal(events, &w.Events); err != nil {
			return nil, fmt.Errorf("webhook %s events: %w", w.ID, err)
		}
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &w.Headers); err != nil {
			return nil, fmt.Errorf("webhook %s headers: %w", w.ID, err)
		}
	}
	return &w, nil
}

func encodeJSON(w *domain.Webhook) (events, headers []byte, err error) {
	evs := w.Events
	if evs == nil {
		evs = []domain.EventFilter{}
	}
	if events, err = json.Marshal(evs); err != nil {
		return nil, nil, err
	}
	hdrs := w.Headers
	if hdrs == nil {
		hdrs = map[string]string{}
	}
	if headers, err = json.Marshal(hdrs); err != nil {
		return nil, nil, err
	}
	return events, headers, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetByID returns the webhook for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Webhook, error) {
	return r.get(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id)
}

func (r *PostgresRepository) GetForUpdate(ctx context.Context, id string) (*domain.Webhook, error) {
	return r.get(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1 FOR UPDATE`, id)
}

func (r *PostgresRepository) get(ctx context.Context, q, id string) (*domain.Webhook, error) {
	row := db.Executor(ctx, r.db).QueryRowContext(ctx, q, id)
	w, err := scanWebhook(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return w, nil
}

func (r *PostgresRepository) query(ctx context.Context, q string, args ...any) ([]*domain.Webhook, error) {
	rows, err := db.Executor(ctx, r.db).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// List returns all webhooks in creation order.
func (r *PostgresRepository) List(ctx context.Context) ([]*domain.Webhook, error) {
	return r.query(ctx, `SELECT `+webhookColumns+` FROM webhooks ORDER BY created_at, id`)
}

func (r *PostgresRepository) ListEnabledByTable(ctx context.Context, ref table.Ref) ([]*domain.Webhook, error) {
	return r.query(ctx, `SELECT `+webhookColumns+` FROM webhooks
		WHERE enabled
		  AND (events @> jsonb_build_array(jsonb_build_object('table', $1::text))
		    OR events @> jsonb_build_array(jsonb_build_object('table', $2::text)))
		ORDER BY created_at, id`, ref.String(), table.Wildcard)
}

// Create persists w. The webhook must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, w *domain.Webhook) error {
	events, headers, err := encodeJSON(w)
	if err != nil {
		return err
	}
	_, err = db.Executor(ctx, r.db).ExecContext(ctx,
		`INSERT INTO webhooks (`+webhookColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		w.ID, w.Name, w.URL, w.Enabled, string(w.Scope), nullable(w.CreatedBy), events, w.Secret, headers,
		w.TimeoutSeconds, w.Retry.MaxRetries, w.Retry.BackoffSeconds, w.Retry.MaxBackoffSeconds,
		w.CreatedAt, w.UpdatedAt)
	return err
}

// Update replaces every mutable column. Returns domain.ErrNotFound when no row matched.
func (r *PostgresRepository) Update(ctx context.Context, w *domain.Webhook) error {
	events, headers, err := encodeJSON(w)
	if err != nil {
		return err
	}
	res, err := db.Executor(ctx, r.db).ExecContext(ctx,
		`UPDATE webhooks SET name = $2, url = $3, enabled = $4, scope = $5, events = $6, secret = $7,
			headers = $8, timeout_seconds = $9, max_retries = $10, backoff_seconds = $11,
			max_backoff_seconds = $12, updated_at = $13
		WHERE id = $1`,
		w.ID, w.Name, w.URL, w.Enabled, string(w.Scope), events, w.Secret, headers,
		w.TimeoutSeconds, w.Retry.MaxRetries, w.Retry.BackoffSeconds, w.Retry.MaxBackoffSeconds, w.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Delete removes the webhook. Returns domain.ErrNotFound when no row matched.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := db.Executor(ctx, r.db).ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
