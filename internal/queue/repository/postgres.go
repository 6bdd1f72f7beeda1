package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/wayli-app/fluxbase-sub006/internal/db"
	"github.com/wayli-app/fluxbase-sub006/internal/queue/domain"
	"github.com/wayli-app/fluxbase-sub006/internal/table"
)

const eventColumns = `id, seq, webhook_id, event_type, schema_name, table_name, record_id, old_data, new_data,
	status, attempt, next_retry_at, claimed_at, error_message, created_at, delivered_at`

// PostgresRepository stores events in webhook_events and history in webhook_deliveries.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(s rowScanner) (*domain.Event, error) {
	var (
		e                      domain.Event
		eventType, status      string
		recordID, errMsg       sql.NullString
		oldData, newData       []byte
		claimedAt, deliveredAt sql.NullTime
	)
	err := s.Scan(&e.ID, &e.Seq, &e.WebhookID, &eventType, &e.Table.Schema, &e.Table.Name, &recordID,
		&oldData, &newData, &status, &e.Attempt, &e.NextRetryAt, &claimedAt, &errMsg, &e.CreatedAt, &deliveredAt)
	if err != nil {
		return nil, err
	}
	e.Type = table.Operation(eventType)
	e.Status = domain.Status(status)
	e.RecordID = recordID.String
	e.ErrorMessage = errMsg.String
	e.OldData = oldData
	e.NewData = newData
	if claimedAt.Valid {
		t := claimedAt.Time
		e.ClaimedAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		e.DeliveredAt = &t
	}
	return &e, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// Enqueue first takes a transaction-scoped advisory lock on the webhook so that concurrent
// transactions enqueueing for the same webhook commit in seq order.
func (r *PostgresRepository) Enqueue(ctx context.Context, e *domain.Event) error {
	exec := db.Executor(ctx, r.db)
	if _, err := exec.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, e.WebhookID); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = domain.StatusPending
	}
	return exec.QueryRowContext(ctx,
		`INSERT INTO webhook_events (id, webhook_id, event_type, schema_name, table_name, record_id,
			old_data, new_data, status, attempt, next_retry_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq`,
		e.ID, e.WebhookID, string(e.Type), e.Table.Schema, e.Table.Name, nullString(e.RecordID),
		nullJSON(e.OldData), nullJSON(e.NewData), string(e.Status), e.Attempt, e.NextRetryAt, e.CreatedAt,
	).Scan(&e.Seq)
}

func (r *PostgresRepository) ReadyWebhooks(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := db.Executor(ctx, r.db).QueryContext(ctx,
		`SELECT e.webhook_id FROM webhook_events e
		WHERE e.status = 'pending' AND e.next_retry_at <= $1
		  AND NOT EXISTS (
			SELECT 1 FROM webhook_events h
			WHERE h.webhook_id = e.webhook_id AND h.status IN ('pending', 'delivering') AND h.seq < e.seq)
		ORDER BY e.seq
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimNext locks the head row without SKIP LOCKED so a concurrent claimer waits
// instead of jumping to a later event.
func (r *PostgresRepository) ClaimNext(ctx context.Context, webhookID string, now time.Time) (*domain.Event, error) {
	row := db.Executor(ctx, r.db).QueryRowContext(ctx,
		`UPDATE webhook_events SET status = 'delivering', claimed_at = $2
		WHERE id = (
			SELECT id FROM webhook_events
			WHERE webhook_id = $1 AND status IN ('pending', 'delivering')
			ORDER BY seq
			LIMIT 1
			FOR UPDATE)
		  AND status = 'pending' AND next_retry_at <= $2
		RETURNING `+eventColumns, webhookID, now)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

func (r *PostgresRepository) transition(ctx context.Context, q string, args ...any) error {
	res, err := db.Executor(ctx, r.db).ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrStaleClaim
	}
	return nil
}

func (r *PostgresRepository) MarkDelivered(ctx context.Context, id string, attempt int, at time.Time) error {
	return r.transition(ctx,
		`UPDATE webhook_events SET status = 'delivered', attempt = $2, delivered_at = $3, claimed_at = NULL, error_message = NULL
		WHERE id = $1 AND status = 'delivering'`, id, attempt, at)
}

func (r *PostgresRepository) MarkRetry(ctx context.Context, id string, attempt int, next time.Time, errMsg string) error {
	return r.transition(ctx,
		`UPDATE webhook_events SET status = 'pending', attempt = $2, next_retry_at = $3, error_message = $4, claimed_at = NULL
		WHERE id = $1 AND status = 'delivering'`, id, attempt, next, errMsg)
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, id string, attempt int, errMsg string) error {
	return r.transition(ctx,
		`UPDATE webhook_events SET status = 'failed', attempt = $2, error_message = $3, claimed_at = NULL
		WHERE id = $1 AND status = 'delivering'`, id, attempt, errMsg)
}

func (r *PostgresRepository) Release(ctx context.Context, id string) error {
	return r.transition(ctx,
		`UPDATE webhook_events SET status = 'pending', claimed_at = NULL WHERE id = $1 AND status = 'delivering'`, id)
}

func (r *PostgresRepository) RequeueExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.Executor(ctx, r.db).ExecContext(ctx,
		`UPDATE webhook_events SET status = 'pending', claimed_at = NULL
		WHERE status = 'delivering' AND claimed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) Retry(ctx context.Context, id string, now time.Time) error {
	err := r.transition(ctx,
		`UPDATE webhook_events SET status = 'pending', attempt = 0, next_retry_at = $2, error_message = NULL
		WHERE id = $1 AND status = 'failed'`, id, now)
	if errors.Is(err, domain.ErrStaleClaim) {
		return domain.ErrNotRetryable
	}
	return err
}

// GetByID returns the event for id, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Event, error) {
	row := db.Executor(ctx, r.db).QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

// ListByWebhook returns the webhook's events in queue order.
func (r *PostgresRepository) ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Executor(ctx, r.db).QueryContext(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE webhook_id = $1 ORDER BY seq LIMIT $2`, webhookID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) RecordAttempt(ctx context.Context, a *domain.DeliveryAttempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	var status any
	if a.StatusCode != 0 {
		status = a.StatusCode
	}
	_, err := db.Executor(ctx, r.db).ExecContext(ctx,
		`INSERT INTO webhook_deliveries (id, event_id, webhook_id, attempt, status_code, duration_ms, response_body, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.EventID, a.WebhookID, a.Attempt, status, a.DurationMs, nullString(a.ResponseBody), nullString(a.Error), a.CreatedAt)
	return err
}

func (r *PostgresRepository) ListAttempts(ctx context.Context, eventID string) ([]*domain.DeliveryAttempt, error) {
	rows, err := db.Executor(ctx, r.db).QueryContext(ctx,
		`SELECT id, event_id, webhook_id, attempt, status_code, duration_ms, response_body, error, created_at
		FROM webhook_deliveries WHERE event_id = $1 ORDER BY attempt, created_at`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.DeliveryAttempt
	for rows.Next() {
		var (
			a          domain.DeliveryAttempt
			statusCode sql.NullInt64
			body, msg  sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.EventID, &a.WebhookID, &a.Attempt, &statusCode, &a.DurationMs, &body, &msg, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.StatusCode = int(statusCode.Int64)
		a.ResponseBody = body.String
		a.Error = msg.String
		out = append(out, &a)
	}
	return out, rows.Err()
}
