package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/wayli-app/fluxbase-sub006/internal/actor"
	"github.com/wayli-app/fluxbase-sub006/internal/db"
)

// PostgresRepository stores API keys in the api_keys table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an API key repository backed by db.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// GetAPIKey returns the key for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetAPIKey(ctx context.Context, id string) (*actor.APIKey, error) {
	row := db.Executor(ctx, r.db).QueryRowContext(ctx,
		`SELECT id, actor_id, role, secret_hash, created_at, revoked_at FROM api_keys WHERE id = $1`, id)
	var (
		k         actor.APIKey
		actorID   sql.NullString
		role      string
		revokedAt sql.NullTime
	)
	if err := row.Scan(&k.ID, &actorID, &role, &k.SecretHash, &k.CreatedAt, &revokedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	k.ActorID = actorID.String
	k.Role = actor.ParseRole(role)
	if revokedAt.Valid {
		t := revokedAt.Time
		k.RevokedAt = &t
	}
	return &k, nil
}

// CreateAPIKey persists k. The key must have ID and SecretHash set.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, k *actor.APIKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	var actorID any
	if k.ActorID != "" {
		actorID = k.ActorID
	}
	_, err := db.Executor(ctx, r.db).ExecContext(ctx,
		`INSERT INTO api_keys (id, actor_id, role, secret_hash, created_at) VALUES ($1, $2, $3, $4, $5)`,
		k.ID, actorID, string(k.Role), k.SecretHash, k.CreatedAt)
	return err
}

// RevokeAPIKey sets revoked_at on an active key.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, id string) error {
	_, err := db.Executor(ctx, r.db).ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id)
	return err
}
