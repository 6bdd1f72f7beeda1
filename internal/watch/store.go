package watch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wayli-app/fluxbase-sub006/internal/db"
	"github.com/wayli-app/fluxbase-sub006/internal/table"
)

var (
	// ErrSubscriptionRace reports a conflicting concurrent counter update. Registry retries it.
	ErrSubscriptionRace = errors.New("watch: subscription counter conflict")
	// ErrNotWatched is returned when a table is unsubscribed more often than it was subscribed.
	ErrNotWatched = errors.New("watch: table is not watched")
)

// Store holds the per-table watcher count. Adjust must be called inside a transaction.
type Store interface {
	// Adjust adds delta to the count for ref and returns the new count. A count of zero removes the row.
	Adjust(ctx context.Context, ref table.Ref, delta int) (int, error)
	Count(ctx context.Context, ref table.Ref) (int, error)
	List(ctx context.Context) (map[table.Ref]int, error)
}

// PostgresStore keeps counts in monitored_tables.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn *sql.DB) *PostgresStore {
	return &PostgresStore{db: conn}
}

func (s *PostgresStore) Adjust(ctx context.Context, ref table.Ref, delta int) (int, error) {
	if delta == 0 {
		return s.Count(ctx, ref)
	}
	exec := db.Executor(ctx, s.db)
	if delta > 0 {
		var n int
		err := exec.QueryRowContext(ctx,
			`INSERT INTO monitored_tables (schema_name, table_name, watcher_count) VALUES ($1, $2, $3)
			ON CONFLICT (schema_name, table_name)
			DO UPDATE SET watcher_count = monitored_tables.watcher_count + EXCLUDED.watcher_count, updated_at = now()
			RETURNING watcher_count`,
			ref.Schema, ref.Name, delta).Scan(&n)
		if err != nil {
			return 0, classify(err)
		}
		return n, nil
	}

	var current int
	err := exec.QueryRowContext(ctx,
		`SELECT watcher_count FROM monitored_tables WHERE schema_name = $1 AND table_name = $2 FOR UPDATE`,
		ref.Schema, ref.Name).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrNotWatched, ref)
		}
		return 0, classify(err)
	}
	n := current + delta
	switch {
	case n < 0:
		return 0, fmt.Errorf("%w: %s has %d watchers", ErrNotWatched, ref, current)
	case n == 0:
		_, err = exec.ExecContext(ctx,
			`DELETE FROM monitored_tables WHERE schema_name = $1 AND table_name = $2`, ref.Schema, ref.Name)
	default:
		_, err = exec.ExecContext(ctx,
			`UPDATE monitored_tables SET watcher_count = $3, updated_at = now() WHERE schema_name = $1 AND table_name = $2`,
			ref.Schema, ref.Name, n)
	}
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// Count returns zero for unwatched tables.
func (s *PostgresStore) Count(ctx context.Context, ref table.Ref) (int, error) {
	var n int
	err := db.Executor(ctx, s.db).QueryRowContext(ctx,
		`SELECT watcher_count FROM monitored_tables WHERE schema_name = $1 AND table_name = $2`,
		ref.Schema, ref.Name).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *PostgresStore) List(ctx context.Context) (map[table.Ref]int, error) {
	rows, err := db.Executor(ctx, s.db).QueryContext(ctx,
		`SELECT schema_name, table_name, watcher_count FROM monitored_tables`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[table.Ref]int)
	for rows.Next() {
		var (
			ref table.Ref
			n   int
		)
		if err := rows.Scan(&ref.Schema, &ref.Name, &n); err != nil {
			return nil, err
		}
		out[ref] = n
	}
	return out, rows.Err()
}

// classify maps serialization failures and deadlocks to ErrSubscriptionRace.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %s", ErrSubscriptionRace, pgErr.Message)
		}
	}
	return err
}

// MemoryStore is a Store for development mode and tests.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[table.Ref]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[table.Ref]int)}
}

func (s *MemoryStore) Adjust(_ context.Context, ref table.Ref, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.counts[ref] + delta
	if n < 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotWatched, ref)
	}
	if n == 0 {
		delete(s.counts, ref)
	} else {
		s.counts[ref] = n
	}
	return n, nil
}

func (s *MemoryStore) Count(_ context.Context, ref table.Ref) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[ref], nil
}

func (s *MemoryStore) List(_ context.Context) (map[table.Ref]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[table.Ref]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out, nil
}
