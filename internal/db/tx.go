package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// DBTX is the subset of *sql.DB and *sql.Tx used by repositories.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Transactor runs fn inside a transaction. A nested call joins the outer transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type txKey struct{}

// txState is carried in the context of a running transaction.
type txState struct {
	tx *sql.Tx // nil for in-memory transactions

	mu          sync.Mutex
	afterCommit []func()
}

func (s *txState) schedule(fn func()) {
	s.mu.Lock()
	s.afterCommit = append(s.afterCommit, fn)
	s.mu.Unlock()
}

func (s *txState) runAfterCommit() {
	s.mu.Lock()
	fns := s.afterCommit
	s.afterCommit = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func stateFrom(ctx context.Context) *txState {
	s, _ := ctx.Value(txKey{}).(*txState)
	return s
}

// InTx reports whether ctx carries a running transaction.
func InTx(ctx context.Context) bool {
	return stateFrom(ctx) != nil
}

// WithoutTx returns a context that keeps ctx's values and deadline but no transaction.
func WithoutTx(ctx context.Context) context.Context {
	return context.WithValue(ctx, txKey{}, (*txState)(nil))
}

// Executor returns the transaction bound to ctx, or fallback when none is running.
func Executor(ctx context.Context, fallback *sql.DB) DBTX {
	if s := stateFrom(ctx); s != nil && s.tx != nil {
		return s.tx
	}
	return fallback
}

// AfterCommit schedules fn to run once the transaction bound to ctx commits.
// Without a transaction fn runs immediately. Rolled-back transactions drop fn.
func AfterCommit(ctx context.Context, fn func()) {
	if s := stateFrom(ctx); s != nil {
		s.schedule(fn)
		return
	}
	fn()
}

// SQLTransactor implements Transactor on a *sql.DB.
type SQLTransactor struct {
	db *sql.DB
}

// NewSQLTransactor returns a Transactor that begins transactions on db.
func NewSQLTransactor(db *sql.DB) *SQLTransactor {
	return &SQLTransactor{db: db}
}

// WithinTx begins a transaction, runs fn, and commits; fn's error or a panic rolls back.
func (t *SQLTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if InTx(ctx) {
		return fn(ctx)
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	state := &txState{tx: tx}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(context.WithValue(ctx, txKey{}, state)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	state.runAfterCommit()
	return nil
}

// MemoryTransactor serializes fn calls with a mutex and honours AfterCommit.
// It backs the in-memory stores used in development mode and tests.
type MemoryTransactor struct {
	mu sync.Mutex
}

// NewMemoryTransactor returns a Transactor for in-memory stores.
func NewMemoryTransactor() *MemoryTransactor {
	return &MemoryTransactor{}
}

// WithinTx runs fn under the transactor's lock. Stores are not rolled back on error.
func (t *MemoryTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}
	state := &txState{}
	t.mu.Lock()
	err := fn(context.WithValue(ctx, txKey{}, state))
	t.mu.Unlock()
	if err != nil {
		return err
	}
	state.runAfterCommit()
	return nil
}
