package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/wayli-app/fluxbase-sub006/internal/ownership"
	"github.com/wayli-app/fluxbase-sub006/internal/table"
	"github.com/wayli-app/fluxbase-sub006/internal/webhook/domain"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		conn.Close()
	})
	return conn, mock
}

var columns = []string{"id", "name", "url", "enabled", "scope", "created_by", "events", "secret", "headers",
	"timeout_seconds", "max_retries", "backoff_seconds", "max_backoff_seconds", "created_at", "updated_at"}

func TestPostgresRepository_GetByID(t *testing.T) {
	conn, mock := newMockDB(t)
	now := time.Now()
	mock.ExpectQuery("SELECT .+ FROM webhooks WHERE id = \\$1").WithArgs("w1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"w1", "posts", "https://example.com", true, "global", nil,
			[]byte(`[{"table":"public.posts","operations":["INSERT"]}]`), "s3cret", []byte(`{"X-A":"1"}`),
			30, 3, 5, 3600, now, now))

	w, err := NewPostgresRepository(conn).GetByID(context.Background(), "w1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if w.Scope != ownership.ScopeGlobal || w.CreatedBy != "" || w.Headers["X-A"] != "1" {
		t.Fatalf("GetByID = %+v", w)
	}
	if len(w.Events) != 1 || w.Events[0].Table != table.NewRef("public", "posts") || w.Events[0].Operations[0] != table.OpInsert {
		t.Fatalf("Events = %+v", w.Events)
	}
}

func TestPostgresRepository_GetByID_NotFound(t *testing.T) {
	conn, mock := newMockDB(t)
	mock.ExpectQuery("SELECT .+ FROM webhooks").WithArgs("missing").WillReturnError(sql.ErrNoRows)

	w, err := NewPostgresRepository(conn).GetByID(context.Background(), "missing")
	if err != nil || w != nil {
		t.Fatalf("GetByID = %v, %v; want nil, nil", w, err)
	}
}

func TestPostgresRepository_ListEnabledByTable(t *testing.T) {
	conn, mock := newMockDB(t)
	now := time.Now()
	mock.ExpectQuery("SELECT .+ FROM webhooks\\s+WHERE enabled").WithArgs("public.posts", "*").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("w1", "a", "https://a", true, "user", "u1", []byte(`[{"table":"public.posts","operations":["*"]}]`), "", []byte(`{}`), 30, 3, 5, 3600, now, now).
			AddRow("w2", "b", "https://b", true, "global", nil, []byte(`[{"table":"*","operations":["DELETE"]}]`), "", []byte(`{}`), 30, 3, 5, 3600, now, now))

	ws, err := NewPostgresRepository(conn).ListEnabledByTable(context.Background(), table.NewRef("", "posts"))
	if err != nil {
		t.Fatalf("ListEnabledByTable: %v", err)
	}
	if len(ws) != 2 || ws[0].CreatedBy != "u1" || ws[1].Events[0].Table != table.Any {
		t.Fatalf("ListEnabledByTable = %+v", ws)
	}
}

func TestPostgresRepository_Create(t *testing.T) {
	conn, mock := newMockDB(t)
	now := time.Now()
	w := &domain.Webhook{ID: "w1", Name: "n", URL: "https://x", Enabled: true, Scope: ownership.ScopeUser, CreatedBy: "u1",
		Events: []domain.EventFilter{{Table: table.Any, Operations: []table.Operation{table.OpAny}}},
		TimeoutSeconds: 30, Retry: domain.RetryPolicy{MaxRetries: 3, BackoffSeconds: 5, MaxBackoffSeconds: 60},
		CreatedAt: now, UpdatedAt: now}
	mock.ExpectExec("INSERT INTO webhooks").
		WithArgs("w1", "n", "https://x", true, "user", "u1", []byte(`[{"table":"*","operations":["*"]}]`), "", []byte(`{}`),
			30, 3, 5, 60, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := NewPostgresRepository(conn).Create(context.Background(), w); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestPostgresRepository_UpdateDelete_NotFound(t *testing.T) {
	conn, mock := newMockDB(t)
	mock.ExpectExec("UPDATE webhooks SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM webhooks").WithArgs("w1").WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewPostgresRepository(conn)
	if err := repo.Update(context.Background(), &domain.Webhook{ID: "w1"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Update = %v, want ErrNotFound", err)
	}
	if err := repo.Delete(context.Background(), "w1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Delete = %v, want ErrNotFound", err)
	}
}

func TestPostgresRepository_GetForUpdate(t *testing.T) {
	conn, mock := newMockDB(t)
	mock.ExpectQuery("SELECT .+ FROM webhooks WHERE id = \\$1 FOR UPDATE").WithArgs("w1").WillReturnError(sql.ErrNoRows)

	w, err := NewPostgresRepository(conn).GetForUpdate(context.Background(), "w1")
	if err != nil || w != nil {
		t.Fatalf("GetForUpdate = %v, %v", w, err)
	}
}
