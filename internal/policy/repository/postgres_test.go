package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/wayli-app/fluxbase-sub006/internal/policy/domain"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

var policyColumns = []string{"id", "name", "rules", "enabled", "created_at"}

func TestPostgresRepository_ListEnabled(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()
	mock.ExpectQuery("SELECT .+ FROM rls_policies WHERE enabled ORDER BY created_at, id").
		WillReturnRows(sqlmock.NewRows(policyColumns).
			AddRow("p1", "signup", "package fluxbase.rls", true, now).
			AddRow("p2", "vault", "package fluxbase.rls", true, now))

	got, err := NewPostgresRepository(db).ListEnabled(context.Background())
	if err != nil {
		t.Fatalf("ListEnabled: %v", err)
	}
	if len(got) != 2 || got[0].ID != "p1" || got[1].Name != "vault" {
		t.Fatalf("ListEnabled = %+v", got)
	}
}

func TestPostgresRepository_GetByID_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT .+ FROM rls_policies WHERE id = \\$1").WithArgs("nope").
		WillReturnError(sql.ErrNoRows)
	p, err := NewPostgresRepository(db).GetByID(context.Background(), "nope")
	if err != nil || p != nil {
		t.Fatalf("GetByID = %v, %v", p, err)
	}
}

func TestPostgresRepository_CreateUpdateDelete(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()
	p := &domain.Policy{ID: "p1", Name: "n", Rules: "r", Enabled: true, CreatedAt: now}
	mock.ExpectExec("INSERT INTO rls_policies").WithArgs("p1", "n", "r", true, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE rls_policies SET").WithArgs("p1", "n", "r", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM rls_policies WHERE id = \\$1").WithArgs("p1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewPostgresRepository(db)
	ctx := context.Background()
	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	p.Enabled = false
	if err := repo.Update(ctx, p); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := repo.Delete(ctx, "p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}
