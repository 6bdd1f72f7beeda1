package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wayli-app/fluxbase-sub006/internal/queue/domain"
	"github.com/wayli-app/fluxbase-sub006/internal/table"
)

func enqueue(t *testing.T, r Repository, webhookID string, at time.Time) *domain.Event {
	t.Helper()
	e := &domain.Event{WebhookID: webhookID, Type: table.OpInsert, Table: table.NewRef("", "orders"),
		Status: domain.StatusPending, NextRetryAt: at, CreatedAt: at}
	if err := r.Enqueue(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestMemoryRepository_HeadOfLine(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	r := NewMemoryRepository()
	e1 := enqueue(t, r, "w1", now)
	e2 := enqueue(t, r, "w1", now)
	enqueue(t, r, "w2", now.Add(time.Hour))
	if e2.Seq <= e1.Seq {
		t.Fatalf("seq not increasing: %d, %d", e1.Seq, e2.Seq)
	}

	ready, _ := r.ReadyWebhooks(ctx, now, 10)
	if len(ready) != 1 || ready[0] != "w1" {
		t.Fatalf("ReadyWebhooks = %v", ready)
	}

	got, err := r.ClaimNext(ctx, "w1", now)
	if err != nil || got == nil || got.ID != e1.ID || got.Status != domain.StatusDelivering {
		t.Fatalf("ClaimNext = %+v, %v", got, err)
	}
	// The head is in flight, so nothing else of w1 is claimable or ready.
	if again, _ := r.ClaimNext(ctx, "w1", now); again != nil {
		t.Fatalf("claimed %s behind an in-flight head", again.ID)
	}
	if ready, _ := r.ReadyWebhooks(ctx, now, 10); len(ready) != 0 {
		t.Fatalf("ReadyWebhooks with in-flight head = %v", ready)
	}

	// A retry scheduled in the future blocks later events of the same webhook.
	if err := r.MarkRetry(ctx, e1.ID, 1, now.Add(time.Minute), "boom"); err != nil {
		t.Fatal(err)
	}
	if again, _ := r.ClaimNext(ctx, "w1", now); again != nil {
		t.Fatalf("claimed %s while head waits for retry", again.ID)
	}
	got, _ = r.ClaimNext(ctx, "w1", now.Add(time.Minute))
	if got == nil || got.ID != e1.ID || got.Attempt != 1 {
		t.Fatalf("ClaimNext after backoff = %+v", got)
	}
	if err := r.MarkDelivered(ctx, e1.ID, 2, now); err != nil {
		t.Fatal(err)
	}
	got, _ = r.ClaimNext(ctx, "w1", now)
	if got == nil || got.ID != e2.ID {
		t.Fatalf("ClaimNext after delivery = %+v", got)
	}
}

func TestMemoryRepository_GuardedTransitions(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	r := NewMemoryRepository()
	e := enqueue(t, r, "w1", now)

	if err := r.MarkDelivered(ctx, e.ID, 1, now); !errors.Is(err, domain.ErrStaleClaim) {
		t.Fatalf("MarkDelivered on pending = %v", err)
	}
	_, _ = r.ClaimNext(ctx, "w1", now)
	if err := r.MarkFailed(ctx, e.ID, 4, "gone"); err != nil {
		t.Fatal(err)
	}
	if err := r.Release(ctx, e.ID); !errors.Is(err, domain.ErrStaleClaim) {
		t.Fatalf("Release on failed = %v", err)
	}
	if err := r.Retry(ctx, e.ID, now); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	got, _ := r.GetByID(ctx, e.ID)
	if got.Status != domain.StatusPending || got.Attempt != 0 || got.ErrorMessage != "" {
		t.Fatalf("after Retry = %+v", got)
	}
	if err := r.Retry(ctx, e.ID, now); !errors.Is(err, domain.ErrNotRetryable) {
		t.Fatalf("Retry on pending = %v", err)
	}
}

func TestMemoryRepository_RequeueExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	r := NewMemoryRepository()
	e := enqueue(t, r, "w1", now)
	_, _ = r.ClaimNext(ctx, "w1", now)

	if n, _ := r.RequeueExpired(ctx, now); n != 0 {
		t.Fatalf("requeued %d fresh claims", n)
	}
	if n, _ := r.RequeueExpired(ctx, now.Add(time.Second)); n != 1 {
		t.Fatalf("requeued %d, want 1", n)
	}
	got, _ := r.GetByID(ctx, e.ID)
	if got.Status != domain.StatusPending || got.Attempt != 0 {
		t.Fatalf("after requeue = %+v", got)
	}
}

func TestMemoryRepository_Attempts(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	_ = r.RecordAttempt(ctx, &domain.DeliveryAttempt{EventID: "e1", Attempt: 1, StatusCode: 500})
	_ = r.RecordAttempt(ctx, &domain.DeliveryAttempt{EventID: "e1", Attempt: 2, StatusCode: 200})
	got, _ := r.ListAttempts(ctx, "e1")
	if len(got) != 2 || got[0].Attempt != 1 || got[1].StatusCode != 200 || got[0].ID == "" {
		t.Fatalf("ListAttempts = %+v", got)
	}
}
