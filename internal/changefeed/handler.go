// Package changefeed turns committed-in-transaction row changes into queued webhook events.
package changefeed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wayli-app/fluxbase-sub006/internal/db"
	"github.com/wayli-app/fluxbase-sub006/internal/ownership"
	queuedomain "github.com/wayli-app/fluxbase-sub006/internal/queue/domain"
	"github.com/wayli-app/fluxbase-sub006/internal/table"
	webhookdomain "github.com/wayli-app/fluxbase-sub006/internal/webhook/domain"
)

// WebhookLister returns the enabled webhooks that filter on a table or on the wildcard.
type WebhookLister interface {
	ListEnabledByTable(ctx context.Context, ref table.Ref) ([]*webhookdomain.Webhook, error)
}

// Enqueuer appends events to the durable queue within the transaction in ctx.
type Enqueuer interface {
	Enqueue(ctx context.Context, e *queuedomain.Event) error
}

// Waker signals delivery workers that a webhook has new work.
type Waker interface {
	Publish(ctx context.Context, webhookID string) error
}

// Handler is the single generic change handler behind every installed hook.
type Handler struct {
	webhooks WebhookLister
	queue    Enqueuer
	scoper   *ownership.Scoper
	tx       db.Transactor
	wake     Waker
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler returns a Handler. wake may be nil; a nil logger uses slog.Default().
func NewHandler(webhooks WebhookLister, queue Enqueuer, scoper *ownership.Scoper, tx db.Transactor, wake Waker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		webhooks: webhooks,
		queue:    queue,
		scoper:   scoper,
		tx:       tx,
		wake:     wake,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle enqueues one event per enabled, matching and eligible webhook. It runs in the
// mutation's transaction when ctx carries one, so a rollback discards the events too.
// An error must abort the mutation.
func (h *Handler) Handle(ctx context.Context, c table.Change) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if db.InTx(ctx) || h.tx == nil {
		return h.handle(ctx, c)
	}
	return h.tx.WithinTx(ctx, func(ctx context.Context) error { return h.handle(ctx, c) })
}

func (h *Handler) handle(ctx context.Context, c table.Change) error {
	webhooks, err := h.webhooks.ListEnabledByTable(ctx, c.Table)
	if err != nil {
		return fmt.Errorf("listing webhooks for %s: %w", c.Table, err)
	}
	if len(webhooks) == 0 {
		return nil
	}
	owner := h.scoper.ResolveChange(c.Table, c.Old, c.New)
	recordID := recordID(c.Record())
	now := h.now()

	var woken []string
	for _, w := range webhooks {
		if !w.Enabled || !w.Matches(c) {
			continue
		}
		if !w.EligibleFor(owner) {
			h.logger.Debug("changefeed: record not in webhook scope", "webhook_id", w.ID, "table", c.Table.String())
			continue
		}
		e, err := queuedomain.NewEvent(w.ID, c, recordID, now)
		if err != nil {
			return fmt.Errorf("encoding event for webhook %s: %w", w.ID, err)
		}
		if err := h.queue.Enqueue(ctx, e); err != nil {
			return fmt.Errorf("enqueue for webhook %s: %w", w.ID, err)
		}
		woken = append(woken, w.ID)
	}

	if len(woken) > 0 && h.wake != nil {
		signalCtx := db.WithoutTx(context.WithoutCancel(ctx))
		db.AfterCommit(ctx, func() {
			for _, id := range woken {
				if err := h.wake.Publish(signalCtx, id); err != nil {
					h.logger.Warn("changefeed: wake signal failed", "webhook_id", id, "error", err)
				}
			}
		})
	}
	return nil
}

func recordID(record map[string]any) string {
	v, ok := record["id"]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	}
	return fmt.Sprint(v)
}
