// Package audit records authorization decisions and delivery outcomes in an append-only log.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wayli-app/fluxbase-sub006/internal/audit/domain"
	auditrepo "github.com/wayli-app/fluxbase-sub006/internal/audit/repository"
	"github.com/wayli-app/fluxbase-sub006/internal/telemetry"
)

const (
	defaultBufferSize    = 1024
	defaultFlushInterval = time.Second
	defaultBatchSize     = 200
)

// Options tunes the Logger's buffering.
type Options struct {
	BufferSize    int
	FlushInterval time.Duration
	BatchSize     int
	// Emitter receives a copy of every denial and delivery failure. May be nil.
	Emitter telemetry.EventEmitter
	Logger  *slog.Logger
}

// Logger writes audit entries. Denials are written synchronously so they are durable before the
// caller observes the decision. Allowed decisions and delivery outcomes are buffered and written
// in batches by Run.
type Logger struct {
	repo    auditrepo.Repository
	emitter telemetry.EventEmitter
	logger  *slog.Logger

	buf           chan *domain.AuditLog
	flushInterval time.Duration
	batchSize     int

	flushMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// NewLogger returns a Logger persisting to repo.
func NewLogger(repo auditrepo.Repository, opts Options) *Logger {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Logger{
		repo:          repo,
		emitter:       opts.Emitter,
		logger:        opts.Logger,
		buf:           make(chan *domain.AuditLog, opts.BufferSize),
		flushInterval: opts.FlushInterval,
		batchSize:     opts.BatchSize,
		done:          make(chan struct{}),
	}
}

// Record writes one entry. A denial is persisted before Record returns and its write error is
// returned. Other entries are buffered; when the buffer is full they are written inline.
func (l *Logger) Record(ctx context.Context, e *domain.AuditLog) error {
	prepare(e)
	if e.Category == domain.CategoryDecision && !e.Allowed {
		err := l.repo.Create(context.WithoutCancel(ctx), e)
		if err != nil {
			l.logger.ErrorContext(ctx, "audit: denial write failed",
				"table", e.Table, "operation", e.Operation, "role", e.Role, "error", err)
			err = fmt.Errorf("audit denial: %w", err)
		}
		telemetry.EmitAsync(l.emitter, eventFor("policy.denied", e))
		return err
	}
	select {
	case l.buf <- e:
		return nil
	default:
	}
	if err := l.repo.Create(context.WithoutCancel(ctx), e); err != nil {
		l.logger.WarnContext(ctx, "audit: inline write failed", "category", e.Category, "error", err)
		return err
	}
	return nil
}

// Run flushes buffered entries every FlushInterval until ctx is done, then flushes what remains.
func (l *Logger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Flush(context.Background())
			return
		case <-l.done:
			return
		case <-ticker.C:
			l.Flush(ctx)
		}
	}
}

// Flush drains the buffer and writes it in batches. Failed batches are logged and dropped;
// they only ever contain allowed decisions and delivery outcomes.
func (l *Logger) Flush(ctx context.Context) {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	batch := make([]*domain.AuditLog, 0, l.batchSize)
	write := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.repo.CreateBatch(ctx, batch); err != nil {
			l.logger.ErrorContext(ctx, "audit: batch write failed", "entries", len(batch), "error", err)
		}
		batch = batch[:0]
	}
	for {
		select {
		case e := <-l.buf:
			batch = append(batch, e)
			if len(batch) >= l.batchSize {
				write()
			}
		default:
			write()
			return
		}
	}
}

// Close stops Run and flushes remaining entries.
func (l *Logger) Close(ctx context.Context) {
	l.once.Do(func() { close(l.done) })
	l.Flush(ctx)
}

// Query returns entries matching f, newest first.
func (l *Logger) Query(ctx context.Context, f domain.Filter) ([]*domain.AuditLog, error) {
	if f.Limit > 1000 {
		f.Limit = 1000
	}
	return l.repo.Query(ctx, f)
}

// DeliveryOutcome describes one finished delivery attempt.
type DeliveryOutcome struct {
	WebhookID string
	EventID   string
	Table     string
	EventType string
	Attempt   int
	// Status is delivered, retry, or failed.
	Status     string
	StatusCode int
	Duration   time.Duration
	Error      string
}

// RecordDelivery buffers a delivery outcome. Failed outcomes are also emitted as telemetry events.
func (l *Logger) RecordDelivery(ctx context.Context, o DeliveryOutcome) {
	details := fmt.Sprintf("webhook=%s event=%s attempt=%d status=%s", o.WebhookID, o.EventID, o.Attempt, o.Status)
	if o.StatusCode != 0 {
		details += " http=" + strconv.Itoa(o.StatusCode)
	}
	if o.Error != "" {
		details += " error=" + o.Error
	}
	e := &domain.AuditLog{
		Category:        domain.CategoryDelivery,
		Role:            "service",
		Operation:       o.EventType,
		Table:           o.Table,
		Allowed:         o.Status == "delivered",
		RowCount:        1,
		RequestID:       o.EventID,
		ExecutionTimeMs: float64(o.Duration) / float64(time.Millisecond),
		Details:         details,
	}
	if err := l.Record(ctx, e); err != nil {
		l.logger.WarnContext(ctx, "audit: delivery outcome not recorded", "event_id", o.EventID, "error", err)
	}
	if o.Status == "failed" {
		telemetry.EmitAsync(l.emitter, eventFor("webhook.failed", e))
	}
}

func prepare(e *domain.AuditLog) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Category == "" {
		e.Category = domain.CategoryDecision
	}
}

func eventFor(name string, e *domain.AuditLog) telemetry.Event {
	return telemetry.Event{
		Name:      name,
		Timestamp: e.CreatedAt,
		Attributes: map[string]string{
			"audit_id":   e.ID,
			"actor_id":   e.ActorID,
			"role":       e.Role,
			"operation":  e.Operation,
			"table":      e.Table,
			"request_id": e.RequestID,
			"details":    e.Details,
		},
	}
}
