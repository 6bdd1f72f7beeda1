package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/wayli-app/fluxbase-sub006/internal/audit"
	queuedomain "github.com/wayli-app/fluxbase-sub006/internal/queue/domain"
	"github.com/wayli-app/fluxbase-sub006/internal/telemetry/otel"
	webhookdomain "github.com/wayli-app/fluxbase-sub006/internal/webhook/domain"
)

// Outcome labels used in audit entries and metrics.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
)

const (
	defaultWorkers       = 8
	defaultPollInterval  = 2 * time.Second
	defaultLease         = 5 * time.Minute
	defaultShutdownGrace = 10 * time.Second
	defaultTimeout       = 30 * time.Second
)

// Queue is the subset of the event queue used by the pool.
type Queue interface {
	ReadyWebhooks(ctx context.Context, now time.Time, limit int) ([]string, error)
	ClaimNext(ctx context.Context, webhookID string, now time.Time) (*queuedomain.Event, error)
	MarkDelivered(ctx context.Context, id string, attempt int, at time.Time) error
	MarkRetry(ctx context.Context, id string, attempt int, next time.Time, errMsg string) error
	MarkFailed(ctx context.Context, id string, attempt int, errMsg string) error
	Release(ctx context.Context, id string) error
	RequeueExpired(ctx context.Context, cutoff time.Time) (int64, error)
	RecordAttempt(ctx context.Context, a *queuedomain.DeliveryAttempt) error
	Retry(ctx context.Context, id string, now time.Time) error
}

// WebhookSource looks up the current webhook configuration. It returns (nil, nil) for deleted webhooks.
type WebhookSource interface {
	GetByID(ctx context.Context, id string) (*webhookdomain.Webhook, error)
}

// OutcomeRecorder receives every finished attempt. Implemented by audit.Logger.
type OutcomeRecorder interface {
	RecordDelivery(ctx context.Context, o audit.DeliveryOutcome)
}

// Options configures a Pool. Zero values use defaults.
type Options struct {
	Workers        int
	PollInterval   time.Duration
	Lease          time.Duration
	ShutdownGrace  time.Duration
	DefaultTimeout time.Duration
	Audit          OutcomeRecorder
	Metrics        *otel.Metrics
	Logger         *slog.Logger
}

// Pool delivers queued events. At most one delivery per webhook is in flight; different webhooks
// are delivered in parallel up to Workers.
type Pool struct {
	queue    Queue
	webhooks WebhookSource
	sender   Sender
	audit    OutcomeRecorder
	metrics  *otel.Metrics
	logger   *slog.Logger

	pollInterval   time.Duration
	lease          time.Duration
	grace          time.Duration
	defaultTimeout time.Duration
	workers        int
	now            func() time.Time

	sem      *semaphore.Weighted
	mu       sync.Mutex
	inflight map[string]bool
	rerun    map[string]bool
	wg       sync.WaitGroup
}

func NewPool(queue Queue, webhooks WebhookSource, sender Sender, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Lease <= 0 {
		opts.Lease = defaultLease
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pool{
		queue:          queue,
		webhooks:       webhooks,
		sender:         sender,
		audit:          opts.Audit,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		pollInterval:   opts.PollInterval,
		lease:          opts.Lease,
		grace:          opts.ShutdownGrace,
		defaultTimeout: opts.DefaultTimeout,
		workers:        opts.Workers,
		now:            func() time.Time { return time.Now().UTC() },
		sem:            semaphore.NewWeighted(int64(opts.Workers)),
		inflight:       make(map[string]bool),
		rerun:          make(map[string]bool),
	}
}

// Run polls the queue and reacts to wake signals until ctx is done. In-flight deliveries then get
// ShutdownGrace to finish; anything still running is cancelled and its event released to pending.
func (p *Pool) Run(ctx context.Context, wake <-chan string) error {
	workCtx, hardStop := context.WithCancel(context.WithoutCancel(ctx))
	defer hardStop()

	p.recoverLeases(workCtx)
	p.poll(workCtx)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	leaseTicker := time.NewTicker(p.lease / 2)
	defer leaseTicker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			p.poll(workCtx)
		case <-leaseTicker.C:
			p.recoverLeases(workCtx)
		case id, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			p.start(workCtx, id)
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.grace):
		p.logger.Warn("delivery: shutdown grace elapsed, cancelling in-flight deliveries")
		hardStop()
		<-done
	}
	return nil
}

// Wait blocks until all started webhook drains have finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) poll(ctx context.Context) {
	ids, err := p.queue.ReadyWebhooks(ctx, p.now(), p.workers*4)
	if err != nil {
		p.logger.Error("delivery: listing ready webhooks", "error", err)
		return
	}
	for _, id := range ids {
		p.start(ctx, id)
	}
}

func (p *Pool) recoverLeases(ctx context.Context) {
	n, err := p.queue.RequeueExpired(ctx, p.now().Add(-p.lease))
	if err != nil {
		p.logger.Error("delivery: requeueing expired claims", "error", err)
		return
	}
	if n > 0 {
		p.logger.Warn("delivery: requeued events with expired claims", "count", n)
	}
}

// start drains webhookID in the background unless no worker is free. A webhook already in
// flight is marked for another pass once its current drain ends. Skipped webhooks are picked up
// by the next poll.
func (p *Pool) start(ctx context.Context, webhookID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	if p.inflight[webhookID] {
		p.rerun[webhookID] = true
		return false
	}
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.inflight[webhookID] = true
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		for {
			p.drain(ctx, webhookID)
			p.mu.Lock()
			again := p.rerun[webhookID] && ctx.Err() == nil
			delete(p.rerun, webhookID)
			if !again {
				delete(p.inflight, webhookID)
			}
			p.mu.Unlock()
			if !again {
				return
			}
		}
	}()
	return true
}

// drain delivers the webhook's due events in queue order until none is claimable or an event
// had to be released. A released event waits for the next poll.
func (p *Pool) drain(ctx context.Context, webhookID string) {
	for ctx.Err() == nil {
		e, err := p.queue.ClaimNext(ctx, webhookID, p.now())
		if err != nil {
			p.logger.Error("delivery: claiming event", "webhook_id", webhookID, "error", err)
			return
		}
		if e == nil {
			return
		}
		if !p.deliver(ctx, e) {
			return
		}
	}
}

// deliver runs one attempt for a claimed event and records its outcome. It reports false when
// the event was released without an outcome.
func (p *Pool) deliver(ctx context.Context, e *queuedomain.Event) bool {
	// State transitions must land even when ctx is cancelled during shutdown.
	bg := context.WithoutCancel(ctx)
	attempt := e.Attempt + 1

	w, err := p.webhooks.GetByID(ctx, e.WebhookID)
	if err != nil {
		p.logger.Error("delivery: loading webhook", "webhook_id", e.WebhookID, "error", err)
		p.release(bg, e)
		return false
	}
	if w == nil || !w.Enabled {
		reason := "webhook deleted"
		if w != nil {
			reason = "webhook disabled"
		}
		// No attempt is consumed.
		p.finish(bg, e, e.Attempt, OutcomeFailed, Result{}, reason, func() error {
			return p.queue.MarkFailed(bg, e.ID, e.Attempt, reason)
		})
		return true
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout(w))
	res, sendErr := p.sender.Send(sendCtx, w, e, attempt)
	cancel()

	if sendErr != nil && ctx.Err() != nil {
		// Stopping: the attempt did not complete, so hand the event back untouched.
		p.release(bg, e)
		return false
	}

	if err := p.queue.RecordAttempt(bg, &queuedomain.DeliveryAttempt{
		EventID:      e.ID,
		WebhookID:    e.WebhookID,
		Attempt:      attempt,
		StatusCode:   res.StatusCode,
		DurationMs:   res.Duration.Milliseconds(),
		ResponseBody: res.Body,
		Error:        errString(sendErr),
		CreatedAt:    p.now(),
	}); err != nil {
		p.logger.Warn("delivery: recording attempt", "event_id", e.ID, "error", err)
	}

	now := p.now()
	switch {
	case sendErr == nil:
		p.finish(bg, e, attempt, OutcomeDelivered, res, "", func() error {
			return p.queue.MarkDelivered(bg, e.ID, attempt, now)
		})
	case IsFatal(sendErr):
		msg := sendErr.Error()
		p.finish(bg, e, attempt, OutcomeFailed, res, msg, func() error {
			return p.queue.MarkFailed(bg, e.ID, attempt, msg)
		})
	case attempt > w.Retry.MaxRetries:
		msg := fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, sendErr).Error()
		p.finish(bg, e, attempt, OutcomeFailed, res, msg, func() error {
			return p.queue.MarkFailed(bg, e.ID, attempt, msg)
		})
	default:
		msg := sendErr.Error()
		next := now.Add(w.Retry.Delay(attempt))
		p.finish(bg, e, attempt, OutcomeRetry, res, msg, func() error {
			return p.queue.MarkRetry(bg, e.ID, attempt, next, msg)
		})
	}
	return true
}

// sendTimeout is the webhook's timeout, kept under half the lease so a claim cannot expire and
// be handed to another worker while its send is still running.
func (p *Pool) sendTimeout(w *webhookdomain.Webhook) time.Duration {
	timeout := p.defaultTimeout
	if w.TimeoutSeconds > 0 {
		timeout = time.Duration(w.TimeoutSeconds) * time.Second
	}
	return min(timeout, p.lease/2)
}

func (p *Pool) finish(ctx context.Context, e *queuedomain.Event, attempt int, outcome string, res Result, msg string, transition func() error) {
	if err := transition(); err != nil {
		if errors.Is(err, queuedomain.ErrStaleClaim) {
			p.logger.Warn("delivery: claim lost before completion", "event_id", e.ID, "outcome", outcome)
		} else {
			p.logger.Error("delivery: updating event", "event_id", e.ID, "outcome", outcome, "error", err)
		}
		return
	}
	p.metrics.ObserveDelivery(ctx, outcome, res.Duration)
	level := slog.LevelInfo
	if outcome != OutcomeDelivered {
		level = slog.LevelWarn
	}
	p.logger.Log(ctx, level, "delivery: attempt finished",
		"event_id", e.ID, "webhook_id", e.WebhookID, "attempt", attempt, "outcome", outcome,
		"status_code", res.StatusCode, "error", msg)
	if p.audit != nil {
		p.audit.RecordDelivery(ctx, audit.DeliveryOutcome{
			WebhookID:  e.WebhookID,
			EventID:    e.ID,
			Table:      e.Table.String(),
			EventType:  string(e.Type),
			Attempt:    attempt,
			Status:     outcome,
			StatusCode: res.StatusCode,
			Duration:   res.Duration,
			Error:      msg,
		})
	}
}

// Redeliver resets a failed event to pending with a fresh attempt budget.
// The next poll picks it up, behind nothing older of the same webhook.
func (p *Pool) Redeliver(ctx context.Context, eventID string) error {
	if err := p.queue.Retry(ctx, eventID, p.now()); err != nil {
		return err
	}
	p.logger.Info("delivery: event queued for redelivery", "event_id", eventID)
	return nil
}

func (p *Pool) release(ctx context.Context, e *queuedomain.Event) {
	if err := p.queue.Release(ctx, e.ID); err != nil {
		p.logger.Error("delivery: releasing event", "event_id", e.ID, "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
