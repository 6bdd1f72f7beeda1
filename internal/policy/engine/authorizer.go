package engine

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	auditdomain "github.com/wayli-app/fluxbase-sub006/internal/audit/domain"
	"github.com/wayli-app/fluxbase-sub006/internal/policy/domain"
	"github.com/wayli-app/fluxbase-sub006/internal/table"
)

// AuditSink persists audit entries. Record must not return until a denial is durable.
type AuditSink interface {
	Record(ctx context.Context, e *auditdomain.AuditLog) error
}

// DecisionObserver receives one call per decision (metrics).
type DecisionObserver interface {
	ObserveDecision(ctx context.Context, role string, allowed bool)
}

// Options configures an Evaluator.
type Options struct {
	// ReadSampleRate is the fraction of audited SELECT allows that are recorded (0..1).
	ReadSampleRate float64
	Observer       DecisionObserver
	Logger         *slog.Logger
}

// Evaluator makes decisions with Decide and records them. Every denial is recorded;
// allowed decisions are recorded only when the request asks for it.
type Evaluator struct {
	rules    RuleSet
	audit    AuditSink
	sample   float64
	observer DecisionObserver
	logger   *slog.Logger
	random   func() float64
}

// NewEvaluator returns an Evaluator. audit may be nil, in which case nothing is recorded.
func NewEvaluator(rules RuleSet, audit AuditSink, opts Options) *Evaluator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Evaluator{
		rules:    rules,
		audit:    audit,
		sample:   min(max(opts.ReadSampleRate, 0), 1),
		observer: opts.Observer,
		logger:   opts.Logger,
		random:   rand.Float64,
	}
}

// Evaluate decides req synchronously. It never fails; a denial is durable in the audit log
// (or its write failure logged) before Evaluate returns.
func (e *Evaluator) Evaluate(ctx context.Context, req domain.Request) domain.Decision {
	start := time.Now()
	d := Decide(ctx, e.rules, req)
	if e.observer != nil {
		e.observer.ObserveDecision(ctx, string(req.Actor.Role), d.Allowed)
	}
	if e.shouldAudit(req, d) {
		entry := &auditdomain.AuditLog{
			Category:        auditdomain.CategoryDecision,
			ActorID:         req.Actor.ID,
			Role:            string(req.Actor.Role),
			Operation:       string(req.Op),
			Table:           req.Table.String(),
			Allowed:         d.Allowed,
			RowCount:        req.RowCount,
			RequestID:       req.Actor.RequestID,
			ExecutionTimeMs: float64(time.Since(start)) / float64(time.Millisecond),
			Details:         string(d.Tier) + ": " + d.Reason,
		}
		if err := e.audit.Record(ctx, entry); err != nil {
			e.logger.ErrorContext(ctx, "policy: audit record failed",
				"allowed", d.Allowed, "table", entry.Table, "operation", entry.Operation, "error", err)
		}
	}
	return d
}

// Authorize evaluates req and returns domain.ErrDenied when it is not allowed.
func (e *Evaluator) Authorize(ctx context.Context, req domain.Request) error {
	return e.Evaluate(ctx, req).Err()
}

func (e *Evaluator) shouldAudit(req domain.Request, d domain.Decision) bool {
	if e.audit == nil {
		return false
	}
	if !d.Allowed {
		return true
	}
	if !req.Audit {
		return false
	}
	if req.Op == table.OpSelect {
		return e.sample > 0 && e.random() < e.sample
	}
	return true
}
