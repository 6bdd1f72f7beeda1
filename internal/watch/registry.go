package watch

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/wayli-app/fluxbase-sub006/internal/db"
	"github.com/wayli-app/fluxbase-sub006/internal/table"
	"github.com/wayli-app/fluxbase-sub006/internal/telemetry/otel"
)

const defaultRaceRetries = 5

// Options configures a Registry.
type Options struct {
	Metrics     *otel.Metrics
	Logger      *slog.Logger
	RaceRetries int
}

// Registry reference-counts watchers per table and keeps the dispatcher's hooks in step
// with the committed counts: a hook is installed iff the table's count is above zero.
type Registry struct {
	store   Store
	tx      db.Transactor
	hooks   *Dispatcher
	metrics *otel.Metrics
	logger  *slog.Logger
	retries int

	refreshMu sync.Mutex
}

func NewRegistry(store Store, tx db.Transactor, hooks *Dispatcher, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RaceRetries <= 0 {
		opts.RaceRetries = defaultRaceRetries
	}
	return &Registry{
		store:   store,
		tx:      tx,
		hooks:   hooks,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		retries: opts.RaceRetries,
	}
}

// Atomically runs fn in a transaction. Inside an existing transaction fn joins it;
// otherwise a ErrSubscriptionRace from fn restarts the whole transaction.
func (r *Registry) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	if db.InTx(ctx) {
		return fn(ctx)
	}
	var err error
	for attempt := 1; attempt <= r.retries; attempt++ {
		err = r.tx.WithinTx(ctx, fn)
		if !errors.Is(err, ErrSubscriptionRace) {
			return err
		}
		r.logger.Debug("watch: retrying after counter conflict", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return err
}

// Subscribe adds one watcher to ref.
func (r *Registry) Subscribe(ctx context.Context, ref table.Ref) error {
	return r.Atomically(ctx, func(ctx context.Context) error {
		return r.adjust(ctx, ref, 1)
	})
}

// Unsubscribe removes one watcher from ref.
func (r *Registry) Unsubscribe(ctx context.Context, ref table.Ref) error {
	return r.Atomically(ctx, func(ctx context.Context) error {
		return r.adjust(ctx, ref, -1)
	})
}

// Reconcile moves one subscriber's watched set from before to after: tables only in after
// are subscribed, tables only in before are unsubscribed. Duplicates are ignored.
func (r *Registry) Reconcile(ctx context.Context, before, after []table.Ref) error {
	deltas := make(map[table.Ref]int)
	for _, ref := range dedupe(before) {
		deltas[ref]--
	}
	for _, ref := range dedupe(after) {
		deltas[ref]++
	}
	refs := make([]table.Ref, 0, len(deltas))
	for ref, d := range deltas {
		if d != 0 {
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return nil
	}
	// Fixed lock order across concurrent reconciliations.
	slices.SortFunc(refs, compareRefs)
	return r.Atomically(ctx, func(ctx context.Context) error {
		for _, ref := range refs {
			if err := r.adjust(ctx, ref, deltas[ref]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Registry) adjust(ctx context.Context, ref table.Ref, delta int) error {
	n, err := r.store.Adjust(ctx, ref, delta)
	if err != nil {
		return err
	}
	r.logger.Debug("watch: watcher count changed", "table", ref.String(), "delta", delta, "count", n)
	detached := db.WithoutTx(context.WithoutCancel(ctx))
	db.AfterCommit(ctx, func() { r.refresh(detached, ref) })
	return nil
}

// refresh sets the hook for ref from the committed count.
func (r *Registry) refresh(ctx context.Context, ref table.Ref) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	n, err := r.store.Count(ctx, ref)
	if err != nil {
		r.logger.Error("watch: reading watcher count", "table", ref.String(), "error", err)
		return
	}
	r.apply(ctx, ref, n > 0)
}

func (r *Registry) apply(ctx context.Context, ref table.Ref, want bool) {
	if want {
		if r.hooks.Install(ref) {
			r.metrics.HookInstalled(ctx, true)
			r.logger.Info("watch: hook installed", "table", ref.String())
		}
		return
	}
	if r.hooks.Remove(ref) {
		r.metrics.HookInstalled(ctx, false)
		r.logger.Info("watch: hook removed", "table", ref.String())
	}
}

// Sync makes the installed hooks match the stored counts. Called at startup.
func (r *Registry) Sync(ctx context.Context) error {
	counts, err := r.store.List(ctx)
	if err != nil {
		return err
	}
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	for _, ref := range r.hooks.Hooks() {
		if counts[ref] <= 0 {
			r.apply(ctx, ref, false)
		}
	}
	for ref, n := range counts {
		if n > 0 {
			r.apply(ctx, ref, true)
		}
	}
	return nil
}

// Count returns the committed watcher count for ref.
func (r *Registry) Count(ctx context.Context, ref table.Ref) (int, error) {
	return r.store.Count(ctx, ref)
}

func dedupe(refs []table.Ref) []table.Ref {
	seen := make(map[table.Ref]bool, len(refs))
	out := refs[:0:0]
	for _, ref := range refs {
		if !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	return out
}
