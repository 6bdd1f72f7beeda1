package watch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/wayli-app/fluxbase-sub006/internal/db"
	"github.com/wayli-app/fluxbase-sub006/internal/table"
)

var (
	orders   = table.NewRef("public", "orders")
	profiles = table.NewRef("public", "profiles")
)

func newTestRegistry(store Store) (*Registry, *Dispatcher) {
	hooks := NewDispatcher(nil)
	return NewRegistry(store, db.NewMemoryTransactor(), hooks, Options{}), hooks
}

// assertInvariant checks that every table has a hook iff its count is positive.
func assertInvariant(t *testing.T, r *Registry, hooks *Dispatcher, refs ...table.Ref) {
	t.Helper()
	for _, ref := range refs {
		n, err := r.Count(context.Background(), ref)
		if err != nil {
			t.Fatalf("Count(%s): %v", ref, err)
		}
		if (n > 0) != hooks.Installed(ref) {
			t.Errorf("%s: count=%d installed=%v", ref, n, hooks.Installed(ref))
		}
	}
}

func TestRegistry_SubscribeUnsubscribe(t *testing.T) {
	ctx := context.Background()
	r, hooks := newTestRegistry(NewMemoryStore())

	if err := r.Subscribe(ctx, orders); err != nil {
		t.Fatal(err)
	}
	if !hooks.Installed(orders) {
		t.Fatal("first subscriber should install the hook")
	}
	if err := r.Subscribe(ctx, orders); err != nil {
		t.Fatal(err)
	}
	if err := r.Unsubscribe(ctx, orders); err != nil {
		t.Fatal(err)
	}
	if !hooks.Installed(orders) {
		t.Fatal("hook removed while a subscriber remains")
	}
	if err := r.Unsubscribe(ctx, orders); err != nil {
		t.Fatal(err)
	}
	if hooks.Installed(orders) {
		t.Fatal("last unsubscribe should remove the hook")
	}
	if err := r.Unsubscribe(ctx, orders); !errors.Is(err, ErrNotWatched) {
		t.Fatalf("extra Unsubscribe = %v, want ErrNotWatched", err)
	}
	assertInvariant(t, r, hooks, orders)
}

func TestRegistry_Reconcile(t *testing.T) {
	ctx := context.Background()
	r, hooks := newTestRegistry(NewMemoryStore())

	steps := []struct {
		name          string
		before, after []table.Ref
	}{
		{"create", nil, []table.Ref{orders, orders}},
		{"add table", []table.Ref{orders}, []table.Ref{orders, profiles}},
		{"swap", []table.Ref{orders, profiles}, []table.Ref{profiles, table.Any}},
		{"no change", []table.Ref{profiles, table.Any}, []table.Ref{table.Any, profiles}},
		{"delete", []table.Ref{profiles, table.Any}, nil},
	}
	for _, s := range steps {
		if err := r.Reconcile(ctx, s.before, s.after); err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		assertInvariant(t, r, hooks, orders, profiles, table.Any)
	}
	if got := hooks.Hooks(); len(got) != 0 {
		t.Fatalf("hooks leaked: %v", got)
	}
}

func TestRegistry_ConcurrentSubscribers(t *testing.T) {
	ctx := context.Background()
	r, hooks := newTestRegistry(NewMemoryStore())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Subscribe(ctx, orders); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if n, _ := r.Count(ctx, orders); n != 50 {
		t.Fatalf("count = %d, want 50", n)
	}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Unsubscribe(ctx, orders); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	assertInvariant(t, r, hooks, orders)
	if hooks.Installed(orders) {
		t.Fatal("hook should be gone")
	}
}

type racyStore struct {
	*MemoryStore
	failures int
	calls    int
}

func (s *racyStore) Adjust(ctx context.Context, ref table.Ref, delta int) (int, error) {
	s.calls++
	if s.failures > 0 {
		s.failures--
		return 0, ErrSubscriptionRace
	}
	return s.MemoryStore.Adjust(ctx, ref, delta)
}

func TestRegistry_RetriesRace(t *testing.T) {
	store := &racyStore{MemoryStore: NewMemoryStore(), failures: 2}
	r, hooks := newTestRegistry(store)

	if err := r.Subscribe(context.Background(), orders); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if store.calls != 3 || !hooks.Installed(orders) {
		t.Fatalf("calls=%d installed=%v", store.calls, hooks.Installed(orders))
	}

	store.failures = 100
	if err := r.Subscribe(context.Background(), profiles); !errors.Is(err, ErrSubscriptionRace) {
		t.Fatalf("Subscribe = %v, want ErrSubscriptionRace after retries", err)
	}
}

func TestRegistry_HookWaitsForCommit(t *testing.T) {
	r, hooks := newTestRegistry(NewMemoryStore())
	tr := db.NewMemoryTransactor()
	err := tr.WithinTx(context.Background(), func(ctx context.Context) error {
		if err := r.Subscribe(ctx, orders); err != nil {
			return err
		}
		if hooks.Installed(orders) {
			t.Error("hook installed before commit")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !hooks.Installed(orders) {
		t.Fatal("hook not installed after commit")
	}
}

func TestRegistry_Sync(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, _ = store.Adjust(ctx, orders, 2)
	r, hooks := newTestRegistry(store)
	hooks.Install(profiles)

	if err := r.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	if !hooks.Installed(orders) || hooks.Installed(profiles) {
		t.Fatalf("hooks after Sync = %v", hooks.Hooks())
	}
}
