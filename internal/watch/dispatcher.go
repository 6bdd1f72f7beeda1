package watch

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/wayli-app/fluxbase-sub006/internal/table"
)

// Handler processes a committed-in-transaction change for a watched table.
type Handler interface {
	Handle(ctx context.Context, c table.Change) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c table.Change) error

func (f HandlerFunc) Handle(ctx context.Context, c table.Change) error { return f(ctx, c) }

// Dispatcher is the in-process hook table. A change is passed to the single generic
// handler only when a hook is installed for its table or for table.Any.
type Dispatcher struct {
	mu      sync.RWMutex
	hooks   map[table.Ref]struct{}
	handler Handler
}

func NewDispatcher(h Handler) *Dispatcher {
	return &Dispatcher{hooks: make(map[table.Ref]struct{}), handler: h}
}

// Install reports whether the hook was newly added.
func (d *Dispatcher) Install(ref table.Ref) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.hooks[ref]; ok {
		return false
	}
	d.hooks[ref] = struct{}{}
	return true
}

// Remove reports whether a hook was removed.
func (d *Dispatcher) Remove(ref table.Ref) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.hooks[ref]; !ok {
		return false
	}
	delete(d.hooks, ref)
	return true
}

func (d *Dispatcher) Installed(ref table.Ref) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.hooks[ref]
	return ok
}

// Hooks returns installed hooks sorted by name.
func (d *Dispatcher) Hooks() []table.Ref {
	d.mu.RLock()
	out := make([]table.Ref, 0, len(d.hooks))
	for ref := range d.hooks {
		out = append(out, ref)
	}
	d.mu.RUnlock()
	slices.SortFunc(out, compareRefs)
	return out
}

func (d *Dispatcher) observes(ref table.Ref) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.hooks[ref]; ok {
		return true
	}
	_, ok := d.hooks[table.Any]
	return ok
}

// Dispatch is called by the mutation source inside the mutation's transaction.
// Changes on tables without a hook are ignored; a handler error aborts the mutation.
func (d *Dispatcher) Dispatch(ctx context.Context, c table.Change) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if d.handler == nil || !d.observes(c.Table) {
		return nil
	}
	return d.handler.Handle(ctx, c)
}

func compareRefs(a, b table.Ref) int {
	return cmp.Or(cmp.Compare(a.Schema, b.Schema), cmp.Compare(a.Name, b.Name))
}
