// Package notify carries wake-up signals from the change handler to delivery workers.
// Signals are hints: a lost signal only delays delivery until the next poll.
package notify

import (
	"context"
	"sync"
)

// DefaultSubjectPrefix is the NATS subject prefix; signals go to <prefix>.<webhookID>.
const DefaultSubjectPrefix = "fluxbase.webhooks"

// Bus publishes and receives webhook wake-up signals keyed by webhook ID.
type Bus interface {
	Publish(ctx context.Context, webhookID string) error
	// Subscribe delivers webhook IDs on the returned channel until cancel is called.
	Subscribe() (<-chan string, func(), error)
	Close() error
}

// Nop drops every signal. Used when no broker is configured and workers rely on polling.
type Nop struct{}

func (Nop) Publish(context.Context, string) error { return nil }

func (Nop) Subscribe() (<-chan string, func(), error) {
	ch := make(chan string)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }, nil
}

func (Nop) Close() error { return nil }

// Local fans signals out to in-process subscribers. Slow subscribers drop signals.
type Local struct {
	mu     sync.Mutex
	subs   map[int]chan string
	nextID int
}

func NewLocal() *Local {
	return &Local{subs: make(map[int]chan string)}
}

func (l *Local) Publish(_ context.Context, webhookID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- webhookID:
		default:
		}
	}
	return nil
}

func (l *Local) Subscribe() (<-chan string, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	ch := make(chan string, 64)
	l.subs[id] = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if _, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel, nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
	return nil
}
