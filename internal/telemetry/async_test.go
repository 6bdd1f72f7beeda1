package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []Event
	err    error
	done   chan struct{}
}

func newCaptureEmitter() *captureEmitter {
	return &captureEmitter{done: make(chan struct{}, 8)}
}

func (c *captureEmitter) Emit(ctx context.Context, e Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	c.done <- struct{}{}
	return c.err
}

func TestEmitAsync_NilEmitter(t *testing.T) {
	EmitAsync(nil, Event{Name: "x"})
}

func TestEmitAsync_DeliversWithTimestamp(t *testing.T) {
	em := newCaptureEmitter()
	EmitAsync(em, Event{Name: "policy.denied", Attributes: map[string]string{"role": "anon"}})
	select {
	case <-em.done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit not called")
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	if len(em.events) != 1 || em.events[0].Name != "policy.denied" {
		t.Fatalf("events = %+v", em.events)
	}
	if em.events[0].Timestamp.IsZero() {
		t.Error("timestamp should be filled in")
	}
}

func TestEmitAsync_ErrorIsSwallowed(t *testing.T) {
	em := newCaptureEmitter()
	em.err = errors.New("collector down")
	EmitAsync(em, Event{Name: "x"})
	select {
	case <-em.done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit not called")
	}
}

func TestNop(t *testing.T) {
	if err := (Nop{}).Emit(context.Background(), Event{}); err != nil {
		t.Fatalf("Nop.Emit: %v", err)
	}
}
