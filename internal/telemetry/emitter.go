package telemetry

import (
	"context"
	"time"
)

// Event is a structured record describing an engine outcome (a denial, a delivery result).
type Event struct {
	Name       string
	Timestamp  time.Time
	Attributes map[string]string
	Body       []byte
}

// EventEmitter emits engine events (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event Event) error
}

// Nop is an EventEmitter that drops everything.
type Nop struct{}

func (Nop) Emit(context.Context, Event) error { return nil }
