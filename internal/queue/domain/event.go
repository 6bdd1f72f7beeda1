package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/wayli-app/fluxbase-sub006/internal/table"
)

// Status is the delivery state of a queued event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDelivering Status = "delivering"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further delivery will be attempted.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

var (
	// ErrStaleClaim is returned when a transition finds the event no longer in the claimed state.
	ErrStaleClaim = errors.New("queue: event is not claimed")
	// ErrNotRetryable is returned by Retry for events that are not failed.
	ErrNotRetryable = errors.New("queue: only failed events can be redelivered")
)

// Event is one pending notification of one mutation to one webhook.
// Seq orders events of the same webhook; it is assigned on enqueue.
type Event struct {
	ID           string
	Seq          int64
	WebhookID    string
	Type         table.Operation
	Table        table.Ref
	RecordID     string
	OldData      json.RawMessage
	NewData      json.RawMessage
	Status       Status
	Attempt      int
	NextRetryAt  time.Time
	ClaimedAt    *time.Time
	ErrorMessage string
	CreatedAt    time.Time
	DeliveredAt  *time.Time
}

// DeliveryAttempt is the history row written for every outbound request.
type DeliveryAttempt struct {
	ID           string
	EventID      string
	WebhookID    string
	Attempt      int
	StatusCode   int
	DurationMs   int64
	ResponseBody string
	Error        string
	CreatedAt    time.Time
}

// NewEvent builds a pending event for change c addressed to webhookID.
func NewEvent(webhookID string, c table.Change, recordID string, now time.Time) (*Event, error) {
	e := &Event{
		WebhookID:   webhookID,
		Type:        c.Op,
		Table:       c.Table,
		RecordID:    recordID,
		Status:      StatusPending,
		NextRetryAt: now,
		CreatedAt:   now,
	}
	var err error
	if c.Old != nil {
		if e.OldData, err = json.Marshal(c.Old); err != nil {
			return nil, err
		}
	}
	if c.New != nil {
		if e.NewData, err = json.Marshal(c.New); err != nil {
			return nil, err
		}
	}
	return e, nil
}
