package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"slices"
	"time"

	"github.com/wayli-app/fluxbase-sub006/internal/ownership"
	"github.com/wayli-app/fluxbase-sub006/internal/table"
)

// Defaults applied by Normalize.
const (
	DefaultTimeoutSeconds    = 30
	DefaultMaxRetries        = 3
	DefaultBackoffSeconds    = 5
	DefaultMaxBackoffSeconds = 3600
)

var (
	ErrInvalidWebhook = errors.New("invalid webhook")
	ErrNotFound       = errors.New("webhook not found")
)

// EventFilter selects mutations by table and operation. Table may be table.Any and Operations
// may contain table.OpAny. Condition is an optional CEL expression over the change.
type EventFilter struct {
	Table      table.Ref
	Operations []table.Operation
	Condition  string
}

// Covers reports whether the filter's table and operation patterns match.
func (f EventFilter) Covers(ref table.Ref, op table.Operation) bool {
	if !f.Table.Matches(ref) {
		return false
	}
	return slices.ContainsFunc(f.Operations, func(o table.Operation) bool {
		return table.MatchOperation(o, op)
	})
}

type filterJSON struct {
	Table      string   `json:"table"`
	Operations []string `json:"operations"`
	Condition  string   `json:"condition,omitempty"`
}

func (f EventFilter) MarshalJSON() ([]byte, error) {
	ops := make([]string, len(f.Operations))
	for i, o := range f.Operations {
		ops[i] = string(o)
	}
	return json.Marshal(filterJSON{Table: f.Table.String(), Operations: ops, Condition: f.Condition})
}

func (f *EventFilter) UnmarshalJSON(b []byte) error {
	var raw filterJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	ref, err := table.ParseRef(raw.Table)
	if err != nil {
		return err
	}
	ops := make([]table.Operation, 0, len(raw.Operations))
	for _, s := range raw.Operations {
		op, err := table.ParseOperation(s)
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}
	*f = EventFilter{Table: ref, Operations: ops, Condition: raw.Condition}
	return nil
}

// RetryPolicy bounds redelivery of failed events.
type RetryPolicy struct {
	MaxRetries        int
	BackoffSeconds    int
	MaxBackoffSeconds int
}

// Delay returns the wait before retry number attempt (1-based): min(base*2^(attempt-1), cap).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := time.Duration(max(p.BackoffSeconds, 1)) * time.Second
	ceiling := time.Duration(p.MaxBackoffSeconds) * time.Second
	if ceiling < base {
		ceiling = base
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift >= 62 || base > time.Duration(math.MaxInt64>>shift) {
		return ceiling
	}
	return min(base<<shift, ceiling)
}

// Webhook is a registered subscriber. CreatedBy is empty for legacy webhooks.
type Webhook struct {
	ID             string
	Name           string
	URL            string
	Enabled        bool
	Scope          ownership.Scope
	CreatedBy      string
	Events         []EventFilter
	Secret         string
	Headers        map[string]string
	TimeoutSeconds int
	Retry          RetryPolicy
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Normalize fills zero-valued settings with defaults.
func (w *Webhook) Normalize() {
	if w.Scope == "" {
		w.Scope = ownership.ScopeUser
	}
	if w.TimeoutSeconds <= 0 {
		w.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if w.Retry.BackoffSeconds <= 0 {
		w.Retry.BackoffSeconds = DefaultBackoffSeconds
	}
	if w.Retry.MaxBackoffSeconds <= 0 {
		w.Retry.MaxBackoffSeconds = DefaultMaxBackoffSeconds
	}
	if w.Retry.MaxRetries < 0 {
		w.Retry.MaxRetries = 0
	}
	for i := range w.Events {
		if len(w.Events[i].Operations) == 0 {
			w.Events[i].Operations = []table.Operation{table.OpAny}
		}
	}
}

// Validate checks configuration that would make delivery impossible and compiles conditions.
func (w *Webhook) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidWebhook)
	}
	if err := ValidateURL(w.URL); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if w.Scope != ownership.ScopeGlobal && w.Scope != ownership.ScopeUser {
		return fmt.Errorf("%w: scope %q", ErrInvalidWebhook, w.Scope)
	}
	for _, f := range w.Events {
		if f.Table.IsZero() {
			return fmt.Errorf("%w: event filter without table", ErrInvalidWebhook)
		}
		for _, op := range f.Operations {
			if op != table.OpAny && !op.IsMutation() {
				return fmt.Errorf("%w: operation %q cannot be watched", ErrInvalidWebhook, op)
			}
		}
		if f.Condition != "" {
			if _, err := compileCondition(f.Condition); err != nil {
				return fmt.Errorf("%w: condition %q: %v", ErrInvalidWebhook, f.Condition, err)
			}
		}
	}
	return nil
}

// ValidateURL requires an absolute http or https URL.
func ValidateURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url %q must be absolute http(s)", raw)
	}
	return nil
}

// WatchedTables returns the distinct table patterns the webhook needs hooks on.
// A disabled webhook watches nothing.
func (w *Webhook) WatchedTables() []table.Ref {
	if w == nil || !w.Enabled {
		return nil
	}
	seen := make(map[table.Ref]bool, len(w.Events))
	var out []table.Ref
	for _, f := range w.Events {
		if !seen[f.Table] {
			seen[f.Table] = true
			out = append(out, f.Table)
		}
	}
	return out
}

// Matches reports whether any filter covers the change and its condition (if any) holds.
// A condition that fails to evaluate counts as a match.
func (w *Webhook) Matches(c table.Change) bool {
	for _, f := range w.Events {
		if !f.Covers(c.Table, c.Op) {
			continue
		}
		if f.Condition == "" {
			return true
		}
		ok, err := EvalCondition(f.Condition, c)
		if err != nil || ok {
			return true
		}
	}
	return false
}

// EligibleFor reports whether the webhook's scope admits a record owned by owner.
func (w *Webhook) EligibleFor(owner string) bool {
	return ownership.IsEligible(w.Scope, w.CreatedBy, owner)
}
