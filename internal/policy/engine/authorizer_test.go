package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/wayli-app/fluxbase-sub006/internal/actor"
	auditdomain "github.com/wayli-app/fluxbase-sub006/internal/audit/domain"
	"github.com/wayli-app/fluxbase-sub006/internal/policy/domain"
	"github.com/wayli-app/fluxbase-sub006/internal/table"
)

type mockSink struct {
	mu      sync.Mutex
	entries []*auditdomain.AuditLog
	err     error
}

func (m *mockSink) Record(ctx context.Context, e *auditdomain.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return m.err
}

type countingObserver struct {
	calls, allowed int
}

func (c *countingObserver) ObserveDecision(ctx context.Context, role string, allowed bool) {
	c.calls++
	if allowed {
		c.allowed++
	}
}

// Scenario: anonymous signup insert on an allow-listed table.
func TestEvaluator_AnonSignupInsertAllowed(t *testing.T) {
	sink := &mockSink{}
	e := NewEvaluator(testRules(), sink, Options{})
	d := e.Evaluate(context.Background(), domain.Request{Actor: actor.Anon(), Table: profiles, Op: table.OpInsert})
	if !d.Allowed || d.Tier != domain.TierAnon {
		t.Fatalf("decision = %+v, want anon allow", d)
	}
	if len(sink.entries) != 0 {
		t.Errorf("unaudited allow recorded %d entries", len(sink.entries))
	}
}

// Scenario: U1 updates a row owned by U2 without an admin role.
func TestEvaluator_CrossOwnerUpdateDeniedAndAudited(t *testing.T) {
	sink := &mockSink{}
	e := NewEvaluator(testRules(), sink, Options{})
	req := domain.Request{
		Actor: actor.Actor{ID: "u1", Role: actor.RoleAuthenticated, RequestID: "req-7"},
		Table: orders, Op: table.OpUpdate, Owner: "u2",
	}
	err := e.Authorize(context.Background(), req)
	if !errors.Is(err, domain.ErrDenied) {
		t.Fatalf("Authorize err = %v, want ErrDenied", err)
	}
	if len(sink.entries) != 1 {
		t.Fatalf("denial produced %d audit entries, want exactly 1", len(sink.entries))
	}
	got := sink.entries[0]
	if got.Allowed || got.Role != "authenticated" || got.ActorID != "u1" || got.Table != "public.orders" ||
		got.Operation != "UPDATE" || got.RequestID != "req-7" || got.Category != auditdomain.CategoryDecision {
		t.Errorf("audit entry = %+v", got)
	}
}

func TestEvaluator_EveryDenialAuditedOnce(t *testing.T) {
	sink := &mockSink{}
	e := NewEvaluator(testRules(), sink, Options{})
	reqs := []domain.Request{
		{Actor: actor.Anon(), Table: orders, Op: table.OpSelect},
		{Actor: actor.Anon(), Table: orders, Op: table.OpDelete, Audit: true},
		{Actor: actor.Actor{ID: "u1", Role: actor.RoleAuthenticated}, Table: orders, Op: table.OpUpdate, Owner: "u2"},
		{Actor: actor.Actor{ID: "a", Role: actor.RoleAdmin}, Table: secrets, Op: table.OpSelect, Owner: "u2"},
	}
	for _, r := range reqs {
		if e.Evaluate(context.Background(), r).Allowed {
			t.Fatalf("request %+v unexpectedly allowed", r)
		}
	}
	if len(sink.entries) != len(reqs) {
		t.Fatalf("entries = %d, want %d", len(sink.entries), len(reqs))
	}
	for _, en := range sink.entries {
		if en.Allowed {
			t.Errorf("entry %+v should be a denial", en)
		}
	}
}

func TestEvaluator_AuditFailureStillDenies(t *testing.T) {
	sink := &mockSink{err: errors.New("db down")}
	e := NewEvaluator(testRules(), sink, Options{})
	d := e.Evaluate(context.Background(), domain.Request{Actor: actor.Anon(), Table: orders, Op: table.OpDelete})
	if d.Allowed {
		t.Fatal("audit failure must not turn a deny into an allow")
	}
}

func TestEvaluator_AuditedAllows(t *testing.T) {
	sink := &mockSink{}
	obs := &countingObserver{}
	e := NewEvaluator(testRules(), sink, Options{ReadSampleRate: 0.5, Observer: obs})
	e.random = func() float64 { return 0.9 }
	svc := actor.Actor{Role: actor.RoleService}

	e.Evaluate(context.Background(), domain.Request{Actor: svc, Table: orders, Op: table.OpInsert, Audit: true})
	if len(sink.entries) != 1 || !sink.entries[0].Allowed {
		t.Fatalf("audited insert allow entries = %+v", sink.entries)
	}

	e.Evaluate(context.Background(), domain.Request{Actor: svc, Table: orders, Op: table.OpSelect, Audit: true})
	if len(sink.entries) != 1 {
		t.Fatalf("select above sample threshold should not be recorded, got %d", len(sink.entries))
	}

	e.random = func() float64 { return 0.1 }
	e.Evaluate(context.Background(), domain.Request{Actor: svc, Table: orders, Op: table.OpSelect, Audit: true})
	if len(sink.entries) != 2 {
		t.Fatalf("sampled select should be recorded, got %d", len(sink.entries))
	}
	if obs.calls != 3 || obs.allowed != 3 {
		t.Errorf("observer calls = %d allowed = %d", obs.calls, obs.allowed)
	}
}

func TestEvaluator_NilSink(t *testing.T) {
	e := NewEvaluator(testRules(), nil, Options{})
	if e.Evaluate(context.Background(), domain.Request{Actor: actor.Anon(), Table: orders, Op: table.OpDelete}).Allowed {
		t.Fatal("expected deny")
	}
}
