package interceptors

import (
	"context"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wayli-app/fluxbase-sub006/internal/actor"
	"github.com/wayli-app/fluxbase-sub006/internal/telemetry"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []telemetry.Event
	got    chan struct{}
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{got: make(chan struct{}, 8)}
}

func (r *recordingEmitter) Emit(_ context.Context, e telemetry.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func TestTelemetryUnary_EmitsRequestEvent(t *testing.T) {
	em := newRecordingEmitter()
	interceptor := TelemetryUnary(em, nil)
	ctx := actor.WithActor(context.Background(), actor.Actor{ID: "u1", Role: actor.RoleAuthenticated, RequestID: "req-1"})

	_, err := interceptor(ctx, "request", testInfo, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.PermissionDenied, "no")
	})
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("err = %v", err)
	}

	select {
	case <-em.got:
	case <-time.After(2 * time.Second):
		t.Fatal("no event emitted")
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	e := em.events[0]
	if e.Name != "grpc_request" {
		t.Errorf("Name = %q", e.Name)
	}
	want := map[string]string{
		"full_method": testInfo.FullMethod,
		"status_code": codes.PermissionDenied.String(),
		"actor_role":  "authenticated",
		"actor_id":    "u1",
		"request_id":  "req-1",
	}
	for k, v := range want {
		if e.Attributes[k] != v {
			t.Errorf("attr %s = %q, want %q", k, e.Attributes[k], v)
		}
	}
}

func TestTelemetryUnary_SkipAndNil(t *testing.T) {
	em := newRecordingEmitter()
	skip := TelemetryUnary(em, map[string]bool{testInfo.FullMethod: true})
	handler := func(context.Context, any) (any, error) { return "ok", nil }
	if _, err := skip(context.Background(), "request", testInfo, handler); err != nil {
		t.Fatal(err)
	}
	if _, err := TelemetryUnary(nil, nil)(context.Background(), "request", &grpc.UnaryServerInfo{FullMethod: "/x/Y"}, handler); err != nil {
		t.Fatal(err)
	}
	select {
	case <-em.got:
		t.Fatal("skipped method should not emit")
	case <-time.After(50 * time.Millisecond):
	}
}
