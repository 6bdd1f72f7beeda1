package interceptors

import (
	"context"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/wayli-app/fluxbase-sub006/internal/actor"
	"github.com/wayli-app/fluxbase-sub006/internal/telemetry"
)

// TelemetryUnary returns a unary server interceptor that emits a grpc_request event after each RPC.
// Best-effort: the emit runs asynchronously and never fails the RPC. A nil emitter no-ops.
// skipMethods is the set of full method names to not emit (e.g. the health check).
func TelemetryUnary(emitter telemetry.EventEmitter, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if emitter == nil || skipMethods[info.FullMethod] {
			return resp, err
		}
		attrs := map[string]string{
			"full_method": info.FullMethod,
			"status_code": status.Code(err).String(),
			"duration_ms": strconv.FormatInt(time.Since(start).Milliseconds(), 10),
			"client_ip":   ClientIP(ctx),
		}
		if a, ok := actor.FromContext(ctx); ok {
			attrs["actor_role"] = string(a.Role)
			attrs["request_id"] = a.RequestID
			if a.ID != "" {
				attrs["actor_id"] = a.ID
			}
		}
		telemetry.EmitAsync(emitter, telemetry.Event{Name: "grpc_request", Attributes: attrs})
		return resp, err
	}
}
