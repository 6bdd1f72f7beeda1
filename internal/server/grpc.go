// Package server builds the gRPC server: actor resolution, error mapping, telemetry and the
// standard health service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/wayli-app/fluxbase-sub006/internal/server/interceptors"
	"github.com/wayli-app/fluxbase-sub006/internal/telemetry"
)

// Pinger reports database reachability (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker reports whether the policy rules compiled (e.g. *engine.RegoRules).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the server's collaborators. Only Resolver is required.
type Deps struct {
	Resolver interceptors.CredentialResolver
	// Emitter receives one grpc_request event per RPC. If nil, no events are emitted.
	Emitter telemetry.EventEmitter
	// Pinger is checked for readiness. If nil, the DB check is skipped.
	Pinger Pinger
	// PolicyChecker is checked for readiness. If nil, the policy check is skipped.
	PolicyChecker PolicyChecker
	Logger        *slog.Logger
}

// Server wraps a grpc.Server with its health service.
type Server struct {
	GRPC   *grpc.Server
	Health *health.Server

	pinger Pinger
	policy PolicyChecker
	logger *slog.Logger

	mu      sync.Mutex
	serving bool
}

// New returns a Server with the interceptor chain and health service registered. The health
// status starts as NOT_SERVING until CheckReadiness succeeds.
func New(deps Deps, opts ...grpc.ServerOption) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	skip := map[string]bool{healthpb.Health_Check_FullMethodName: true}
	opts = append(opts,
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.ActorUnary(deps.Resolver, deps.Logger),
			interceptors.TelemetryUnary(deps.Emitter, skip),
			interceptors.ErrorsUnary(),
		),
	)
	s := &Server{
		GRPC:   grpc.NewServer(opts...),
		Health: health.NewServer(),
		pinger: deps.Pinger,
		policy: deps.PolicyChecker,
		logger: deps.Logger,
	}
	healthpb.RegisterHealthServer(s.GRPC, s.Health)
	s.Health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// CheckReadiness pings the database and the policy rules and updates the health status.
func (s *Server) CheckReadiness(ctx context.Context) error {
	var errs []error
	if s.pinger != nil {
		if err := s.pinger.PingContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if s.policy != nil {
		if err := s.policy.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("policy: %w", err))
		}
	}
	err := errors.Join(errs...)
	serving := err == nil
	s.mu.Lock()
	defer s.mu.Unlock()
	if serving != s.serving {
		s.logger.InfoContext(ctx, "health status changed", "serving", serving, "error", err)
	}
	s.serving = serving
	status := healthpb.HealthCheckResponse_SERVING
	if !serving {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.Health.SetServingStatus("", status)
	return err
}

// WatchReadiness runs CheckReadiness every interval until ctx is done.
func (s *Server) WatchReadiness(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, interval)
			_ = s.CheckReadiness(checkCtx)
			cancel()
		}
	}
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	return s.GRPC.Serve(lis)
}

// Stop marks the server NOT_SERVING and waits for in-flight RPCs.
func (s *Server) Stop() {
	s.Health.Shutdown()
	s.GRPC.GracefulStop()
}
