// Package interceptors holds the gRPC server interceptors: actor resolution, error mapping and
// request telemetry.
package interceptors

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"github.com/wayli-app/fluxbase-sub006/internal/actor"
)

const bearerPrefix = "bearer "

// Metadata keys read by ActorUnary.
const (
	MetadataAuthorization = "authorization"
	MetadataAPIKey        = "x-api-key"
	MetadataServiceKey    = "x-service-key"
	MetadataRequestID     = "x-request-id"
)

// CredentialResolver resolves request credentials to an actor.
type CredentialResolver interface {
	Resolve(ctx context.Context, c actor.Credentials) (actor.Actor, error)
}

// ActorUnary returns a unary server interceptor that resolves the caller from gRPC metadata and
// stores the Actor in the context with actor.WithActor. Missing credentials yield the anonymous
// actor. Credentials that fail to resolve also continue as anonymous; the failure is logged.
func ActorUnary(resolver CredentialResolver, logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		creds := credentialsFrom(ctx)
		a, err := resolver.Resolve(ctx, creds)
		if err != nil {
			if !errors.Is(err, actor.ErrUnauthenticated) {
				logger.ErrorContext(ctx, "actor resolution failed", "method", info.FullMethod, "error", err)
			} else {
				logger.WarnContext(ctx, "credentials rejected; continuing as anon",
					"method", info.FullMethod, "request_id", creds.RequestID, "client_ip", ClientIP(ctx), "error", err)
			}
			a = actor.Actor{Role: actor.RoleAnon, RequestID: creds.RequestID}
		}
		return handler(actor.WithActor(ctx, a), req)
	}
}

func credentialsFrom(ctx context.Context) actor.Credentials {
	c := actor.Credentials{
		BearerToken: extractBearer(ctx),
		APIKey:      firstValue(ctx, MetadataAPIKey),
		ServiceKey:  firstValue(ctx, MetadataServiceKey),
		RequestID:   firstValue(ctx, MetadataRequestID),
	}
	if c.RequestID == "" {
		c.RequestID = uuid.NewString()
	}
	return c
}

func firstValue(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get(key)
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

// extractBearer returns the Bearer token from ctx metadata, or "" if missing or malformed.
func extractBearer(ctx context.Context) string {
	v := firstValue(ctx, MetadataAuthorization)
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}

// ClientIP returns the client IP from gRPC metadata (x-forwarded-for, x-real-ip) or peer, or "unknown".
func ClientIP(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				if i := strings.Index(s, ","); i > 0 {
					s = strings.TrimSpace(s[:i])
				}
				return s
			}
		}
		if vals := md.Get("x-real-ip"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				return s
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}
