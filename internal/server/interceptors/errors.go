package interceptors

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wayli-app/fluxbase-sub006/internal/actor"
	policydomain "github.com/wayli-app/fluxbase-sub006/internal/policy/domain"
	webhookdomain "github.com/wayli-app/fluxbase-sub006/internal/webhook/domain"
)

// ErrorsUnary maps engine errors returned by handlers to gRPC status codes.
// Errors that already carry a status are passed through.
func ErrorsUnary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		return resp, ToStatus(err)
	}
}

// ToStatus converts err to a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, policydomain.ErrDenied):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, actor.ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, webhookdomain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, webhookdomain.ErrInvalidWebhook):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, "internal error")
}
