package observability

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"transcript-relay-service/internal/observability/logging"
	"transcript-relay-service/internal/observability/metrics"
)

// UnaryServerInterceptor logs and counts unary calls such as health Check.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observeRPC(ctx, info.FullMethod, err, time.Since(start), "gRPC unary call")
		return resp, err
	}
}

// StreamServerInterceptor logs and counts streaming calls such as health Watch.
func StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		err := handler(srv, ss)
		observeRPC(ss.Context(), info.FullMethod, err, time.Since(start), "gRPC stream completed")
		return err
	}
}

func observeRPC(ctx context.Context, method string, err error, d time.Duration, msg string) {
	code := status.Code(err)
	metrics.DefaultMetrics.RecordGRPCCall(method, code.String())

	logger := logging.WithComponent("grpc")
	ev := logger.Debug()
	if code != codes.OK && code != codes.Canceled {
		ev = logger.Warn().Err(err)
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		ev = ev.Str("peer", p.Addr.String())
	}
	ev.Str("method", method).
		Str("code", code.String()).
		Dur("duration", d).
		Msg(msg)
}
