package grpcapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"transcript-relay-service/internal/observability"
)

func dial(t *testing.T, s *Server) grpc_health_v1.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return grpc_health_v1.NewHealthClient(conn)
}

func check(t *testing.T, c grpc_health_v1.HealthClient) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: observability.ServiceName})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	return resp.GetStatus()
}

func TestHealthFollowsPipeline(t *testing.T) {
	s := New()
	client := dial(t, s)
	h := observability.NewHealth(s.Health())

	if got := check(t, client); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("before start: got %v", got)
	}

	h.SetRunning(true)
	if got := check(t, client); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("running: got %v", got)
	}

	h.MarkFatal("consumer", errors.New("commit failed"))
	if got := check(t, client); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("after fatal: got %v", got)
	}
}
