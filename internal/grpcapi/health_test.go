package grpcapi

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func startServer(t *testing.T, opts Options) (*Server, healthpb.HealthClient) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(opts)
	go srv.Serve(lis)
	t.Cleanup(func() { srv.Stop(context.Background()) })

	conn, err := grpc.Dial(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return srv, healthpb.NewHealthClient(conn)
}

func waitStatus(t *testing.T, client healthpb.HealthClient, service string, want healthpb.HealthCheckResponse_ServingStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last healthpb.HealthCheckResponse_ServingStatus
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		cancel()
		if err == nil {
			last = resp.GetStatus()
			if last == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("service %q: expected %s, last saw %s", service, want, last)
}

func TestHealthFollowsDispatchLoad(t *testing.T) {
	var overloaded atomic.Bool
	srv, client := startServer(t, Options{Overloaded: overloaded.Load, Interval: 5 * time.Millisecond})

	waitStatus(t, client, "", healthpb.HealthCheckResponse_NOT_SERVING)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Track(ctx)

	waitStatus(t, client, "", healthpb.HealthCheckResponse_SERVING)
	waitStatus(t, client, DispatchService, healthpb.HealthCheckResponse_SERVING)

	overloaded.Store(true)
	waitStatus(t, client, DispatchService, healthpb.HealthCheckResponse_NOT_SERVING)
	waitStatus(t, client, "", healthpb.HealthCheckResponse_SERVING)

	overloaded.Store(false)
	waitStatus(t, client, DispatchService, healthpb.HealthCheckResponse_SERVING)
}

func TestDrainReportsNotServing(t *testing.T) {
	srv, client := startServer(t, Options{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Track(ctx)
	waitStatus(t, client, DispatchService, healthpb.HealthCheckResponse_SERVING)

	srv.Drain()

	waitStatus(t, client, "", healthpb.HealthCheckResponse_NOT_SERVING)
	// ticks after a drain must not flip the status back
	time.Sleep(20 * time.Millisecond)
	waitStatus(t, client, DispatchService, healthpb.HealthCheckResponse_NOT_SERVING)
}

func TestUnknownService(t *testing.T) {
	_, client := startServer(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "nope"}); err == nil {
		t.Error("expected NotFound for an unregistered service")
	}
}
