package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/railsim/internal/config"
	"github.com/signalsfoundry/railsim/internal/logging"
	"github.com/signalsfoundry/railsim/internal/observability"
	"github.com/signalsfoundry/railsim/internal/sim"
)

type rpcTestEnv struct {
	ctx       context.Context
	engine    *sim.Engine
	client    *ControlClient
	health    healthpb.HealthClient
	collector *observability.ControlCollector
}

func newRPCTestEnv(t *testing.T) *rpcTestEnv {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

	engine, err := sim.New(config.DefaultSimulation(), logging.Noop())
	if err != nil {
		cancel()
		t.Fatalf("sim.New: %v", err)
	}
	collector, err := observability.NewControlCollector(prometheus.NewRegistry())
	if err != nil {
		cancel()
		t.Fatalf("NewControlCollector: %v", err)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		cancel()
		t.Fatalf("net.Listen: %v", err)
	}
	server := NewServer(engine, ServerOptions{Log: logging.Noop(), Collector: collector})
	go func() { _ = server.Serve(lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(RequestIDUnaryClientInterceptor()),
	)
	if err != nil {
		cancel()
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() {
		server.GracefulStop()
		_ = conn.Close()
		cancel()
	})

	return &rpcTestEnv{
		ctx:       ctx,
		engine:    engine,
		client:    NewControlClient(conn),
		health:    healthpb.NewHealthClient(conn),
		collector: collector,
	}
}

func TestControlServiceLifecycle(t *testing.T) {
	env := newRPCTestEnv(t)

	s, err := env.client.GetState(env.ctx)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if s.Running || s.Tick != 0 || len(s.Trains) != 3 || s.TrackStatus["B"] != "T2" {
		t.Fatalf("initial state = %+v", s)
	}

	if s, err = env.client.Start(env.ctx); err != nil || !s.Running {
		t.Fatalf("Start = %+v, %v", s, err)
	}
	for i := 0; i < 40; i++ {
		env.engine.Tick(env.ctx)
	}
	if s, err = env.client.Pause(env.ctx); err != nil || s.Running || s.Tick != 40 {
		t.Fatalf("Pause = %+v, %v", s, err)
	}
	if v, ok := s.Train("T3"); !ok || v.Speed != 35 {
		t.Fatalf("T3 view = %+v", v)
	}
	if s, err = env.client.Reset(env.ctx); err != nil || s.Tick != 0 || s.Phase != sim.PhaseStopped {
		t.Fatalf("Reset = %+v, %v", s, err)
	}
}

func TestSetModeStatusCodes(t *testing.T) {
	env := newRPCTestEnv(t)

	s, err := env.client.SetMode(env.ctx, "ordered")
	if err != nil || s.Mode != "ordered" {
		t.Fatalf("SetMode(ordered) = %+v, %v", s, err)
	}

	_, err = env.client.SetMode(env.ctx, "fifo")
	if code := status.Code(err); code != codes.InvalidArgument {
		t.Fatalf("SetMode(fifo) code = %v, want InvalidArgument", code)
	}

	if _, err := env.client.Start(env.ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err = env.client.SetMode(env.ctx, "centralized")
	if code := status.Code(err); code != codes.FailedPrecondition {
		t.Fatalf("SetMode while running code = %v, want FailedPrecondition", code)
	}

	if got := testutil.ToFloat64(env.collector.RPCRequests.WithLabelValues("ControlService", "SetMode", "FailedPrecondition")); got != 1 {
		t.Fatalf("failed SetMode count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(env.collector.RPCRequests.WithLabelValues("ControlService", "SetMode", "OK")); got != 1 {
		t.Fatalf("ok SetMode count = %v, want 1", got)
	}
}

func TestHealthService(t *testing.T) {
	env := newRPCTestEnv(t)
	resp, err := env.health.Check(env.ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("health Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("health status = %v", resp.GetStatus())
	}
}

func TestRequestIDInterceptorUsesMetadata(t *testing.T) {
	var seen string
	interceptor := RequestIDUnaryServerInterceptor(logging.Noop())
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(requestIDMetadataKey, "abc-123"))

	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: GetStateMethod}, func(ctx context.Context, req any) (any, error) {
		seen = logging.RequestIDFromContext(ctx)
		if logging.LoggerFromContext(ctx, nil) == nil {
			t.Errorf("request logger missing")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if seen != "abc-123" {
		t.Fatalf("request id = %q, want abc-123", seen)
	}
}

func TestRequestIDInterceptorGeneratesID(t *testing.T) {
	var seen string
	interceptor := RequestIDUnaryServerInterceptor(nil)
	_, _ = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: StartMethod}, func(ctx context.Context, req any) (any, error) {
		seen = logging.RequestIDFromContext(ctx)
		return nil, nil
	})
	if seen == "" {
		t.Fatalf("expected generated request id")
	}
}

func TestTracingInterceptorPassesErrors(t *testing.T) {
	interceptor := TracingUnaryServerInterceptor()
	want := status.Error(codes.FailedPrecondition, "running")
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: SetModeMethod}, func(ctx context.Context, req any) (any, error) {
		return nil, want
	})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestToStatusError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		code    codes.Code
		wantNil bool
	}{
		{name: "nil", err: nil, wantNil: true},
		{name: "status passthrough", err: status.Error(codes.PermissionDenied, "denied"), code: codes.PermissionDenied},
		{name: "running", err: sim.ErrRunning, code: codes.FailedPrecondition},
		{name: "wrapped invalid mode", err: fmt.Errorf("%w: %q", sim.ErrInvalidMode, "fifo"), code: codes.InvalidArgument},
		{name: "deadline", err: context.DeadlineExceeded, code: codes.DeadlineExceeded},
		{name: "fallback", err: errors.New("boom"), code: codes.Internal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ToStatusError(tc.err)
			if tc.wantNil {
				if got != nil {
					t.Fatalf("ToStatusError(nil) = %v, want nil", got)
				}
				return
			}
			if code := status.Code(got); code != tc.code {
				t.Fatalf("ToStatusError(%v) code = %v, want %v", tc.err, code, tc.code)
			}
		})
	}
}

func TestSnapshotStructRoundTrip(t *testing.T) {
	engine, err := sim.New(config.DefaultSimulation(), logging.Noop())
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	want := engine.Snapshot()
	st, err := EncodeSnapshot(want)
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	if st.GetFields()["trackStatus"].GetStructValue().GetFields()["C"].GetStringValue() != "T3" {
		t.Fatalf("trackStatus not encoded by JSON name: %v", st)
	}
	got, err := DecodeSnapshot(st)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if got.Mode != want.Mode || len(got.Tracks) != len(want.Tracks) || got.Tracks[0].Indicator != want.Tracks[0].Indicator {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}
