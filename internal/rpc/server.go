package rpc

import (
	"context"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/signalsfoundry/railsim/internal/logging"
	"github.com/signalsfoundry/railsim/internal/observability"
	"github.com/signalsfoundry/railsim/internal/sim"
)

// Controller is the engine surface the service drives.
type Controller interface {
	Start(ctx context.Context) bool
	Pause(ctx context.Context) bool
	Reset(ctx context.Context)
	SetMode(ctx context.Context, mode string) error
	Snapshot() *sim.Snapshot
}

// ControlService implements ControlServer on top of the engine.
type ControlService struct {
	engine Controller
	log    logging.Logger
}

// NewControlService returns the gRPC control service.
func NewControlService(engine Controller, log logging.Logger) *ControlService {
	if log == nil {
		log = logging.Noop()
	}
	return &ControlService{engine: engine, log: log}
}

// Start implements ControlServer.
func (s *ControlService) Start(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.engine.Start(ctx)
	return s.state(ctx)
}

// Pause implements ControlServer.
func (s *ControlService) Pause(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.engine.Pause(ctx)
	return s.state(ctx)
}

// Reset implements ControlServer.
func (s *ControlService) Reset(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.engine.Reset(ctx)
	return s.state(ctx)
}

// GetState implements ControlServer.
func (s *ControlService) GetState(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return s.state(ctx)
}

// SetMode implements ControlServer.
func (s *ControlService) SetMode(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := s.engine.SetMode(ctx, req.GetValue()); err != nil {
		logging.LoggerFromContext(ctx, s.log).Debug(ctx, "mode change rejected",
			logging.String("mode", req.GetValue()), logging.Err(err))
		return nil, ToStatusError(err)
	}
	return s.state(ctx)
}

func (s *ControlService) state(ctx context.Context) (*structpb.Struct, error) {
	st, err := EncodeSnapshot(s.engine.Snapshot())
	if err != nil {
		logging.LoggerFromContext(ctx, s.log).Error(ctx, "snapshot encoding failed", logging.Err(err))
		return nil, ToStatusError(err)
	}
	return st, nil
}

// ServerOptions configure NewServer.
type ServerOptions struct {
	Log       logging.Logger
	Collector *observability.ControlCollector
	// Tracing installs the otelgrpc stats handler.
	Tracing bool
}

// NewServer builds a grpc.Server with the control and health services
// registered and the standard interceptor chain installed.
func NewServer(engine Controller, opts ServerOptions) *grpc.Server {
	log := opts.Log
	if log == nil {
		log = logging.Noop()
	}

	interceptors := []grpc.UnaryServerInterceptor{
		RequestIDUnaryServerInterceptor(log),
		TracingUnaryServerInterceptor(),
	}
	if opts.Collector != nil {
		interceptors = append(interceptors, opts.Collector.UnaryServerInterceptor())
	}
	serverOpts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(interceptors...)}
	if opts.Tracing {
		serverOpts = append(serverOpts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}

	server := grpc.NewServer(serverOpts...)
	RegisterControlServer(server, NewControlService(engine, log))

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server
}
