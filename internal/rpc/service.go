// Package rpc serves the simulation control surface over gRPC. Messages are
// protobuf well-known types, so no generated code is needed: commands take
// google.protobuf.Empty or StringValue and return the snapshot as a Struct.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/signalsfoundry/railsim/internal/sim"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "railsim.control.v1.ControlService"

// Full method names.
const (
	StartMethod    = "/" + ServiceName + "/Start"
	PauseMethod    = "/" + ServiceName + "/Pause"
	ResetMethod    = "/" + ServiceName + "/Reset"
	GetStateMethod = "/" + ServiceName + "/GetState"
	SetModeMethod  = "/" + ServiceName + "/SetMode"
)

// ControlServer is the server API for the control service.
type ControlServer interface {
	Start(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Pause(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Reset(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetState(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SetMode(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ControlServiceDesc, srv)
}

// ControlServiceDesc describes the control service for grpc.Server.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Start", Handler: emptyHandler(StartMethod, ControlServer.Start)},
		{MethodName: "Pause", Handler: emptyHandler(PauseMethod, ControlServer.Pause)},
		{MethodName: "Reset", Handler: emptyHandler(ResetMethod, ControlServer.Reset)},
		{MethodName: "GetState", Handler: emptyHandler(GetStateMethod, ControlServer.GetState)},
		{MethodName: "SetMode", Handler: setModeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "railsim/control/v1/control.proto",
}

type emptyCall func(ControlServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)

func emptyHandler(fullMethod string, call emptyCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func setModeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).SetMode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SetModeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).SetMode(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// ControlClient calls the control service over a client connection.
type ControlClient struct {
	cc grpc.ClientConnInterface
}

// NewControlClient wraps cc.
func NewControlClient(cc grpc.ClientConnInterface) *ControlClient {
	return &ControlClient{cc: cc}
}

// Start resumes the simulation.
func (c *ControlClient) Start(ctx context.Context, opts ...grpc.CallOption) (*sim.Snapshot, error) {
	return c.invoke(ctx, StartMethod, &emptypb.Empty{}, opts)
}

// Pause halts the simulation.
func (c *ControlClient) Pause(ctx context.Context, opts ...grpc.CallOption) (*sim.Snapshot, error) {
	return c.invoke(ctx, PauseMethod, &emptypb.Empty{}, opts)
}

// Reset restores the initial state.
func (c *ControlClient) Reset(ctx context.Context, opts ...grpc.CallOption) (*sim.Snapshot, error) {
	return c.invoke(ctx, ResetMethod, &emptypb.Empty{}, opts)
}

// GetState fetches the current snapshot.
func (c *ControlClient) GetState(ctx context.Context, opts ...grpc.CallOption) (*sim.Snapshot, error) {
	return c.invoke(ctx, GetStateMethod, &emptypb.Empty{}, opts)
}

// SetMode changes the arbitration mode.
func (c *ControlClient) SetMode(ctx context.Context, mode string, opts ...grpc.CallOption) (*sim.Snapshot, error) {
	return c.invoke(ctx, SetModeMethod, wrapperspb.String(mode), opts)
}

func (c *ControlClient) invoke(ctx context.Context, method string, in any, opts []grpc.CallOption) (*sim.Snapshot, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return DecodeSnapshot(out)
}

// EncodeSnapshot converts a snapshot into a Struct using its JSON field names.
func EncodeSnapshot(s *sim.Snapshot) (*structpb.Struct, error) {
	if s == nil {
		return &structpb.Struct{}, nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return structpb.NewStruct(m)
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(st *structpb.Struct) (*sim.Snapshot, error) {
	raw, err := json.Marshal(st.AsMap())
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	var s sim.Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}
