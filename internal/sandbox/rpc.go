package sandbox

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// serviceName is the gRPC service name used on the wire.
const serviceName = "continuity.sandbox.v1.Detector"

// sandboxClient is the hand-written gRPC client stub for the sandbox
// RPC service: three unary methods, each carrying a structpb.Struct as
// both request and response. structpb.Struct is protobuf's own
// tagged-variant message (it already implements proto.Message), so the
// heterogeneous config/metadata payloads go over the wire natively
// without a .proto codegen step.
type sandboxClient struct {
	cc *grpc.ClientConn
}

func newSandboxClient(cc *grpc.ClientConn) *sandboxClient {
	return &sandboxClient{cc: cc}
}

func (c *sandboxClient) Initialize(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	err := c.cc.Invoke(ctx, "/"+serviceName+"/Initialize", req, out, opts...)
	return out, err
}

func (c *sandboxClient) ProcessFrame(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	err := c.cc.Invoke(ctx, "/"+serviceName+"/ProcessFrame", req, out, opts...)
	return out, err
}

func (c *sandboxClient) Cleanup(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	err := c.cc.Invoke(ctx, "/"+serviceName+"/Cleanup", req, out, opts...)
	return out, err
}

func (c *sandboxClient) HealthCheck(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	err := c.cc.Invoke(ctx, "/"+serviceName+"/HealthCheck", req, out, opts...)
	return out, err
}

// sandboxServer is the server-side contract a detector sandbox process
// implements. Provided so an in-process fake (used by tests, and by
// any sandbox host written in Go) can register against
// ServiceDesc without needing generated code.
type sandboxServer interface {
	Initialize(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ProcessFrame(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cleanup(context.Context, *structpb.Struct) (*structpb.Struct, error)
	HealthCheck(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit for the three-plus-health-check sandbox service. With
// structpb.Struct as the only message type there is nothing for protoc
// to generate, so the descriptor is written out directly.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*sandboxServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Initialize", Handler: initializeHandler},
		{MethodName: "ProcessFrame", Handler: processFrameHandler},
		{MethodName: "Cleanup", Handler: cleanupHandler},
		{MethodName: "HealthCheck", Handler: healthCheckHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/sandbox/rpc.go",
}

func initializeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(sandboxServer).Initialize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Initialize"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(sandboxServer).Initialize(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func processFrameHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(sandboxServer).ProcessFrame(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ProcessFrame"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(sandboxServer).ProcessFrame(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func cleanupHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(sandboxServer).Cleanup(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Cleanup"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(sandboxServer).Cleanup(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func healthCheckHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(sandboxServer).HealthCheck(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/HealthCheck"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(sandboxServer).HealthCheck(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
