package sandbox

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// fakeDetector is an in-process stand-in for a detector sandbox
// process, driving Sandbox's RPC client against the hand-written
// ServiceDesc without spawning a real subprocess.
type fakeDetector struct {
	initCalls    int
	processDelay time.Duration
	respond      func(req *structpb.Struct) *structpb.Struct
	cleanupCalls int
}

func (f *fakeDetector) Initialize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f.initCalls++
	return &structpb.Struct{}, nil
}

func (f *fakeDetector) ProcessFrame(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if f.processDelay > 0 {
		select {
		case <-time.After(f.processDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.respond != nil {
		return f.respond(req), nil
	}
	return &structpb.Struct{}, nil
}

func (f *fakeDetector) Cleanup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f.cleanupCalls++
	return &structpb.Struct{}, nil
}

func (f *fakeDetector) HealthCheck(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return &structpb.Struct{}, nil
}

// startFakeSandbox starts a real gRPC server on a loopback port backed
// by fakeDetector and returns its address plus a cleanup func.
func startFakeSandbox(t *testing.T, fd *fakeDetector) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer()
	srv.RegisterService(&ServiceDesc, fd)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

