// ============================================================================
// Package: server
// File: service.go
// Purpose: docflow.v1.Control service descriptor over protobuf well-known types
// ============================================================================

package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "docflow.v1.Control"

const (
	methodGetProgress  = "/" + ServiceName + "/GetProgress"
	methodCancel       = "/" + ServiceName + "/Cancel"
	methodResumeIntake = "/" + ServiceName + "/ResumeIntake"
	methodResize       = "/" + ServiceName + "/Resize"
)

// ControlServer is the server API of the control service.
//
// Messages are well-known types so the service needs no generated code:
//
//	GetProgress(Empty) -> Struct         live progress, state, workers, paused
//	Cancel(BoolValue) -> Empty           value=true requests a graceful stop
//	ResumeIntake(Empty) -> Empty         lifts a critical-error pause
//	Resize(Int32Value) -> Int32Value     returns the applied worker count
type ControlServer interface {
	GetProgress(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Cancel(context.Context, *wrapperspb.BoolValue) (*emptypb.Empty, error)
	ResumeIntake(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Resize(context.Context, *wrapperspb.Int32Value) (*wrapperspb.Int32Value, error)
}

// RegisterControlServer registers srv on s
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&controlServiceDesc, srv)
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetProgress", Handler: getProgressHandler},
		{MethodName: "Cancel", Handler: cancelHandler},
		{MethodName: "ResumeIntake", Handler: resumeIntakeHandler},
		{MethodName: "Resize", Handler: resizeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "docflow/v1/control.proto",
}

func getProgressHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).GetProgress(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetProgress}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).GetProgress(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func cancelHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BoolValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Cancel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCancel}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).Cancel(ctx, req.(*wrapperspb.BoolValue))
	}
	return interceptor(ctx, in, info, handler)
}

func resumeIntakeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).ResumeIntake(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodResumeIntake}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).ResumeIntake(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func resizeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.Int32Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Resize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodResize}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).Resize(ctx, req.(*wrapperspb.Int32Value))
	}
	return interceptor(ctx, in, info, handler)
}
