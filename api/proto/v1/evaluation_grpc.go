// Package togglrv1 holds the gRPC service descriptor and client for
// togglr.v1.EvaluationService (see evaluation.proto).
package togglrv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "togglr.v1.EvaluationService"

	EvaluateAllMethod  = "/" + ServiceName + "/EvaluateAll"
	EvaluateFlagMethod = "/" + ServiceName + "/EvaluateFlag"
	GetAnalyticsMethod = "/" + ServiceName + "/GetAnalytics"
	WatchFlagsMethod   = "/" + ServiceName + "/WatchFlags"
)

// EvaluationServiceServer is the server API for togglr.v1.EvaluationService.
type EvaluationServiceServer interface {
	EvaluateAll(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EvaluateFlag(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAnalytics(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchFlags(*structpb.Struct, WatchFlagsServer) error
}

// WatchFlagsServer is the server side of the WatchFlags stream.
type WatchFlagsServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type watchFlagsServer struct {
	grpc.ServerStream
}

func (x *watchFlagsServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

// RegisterEvaluationServiceServer registers srv on s.
func RegisterEvaluationServiceServer(s grpc.ServiceRegistrar, srv EvaluationServiceServer) {
	s.RegisterService(&EvaluationServiceDesc, srv)
}

type unaryCall func(srv EvaluationServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EvaluationServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(EvaluationServiceServer), ctx, req.(*structpb.Struct))
		})
	}
}

func watchFlagsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(EvaluationServiceServer).WatchFlags(in, &watchFlagsServer{stream})
}

// EvaluationServiceDesc is the grpc.ServiceDesc for togglr.v1.EvaluationService.
var EvaluationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EvaluationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "EvaluateAll",
			Handler:    unaryHandler(EvaluateAllMethod, EvaluationServiceServer.EvaluateAll),
		},
		{
			MethodName: "EvaluateFlag",
			Handler:    unaryHandler(EvaluateFlagMethod, EvaluationServiceServer.EvaluateFlag),
		},
		{
			MethodName: "GetAnalytics",
			Handler:    unaryHandler(GetAnalyticsMethod, EvaluationServiceServer.GetAnalytics),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchFlags",
			Handler:       watchFlagsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "api/proto/v1/evaluation.proto",
}

// EvaluationServiceClient is the client API for togglr.v1.EvaluationService.
type EvaluationServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewEvaluationServiceClient(cc grpc.ClientConnInterface) *EvaluationServiceClient {
	return &EvaluationServiceClient{cc: cc}
}

func (c *EvaluationServiceClient) EvaluateAll(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, EvaluateAllMethod, in, opts...)
}

func (c *EvaluationServiceClient) EvaluateFlag(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, EvaluateFlagMethod, in, opts...)
}

func (c *EvaluationServiceClient) GetAnalytics(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, GetAnalyticsMethod, in, opts...)
}

func (c *EvaluationServiceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchFlagsClient receives change events from a WatchFlags stream.
type WatchFlagsClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type watchFlagsClient struct {
	grpc.ClientStream
}

func (x *watchFlagsClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *EvaluationServiceClient) WatchFlags(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (WatchFlagsClient, error) {
	stream, err := c.cc.NewStream(ctx, &EvaluationServiceDesc.Streams[0], WatchFlagsMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &watchFlagsClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
