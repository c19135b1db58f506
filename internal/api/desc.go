// Package api serves a chat session over gRPC. Messages are
// google.protobuf.Struct values on the default proto codec, so the service
// is described by hand instead of generated from a .proto file.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.ChatService"

// Method names.
const (
	MethodGetState      = "GetState"
	MethodListItems     = "ListItems"
	MethodSetInput      = "SetInput"
	MethodSend          = "Send"
	MethodRetry         = "Retry"
	MethodCancel        = "Cancel"
	MethodMarkDisplayed = "MarkDisplayed"
	MethodResync        = "Resync"
	MethodReport        = "Report"
	MethodPause         = "Pause"
	MethodResume        = "Resume"
	MethodWatchEvents   = "WatchEvents"
)

// FullMethod returns the path a client invokes for method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ChatServer is the server side of the chat service.
type ChatServer interface {
	GetState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListItems(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetInput(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Retry(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkDisplayed(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Resync(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Report(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Pause(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Resume(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

type unaryCall func(ChatServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ChatServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ChatServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ChatServiceDesc describes the chat service for grpc.Server.
var ChatServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetState, ChatServer.GetState),
		unary(MethodListItems, ChatServer.ListItems),
		unary(MethodSetInput, ChatServer.SetInput),
		unary(MethodSend, ChatServer.Send),
		unary(MethodRetry, ChatServer.Retry),
		unary(MethodCancel, ChatServer.Cancel),
		unary(MethodMarkDisplayed, ChatServer.MarkDisplayed),
		unary(MethodResync, ChatServer.Resync),
		unary(MethodReport, ChatServer.Report),
		unary(MethodPause, ChatServer.Pause),
		unary(MethodResume, ChatServer.Resume),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(ChatServer).WatchEvents(in, stream)
			},
		},
	},
	Metadata: "chatsync/v1/chat.proto",
}

// RegisterChatServer registers srv on s.
func RegisterChatServer(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&ChatServiceDesc, srv)
}

// WatchEventsStreamDesc is the client-side descriptor for WatchEvents.
var WatchEventsStreamDesc = &grpc.StreamDesc{
	StreamName:    MethodWatchEvents,
	ServerStreams: true,
}
