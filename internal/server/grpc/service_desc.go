package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name. Messages are protobuf
// well-known types, so clients need no generated stubs.
const ServiceName = "crm.auth.v1.AuthService"

const (
	MethodRegister  = "/" + ServiceName + "/Register"
	MethodLogin     = "/" + ServiceName + "/Login"
	MethodRefresh   = "/" + ServiceName + "/Refresh"
	MethodLogout    = "/" + ServiceName + "/Logout"
	MethodLogoutAll = "/" + ServiceName + "/LogoutAll"
	MethodPing      = "/" + ServiceName + "/Ping"
)

// AuthServiceServer is the server API for crm.auth.v1.AuthService.
type AuthServiceServer interface {
	Register(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Refresh(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	LogoutAll(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Ping(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

func RegisterAuthServiceServer(s grpc.ServiceRegistrar, srv AuthServiceServer) {
	s.RegisterService(&AuthServiceDesc, srv)
}

var AuthServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Register", MethodRegister, AuthServiceServer.Register),
		unary("Login", MethodLogin, AuthServiceServer.Login),
		unary("Refresh", MethodRefresh, AuthServiceServer.Refresh),
		unary("Logout", MethodLogout, AuthServiceServer.Logout),
		unary("LogoutAll", MethodLogoutAll, AuthServiceServer.LogoutAll),
		unary("Ping", MethodPing, AuthServiceServer.Ping),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "crm/auth/v1/auth.proto",
}

// unary builds the method handler protoc would otherwise generate.
func unary[Req, Resp any](name, fullMethod string, call func(AuthServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AuthServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(AuthServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
