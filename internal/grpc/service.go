// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package grpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "authd.v1.AuthService"

// AuthServiceServer is the server API for authd.v1.AuthService.
type AuthServiceServer interface {
	Register(context.Context, *RegisterRequest) (*AccountReply, error)
	Login(context.Context, *LoginRequest) (*LoginReply, error)
	Validate(context.Context, *ValidateRequest) (*SessionReply, error)
	Revoke(context.Context, *RevokeRequest) (*Empty, error)
	CurrentAccount(context.Context, *CurrentAccountRequest) (*AccountReply, error)
	ChangePassword(context.Context, *ChangePasswordRequest) (*Empty, error)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary builds a MethodDesc that decodes Req and dispatches through the
// server's interceptor chain.
func unary[Req, Resp any](name string, call func(AuthServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
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
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(AuthServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// AuthServiceDesc describes authd.v1.AuthService for grpc.Server.RegisterService.
var AuthServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Register", AuthServiceServer.Register),
		unary("Login", AuthServiceServer.Login),
		unary("Validate", AuthServiceServer.Validate),
		unary("Revoke", AuthServiceServer.Revoke),
		unary("CurrentAccount", AuthServiceServer.CurrentAccount),
		unary("ChangePassword", AuthServiceServer.ChangePassword),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "authd/v1/auth.json",
}
