package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/meridianio/meridian/pkg/types"
)

const serviceName = "meridian.SessionService"

// Server is the handler-side contract a concrete state-machine-backed
// node implements; RegisterServer binds it into a *grpc.Server using the
// hand-authored ServiceDesc below.
type Server interface {
	Command(ctx context.Context, req *types.CommandRequest) (*types.CommandResponse, error)
	Query(ctx context.Context, req *types.QueryRequest) (*types.QueryResponse, error)
	KeepAlive(ctx context.Context, req *types.KeepAliveRequest) (*types.KeepAliveResponse, error)
	OpenSession(ctx context.Context, req *types.OpenSessionRequest) (*types.OpenSessionResponse, error)
	CloseSession(ctx context.Context, req *types.CloseSessionRequest) (*types.CloseSessionResponse, error)
}

// RegisterServer registers srv against gs, the way a generated
// RegisterXxxServer function would.
func RegisterServer(gs *grpc.Server, srv Server) {
	gs.RegisterService(&serviceDesc, srv)
}

func commandHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(types.CommandRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Command(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/Command"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).Command(ctx, req.(*types.CommandRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func queryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(types.QueryRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Query(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/Query"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).Query(ctx, req.(*types.QueryRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func keepAliveHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(types.KeepAliveRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).KeepAlive(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/KeepAlive"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).KeepAlive(ctx, req.(*types.KeepAliveRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func openSessionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(types.OpenSessionRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).OpenSession(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/OpenSession"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).OpenSession(ctx, req.(*types.OpenSessionRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func closeSessionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(types.CloseSessionRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).CloseSession(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/CloseSession"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).CloseSession(ctx, req.(*types.CloseSessionRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// serviceDesc mirrors what protoc-gen-go-grpc would emit from a .proto
// file declaring the five Transport RPCs as unary methods.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Command", Handler: commandHandler},
		{MethodName: "Query", Handler: queryHandler},
		{MethodName: "KeepAlive", Handler: keepAliveHandler},
		{MethodName: "OpenSession", Handler: openSessionHandler},
		{MethodName: "CloseSession", Handler: closeSessionHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "meridian/session.proto",
}
