package rpc

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/meridianio/meridian/pkg/log"
)

// LoggingInterceptor logs every unary call's method and latency.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("rpc-server")
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		event := logger.Debug()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.Str("method", info.FullMethod).Dur("elapsed", time.Since(start)).Msg("rpc handled")
		return resp, err
	}
}

// NewServer builds a *grpc.Server with the logging interceptor installed
// and srv registered against it.
func NewServer(srv Server, extra ...grpc.ServerOption) *grpc.Server {
	opts := append([]grpc.ServerOption{grpc.UnaryInterceptor(LoggingInterceptor())}, extra...)
	gs := grpc.NewServer(opts...)
	RegisterServer(gs, srv)
	return gs
}
