// Package transport defines the external collaborator contract between a
// client context and some cluster member. Nothing in this module depends
// on a concrete transport; pkg/rpc provides the gRPC-backed implementation
// used by cmd/meridianctl and cmd/meridiand.
package transport

import (
	"context"

	"github.com/meridianio/meridian/pkg/types"
)

// Future is a single-resolution handle, deliberately narrower than a
// general-purpose promise: a Transport call resolves exactly once, and
// cancellation only stops the caller from waiting — it never prevents
// server-side execution that may already be underway.
type Future[T any] interface {
	// Wait blocks until the result is available or ctx is done.
	Wait(ctx context.Context) (T, error)
}

// Transport is the point-to-point request/response contract a Submitter
// uses to reach some cluster member.
type Transport interface {
	Command(ctx context.Context, req types.CommandRequest) Future[types.CommandResponse]
	Query(ctx context.Context, req types.QueryRequest) Future[types.QueryResponse]
	KeepAlive(ctx context.Context, req types.KeepAliveRequest) Future[types.KeepAliveResponse]
	OpenSession(ctx context.Context, req types.OpenSessionRequest) Future[types.OpenSessionResponse]
	CloseSession(ctx context.Context, req types.CloseSessionRequest) Future[types.CloseSessionResponse]

	// Rebind points the transport at a new cluster member, used by the
	// submitter after a NoLeader response names the current leader.
	Rebind(addr string) error
}
