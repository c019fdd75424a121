package rpc

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/meridianio/meridian/pkg/log"
	"github.com/meridianio/meridian/pkg/transport"
	"github.com/meridianio/meridian/pkg/types"
)

// Client is the gRPC-backed transport.Transport, grounded in the
// teacher's client wrapper (pkg/client/client.go): a single live
// *grpc.ClientConn, rebound on demand when the leader moves.
type Client struct {
	mu   sync.RWMutex
	cc   *grpc.ClientConn
	addr string
}

// Dial connects to addr and returns a ready-to-use Client.
func Dial(addr string) (*Client, error) {
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", addr, err)
	}
	return &Client{cc: cc, addr: addr}, nil
}

// Rebind tears down the current connection and dials addr instead,
// implementing transport.Transport.Rebind for leader redirection.
func (c *Client) Rebind(addr string) error {
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("rpc: rebind to %s: %w", addr, err)
	}
	c.mu.Lock()
	old := c.cc
	c.cc, c.addr = cc, addr
	c.mu.Unlock()
	log.WithComponent("rpc-client").Info().Str("addr", addr).Msg("rebound to new leader")
	return old.Close()
}

func (c *Client) conn() *grpc.ClientConn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cc
}

func (c *Client) Command(ctx context.Context, req types.CommandRequest) transport.Future[types.CommandResponse] {
	p := transport.NewPromise[types.CommandResponse]()
	go func() {
		var resp types.CommandResponse
		err := c.conn().Invoke(ctx, "/"+serviceName+"/Command", &req, &resp, grpc.CallContentSubtype(codecName))
		settle(p, resp, err)
	}()
	return p.Future()
}

func (c *Client) Query(ctx context.Context, req types.QueryRequest) transport.Future[types.QueryResponse] {
	p := transport.NewPromise[types.QueryResponse]()
	go func() {
		var resp types.QueryResponse
		err := c.conn().Invoke(ctx, "/"+serviceName+"/Query", &req, &resp, grpc.CallContentSubtype(codecName))
		settle(p, resp, err)
	}()
	return p.Future()
}

func (c *Client) KeepAlive(ctx context.Context, req types.KeepAliveRequest) transport.Future[types.KeepAliveResponse] {
	p := transport.NewPromise[types.KeepAliveResponse]()
	go func() {
		var resp types.KeepAliveResponse
		err := c.conn().Invoke(ctx, "/"+serviceName+"/KeepAlive", &req, &resp, grpc.CallContentSubtype(codecName))
		settle(p, resp, err)
	}()
	return p.Future()
}

func (c *Client) OpenSession(ctx context.Context, req types.OpenSessionRequest) transport.Future[types.OpenSessionResponse] {
	p := transport.NewPromise[types.OpenSessionResponse]()
	go func() {
		var resp types.OpenSessionResponse
		err := c.conn().Invoke(ctx, "/"+serviceName+"/OpenSession", &req, &resp, grpc.CallContentSubtype(codecName))
		settle(p, resp, err)
	}()
	return p.Future()
}

func (c *Client) CloseSession(ctx context.Context, req types.CloseSessionRequest) transport.Future[types.CloseSessionResponse] {
	p := transport.NewPromise[types.CloseSessionResponse]()
	go func() {
		var resp types.CloseSessionResponse
		err := c.conn().Invoke(ctx, "/"+serviceName+"/CloseSession", &req, &resp, grpc.CallContentSubtype(codecName))
		settle(p, resp, err)
	}()
	return p.Future()
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn().Close()
}

func settle[T any](p *transport.Promise[T], resp T, err error) {
	if err != nil {
		p.Reject(err)
		return
	}
	p.Resolve(resp)
}
