// Package server implements rpc.Server: it is the thin adapter between
// incoming Transport RPCs and the replicated commit log, responsible for
// turning a request into a Raft log entry, applying it, and translating
// the result (or a NoLeader redirect) back into a wire response.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/meridianio/meridian/pkg/commit"
	"github.com/meridianio/meridian/pkg/config"
	"github.com/meridianio/meridian/pkg/raftlog"
	"github.com/meridianio/meridian/pkg/session"
	"github.com/meridianio/meridian/pkg/types"
)

const applyTimeout = 5 * time.Second

// Server adapts incoming Transport RPCs onto the replicated log.
type Server struct {
	node     *raftlog.Node
	fsm      *raftlog.FSM
	registry *session.Registry
	session  config.SessionDefaults
}

// New creates a Server bound to node and fsm.
func New(node *raftlog.Node, fsm *raftlog.FSM, registry *session.Registry, sessionDefaults config.SessionDefaults) *Server {
	return &Server{node: node, fsm: fsm, registry: registry, session: sessionDefaults}
}

func (s *Server) propose(e raftlog.LogEntry) ([]byte, error) {
	e.WallClockMillis = time.Now().UnixMilli()
	data, err := e.Encode()
	if err != nil {
		return nil, fmt.Errorf("server: encode log entry: %w", err)
	}
	return data, nil
}

// Command implements rpc.Server.
func (s *Server) Command(ctx context.Context, req *types.CommandRequest) (*types.CommandResponse, error) {
	if !s.node.IsLeader() {
		return &types.CommandResponse{Kind: types.NoLeader, Error: s.node.LeaderAddr()}, nil
	}
	data, err := s.propose(raftlog.LogEntry{Kind: raftlog.EntryCommand, SessionID: req.SessionID, Operation: req.Operation})
	if err != nil {
		return nil, err
	}
	f := s.node.Apply(data, applyTimeout)
	if err := f.Error(); err != nil {
		return nil, fmt.Errorf("server: apply command: %w", err)
	}
	resp := f.Response().(types.CommandResponse)
	return &resp, nil
}

// Query implements rpc.Server. Queries bypass the log entirely: both
// consistency levels are served from local committed state, which is
// always safe for Sequential and correct for Linearizable only when
// this replica currently holds leadership.
func (s *Server) Query(ctx context.Context, req *types.QueryRequest) (*types.QueryResponse, error) {
	if req.Consistency == types.Linearizable && !s.node.IsLeader() {
		return &types.QueryResponse{Kind: types.NoLeader, Error: s.node.LeaderAddr()}, nil
	}
	sess, ok := s.registry.Get(req.SessionID)
	if !ok {
		return &types.QueryResponse{Kind: types.UnknownSession}, nil
	}

	c := commit.New(req.LastIndex, sess, time.Now().UnixMilli(), req.Operation, nil)
	defer c.Close()

	result, err := s.fsm.Executor().Query(c)
	if err != nil {
		if we, ok := err.(*types.WireError); ok {
			return &types.QueryResponse{Kind: we.Kind, Error: we.Message, Index: req.LastIndex}, nil
		}
		return &types.QueryResponse{Kind: types.ApplicationError, Error: err.Error(), Index: req.LastIndex}, nil
	}
	return &types.QueryResponse{Kind: types.Ok, Index: req.LastIndex, Result: result}, nil
}

// KeepAlive implements rpc.Server.
func (s *Server) KeepAlive(ctx context.Context, req *types.KeepAliveRequest) (*types.KeepAliveResponse, error) {
	if !s.node.IsLeader() {
		return &types.KeepAliveResponse{Kind: types.NoLeader, Error: s.node.LeaderAddr()}, nil
	}
	data, err := s.propose(raftlog.LogEntry{Kind: raftlog.EntryKeepAlive, SessionID: req.SessionID, Sequence: req.CommandSequence, EventIndex: req.EventIndex})
	if err != nil {
		return nil, err
	}
	f := s.node.Apply(data, applyTimeout)
	if err := f.Error(); err != nil {
		return nil, fmt.Errorf("server: apply keep-alive: %w", err)
	}
	resp := f.Response().(types.KeepAliveResponse)
	return &resp, nil
}

// OpenSession implements rpc.Server.
func (s *Server) OpenSession(ctx context.Context, req *types.OpenSessionRequest) (*types.OpenSessionResponse, error) {
	if !s.node.IsLeader() {
		return &types.OpenSessionResponse{Kind: types.NoLeader, Error: s.node.LeaderAddr()}, nil
	}
	timeout := req.TimeoutMillis
	if timeout == 0 {
		timeout = s.session.TimeoutMillis
	}
	data, err := s.propose(raftlog.LogEntry{Kind: raftlog.EntryOpenSession, ClientID: req.ClientID, TimeoutMillis: timeout})
	if err != nil {
		return nil, err
	}
	f := s.node.Apply(data, applyTimeout)
	if err := f.Error(); err != nil {
		return nil, fmt.Errorf("server: apply open session: %w", err)
	}
	resp := f.Response().(types.OpenSessionResponse)
	return &resp, nil
}

// CloseSession implements rpc.Server.
func (s *Server) CloseSession(ctx context.Context, req *types.CloseSessionRequest) (*types.CloseSessionResponse, error) {
	if !s.node.IsLeader() {
		return &types.CloseSessionResponse{Kind: types.NoLeader}, nil
	}
	data, err := s.propose(raftlog.LogEntry{Kind: raftlog.EntryCloseSession, SessionID: req.SessionID})
	if err != nil {
		return nil, err
	}
	f := s.node.Apply(data, applyTimeout)
	if err := f.Error(); err != nil {
		return nil, fmt.Errorf("server: apply close session: %w", err)
	}
	resp := f.Response().(types.CloseSessionResponse)
	return &resp, nil
}

// ProposeMetadataTick proposes a no-op log entry purely to advance
// logical time on replicas with no client traffic, so session expiry
// and scheduled TTLs keep firing on schedule.
func ProposeMetadataTick(node *raftlog.Node) {
	e := raftlog.LogEntry{Kind: raftlog.EntryMetadata, WallClockMillis: time.Now().UnixMilli()}
	data, err := e.Encode()
	if err != nil {
		return
	}
	node.Apply(data, applyTimeout)
}
