// Package raftlog adapts hashicorp/raft to the statemachine.Executor,
// providing the totally-ordered commit log the rest of this module
// treats as an external collaborator.
package raftlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/raft"

	"github.com/meridianio/meridian/pkg/commit"
	"github.com/meridianio/meridian/pkg/session"
	"github.com/meridianio/meridian/pkg/statemachine"
	"github.com/meridianio/meridian/pkg/types"
)

// LogEntry is the payload committed to the Raft log for every operation:
// an (index, timestamp, entry) tuple where entry is one of the
// EntryKind variants below. Exported so pkg/server (the RPC-to-log
// adapter) can build entries without duplicating this shape.
type LogEntry struct {
	Kind            EntryKind
	ClientID        string
	SessionID       uint64
	TimeoutMillis   uint64
	Sequence        uint64
	EventIndex      uint64
	Operation       types.Operation
	WallClockMillis int64
}

type EntryKind uint8

const (
	EntryOpenSession EntryKind = iota
	EntryCloseSession
	EntryKeepAlive
	EntryCommand
	EntryMetadata
)

// Encode marshals e to the bytes Apply expects as raft log data.
func (e LogEntry) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// FSM implements raft.FSM, delegating every Apply/Snapshot/Restore call
// to a statemachine.Executor. Queries never reach Apply at all: they are
// served directly against local state by the caller (see pkg/server).
type FSM struct {
	executor *statemachine.Executor
	registry *session.Registry
}

// NewFSM binds executor and registry for commit construction.
func NewFSM(executor *statemachine.Executor, registry *session.Registry) *FSM {
	return &FSM{executor: executor, registry: registry}
}

// Executor returns the bound state machine executor, so callers that
// need to serve a query directly against local state (bypassing the
// log entirely) can reach it without duplicating FSM internals.
func (f *FSM) Executor() *statemachine.Executor { return f.executor }

// Registry returns the bound session registry for the same reason.
func (f *FSM) Registry() *session.Registry { return f.registry }

// Apply implements raft.FSM. It decodes the committed logEntry, builds
// the session view and Commit, and dispatches through the executor.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var e LogEntry
	if err := json.Unmarshal(l.Data, &e); err != nil {
		// A corrupt log entry is replica-fatal: every replica must either
		// apply the same bytes or halt, never diverge.
		panic(fmt.Sprintf("raftlog: corrupt log entry at index %d: %v", l.Index, err))
	}

	now := e.WallClockMillis
	if now == 0 {
		now = time.Now().UnixMilli()
	}

	// Every commit, not just keep-alives, can cross a session's deadline:
	// expiry is keyed on the commit's logged timestamp so every replica
	// reaches the identical decision regardless of wall-clock skew.
	f.registry.Expire(now)

	switch e.Kind {
	case EntryOpenSession:
		s := f.registry.Open(e.ClientID, e.TimeoutMillis, now)
		return types.OpenSessionResponse{Kind: types.Ok, SessionID: s.ID()}

	case EntryCloseSession:
		if err := f.registry.Close(e.SessionID); err != nil {
			return types.CloseSessionResponse{Kind: types.UnknownSession, Error: err.Error()}
		}
		return types.CloseSessionResponse{Kind: types.Ok}

	case EntryKeepAlive:
		if err := f.registry.KeepAlive(e.SessionID, e.Sequence, e.EventIndex, now); err != nil {
			return types.KeepAliveResponse{Kind: types.UnknownSession, Error: err.Error(), Index: uint64(l.Index)}
		}
		return types.KeepAliveResponse{Kind: types.Ok, Index: uint64(l.Index)}

	case EntryCommand:
		sess, ok := f.registry.Get(e.SessionID)
		if !ok {
			return types.CommandResponse{Kind: types.UnknownSession, Index: uint64(l.Index)}
		}
		c := commit.New(uint64(l.Index), sess, now, e.Operation, nil)
		defer c.Close()
		result, err := f.executor.Apply(c)
		if err != nil {
			if we, ok := err.(*types.WireError); ok {
				return types.CommandResponse{Kind: we.Kind, Error: we.Message, Index: uint64(l.Index)}
			}
			return types.CommandResponse{Kind: types.ApplicationError, Error: err.Error(), Index: uint64(l.Index)}
		}
		return types.CommandResponse{Kind: types.Ok, Index: uint64(l.Index), Result: result}

	case EntryMetadata:
		// Metadata ticks carry no operation to dispatch, but still need to
		// drive the scheduler's logical clock forward: without this, a
		// TTL'd callback scheduled during a burst of commands would never
		// fire if the session then goes idle, since nothing else advances
		// logical time.
		f.executor.AdvanceTo(now)
		return nil

	default:
		panic(fmt.Sprintf("raftlog: unknown entry kind %d at index %d", e.Kind, l.Index))
	}
}

// Snapshot implements raft.FSM. It serializes the executor's state into
// memory here, on the FSM goroutine, and hands back a raft.FSMSnapshot
// that only writes those bytes to the sink later, splitting "capture
// state now" from "persist later" the way raft expects.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	var buf bytes.Buffer
	if err := f.executor.Snapshot(&buf); err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: buf.Bytes()}, nil
}

// Restore implements raft.FSM.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	return f.executor.Install(rc)
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
