// Package kvstate is a minimal demonstrative user state machine: a
// versioned, optionally-TTL'd key/value map built against the narrow
// apply/snapshot/restore capability statemachine.Executor expects of
// any user state.
package kvstate

import (
	"encoding/json"
	"io"

	"github.com/meridianio/meridian/pkg/commit"
	"github.com/meridianio/meridian/pkg/scheduler"
	"github.com/meridianio/meridian/pkg/types"
)

// Versioned is the value shape returned from Get: the payload plus a
// monotone per-key version, bumped on every Put.
type Versioned struct {
	Value   []byte
	Version uint64
}

// PutRequest is the command payload for Put and PutWithTTL.
type PutRequest struct {
	Key      string
	Value    []byte
	TTLMillis int64 // 0 means no expiry
}

// DeleteRequest is the command payload for Delete.
type DeleteRequest struct {
	Key string
}

// GetRequest is the query payload for Get.
type GetRequest struct {
	Key string
}

const (
	OpPut    types.OperationID = "kvstate.put"
	OpDelete types.OperationID = "kvstate.delete"
	OpGet    types.OperationID = "kvstate.get"
)

type entry struct {
	Value   []byte
	Version uint64
}

// State is a single-key-space map-like state machine, applied only from
// the executor thread.
type State struct {
	data map[string]entry
}

// New creates an empty kv state.
func New() *State {
	return &State{data: make(map[string]entry)}
}

// RegisterHandlers binds this state's operations into executor under the
// OpPut/OpDelete/OpGet ids.
func (s *State) RegisterHandlers(register func(types.OperationID, func(*commit.Commit, scheduler.Scheduling) ([]byte, error))) {
	register(OpPut, s.applyPut)
	register(OpDelete, s.applyDelete)
	register(OpGet, s.applyGet)
}

func (s *State) applyPut(c *commit.Commit, sched scheduler.Scheduling) ([]byte, error) {
	var req PutRequest
	if err := json.Unmarshal(c.Value(), &req); err != nil {
		return nil, types.NewWireError(types.CommandFailure, err.Error())
	}

	e := s.data[req.Key]
	e.Value = req.Value
	e.Version++
	s.data[req.Key] = e

	if req.TTLMillis > 0 {
		fireAt := c.Time() + req.TTLMillis
		key := req.Key
		version := e.Version
		sched.Schedule(fireAt, func() {
			// Only expire if the key hasn't been overwritten since this
			// TTL was scheduled.
			if cur, ok := s.data[key]; ok && cur.Version == version {
				delete(s.data, key)
			}
		})
	}

	return json.Marshal(Versioned{Value: e.Value, Version: e.Version})
}

func (s *State) applyDelete(c *commit.Commit, sched scheduler.Scheduling) ([]byte, error) {
	var req DeleteRequest
	if err := json.Unmarshal(c.Value(), &req); err != nil {
		return nil, types.NewWireError(types.CommandFailure, err.Error())
	}
	delete(s.data, req.Key)
	return nil, nil
}

func (s *State) applyGet(c *commit.Commit, sched scheduler.Scheduling) ([]byte, error) {
	var req GetRequest
	if err := json.Unmarshal(c.Value(), &req); err != nil {
		return nil, types.NewWireError(types.QueryFailure, err.Error())
	}
	e, ok := s.data[req.Key]
	if !ok {
		return nil, types.NewWireError(types.QueryFailure, "key not found")
	}
	return json.Marshal(Versioned{Value: e.Value, Version: e.Version})
}

type snapshotRecord struct {
	Key     string
	Value   []byte
	Version uint64
}

// SnapshotState implements statemachine.Snapshottable.
func (s *State) SnapshotState(w io.Writer) error {
	records := make([]snapshotRecord, 0, len(s.data))
	for k, e := range s.data {
		records = append(records, snapshotRecord{Key: k, Value: e.Value, Version: e.Version})
	}
	return json.NewEncoder(w).Encode(records)
}

// RestoreState implements statemachine.Snapshottable.
func (s *State) RestoreState(r io.Reader) error {
	var records []snapshotRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return err
	}
	s.data = make(map[string]entry, len(records))
	for _, rec := range records {
		s.data[rec.Key] = entry{Value: rec.Value, Version: rec.Version}
	}
	return nil
}
