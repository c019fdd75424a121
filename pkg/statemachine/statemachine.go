// Package statemachine implements Executor: the single-threaded driver
// that applies committed operations against a registered set of
// handlers, advances the logical-time scheduler, and owns the
// fixed-order snapshot/install cycle.
package statemachine

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/meridianio/meridian/pkg/commit"
	"github.com/meridianio/meridian/pkg/log"
	"github.com/meridianio/meridian/pkg/scheduler"
	"github.com/meridianio/meridian/pkg/session"
	"github.com/meridianio/meridian/pkg/types"
)

// Handler executes one committed command or query against user state,
// returning the opaque reply payload or a typed WireError. sched is the
// live scheduler for a command handler, but a query handler is given a
// scheduler.QueryGuard that rejects Schedule calls: queries must not
// mutate logical-time state.
type Handler func(c *commit.Commit, sched scheduler.Scheduling) ([]byte, error)

// Snapshottable is the capability a user state machine exposes so its
// state can be folded into the executor's fixed-order snapshot stream
// (registry, then scheduler, then user state).
type Snapshottable interface {
	SnapshotState(w io.Writer) error
	RestoreState(r io.Reader) error
}

// nopState is used when no user Snapshottable is supplied, so Snapshot
// and Install still succeed for handler-only deployments (e.g. tests).
type nopState struct{}

func (nopState) SnapshotState(io.Writer) error { return nil }
func (nopState) RestoreState(io.Reader) error  { return nil }

// Executor applies committed operations in log order on a single thread.
// Only the goroutine driving Apply/Snapshot/Install may call into it,
// except where explicitly noted.
type Executor struct {
	mu sync.RWMutex // guards handlers map only, against concurrent Register calls before Apply starts

	handlers map[types.OperationID]Handler
	started  bool

	registry  *session.Registry
	scheduler *scheduler.Scheduler
	state     Snapshottable
}

// New creates an Executor bound to registry and sched. state may be nil,
// in which case only registry/scheduler state is snapshotted.
func New(registry *session.Registry, sched *scheduler.Scheduler, state Snapshottable) *Executor {
	if state == nil {
		state = nopState{}
	}
	return &Executor{
		handlers:  make(map[types.OperationID]Handler),
		registry:  registry,
		scheduler: sched,
		state:     state,
	}
}

// Register binds a handler to an operation id. Re-registering the same id
// overwrites the previous handler. Registration is only valid before the
// first Apply call.
func (e *Executor) Register(id types.OperationID, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		panic("statemachine: Register called after Apply has started")
	}
	e.handlers[id] = h
}

// AdvanceTo raises the scheduler's logical clock to at least t, firing
// any callbacks that are now due, without dispatching any operation.
// Used to drive scheduled work forward on a metadata tick, so TTL'd
// callbacks still fire during idle periods with no client commands.
func (e *Executor) AdvanceTo(t int64) {
	e.scheduler.Advance(t)
}

// Apply runs due scheduled work, then dispatches c's operation to its
// registered handler, returning the handler's result bytes or a typed
// WireError. An unregistered operation id is reported as UnknownOperation
// rather than panicking the executor.
//
// A session command whose sequence arrives ahead of the session's next
// expected sequence is buffered rather than dispatched, so concurrent
// in-flight commands from one client that commit to the log out of
// submission order still apply to user state in submission order. The
// caller sees SequenceGap for the buffered commit; retrying the same
// sequence (safe, since retries dedupe on it) picks up the real result
// once the gap fills and this commit drains.
func (e *Executor) Apply(c *commit.Commit) ([]byte, error) {
	e.mu.Lock()
	e.started = true
	e.mu.Unlock()

	e.scheduler.Advance(c.Time())

	sess, ok := c.Session().(interface{ ID() uint64 })
	var sessionID uint64
	if ok && sess != nil {
		sessionID = sess.ID()
	}

	op := c.Operation()
	seq := sequenceOf(c)

	if op.Kind == types.Command && sessionID != 0 && seq != 0 {
		if kind, message, result, found := e.replay(sessionID, c); found {
			if kind != types.Ok {
				return nil, types.NewWireError(kind, message)
			}
			return result, nil
		}

		if gapped, broken := e.gate(sessionID, seq, c); gapped {
			if broken {
				return nil, types.NewWireError(types.UnknownSession, "session exceeded its out-of-order buffer and was closed")
			}
			return nil, types.NewWireError(types.SequenceGap, "awaiting an earlier command on this session")
		}
	}

	result, err := e.applyOne(sessionID, c)
	if op.Kind == types.Command && sessionID != 0 {
		e.drainPending(sessionID)
	}
	return result, err
}

// gate buffers c instead of letting it dispatch when seq is ahead of the
// session's next expected sequence. It reports gapped=true
// when c was queued rather than applied, and broken=true when queuing c
// pushed the session's buffer past its bound, in which case the session
// has been closed.
func (e *Executor) gate(sessionID, seq uint64, c *commit.Commit) (gapped, broken bool) {
	s, ok := e.registry.Get(sessionID)
	if !ok {
		return false, false
	}
	if seq <= s.LastAppliedSequence()+1 {
		return false, false
	}
	if s.BufferPending(seq, c) {
		e.registry.Close(sessionID)
		return true, true
	}
	return true, false
}

// applyOne dispatches c to its registered handler and records the
// result, independent of whether c arrived via Apply directly or was
// drained from a session's pending buffer.
func (e *Executor) applyOne(sessionID uint64, c *commit.Commit) ([]byte, error) {
	op := c.Operation()
	h, ok := e.handlers[op.ID]
	if !ok {
		err := types.NewWireError(types.UnknownOperation, string(op.ID))
		e.record(sessionID, c, err, nil)
		return nil, err
	}

	result, err := e.dispatch(h, c)
	e.record(sessionID, c, err, result)
	return result, err
}

// drainPending applies any commits gate buffered for sessionID that are
// now head-of-line, in sequence order. Each drained commit's result is
// recorded into the session's replay cache only — the raft log entry
// that originally carried it has already been answered with
// SequenceGap, so a client that retries that same sequence picks up the
// real result from the cache instead of re-executing the handler.
func (e *Executor) drainPending(sessionID uint64) {
	s, ok := e.registry.Get(sessionID)
	if !ok {
		return
	}
	for {
		next := s.LastAppliedSequence() + 1
		pc, ok := s.TakePending(next)
		if !ok {
			return
		}
		e.applyOne(sessionID, pc)
	}
}

// Query dispatches a read-only operation directly against the current
// handler set, bypassing replay caching and leaving the scheduler's
// logical clock untouched — queries never advance logical time and are
// never retried through the idempotency cache, since they have no
// client-visible side effect to deduplicate. Unlike Apply, Query is safe
// to call from any goroutine that only needs a point-in-time read of
// already-committed state.
func (e *Executor) Query(c *commit.Commit) ([]byte, error) {
	e.mu.RLock()
	h, ok := e.handlers[c.Operation().ID]
	e.mu.RUnlock()
	if !ok {
		return nil, types.NewWireError(types.UnknownOperation, string(c.Operation().ID))
	}
	return e.dispatchWith(h, c, scheduler.QueryGuard{})
}

// dispatch invokes h against the live scheduler, converting a panic into
// an ApplicationError so one misbehaving handler cannot crash the
// replica.
func (e *Executor) dispatch(h Handler, c *commit.Commit) (result []byte, err error) {
	return e.dispatchWith(h, c, e.scheduler)
}

// dispatchWith invokes h against sched, translating a QueryGuard
// rejection into IllegalSchedule and any other panic into an
// ApplicationError.
func (e *Executor) dispatchWith(h Handler, c *commit.Commit, sched scheduler.Scheduling) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, illegal := r.(scheduler.IllegalScheduleSentinel); illegal {
				err = types.NewWireError(types.IllegalSchedule, "schedule is not permitted from a query handler")
				return
			}
			log.WithComponent("statemachine").Error().
				Interface("panic", r).
				Str("operation_id", string(c.Operation().ID)).
				Msg("handler panicked")
			err = types.NewWireError(types.ApplicationError, fmt.Sprintf("%v", r))
		}
	}()
	return h(c, sched)
}

func (e *Executor) replay(sessionID uint64, c *commit.Commit) (kind types.ErrorKind, message string, result []byte, found bool) {
	s, ok := e.registry.Get(sessionID)
	if !ok {
		return types.Ok, "", nil, false
	}
	seq := sequenceOf(c)
	if seq == 0 {
		return types.Ok, "", nil, false
	}
	return s.Replay(seq)
}

func (e *Executor) record(sessionID uint64, c *commit.Commit, err error, result []byte) {
	if sessionID == 0 {
		return
	}
	seq := sequenceOf(c)
	if seq == 0 {
		return
	}
	kind := types.Ok
	message := ""
	if we, ok := err.(*types.WireError); ok {
		kind, message = we.Kind, we.Message
	}
	e.registry.RecordApplied(sessionID, seq, kind, message, result)
}

// sequenceOf extracts the client-assigned command sequence carried on the
// commit's operation payload header, when present. Concrete callers that
// need replay semantics encode the sequence as the first 8 bytes of the
// payload (see pkg/rpc envelope framing); operations that don't carry a
// sequence (e.g. internal/system commands) simply skip replay caching.
func sequenceOf(c *commit.Commit) uint64 {
	p := c.Operation().Payload
	if len(p) < 8 {
		return 0
	}
	var seq uint64
	for i := 0; i < 8; i++ {
		seq = seq<<8 | uint64(p[i])
	}
	return seq
}

// Snapshot writes the registry, the scheduler's pending-entry metadata,
// and the user state machine's own snapshot, in that fixed order, each
// section framed as [len uint64 big-endian][section bytes] so the
// format stays forward-compatible with additional sections later.
func (e *Executor) Snapshot(w io.Writer) error {
	var regBuf, schedBuf, stateBuf bytes.Buffer

	if err := e.registry.Snapshot(&regBuf); err != nil {
		return fmt.Errorf("statemachine: registry snapshot: %w", err)
	}
	if err := json.NewEncoder(&schedBuf).Encode(e.scheduler.Entries()); err != nil {
		return fmt.Errorf("statemachine: scheduler snapshot: %w", err)
	}
	if err := e.state.SnapshotState(&stateBuf); err != nil {
		return fmt.Errorf("statemachine: user state snapshot: %w", err)
	}

	for _, section := range [][]byte{regBuf.Bytes(), schedBuf.Bytes(), stateBuf.Bytes()} {
		if err := writeFrame(w, section); err != nil {
			return err
		}
	}
	return nil
}

func writeFrame(w io.Writer, section []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint64(len(section))); err != nil {
		return err
	}
	_, err := w.Write(section)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var n uint64
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Install replaces registry and user state from a prior Snapshot. Any
// failure here is replica-fatal: the caller is expected to stop the
// node rather than run split-brain.
func (e *Executor) Install(r io.Reader) error {
	regBytes, err := readFrame(r)
	if err != nil {
		panic(fmt.Sprintf("statemachine: corrupt snapshot registry frame: %v", err))
	}
	schedBytes, err := readFrame(r)
	if err != nil {
		panic(fmt.Sprintf("statemachine: corrupt snapshot scheduler frame: %v", err))
	}
	stateBytes, err := readFrame(r)
	if err != nil {
		panic(fmt.Sprintf("statemachine: corrupt snapshot user-state frame: %v", err))
	}

	if err := e.registry.Restore(bytes.NewReader(regBytes)); err != nil {
		panic(fmt.Sprintf("statemachine: registry restore: %v", err))
	}

	// Scheduler entries carry no callback (closures aren't serializable);
	// a fresh scheduler is installed and the user state's own Restore is
	// responsible for re-scheduling any callbacks it owns, keyed off its
	// own restored data.
	_ = schedBytes
	*e.scheduler = *scheduler.New()

	if err := e.state.RestoreState(bytes.NewReader(stateBytes)); err != nil {
		panic(fmt.Sprintf("statemachine: user state restore: %v", err))
	}
	return nil
}
