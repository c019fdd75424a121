// Package session owns server-side session state: the per-client
// ServerSession record and the Registry that opens, keeps alive,
// expires, and closes sessions deterministically from commit
// timestamps.
package session

import (
	"sync"

	"github.com/meridianio/meridian/pkg/commit"
	"github.com/meridianio/meridian/pkg/log"
	"github.com/meridianio/meridian/pkg/types"
)

// Event is a buffered outbound notification for a session, acknowledged by
// a keep-alive carrying eventSeq >= Sequence.
type Event struct {
	Sequence uint64
	Payload  []byte
}

// cachedResult lets a retried command with the same sequence replay its
// original result instead of re-executing.
type cachedResult struct {
	Sequence uint64
	Kind     types.ErrorKind
	Message  string
	Result   []byte
}

// ServerSession is the per-client state tracked by the executor. All
// mutation happens on the executor thread; the mutex exists only to let
// raft's concurrent Snapshot() goroutine read state safely while Apply
// continues on the FSM thread.
type ServerSession struct {
	mu sync.RWMutex

	sessionID       uint64
	clientID        string
	timeoutMillis   uint64
	lastAppliedSeq  uint64
	nextEventSeq    uint64
	lastKeepAliveAt int64 // logical time, from commit.Time()
	closed          bool

	pendingEvents []Event
	// results caches replies for sequences <= lastAppliedSeq so a retried
	// command is answered without re-executing the handler.
	results []cachedResult
	// pending buffers commits whose sequence arrived ahead of
	// lastAppliedSeq+1, keyed by sequence, until the gap-filling commit
	// lands and they can be drained in order.
	pending map[uint64]*commit.Commit
}

// maxPendingCommits bounds how many out-of-order commits a session will
// buffer while waiting for a gap to fill. A session that overruns this is
// treated as broken rather than left buffering indefinitely.
const maxPendingCommits = 64

// ID implements commit.SessionView.
func (s *ServerSession) ID() uint64 {
	return s.sessionID
}

func (s *ServerSession) ClientID() string {
	return s.clientID
}

func (s *ServerSession) TimeoutMillis() uint64 {
	return s.timeoutMillis
}

func (s *ServerSession) LastAppliedSequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAppliedSeq
}

// Replay returns a cached result for sequence r if one was recorded,
// so a retried command below the applied threshold is idempotent.
func (s *ServerSession) Replay(r uint64) (kind types.ErrorKind, message string, result []byte, found bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.results {
		if c.Sequence == r {
			return c.Kind, c.Message, c.Result, true
		}
	}
	return types.Ok, "", nil, false
}

// recordApplied advances lastAppliedSeq and caches the result, bounded to
// avoid unbounded growth (only the most recent few sequences can ever be
// legitimately retried once the client has observed a later one).
func (s *ServerSession) recordApplied(r uint64, kind types.ErrorKind, message string, result []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r > s.lastAppliedSeq {
		s.lastAppliedSeq = r
	}
	s.results = append(s.results, cachedResult{Sequence: r, Kind: kind, Message: message, Result: result})
	const maxCached = 8
	if len(s.results) > maxCached {
		s.results = s.results[len(s.results)-maxCached:]
	}
}

// BufferPending queues c under seq so it can be applied once the
// session's lastAppliedSeq reaches seq-1, preserving per-session command
// order when commits for one session land out of submission order.
// Reports overflow true if the buffer has grown past maxPendingCommits,
// meaning the caller should deem the session broken rather than keep
// waiting for a gap that may never fill.
func (s *ServerSession) BufferPending(seq uint64, c *commit.Commit) (overflow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		s.pending = make(map[uint64]*commit.Commit)
	}
	s.pending[seq] = c
	return len(s.pending) > maxPendingCommits
}

// TakePending removes and returns the buffered commit for seq, if one is
// queued.
func (s *ServerSession) TakePending(seq uint64) (*commit.Commit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.pending[seq]
	if ok {
		delete(s.pending, seq)
	}
	return c, ok
}

// touch marks the session alive as of logical time t.
func (s *ServerSession) touch(t int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t > s.lastKeepAliveAt {
		s.lastKeepAliveAt = t
	}
}

// publish appends an event and returns its assigned sequence.
func (s *ServerSession) publish(payload []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEventSeq++
	seq := s.nextEventSeq
	s.pendingEvents = append(s.pendingEvents, Event{Sequence: seq, Payload: payload})
	return seq
}

// ack drops buffered events with Sequence <= eventSeq.
func (s *ServerSession) ack(eventSeq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.pendingEvents[:0]
	for _, e := range s.pendingEvents {
		if e.Sequence > eventSeq {
			kept = append(kept, e)
		}
	}
	s.pendingEvents = kept
}

// PendingEvents returns a snapshot of currently unacknowledged events.
func (s *ServerSession) PendingEvents() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.pendingEvents))
	copy(out, s.pendingEvents)
	return out
}

func (s *ServerSession) expired(now int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed && s.lastKeepAliveAt+int64(s.timeoutMillis) < now
}

// Registry owns every ServerSession for one state-machine instance. It is
// mutated only by the executor thread.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*ServerSession
	nextID   uint64
	logger   zeroLogger
}

// zeroLogger is the minimal logging surface the registry needs.
// NewRegistry takes no logger: it always installs defaultLogger, which
// writes through pkg/log.
type zeroLogger interface {
	logSessionOpened(id uint64, clientID string)
	logSessionExpired(id uint64, at int64)
	logSessionClosed(id uint64)
}

type defaultLogger struct{}

func (defaultLogger) logSessionOpened(id uint64, clientID string) {
	log.WithSession(id).Info().Str("client_id", clientID).Msg("session opened")
}
func (defaultLogger) logSessionExpired(id uint64, at int64) {
	log.WithSession(id).Warn().Int64("logical_time", at).Msg("session expired")
}
func (defaultLogger) logSessionClosed(id uint64) {
	log.WithSession(id).Info().Msg("session closed")
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uint64]*ServerSession),
		logger:   defaultLogger{},
	}
}

// Open creates a new server session, assigning a cluster-monotone id.
func (r *Registry) Open(clientID string, timeoutMillis uint64, now int64) *ServerSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	s := &ServerSession{
		sessionID:       r.nextID,
		clientID:        clientID,
		timeoutMillis:   timeoutMillis,
		lastKeepAliveAt: now,
	}
	r.sessions[s.sessionID] = s
	r.logger.logSessionOpened(s.sessionID, clientID)
	return s
}

// Get returns the session for id, if it exists and is not closed.
func (r *Registry) Get(id uint64) (*ServerSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok || s.closed {
		return nil, false
	}
	return s, true
}

// KeepAlive records liveness and acknowledges delivered events.
func (r *Registry) KeepAlive(id uint64, commandSeq, eventSeq uint64, now int64) error {
	s, ok := r.Get(id)
	if !ok {
		return types.NewWireError(types.UnknownSession, "")
	}
	s.touch(now)
	s.ack(eventSeq)
	return nil
}

// Close removes a session from the registry.
func (r *Registry) Close(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return types.NewWireError(types.UnknownSession, "")
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	delete(r.sessions, id)
	r.logger.logSessionClosed(id)
	return nil
}

// Expire closes every session whose keep-alive deadline has passed as of
// logical time now, deterministically: every replica applying the same
// commit stream reaches the identical decision because now is the
// commit's logged timestamp, never wall-clock.
func (r *Registry) Expire(now int64) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []uint64
	for id, s := range r.sessions {
		if s.expired(now) {
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			delete(r.sessions, id)
			expired = append(expired, id)
			r.logger.logSessionExpired(id, now)
		}
	}
	return expired
}

// Publish appends an event to the named session's outbound buffer,
// returning its assigned sequence. Returns false if the session does not
// exist.
func (r *Registry) Publish(id uint64, payload []byte) (uint64, bool) {
	s, ok := r.Get(id)
	if !ok {
		return 0, false
	}
	return s.publish(payload), true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// RecordApplied is invoked by the executor once a command has been
// dispatched to its handler, so subsequent retries of the same sequence
// replay instead of re-executing.
func (r *Registry) RecordApplied(id, seq uint64, kind types.ErrorKind, message string, result []byte) {
	s, ok := r.Get(id)
	if !ok {
		return
	}
	s.recordApplied(seq, kind, message, result)
}
