// Package clientsession holds the per-session state tracked by a single
// client context. It is touched only from that context's own thread (the
// submitter, sequencer, and keep-alive loop all run there), so no
// locking is required.
package clientsession

// State is the client-side bookkeeping for one open server session.
type State struct {
	sessionID uint64

	nextCommandSeq uint64 // last sequence handed out by NextCommandSequence
	lastResponse   uint64 // highest command sequence completed, monotone
	responseIndex  uint64 // highest commit index observed in any response, monotone
	eventIndex     uint64 // highest event sequence delivered to the application, monotone
}

// New creates client session state for an already-opened server session.
func New(sessionID uint64) *State {
	return &State{sessionID: sessionID}
}

// SessionID returns the bound server session id.
func (s *State) SessionID() uint64 {
	return s.sessionID
}

// NextCommandSequence allocates and returns the next command sequence
// number, assigned synchronously on the context thread so command
// ordering is determined purely by call order.
func (s *State) NextCommandSequence() uint64 {
	s.nextCommandSeq++
	return s.nextCommandSeq
}

// LastCommandSequence returns the highest sequence handed out so far,
// without allocating a new one — used to build the "not before" barrier
// for queries.
func (s *State) LastCommandSequence() uint64 {
	return s.nextCommandSeq
}

// ObserveResponse records a completed command's sequence. Regressions
// (an out-of-order replay of an older response) are ignored, keeping the
// field monotone.
func (s *State) ObserveResponse(seq uint64) {
	if seq > s.lastResponse {
		s.lastResponse = seq
	}
}

// LastResponse returns the highest command sequence completed so far.
func (s *State) LastResponse() uint64 {
	return s.lastResponse
}

// ObserveIndex folds a response's commit index into the monotone
// high-water mark used to build the next query's LastIndex barrier.
func (s *State) ObserveIndex(index uint64) {
	if index > s.responseIndex {
		s.responseIndex = index
	}
}

// ResponseIndex returns the highest commit index observed so far.
func (s *State) ResponseIndex() uint64 {
	return s.responseIndex
}

// ObserveEvent folds a delivered event's sequence into the monotone
// high-water mark reported on the next keep-alive.
func (s *State) ObserveEvent(seq uint64) {
	if seq > s.eventIndex {
		s.eventIndex = seq
	}
}

// EventIndex returns the highest event sequence delivered so far.
func (s *State) EventIndex() uint64 {
	return s.eventIndex
}
