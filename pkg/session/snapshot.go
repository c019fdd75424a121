package session

import (
	"encoding/json"
	"io"
)

// record is the JSON-serializable projection of a ServerSession, used by
// Snapshot/Restore.
type record struct {
	SessionID       uint64
	ClientID        string
	TimeoutMillis   uint64
	LastAppliedSeq  uint64
	NextEventSeq    uint64
	LastKeepAliveAt int64
	PendingEvents   []Event
	Results         []cachedResult
}

type document struct {
	NextID   uint64
	Sessions []record
}

// Snapshot serializes the full registry to w as JSON, so the caller
// (statemachine.Executor) can frame it within the wider executor
// snapshot stream.
func (r *Registry) Snapshot(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc := document{NextID: r.nextID}
	for _, s := range r.sessions {
		s.mu.RLock()
		doc.Sessions = append(doc.Sessions, record{
			SessionID:       s.sessionID,
			ClientID:        s.clientID,
			TimeoutMillis:   s.timeoutMillis,
			LastAppliedSeq:  s.lastAppliedSeq,
			NextEventSeq:    s.nextEventSeq,
			LastKeepAliveAt: s.lastKeepAliveAt,
			PendingEvents:   append([]Event(nil), s.pendingEvents...),
			Results:         append([]cachedResult(nil), s.results...),
		})
		s.mu.RUnlock()
	}

	return json.NewEncoder(w).Encode(&doc)
}

// Restore replaces the registry's contents with what was serialized by
// Snapshot. A decode failure here is replica-fatal.
func (r *Registry) Restore(rd io.Reader) error {
	var doc document
	if err := json.NewDecoder(rd).Decode(&doc); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID = doc.NextID
	r.sessions = make(map[uint64]*ServerSession, len(doc.Sessions))
	for _, rec := range doc.Sessions {
		r.sessions[rec.SessionID] = &ServerSession{
			sessionID:       rec.SessionID,
			clientID:        rec.ClientID,
			timeoutMillis:   rec.TimeoutMillis,
			lastAppliedSeq:  rec.LastAppliedSeq,
			nextEventSeq:    rec.NextEventSeq,
			lastKeepAliveAt: rec.LastKeepAliveAt,
			pendingEvents:   rec.PendingEvents,
			results:         rec.Results,
		}
	}
	return nil
}
