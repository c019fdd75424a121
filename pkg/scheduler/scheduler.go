// Package scheduler implements the logical-time callback scheduler bound
// to commit timestamps. Logical time only advances through commit
// application; scheduling is deterministic across replicas because it
// is driven entirely by the commit's logged timestamp.
package scheduler

import "container/heap"

// Callback is invoked when logical time crosses its scheduled fireAt.
type Callback func()

// Scheduling is the capability a handler needs from a scheduler: queuing
// future work keyed on logical time. *Scheduler satisfies it directly;
// QueryGuard satisfies it while refusing every call, for handlers
// invoked in a context where scheduling is not allowed.
type Scheduling interface {
	Schedule(fireAt int64, callback Callback) Handle
}

// IllegalScheduleSentinel is panicked by QueryGuard.Schedule. Callers
// that dispatch through QueryGuard should recover it and translate it
// into a typed error rather than letting it escape as a generic panic.
type IllegalScheduleSentinel struct{}

// QueryGuard is a Scheduling that rejects every Schedule call. Query
// handlers receive one instead of the live scheduler, so a query can
// read state but never mutate logical time.
type QueryGuard struct{}

func (QueryGuard) Schedule(int64, Callback) Handle {
	panic(IllegalScheduleSentinel{})
}

type entry struct {
	fireAt   int64
	seq      uint64 // insertion order, breaks ties when fireAt is equal
	callback Callback
	cancelled bool
}

// entryHeap is a min-heap ordered by (fireAt, seq).
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].fireAt != h[j].fireAt {
		return h[i].fireAt < h[j].fireAt
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Handle cancels a previously scheduled callback. Cancelling after it has
// already fired is a no-op.
type Handle struct {
	e *entry
}

// Cancel prevents e's callback from firing, if it hasn't already.
func (h Handle) Cancel() {
	if h.e != nil {
		h.e.cancelled = true
	}
}

// Scheduler is NOT safe for concurrent use: it is driven exclusively by
// the single executor thread.
type Scheduler struct {
	now   int64
	heap  entryHeap
	seq   uint64
	// firing guards re-entrant Advance calls from within a callback that
	// itself schedules new, already-due work — that work must still fire
	// before the triggering Advance call returns.
	firing bool
}

// New creates an empty scheduler at logical time 0.
func New() *Scheduler {
	return &Scheduler{}
}

// Now returns the current logical time.
func (s *Scheduler) Now() int64 {
	return s.now
}

// Schedule queues callback to fire the first time logical time reaches or
// passes fireAt. If fireAt has already passed, it fires on the next
// Advance call (which may be re-entrant, from within another callback).
func (s *Scheduler) Schedule(fireAt int64, callback Callback) Handle {
	s.seq++
	e := &entry{fireAt: fireAt, seq: s.seq, callback: callback}
	heap.Push(&s.heap, e)
	return Handle{e: e}
}

// Advance raises logical time to max(now, t) and fires every due entry in
// non-decreasing fireAt order, ties by insertion order. Callbacks
// scheduled during Advance that are already due fire before Advance
// returns, ahead of whatever triggered this Advance call.
func (s *Scheduler) Advance(t int64) {
	if t > s.now {
		s.now = t
	}
	if s.firing {
		// A callback called Advance reentrantly (shouldn't happen in
		// practice, since only the executor calls Advance) — the
		// already-running drain loop below will pick up newly due work.
		return
	}
	s.firing = true
	defer func() { s.firing = false }()

	for s.heap.Len() > 0 && s.heap[0].fireAt <= s.now {
		e := heap.Pop(&s.heap).(*entry)
		if e.cancelled {
			continue
		}
		e.callback()
	}
}

// Pending returns the number of not-yet-fired, not-cancelled entries.
func (s *Scheduler) Pending() int {
	n := 0
	for _, e := range s.heap {
		if !e.cancelled {
			n++
		}
	}
	return n
}

// snapshotEntry is the serializable projection of one pending entry. The
// callback closure itself cannot be serialized; callers that need
// scheduled work to survive a snapshot round-trip must re-derive fireAt
// and the callback from user state on Restore (see statemachine package):
// what's persisted here is the schedule, not arbitrary closures.
type snapshotEntry struct {
	FireAt int64
	Seq    uint64
}

// Entries returns the pending (fireAt, seq) pairs, in heap order, for use
// by a snapshot writer that knows how to re-derive each callback.
func (s *Scheduler) Entries() []snapshotEntry {
	out := make([]snapshotEntry, 0, len(s.heap))
	for _, e := range s.heap {
		if !e.cancelled {
			out = append(out, snapshotEntry{FireAt: e.FireAt(), Seq: e.seq})
		}
	}
	return out
}

func (e *entry) FireAt() int64 { return e.fireAt }
