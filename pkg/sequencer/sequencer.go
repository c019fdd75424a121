// Package sequencer re-orders out-of-order command responses back into
// strict sequence order before they reach the application, and holds
// queries behind the most recently submitted command. Sequencer is
// driven from a single context thread; it is not safe for concurrent
// use.
package sequencer

import "container/heap"

// CommandResult is one command's outcome, tagged with its assigned
// sequence number so out-of-order arrivals can be re-ordered.
type CommandResult struct {
	Sequence uint64
	Value    []byte
	Err      error
}

// CommandCallback is invoked, in strict sequence order, once a result is
// ready to be delivered to the application.
type CommandCallback func(CommandResult)

type pending struct {
	result CommandResult
}

type pendingHeap []pending

func (h pendingHeap) Len() int            { return len(h) }
func (h pendingHeap) Less(i, j int) bool  { return h[i].result.Sequence < h[j].result.Sequence }
func (h pendingHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x interface{}) { *h = append(*h, x.(pending)) }
func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Sequencer buffers command results until they can be delivered in
// strict, gap-free sequence order.
type Sequencer struct {
	nextToDeliver uint64 // sequence of the next result due for delivery
	buffered      pendingHeap

	// queryBarrier is the sequence of the most recently submitted
	// command; a query submitted after it must wait until that command
	// (and everything before it) has completed.
	queryBarrier   uint64
	pendingQueries []queuedQuery
}

// queuedQuery pairs a queued query's closure with the barrier sequence
// that was current when it was submitted, so later commands raising
// queryBarrier don't delay a query that is already clear to run.
type queuedQuery struct {
	barrier uint64
	fn      func()
}

// New creates a Sequencer expecting the first command to carry sequence 1.
func New() *Sequencer {
	return &Sequencer{nextToDeliver: 1}
}

// NoteSubmitted records that a command with the given sequence has been
// submitted, advancing the barrier queries must wait behind.
func (s *Sequencer) NoteSubmitted(seq uint64) {
	if seq > s.queryBarrier {
		s.queryBarrier = seq
	}
}

// Complete delivers result in order: if it's the next expected sequence
// it (and any now-contiguous buffered results) fire immediately via
// deliver; otherwise it is buffered until its turn comes. Error responses
// other than UnknownSession still complete and advance the sequence —
// they occupy their slot rather than leaving a permanent gap.
func (s *Sequencer) Complete(result CommandResult, deliver CommandCallback) {
	if result.Sequence != s.nextToDeliver {
		heap.Push(&s.buffered, pending{result: result})
		return
	}
	deliver(result)
	s.nextToDeliver++
	s.drain(deliver)
	s.releaseQueries()
}

// drain delivers any buffered results that have become contiguous with
// nextToDeliver.
func (s *Sequencer) drain(deliver CommandCallback) {
	for s.buffered.Len() > 0 && s.buffered[0].result.Sequence == s.nextToDeliver {
		p := heap.Pop(&s.buffered).(pending)
		deliver(p.result)
		s.nextToDeliver++
	}
}

// SubmitQuery runs fn once every command submitted before it has
// completed; if that barrier has already been cleared, fn runs inline.
// The barrier is captured at submission time, so a later command raised
// after this query is queued never delays it.
func (s *Sequencer) SubmitQuery(fn func()) {
	barrier := s.queryBarrier
	if barrier < s.nextToDeliver {
		fn()
		return
	}
	s.pendingQueries = append(s.pendingQueries, queuedQuery{barrier: barrier, fn: fn})
}

// releaseQueries runs every queued query whose own barrier has now
// cleared, each independently of the others, preserving submission order
// among those that fire together.
func (s *Sequencer) releaseQueries() {
	if len(s.pendingQueries) == 0 {
		return
	}
	remaining := s.pendingQueries[:0:0]
	for _, q := range s.pendingQueries {
		if s.nextToDeliver > q.barrier {
			q.fn()
		} else {
			remaining = append(remaining, q)
		}
	}
	s.pendingQueries = remaining
}

// NextToDeliver returns the sequence the sequencer is currently waiting
// on, exposed for tests.
func (s *Sequencer) NextToDeliver() uint64 {
	return s.nextToDeliver
}

// Pending returns the count of buffered, not-yet-delivered results.
func (s *Sequencer) Pending() int {
	return s.buffered.Len()
}
