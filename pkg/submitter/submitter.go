// Package submitter implements the client-side submit pipeline: the
// entry point that assigns sequence numbers, dispatches to the transport,
// retries per the typed-error policy, and surfaces sequenced results
// through the Sequencer.
package submitter

import (
	"context"
	"time"

	"github.com/meridianio/meridian/pkg/clientsession"
	"github.com/meridianio/meridian/pkg/log"
	"github.com/meridianio/meridian/pkg/sequencer"
	"github.com/meridianio/meridian/pkg/transport"
	"github.com/meridianio/meridian/pkg/types"
)

// SessionListener is notified when the session is lost and can no longer
// be resumed (an UnknownSession or SessionExpired reply is terminal).
type SessionListener func(sessionID uint64, err error)

// Submitter is the client context's single entry point for commands and
// queries. All state mutation happens on its internal run-loop goroutine;
// Submit itself is safe to call from any goroutine (it only enqueues).
type Submitter struct {
	tr      transport.Transport
	session *clientsession.State
	seq     *sequencer.Sequencer

	onSessionLoss SessionListener

	// sessionFailed is set once failSession has run. A reply that arrives
	// afterward for a retry that was already in flight must be ignored
	// rather than settling its promise a second time.
	sessionFailed bool

	// pendingCommands/pendingQueries track every future currently in
	// flight so a terminal session loss can fail all of them, not just
	// the one whose reply happened to carry the bad news. Both are only
	// ever touched from the run-loop goroutine.
	pendingCommands map[uint64]*transport.Promise[[]byte]
	pendingQueries  []*transport.Promise[[]byte]

	events chan func()
	done   chan struct{}
}

// New creates a Submitter bound to an already-open session.
func New(tr transport.Transport, session *clientsession.State, onSessionLoss SessionListener) *Submitter {
	s := &Submitter{
		tr:              tr,
		session:         session,
		seq:             sequencer.New(),
		onSessionLoss:   onSessionLoss,
		pendingCommands: make(map[uint64]*transport.Promise[[]byte]),
		events:          make(chan func(), 256),
		done:            make(chan struct{}),
	}
	go s.run()
	return s
}

// run is the single context-thread goroutine: every state mutation in
// this package happens here, reached either directly from Submit (for
// the synchronous sequence-number assignment) or thunked in from a
// transport callback — callbacks only Wait() on the network and then
// hand control back to this loop before touching any shared state.
func (s *Submitter) run() {
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.done:
			return
		}
	}
}

// Close stops the submitter's run loop.
func (s *Submitter) Close() {
	close(s.done)
}

// Submit dispatches a command or query operation and returns a future for
// its result bytes.
func (s *Submitter) Submit(ctx context.Context, op types.Operation) transport.Future[[]byte] {
	p := transport.NewPromise[[]byte]()

	assigned := make(chan uint64, 1)
	s.events <- func() {
		if op.Kind == types.Command {
			seq := s.session.NextCommandSequence()
			s.seq.NoteSubmitted(seq)
			assigned <- seq
			s.dispatchCommand(ctx, seq, op, p)
			return
		}
		assigned <- s.session.LastCommandSequence()
		s.dispatchQuery(ctx, op, p)
	}
	<-assigned // block until sequence assignment completes, preserving submit-order semantics
	return p.Future()
}

func (s *Submitter) dispatchCommand(ctx context.Context, seq uint64, op types.Operation, p *transport.Promise[[]byte]) {
	s.pendingCommands[seq] = p
	req := types.CommandRequest{
		SessionID: s.session.SessionID(),
		Sequence:  seq,
		Operation: op,
	}
	s.sendCommand(ctx, req, p)
}

// sendCommand performs one attempt and, on a retryable outcome, re-enters
// the run loop to try again — never blocking the loop itself on the
// network.
func (s *Submitter) sendCommand(ctx context.Context, req types.CommandRequest, p *transport.Promise[[]byte]) {
	fut := s.tr.Command(ctx, req)
	go func() {
		resp, err := fut.Wait(ctx)
		s.events <- func() { s.onCommandReply(ctx, req, resp, err, p) }
	}()
}

func (s *Submitter) onCommandReply(ctx context.Context, req types.CommandRequest, resp types.CommandResponse, err error, p *transport.Promise[[]byte]) {
	if s.sessionFailed {
		// p was already rejected by failSession's sweep; a late reply for
		// the same in-flight request must not settle it again.
		return
	}
	if err != nil {
		// Transport-level failure: retry indefinitely with the same
		// sequence so the server-side replay cache can still dedupe it.
		log.WithComponent("submitter").Warn().Err(err).Uint64("sequence", req.Sequence).Msg("command transport failure, retrying")
		time.AfterFunc(50*time.Millisecond, func() {
			s.events <- func() { s.sendCommand(ctx, req, p) }
		})
		return
	}

	s.session.ObserveIndex(resp.Index)

	switch resp.Kind {
	case types.Ok:
		s.complete(req.Sequence, resp.Index, resp.Result, nil, p)
	case types.NoLeader:
		// Rebind and retry. The leader hint, if any, rides in resp.Error
		// by convention of the concrete transport.
		if resp.Error != "" {
			_ = s.tr.Rebind(resp.Error)
		}
		s.sendCommand(ctx, req, p)
	case types.SequenceGap:
		// The server buffered this sequence behind an earlier one that
		// hasn't landed yet. Retrying resends the identical sequence,
		// which either buffers again or — once the gap fills — resolves
		// from the server's replay cache.
		log.WithComponent("submitter").Debug().Uint64("sequence", req.Sequence).Msg("command sequence gapped, retrying")
		time.AfterFunc(50*time.Millisecond, func() {
			s.events <- func() { s.sendCommand(ctx, req, p) }
		})
	case types.UnknownSession, types.SessionExpired:
		werr := types.NewWireError(resp.Kind, resp.Error)
		delete(s.pendingCommands, req.Sequence)
		s.failSession(werr)
		// Terminal: rejected directly rather than through the sequencer,
		// which could hold it behind an earlier slot that will never be
		// filled, or drain promises the sweep above already rejected.
		p.Reject(werr)
	default:
		// Typed application error: deliver as a failed completion,
		// still occupying and advancing this sequence's slot.
		werr := types.NewWireError(resp.Kind, resp.Error)
		s.complete(req.Sequence, resp.Index, nil, werr, p)
	}
}

// complete hands result to the sequencer for in-order delivery. seq stays
// tracked in pendingCommands until the sequencer actually delivers it (it
// may sit buffered behind an earlier gap first), so a session failure that
// lands while this result is still queued for delivery still reaches and
// rejects its promise.
func (s *Submitter) complete(seq, index uint64, result []byte, err error, p *transport.Promise[[]byte]) {
	s.seq.Complete(sequencer.CommandResult{Sequence: seq, Value: result, Err: err}, func(r sequencer.CommandResult) {
		delete(s.pendingCommands, r.Sequence)
		s.session.ObserveResponse(r.Sequence)
		if r.Err != nil {
			p.Reject(r.Err)
			return
		}
		p.Resolve(r.Value)
	})
}

func (s *Submitter) dispatchQuery(ctx context.Context, op types.Operation, p *transport.Promise[[]byte]) {
	s.pendingQueries = append(s.pendingQueries, p)
	s.seq.SubmitQuery(func() {
		req := types.QueryRequest{
			SessionID:    s.session.SessionID(),
			LastIndex:    s.session.ResponseIndex(),
			LastSequence: s.session.LastCommandSequence(),
			Operation:    op,
			Consistency:  types.Linearizable,
		}
		s.sendQuery(ctx, req, p)
	})
}

func (s *Submitter) sendQuery(ctx context.Context, req types.QueryRequest, p *transport.Promise[[]byte]) {
	fut := s.tr.Query(ctx, req)
	go func() {
		resp, err := fut.Wait(ctx)
		s.events <- func() { s.onQueryReply(ctx, req, resp, err, p) }
	}()
}

func (s *Submitter) onQueryReply(ctx context.Context, req types.QueryRequest, resp types.QueryResponse, err error, p *transport.Promise[[]byte]) {
	if s.sessionFailed {
		return
	}
	if err != nil {
		time.AfterFunc(50*time.Millisecond, func() {
			s.events <- func() { s.sendQuery(ctx, req, p) }
		})
		return
	}

	s.session.ObserveIndex(resp.Index)

	switch resp.Kind {
	case types.Ok:
		s.removePendingQuery(p)
		p.Resolve(resp.Result)
	case types.NoLeader:
		if resp.Error != "" {
			_ = s.tr.Rebind(resp.Error)
		}
		s.sendQuery(ctx, req, p)
	case types.UnknownSession, types.SessionExpired:
		werr := types.NewWireError(resp.Kind, resp.Error)
		s.removePendingQuery(p)
		s.failSession(werr)
		p.Reject(werr)
	default:
		s.removePendingQuery(p)
		p.Reject(types.NewWireError(resp.Kind, resp.Error))
	}
}

// removePendingQuery drops p from the in-flight query set by identity, once
// it has settled through its normal path and no longer needs to be reached
// by a future failSession sweep.
func (s *Submitter) removePendingQuery(p *transport.Promise[[]byte]) {
	for i, q := range s.pendingQueries {
		if q == p {
			s.pendingQueries = append(s.pendingQueries[:i], s.pendingQueries[i+1:]...)
			return
		}
	}
}

// failSession notifies the listener once that this session is gone, then
// proactively rejects every other command and query future still in
// flight on it rather than leaving them to fail naturally as their own
// replies trickle in. The future tied to the reply that triggered this
// call has already been removed from tracking by its caller, so it is
// never touched here and settles exactly once through its normal path.
func (s *Submitter) failSession(err error) {
	s.sessionFailed = true
	if s.onSessionLoss != nil {
		s.onSessionLoss(s.session.SessionID(), err)
	}

	for seq, p := range s.pendingCommands {
		delete(s.pendingCommands, seq)
		p.Reject(err)
	}

	queries := s.pendingQueries
	s.pendingQueries = nil
	for _, p := range queries {
		p.Reject(err)
	}
}
