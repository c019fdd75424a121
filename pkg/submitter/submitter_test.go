package submitter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridianio/meridian/pkg/clientsession"
	"github.com/meridianio/meridian/pkg/transport"
	"github.com/meridianio/meridian/pkg/types"
)

// fakeFuture is a transport.Future already resolved with a fixed value,
// used by fakeTransport to hand back canned responses synchronously.
type fakeFuture[T any] struct {
	val T
	err error
}

func (f fakeFuture[T]) Wait(ctx context.Context) (T, error) { return f.val, f.err }

// blockingFuture only resolves once hold is closed, letting a test keep a
// command or query genuinely in flight until it chooses to release it.
type blockingFuture[T any] struct {
	hold <-chan struct{}
	val  T
}

func (f blockingFuture[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.hold:
		return f.val, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// fakeTransport is a stand-in Transport whose Command/Query responses are
// driven entirely by test code via scripted per-sequence replies, so a
// session-loss scenario can be reproduced deterministically without a real
// network or cluster. A sequence registered via hold blocks until the test
// releases it, so the test can keep a request genuinely pending.
type fakeTransport struct {
	mu sync.Mutex

	commandReplies map[uint64]types.CommandResponse
	commandHolds   map[uint64]chan struct{}
	queryReply     types.QueryResponse
	queryHold      chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		commandReplies: make(map[uint64]types.CommandResponse),
		commandHolds:   make(map[uint64]chan struct{}),
	}
}

func (f *fakeTransport) Command(ctx context.Context, req types.CommandRequest) transport.Future[types.CommandResponse] {
	f.mu.Lock()
	resp, ok := f.commandReplies[req.Sequence]
	if !ok {
		resp = types.CommandResponse{Kind: types.Ok, Index: req.Sequence}
	}
	hold := f.commandHolds[req.Sequence]
	f.mu.Unlock()

	if hold != nil {
		return blockingFuture[types.CommandResponse]{hold: hold, val: resp}
	}
	return fakeFuture[types.CommandResponse]{val: resp}
}

func (f *fakeTransport) Query(ctx context.Context, req types.QueryRequest) transport.Future[types.QueryResponse] {
	f.mu.Lock()
	resp := f.queryReply
	hold := f.queryHold
	f.mu.Unlock()

	if hold != nil {
		return blockingFuture[types.QueryResponse]{hold: hold, val: resp}
	}
	return fakeFuture[types.QueryResponse]{val: resp}
}

// holdCommand registers seq as blocked until release() is called.
func (f *fakeTransport) holdCommand(seq uint64) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.commandHolds[seq] = ch
	f.mu.Unlock()
	return func() { close(ch) }
}

// holdQuery registers every query as blocked until release() is called.
func (f *fakeTransport) holdQuery() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.queryHold = ch
	f.mu.Unlock()
	return func() { close(ch) }
}

func (f *fakeTransport) KeepAlive(ctx context.Context, req types.KeepAliveRequest) transport.Future[types.KeepAliveResponse] {
	return fakeFuture[types.KeepAliveResponse]{val: types.KeepAliveResponse{Kind: types.Ok}}
}

func (f *fakeTransport) OpenSession(ctx context.Context, req types.OpenSessionRequest) transport.Future[types.OpenSessionResponse] {
	return fakeFuture[types.OpenSessionResponse]{val: types.OpenSessionResponse{Kind: types.Ok, SessionID: 1}}
}

func (f *fakeTransport) CloseSession(ctx context.Context, req types.CloseSessionRequest) transport.Future[types.CloseSessionResponse] {
	return fakeFuture[types.CloseSessionResponse]{val: types.CloseSessionResponse{Kind: types.Ok}}
}

func (f *fakeTransport) Rebind(addr string) error { return nil }

func (f *fakeTransport) setCommandReply(seq uint64, resp types.CommandResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commandReplies[seq] = resp
}

func (f *fakeTransport) setQueryReply(resp types.QueryResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryReply = resp
}

// TestSessionLossFailsAllPendingFutures reproduces a session losing one
// command to UnknownSession while another command and a query are still
// outstanding on it: every one of them must fail, not just the command that
// carried the bad news.
func TestSessionLossFailsAllPendingFutures(t *testing.T) {
	tr := newFakeTransport()
	sess := clientsession.New(42)

	var lostSessionID uint64
	var lossCount int
	var mu sync.Mutex
	sub := New(tr, sess, func(sessionID uint64, err error) {
		mu.Lock()
		defer mu.Unlock()
		lostSessionID = sessionID
		lossCount++
	})
	defer sub.Close()

	ctx := context.Background()

	// The query is submitted first, with no command yet outstanding, so
	// it clears the sequencer's barrier immediately and is genuinely
	// in-flight (held open) rather than still queued behind a barrier.
	releaseQuery := tr.holdQuery()
	defer releaseQuery()
	futQuery := sub.Submit(ctx, types.Operation{ID: "op", Kind: types.Query})

	// Sequence 1 will fail with UnknownSession, but its reply is held
	// back until both commands have been submitted, so sequence 2 is
	// reliably registered as in flight before the session loss lands.
	// Sequence 2 stays held for the rest of the test.
	tr.setCommandReply(1, types.CommandResponse{Kind: types.UnknownSession, Error: "session 42 not found"})
	releaseCmd1 := tr.holdCommand(1)
	releaseCmd2 := tr.holdCommand(2)
	defer releaseCmd2()

	fut1 := sub.Submit(ctx, types.Operation{ID: "op", Kind: types.Command})
	fut2 := sub.Submit(ctx, types.Operation{ID: "op", Kind: types.Command})

	time.Sleep(20 * time.Millisecond)
	releaseCmd1()

	_, err1 := fut1.Wait(ctx)
	require.Error(t, err1)
	werr1, ok := err1.(*types.WireError)
	require.True(t, ok)
	require.Equal(t, types.UnknownSession, werr1.Kind)

	_, err2 := fut2.Wait(ctx)
	require.Error(t, err2, "every other pending command future must also fail once the session is lost")

	_, errQ := futQuery.Wait(ctx)
	require.Error(t, errQ, "a pending query future must also fail once the session is lost")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, uint64(42), lostSessionID)
	require.Equal(t, 1, lossCount, "the session-loss listener fires exactly once per loss")
}

// TestSequenceGapRetriesUntilResolved verifies that a command reported as
// SequenceGap is retried rather than failed, and that once the retry
// observes a normal Ok reply the future resolves.
func TestSequenceGapRetriesUntilResolved(t *testing.T) {
	tr := newFakeTransport()
	sess := clientsession.New(7)
	sub := New(tr, sess, nil)
	defer sub.Close()

	tr.setCommandReply(1, types.CommandResponse{Kind: types.SequenceGap})

	ctx := context.Background()
	fut := sub.Submit(ctx, types.Operation{ID: "op", Kind: types.Command})

	// Flip the scripted reply to Ok shortly after the first gapped
	// attempt, so the retry (scheduled 50ms out) observes success.
	time.AfterFunc(10*time.Millisecond, func() {
		tr.setCommandReply(1, types.CommandResponse{Kind: types.Ok, Index: 1, Result: []byte("done")})
	})

	result, err := fut.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("done"), result)
}
