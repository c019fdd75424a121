package statemachine

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianio/meridian/pkg/commit"
	"github.com/meridianio/meridian/pkg/scheduler"
	"github.com/meridianio/meridian/pkg/session"
	"github.com/meridianio/meridian/pkg/types"
)

type fakeSession struct{ id uint64 }

func (f fakeSession) ID() uint64 { return f.id }

func echoHandler(c *commit.Commit, sched scheduler.Scheduling) ([]byte, error) {
	return c.Value(), nil
}

func TestApplyDispatchesToRegisteredHandler(t *testing.T) {
	reg := session.NewRegistry()
	sess := reg.Open("client-a", 10_000, 0)

	e := New(reg, scheduler.New(), nil)
	e.Register("echo", echoHandler)

	op := types.Operation{ID: "echo", Kind: types.Command, Payload: append(encodeSeq(1), []byte("payload")...)}
	c := commit.New(1, sess, 0, op, nil)

	result, err := e.Apply(c)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(result))
}

func TestApplyReportsUnknownOperation(t *testing.T) {
	reg := session.NewRegistry()
	sess := reg.Open("client-a", 10_000, 0)
	e := New(reg, scheduler.New(), nil)

	op := types.Operation{ID: "nope", Kind: types.Command, Payload: encodeSeq(1)}
	c := commit.New(1, sess, 0, op, nil)

	_, err := e.Apply(c)
	require.Error(t, err)
	werr, ok := err.(*types.WireError)
	require.True(t, ok)
	assert.Equal(t, types.UnknownOperation, werr.Kind)
}

func TestApplyRetriedSequenceReplaysCachedResult(t *testing.T) {
	reg := session.NewRegistry()
	sess := reg.Open("client-a", 10_000, 0)
	calls := 0

	e := New(reg, scheduler.New(), nil)
	e.Register("count", func(c *commit.Commit, sched scheduler.Scheduling) ([]byte, error) {
		calls++
		return []byte("done"), nil
	})

	op := types.Operation{ID: "count", Kind: types.Command, Payload: encodeSeq(1)}
	c1 := commit.New(1, sess, 0, op, nil)
	c2 := commit.New(2, sess, 0, op, nil) // same sequence, as a retry would replay

	r1, err := e.Apply(c1)
	require.NoError(t, err)
	r2, err := e.Apply(c2)
	require.NoError(t, err)

	assert.Equal(t, r1, r2)
	assert.Equal(t, 1, calls, "handler must run exactly once for a retried sequence")
}

func TestApplyHandlerPanicBecomesApplicationError(t *testing.T) {
	reg := session.NewRegistry()
	sess := reg.Open("client-a", 10_000, 0)
	e := New(reg, scheduler.New(), nil)
	e.Register("boom", func(c *commit.Commit, sched scheduler.Scheduling) ([]byte, error) {
		panic("kaboom")
	})

	op := types.Operation{ID: "boom", Kind: types.Command, Payload: encodeSeq(1)}
	c := commit.New(1, sess, 0, op, nil)

	_, err := e.Apply(c)
	require.Error(t, err)
	werr, ok := err.(*types.WireError)
	require.True(t, ok)
	assert.Equal(t, types.ApplicationError, werr.Kind)
}

// TestOutOfOrderCommitBuffersUntilGapFills verifies that a commit
// arriving with sequence 2 before sequence 1 has landed does not run its
// handler immediately: it is buffered, reported as SequenceGap, and only
// dispatched once sequence 1 applies and drains it.
func TestOutOfOrderCommitBuffersUntilGapFills(t *testing.T) {
	reg := session.NewRegistry()
	sess := reg.Open("client-a", 10_000, 0)

	var order []uint64
	e := New(reg, scheduler.New(), nil)
	e.Register("record", func(c *commit.Commit, sched scheduler.Scheduling) ([]byte, error) {
		seq := sequenceOf(c)
		order = append(order, seq)
		return encodeSeq(seq), nil
	})

	op2 := types.Operation{ID: "record", Kind: types.Command, Payload: encodeSeq(2)}
	c2 := commit.New(1, sess, 0, op2, nil)
	_, err := e.Apply(c2)
	require.Error(t, err)
	werr, ok := err.(*types.WireError)
	require.True(t, ok)
	assert.Equal(t, types.SequenceGap, werr.Kind)
	assert.Empty(t, order, "handler must not run for a commit buffered ahead of the gap")

	op1 := types.Operation{ID: "record", Kind: types.Command, Payload: encodeSeq(1)}
	c1 := commit.New(2, sess, 0, op1, nil)
	result1, err := e.Apply(c1)
	require.NoError(t, err)
	assert.Equal(t, encodeSeq(1), result1)
	assert.Equal(t, []uint64{1, 2}, order, "both commits must apply in sequence order once the gap fills")

	// A retry of the originally-gapped sequence now replays the cached
	// result from the drain instead of re-running the handler.
	c2Retry := commit.New(3, sess, 0, op2, nil)
	result2, err := e.Apply(c2Retry)
	require.NoError(t, err)
	assert.Equal(t, encodeSeq(2), result2)
	assert.Equal(t, []uint64{1, 2}, order, "retried sequence must replay, not re-execute")
}

// TestOutOfOrderBufferOverflowClosesSession verifies that a session
// whose pending buffer grows past its bound is deemed broken: the
// session is closed and further commits on it report UnknownSession.
func TestOutOfOrderBufferOverflowClosesSession(t *testing.T) {
	reg := session.NewRegistry()
	sess := reg.Open("client-a", 10_000, 0)

	e := New(reg, scheduler.New(), nil)
	e.Register("record", func(c *commit.Commit, sched scheduler.Scheduling) ([]byte, error) {
		return nil, nil
	})

	// Sequence 1 never arrives: every one of these is a gap relative to
	// lastAppliedSeq, so they all buffer until the session is deemed
	// broken.
	var lastErr error
	for seq := uint64(2); seq <= maxPendingCommitsForTest+2; seq++ {
		op := types.Operation{ID: "record", Kind: types.Command, Payload: encodeSeq(seq)}
		c := commit.New(seq, sess, 0, op, nil)
		_, lastErr = e.Apply(c)
	}
	require.Error(t, lastErr)
	werr, ok := lastErr.(*types.WireError)
	require.True(t, ok)
	assert.Equal(t, types.UnknownSession, werr.Kind)

	_, ok = reg.Get(sess.ID())
	assert.False(t, ok, "session must be closed once its pending buffer overflows")
}

const maxPendingCommitsForTest = 64

// TestQueryHandlerCannotSchedule verifies that a handler invoked through
// Query gets a scheduler.QueryGuard instead of the live scheduler: any
// Schedule call fails with IllegalSchedule instead of mutating logical
// time.
func TestQueryHandlerCannotSchedule(t *testing.T) {
	reg := session.NewRegistry()
	sess := reg.Open("client-a", 10_000, 0)
	e := New(reg, scheduler.New(), nil)
	e.Register("naughty", func(c *commit.Commit, sched scheduler.Scheduling) ([]byte, error) {
		sched.Schedule(100, func() {})
		return nil, nil
	})

	op := types.Operation{ID: "naughty", Kind: types.Query}
	c := commit.New(1, sess, 0, op, nil)

	_, err := e.Query(c)
	require.Error(t, err)
	werr, ok := err.(*types.WireError)
	require.True(t, ok)
	assert.Equal(t, types.IllegalSchedule, werr.Kind)
}

// TestSnapshotInstallRoundTrip verifies that after snapshot -> install, a
// fresh executor's registry holds the original's session.
func TestSnapshotInstallRoundTrip(t *testing.T) {
	reg := session.NewRegistry()
	sess := reg.Open("client-a", 10_000, 0)

	e := New(reg, scheduler.New(), nil)
	e.Register("echo", echoHandler)

	op := types.Operation{ID: "echo", Kind: types.Command, Payload: append(encodeSeq(1), []byte("hi")...)}
	c := commit.New(1, sess, 0, op, nil)
	_, err := e.Apply(c)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, e.Snapshot(&buf))

	reg2 := session.NewRegistry()
	e2 := New(reg2, scheduler.New(), nil)
	e2.Register("echo", echoHandler)
	require.NoError(t, e2.Install(&buf))

	_, ok := reg2.Get(sess.ID())
	assert.True(t, ok)
}

func encodeSeq(seq uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(seq)
		seq >>= 8
	}
	return b
}
