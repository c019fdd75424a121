package session

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianio/meridian/pkg/types"
)

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	r := NewRegistry()
	s := r.Open("client-a", 10_000, 5)
	r.RecordApplied(s.ID(), 1, types.Ok, "", []byte("hello"))
	_, _ = r.Publish(s.ID(), []byte("evt"))

	var buf bytes.Buffer
	require.NoError(t, r.Snapshot(&buf))

	restored := NewRegistry()
	require.NoError(t, restored.Restore(&buf))

	got, ok := restored.Get(s.ID())
	require.True(t, ok)
	assert.Equal(t, "client-a", got.ClientID())
	assert.Equal(t, uint64(10_000), got.TimeoutMillis())

	kind, _, result, found := got.Replay(1)
	require.True(t, found)
	assert.Equal(t, types.Ok, kind)
	assert.Equal(t, []byte("hello"), result)

	assert.Len(t, got.PendingEvents(), 1)

	// A session opened after restore must not collide with the restored
	// session's id.
	next := restored.Open("client-b", 10_000, 0)
	assert.NotEqual(t, s.ID(), next.ID())
}
