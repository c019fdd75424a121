package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianio/meridian/pkg/types"
)

func TestRegistryOpenAssignsMonotoneIDs(t *testing.T) {
	r := NewRegistry()
	s1 := r.Open("client-a", 10_000, 0)
	s2 := r.Open("client-b", 10_000, 0)

	assert.Equal(t, uint64(1), s1.ID())
	assert.Equal(t, uint64(2), s2.ID())
	assert.Equal(t, 2, r.Count())
}

func TestKeepAliveExtendsLiveness(t *testing.T) {
	r := NewRegistry()
	s := r.Open("client-a", 1000, 0)

	require.NoError(t, r.KeepAlive(s.ID(), 0, 0, 500))
	assert.False(t, s.expired(1400))
	assert.True(t, s.expired(1600))
}

func TestExpireClosesSessionsPastDeadlineDeterministically(t *testing.T) {
	tests := []struct {
		name       string
		timeoutMs  uint64
		openedAt   int64
		expireAt   int64
		wantExpire bool
	}{
		{"not yet due", 1000, 0, 999, false},
		{"exactly at threshold", 1000, 0, 1000, false},
		{"past threshold", 1000, 0, 1001, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			s := r.Open("client-a", tt.timeoutMs, tt.openedAt)

			expired := r.Expire(tt.expireAt)

			if tt.wantExpire {
				assert.Contains(t, expired, s.ID())
				_, ok := r.Get(s.ID())
				assert.False(t, ok)
			} else {
				assert.Empty(t, expired)
				_, ok := r.Get(s.ID())
				assert.True(t, ok)
			}
		})
	}
}

func TestRecordAppliedEnablesReplay(t *testing.T) {
	r := NewRegistry()
	s := r.Open("client-a", 10_000, 0)

	r.RecordApplied(s.ID(), 1, types.Ok, "", []byte("result-1"))

	kind, message, result, found := s.Replay(1)
	require.True(t, found)
	assert.Equal(t, types.Ok, kind)
	assert.Empty(t, message)
	assert.Equal(t, []byte("result-1"), result)

	_, _, _, found = s.Replay(2)
	assert.False(t, found)
}

func TestPublishAndAckEvents(t *testing.T) {
	r := NewRegistry()
	s := r.Open("client-a", 10_000, 0)

	seq1, ok := r.Publish(s.ID(), []byte("e1"))
	require.True(t, ok)
	seq2, _ := r.Publish(s.ID(), []byte("e2"))

	assert.Len(t, s.PendingEvents(), 2)

	require.NoError(t, r.KeepAlive(s.ID(), 0, seq1, 0))
	assert.Len(t, s.PendingEvents(), 1)
	assert.Equal(t, seq2, s.PendingEvents()[0].Sequence)
}

func TestCloseRemovesSession(t *testing.T) {
	r := NewRegistry()
	s := r.Open("client-a", 10_000, 0)

	require.NoError(t, r.Close(s.ID()))
	_, ok := r.Get(s.ID())
	assert.False(t, ok)

	err := r.Close(s.ID())
	require.Error(t, err)
	werr, ok := err.(*types.WireError)
	require.True(t, ok)
	assert.Equal(t, types.UnknownSession, werr.Kind)
}
