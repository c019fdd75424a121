package kvstate

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianio/meridian/pkg/commit"
	"github.com/meridianio/meridian/pkg/scheduler"
	"github.com/meridianio/meridian/pkg/types"
)

type fakeSession struct{ id uint64 }

func (f fakeSession) ID() uint64 { return f.id }

func rawCommit(index uint64, timeMs int64, req PutRequest) *commit.Commit {
	payload, _ := json.Marshal(req)
	op := types.Operation{ID: OpPut, Kind: types.Command, Payload: payload}
	return commit.New(index, fakeSession{1}, timeMs, op, nil)
}

func rawQueryCommit(index uint64, timeMs int64, req GetRequest) *commit.Commit {
	payload, _ := json.Marshal(req)
	op := types.Operation{ID: OpGet, Kind: types.Query, Payload: payload}
	return commit.New(index, fakeSession{1}, timeMs, op, nil)
}

// TestPutThenGet verifies a put followed by a get returns the versioned
// value whose bytes round-trip unchanged.
func TestPutThenGet(t *testing.T) {
	s := New()
	sched := scheduler.New()

	_, err := s.applyPut(rawCommit(1, 0, PutRequest{Key: "foo", Value: []byte("Hello world!")}), sched)
	require.NoError(t, err)

	result, err := s.applyGet(rawQueryCommit(2, 0, GetRequest{Key: "foo"}), sched)
	require.NoError(t, err)

	var v Versioned
	require.NoError(t, json.Unmarshal(result, &v))
	assert.Equal(t, "Hello world!", string(v.Value))
	assert.Equal(t, uint64(1), v.Version)
}

// TestSnapshotRestoreRoundTrip verifies the snapshot leg: put into one
// state machine, snapshot, install into a fresh one, get back the same
// bytes.
func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := New()
	sched := scheduler.New()
	_, err := s.applyPut(rawCommit(1, 0, PutRequest{Key: "foo", Value: []byte("Hello world!")}), sched)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.SnapshotState(&buf))

	fresh := New()
	require.NoError(t, fresh.RestoreState(&buf))

	result, err := fresh.applyGet(rawQueryCommit(2, 0, GetRequest{Key: "foo"}), sched)
	require.NoError(t, err)

	var v Versioned
	require.NoError(t, json.Unmarshal(result, &v))
	assert.Equal(t, "Hello world!", string(v.Value))
}

// TestScheduledExpiry verifies a TTL'd put expires exactly when logical
// time crosses fireAt, and a read just past that point sees the value
// already gone.
func TestScheduledExpiry(t *testing.T) {
	s := New()
	sched := scheduler.New()

	_, err := s.applyPut(rawCommit(1, 1000, PutRequest{Key: "k", Value: []byte("v"), TTLMillis: 100}), sched)
	require.NoError(t, err)

	sched.Advance(1099)
	_, err = s.applyGet(rawQueryCommit(2, 1099, GetRequest{Key: "k"}), sched)
	require.NoError(t, err, "value must still be present just before the TTL deadline")

	sched.Advance(1100)
	_, err = s.applyGet(rawQueryCommit(3, 1100, GetRequest{Key: "k"}), sched)
	require.Error(t, err, "value must be gone once logical time reaches the TTL deadline")
}
