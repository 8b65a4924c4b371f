package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/iris-network/iris/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestReputationEventLog(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendReputationEvent(&types.ReputationEvent{
			NodeID:    "node-a",
			Kind:      types.RepTaskCompleted,
			Points:    10,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	// Another node's events must not leak into node-a's listing.
	require.NoError(t, store.AppendReputationEvent(&types.ReputationEvent{
		NodeID:    "node-b",
		Kind:      types.RepTimeout,
		Points:    -20,
		Timestamp: base,
	}))

	events, err := store.ListReputationEvents("node-a", 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	// Newest first.
	assert.Equal(t, base.Add(4*time.Minute), events[0].Timestamp)
	assert.Equal(t, base, events[4].Timestamp)

	limited, err := store.ListReputationEvents("node-a", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := store.ListReputationEvents("node-c", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestReputationSnapshotRoundTrip(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.SaveReputationSnapshot(&ReputationSnapshot{
		NodeID:    "node-a",
		Score:     142.5,
		LastDecay: now,
	}))

	snap, err := store.GetReputationSnapshot("node-a")
	require.NoError(t, err)
	assert.Equal(t, 142.5, snap.Score)
	assert.Equal(t, now, snap.LastDecay)

	// Upsert overwrites.
	require.NoError(t, store.SaveReputationSnapshot(&ReputationSnapshot{
		NodeID: "node-a",
		Score:  100,
	}))
	snap, err = store.GetReputationSnapshot("node-a")
	require.NoError(t, err)
	assert.Equal(t, 100.0, snap.Score)

	_, err = store.GetReputationSnapshot("node-missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	snaps, err := store.ListReputationSnapshots()
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestNodeMeta(t *testing.T) {
	store := newTestStore(t)

	meta := &NodeMeta{
		NodeID:         "node-a",
		AccountRef:     "acct-1",
		ModelName:      "llama-3-8b",
		FirstSeen:      time.Now().UTC().Truncate(time.Second),
		TasksCompleted: 7,
	}
	require.NoError(t, store.SaveNodeMeta(meta))

	got, err := store.GetNodeMeta("node-a")
	require.NoError(t, err)
	assert.Equal(t, meta, got)

	_, err = store.GetNodeMeta("node-b")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTaskHistoryOrdering(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendTaskRecord(&types.TaskRecord{
			TaskID:    string(rune('a' + i)),
			Mode:      types.ModeSubtasks,
			Status:    types.TaskCompleted,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	records, err := store.ListTaskRecords(2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "c", records[0].TaskID)
	assert.Equal(t, "b", records[1].TaskID)
}
