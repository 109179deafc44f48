package memory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMirror(t *testing.T) (*CheckpointMirror, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewCheckpointMirror(client, "memflow-test", time.Hour, nil), mr
}

func TestCheckpointMirrorRoundTrip(t *testing.T) {
	mirror, _ := newTestMirror(t)
	ctx := context.Background()

	record := &CheckpointRecord{
		CheckpointID: "cp-1",
		ThreadID:     "thread-1",
		UserID:       "user-1",
		StepNumber:   3,
		StateData:    `{"k":"v"}`,
	}
	require.NoError(t, mirror.WriteLatest(ctx, record))

	got, err := mirror.ReadLatest(ctx, "thread-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "cp-1", got.CheckpointID)
	assert.Equal(t, 3, got.StepNumber)

	require.NoError(t, mirror.DeleteThread(ctx, "thread-1"))
	got, err = mirror.ReadLatest(ctx, "thread-1")
	require.NoError(t, err)
	assert.Nil(t, got, "a miss is nil, not an error")
}

func TestStoreWritesThroughToMirror(t *testing.T) {
	mirror, _ := newTestMirror(t)
	store := newTestStore(t, WithCheckpointMirror(mirror))
	ctx := context.Background()

	saved, err := store.SaveCheckpoint(ctx, "thread-1", "user-1", "agent-1",
		map[string]any{"phase": "planning"}, CheckpointOptions{})
	require.NoError(t, err)

	mirrored, err := mirror.ReadLatest(ctx, "thread-1")
	require.NoError(t, err)
	require.NotNil(t, mirrored)
	assert.Equal(t, saved.CheckpointID, mirrored.CheckpointID)

	state, err := store.GetLatestState(ctx, "thread-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "planning", state["phase"])

	deleted, err := store.DeleteThread(ctx, "thread-1", "user-1")
	require.NoError(t, err)
	require.True(t, deleted)

	mirrored, err = mirror.ReadLatest(ctx, "thread-1")
	require.NoError(t, err)
	assert.Nil(t, mirrored, "thread delete clears the mirror")
}

func TestMirrorFailureDoesNotFailSave(t *testing.T) {
	mirror, mr := newTestMirror(t)
	store := newTestStore(t, WithCheckpointMirror(mirror))

	mr.Close()

	record, err := store.SaveCheckpoint(context.Background(), "thread-1", "user-1", "",
		map[string]any{}, CheckpointOptions{})
	require.NoError(t, err, "mirror outage must not fail the primary write")
	assert.Equal(t, 0, record.StepNumber)
}
