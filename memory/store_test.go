package memory

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"pgregory.net/rapid"

	"github.com/cortexstack/memflow/llm/embedding"
	"github.com/cortexstack/memflow/types"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	// In-memory SQLite is per-connection; a second pooled connection would
	// see an empty database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, AutoMigrate(db))
	return db
}

func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	return NewStore(newTestDB(t), DefaultStoreConfig(), nil, opts...)
}

func factEnvelope(statement string) *types.Envelope {
	return &types.Envelope{
		Type: types.MemoryFact,
		Fact: &types.FactPayload{Statement: statement},
	}
}

func TestSaveCheckpointAssignsContiguousStepNumbers(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			t.Fatalf("open database: %v", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			t.Fatalf("unwrap database: %v", err)
		}
		sqlDB.SetMaxOpenConns(1)
		if err := AutoMigrate(db); err != nil {
			t.Fatalf("migrate: %v", err)
		}

		store := NewStore(db, DefaultStoreConfig(), nil)
		ctx := context.Background()

		count := rapid.IntRange(1, 15).Draw(t, "count")
		for i := 0; i < count; i++ {
			record, err := store.SaveCheckpoint(ctx, "thread-1", "user-1", "agent-1",
				map[string]any{"i": i}, CheckpointOptions{})
			if err != nil {
				t.Fatalf("save checkpoint %d: %v", i, err)
			}
			if record.StepNumber != i {
				t.Fatalf("checkpoint %d got step number %d", i, record.StepNumber)
			}
		}

		history, err := store.GetStateHistory(ctx, "thread-1", "user-1", count)
		if err != nil {
			t.Fatalf("get history: %v", err)
		}
		if len(history) != count {
			t.Fatalf("expected %d checkpoints, got %d", count, len(history))
		}
	})
}

func TestGetLatestStateReturnsHighestStep(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.SaveCheckpoint(ctx, "thread-1", "user-1", "", map[string]any{"step": "first"}, CheckpointOptions{})
	require.NoError(t, err)
	_, err = store.SaveCheckpoint(ctx, "thread-1", "user-1", "", map[string]any{"step": "second"}, CheckpointOptions{})
	require.NoError(t, err)

	state, err := store.GetLatestState(ctx, "thread-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "second", state["step"])
}

func TestGetLatestStateUnknownThreadIsNil(t *testing.T) {
	store := newTestStore(t)

	state, err := store.GetLatestState(context.Background(), "no-such-thread", "user-1")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestDeleteThread(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.SaveCheckpoint(ctx, "thread-1", "user-1", "", map[string]any{}, CheckpointOptions{})
	require.NoError(t, err)

	deleted, err := store.DeleteThread(ctx, "thread-1", "user-1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.DeleteThread(ctx, "thread-1", "user-1")
	require.NoError(t, err)
	assert.False(t, deleted, "second delete should report nothing removed")

	state, err := store.GetLatestState(ctx, "thread-1", "user-1")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestStoreMemoryUpsertIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.StoreMemory(ctx, "user-1", types.NamespaceSemantic,
		factEnvelope("prefers dark roast"), StoreMemoryOptions{MemoryID: "m-1"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, first.ImportanceScore, "importance defaults to 1.0")

	second, err := store.StoreMemory(ctx, "user-1", types.NamespaceSemantic,
		factEnvelope("prefers espresso"), StoreMemoryOptions{MemoryID: "m-1", ImportanceScore: 2.0})
	require.NoError(t, err)
	assert.Equal(t, "m-1", second.MemoryID)
	assert.Equal(t, 2.0, second.ImportanceScore)

	records, err := store.SearchMemories(ctx, "user-1", types.NamespaceSemantic, "", 10)
	require.NoError(t, err)
	require.Len(t, records, 1, "upsert must not create a second row")

	env, err := records[0].Envelope()
	require.NoError(t, err)
	assert.Equal(t, "prefers espresso", env.Fact.Statement)
	assert.Contains(t, records[0].SearchText, "espresso",
		"search text must follow the payload rewrite")
}

func TestStoreMemoryRejectsNegativeImportance(t *testing.T) {
	store := newTestStore(t)

	_, err := store.StoreMemory(context.Background(), "user-1", types.NamespaceSemantic,
		factEnvelope("x"), StoreMemoryOptions{ImportanceScore: -1})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidArgument, types.GetErrorCode(err))
}

func TestGetMemoryRecordsAccess(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newTestStore(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	record, err := store.StoreMemory(ctx, "user-1", types.NamespaceSemantic,
		factEnvelope("x"), StoreMemoryOptions{MemoryID: "m-1"})
	require.NoError(t, err)
	require.Equal(t, 0, record.AccessCount)

	clock = clock.Add(time.Hour)
	_, err = store.GetMemory(ctx, "user-1", types.NamespaceSemantic, "m-1")
	require.NoError(t, err)

	got, err := store.GetMemory(ctx, "user-1", types.NamespaceSemantic, "m-1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.AccessCount, 1)
}

func TestGetMemoryNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetMemory(context.Background(), "user-1", types.NamespaceSemantic, "missing")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestDeleteMemoryRemovesFromIndex(t *testing.T) {
	index := NewInMemoryVectorIndex(embedding.NewLocalProvider(64), nil)
	store := newTestStore(t, WithVectorIndex(index))
	ctx := context.Background()

	record, err := store.StoreMemory(ctx, "user-1", types.NamespaceSemantic,
		factEnvelope("deletable"), StoreMemoryOptions{MemoryID: "m-1"})
	require.NoError(t, err)

	require.NoError(t, store.DeleteMemory(ctx, "user-1", types.NamespaceSemantic, "m-1"))

	matches, err := index.Query(ctx, "deletable", []string{record.UserID + "/" + record.Namespace + "/" + record.MemoryID}, 10)
	require.NoError(t, err)
	assert.Empty(t, matches)

	err = store.DeleteMemory(ctx, "user-1", types.NamespaceSemantic, "m-1")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestListNamespacesAndStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.StoreMemory(ctx, "user-1", types.NamespaceSemantic, factEnvelope("a"), StoreMemoryOptions{})
	require.NoError(t, err)
	_, err = store.StoreMemory(ctx, "user-1", types.NamespaceEpisodes, &types.Envelope{
		Type:    types.MemoryEpisode,
		Episode: &types.EpisodePayload{Context: "c", Action: "a", Result: "r"},
	}, StoreMemoryOptions{ImportanceScore: 3.0})
	require.NoError(t, err)
	_, err = store.StoreMemory(ctx, "user-2", types.NamespaceSemantic, factEnvelope("other user"), StoreMemoryOptions{})
	require.NoError(t, err)

	namespaces, err := store.ListNamespaces(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{types.NamespaceEpisodes, types.NamespaceSemantic}, namespaces)

	stats, err := store.Stats(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, int64(1), stats[0].Count)
	assert.Equal(t, 3.0, stats[0].MaxImportance)
}
