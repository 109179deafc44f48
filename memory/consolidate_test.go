package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexstack/memflow/types"
)

func episodeEnvelope(ctxText, action, result string, ts time.Time) *types.Envelope {
	return &types.Envelope{
		Type: types.MemoryEpisode,
		Episode: &types.EpisodePayload{
			Context:   ctxText,
			Action:    action,
			Result:    result,
			Timestamp: ts,
		},
	}
}

func TestMergeMemoriesBoostsMeanImportanceAndTagsOriginals(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ids := []string{"e-1", "e-2", "e-3"}
	scores := []float64{1.0, 2.0, 3.0}
	for i, id := range ids {
		_, err := store.StoreMemory(ctx, "user-1", types.NamespaceEpisodes,
			episodeEnvelope("standup", "reported status", "went fine", base.Add(time.Duration(i)*time.Hour)),
			StoreMemoryOptions{MemoryID: id, ImportanceScore: scores[i]})
		require.NoError(t, err)
	}

	merged, err := store.MergeMemories(ctx, "user-1", ids, MergeEpisodic)
	require.NoError(t, err)
	assert.Equal(t, types.NamespaceMerged, merged.Namespace)
	assert.InDelta(t, 2.0*1.2, merged.ImportanceScore, 1e-9, "mean importance boosted by 1.2x")

	env, err := merged.Envelope()
	require.NoError(t, err)
	assert.Equal(t, types.MemoryMergedEpisode, env.Type)
	require.NotNil(t, env.Episode.SpanStart)
	assert.Equal(t, base, *env.Episode.SpanStart)
	assert.Equal(t, base.Add(2*time.Hour), *env.Episode.SpanEnd)

	// Originals stay queryable with a back-reference to the merge result.
	for _, id := range ids {
		original, err := store.GetMemory(ctx, "user-1", types.NamespaceEpisodes, id)
		require.NoError(t, err)
		originalEnv, err := original.Envelope()
		require.NoError(t, err)
		assert.Equal(t, merged.MemoryID, originalEnv.MergedInto)
	}
}

func TestMergeMemoriesSingleInputIsIdentity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.StoreMemory(ctx, "user-1", types.NamespaceEpisodes,
		episodeEnvelope("c", "a", "r", time.Time{}),
		StoreMemoryOptions{MemoryID: "solo"})
	require.NoError(t, err)

	merged, err := store.MergeMemories(ctx, "user-1", []string{"solo"}, MergeEpisodic)
	require.NoError(t, err)
	assert.Equal(t, "solo", merged.MemoryID)
	assert.Equal(t, types.NamespaceEpisodes, merged.Namespace, "no merged record is created")
}

func TestMergeMemoriesMissingInput(t *testing.T) {
	store := newTestStore(t)

	_, err := store.MergeMemories(context.Background(), "user-1", []string{"missing"}, MergeEpisodic)
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestMergeProceduresDeduplicatesSteps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	procedures := []*types.ProcedurePayload{
		{
			Name:        "send report",
			Steps:       []types.ProcedureStep{{Action: "draft", Target: "report"}, {Action: "send", Target: "report"}},
			SuccessRate: 0.8,
			Executions:  5,
		},
		{
			Name:        "send weekly report",
			Steps:       []types.ProcedureStep{{Action: "send", Target: "report"}, {Action: "archive", Target: "report"}},
			SuccessRate: 0.6,
			Executions:  3,
		},
	}
	for i, proc := range procedures {
		_, err := store.StoreMemory(ctx, "user-1", types.NamespaceProcedures,
			&types.Envelope{Type: types.MemoryProcedure, Procedure: proc},
			StoreMemoryOptions{MemoryID: []string{"p-1", "p-2"}[i]})
		require.NoError(t, err)
	}

	merged, err := store.MergeMemories(ctx, "user-1", []string{"p-1", "p-2"}, MergeProcedural)
	require.NoError(t, err)

	env, err := merged.Envelope()
	require.NoError(t, err)
	require.NotNil(t, env.Procedure)
	assert.Len(t, env.Procedure.Steps, 3, "shared (send, report) step appears once")
	assert.InDelta(t, 0.7, env.Procedure.SuccessRate, 1e-9)
	assert.Equal(t, 8, env.Procedure.Executions)
}

func TestFindMergeableMemoriesGroupsNearDuplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	texts := map[string]string{
		"d-1": "booked flight to berlin for conference",
		"d-2": "booked flight to berlin for conference again",
		"d-3": "watered the office plants",
	}
	for id, text := range texts {
		_, err := store.StoreMemory(ctx, "user-1", types.NamespaceEpisodes,
			factEnvelope(text), StoreMemoryOptions{MemoryID: id})
		require.NoError(t, err)
	}

	groups, err := store.FindMergeableMemories(ctx, "user-1", types.NamespaceEpisodes, 0.8)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.ElementsMatch(t, []string{"d-1", "d-2"}, groups[0])
}

func TestImproveMemoryInsertsValidationSteps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	proc := &types.ProcedurePayload{
		Name: "publish post",
		Steps: []types.ProcedureStep{
			{Action: "draft", Target: "post"},
			{Action: "send", Target: "post"},
		},
	}
	_, err := store.StoreMemory(ctx, "user-1", types.NamespaceProcedures,
		&types.Envelope{Type: types.MemoryProcedure, Procedure: proc},
		StoreMemoryOptions{MemoryID: "p-1", ImportanceScore: 2.0})
	require.NoError(t, err)

	improved, err := store.ImproveMemory(ctx, "user-1", "p-1", ImproveProceduralValidation)
	require.NoError(t, err)
	assert.InDelta(t, 2.0*1.1, improved.ImportanceScore, 1e-9)

	env, err := improved.Envelope()
	require.NoError(t, err)
	steps := env.Procedure.Steps
	// draft, send, verify(send), final verify
	require.Len(t, steps, 4)
	assert.Equal(t, "verify", steps[2].Action)
	assert.Equal(t, "post", steps[2].Target)
	assert.Equal(t, "verify", steps[3].Action)
}

func TestImproveMemoryRejectsNonProcedure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.StoreMemory(ctx, "user-1", types.NamespaceSemantic,
		factEnvelope("just a fact"), StoreMemoryOptions{MemoryID: "f-1"})
	require.NoError(t, err)

	_, err = store.ImproveMemory(ctx, "user-1", "f-1", ImproveProceduralValidation)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidArgument, types.GetErrorCode(err))
}

func TestDetectAndResolveConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.StoreMemory(ctx, "user-1", types.NamespaceEpisodes,
		episodeEnvelope("deploy", "restarted service", "fixed the outage", time.Time{}),
		StoreMemoryOptions{MemoryID: "a", ImportanceScore: 2.0})
	require.NoError(t, err)
	_, err = store.StoreMemory(ctx, "user-1", types.NamespaceEpisodes,
		episodeEnvelope("deploy", "restarted service", "made it worse", time.Time{}),
		StoreMemoryOptions{MemoryID: "b", ImportanceScore: 1.0})
	require.NoError(t, err)

	conflicts, err := store.DetectConflicts(ctx, "user-1", types.NamespaceEpisodes)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	winner := ResolveConflict(conflicts[0])
	assert.Equal(t, "a", winner.MemoryID, "higher importance wins")
}

func TestResolveConflictTieBreaksOnMemoryID(t *testing.T) {
	conflict := Conflict{
		A: &MemoryRecord{MemoryID: "zzz", ImportanceScore: 1.0},
		B: &MemoryRecord{MemoryID: "aaa", ImportanceScore: 1.0},
	}
	assert.Equal(t, "aaa", ResolveConflict(conflict).MemoryID)
}
