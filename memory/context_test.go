package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexstack/memflow/types"
)

func TestCreateContextComputesLevelAndPath(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	root, err := store.CreateContext(ctx, "user-1", "work", "work context", nil, ContextOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, root.Level)
	assert.Equal(t, "work", root.Path)

	child, err := store.CreateContext(ctx, "user-1", "project", "", nil,
		ContextOptions{ParentID: root.MemoryID})
	require.NoError(t, err)
	assert.Equal(t, 1, child.Level)
	assert.Equal(t, "work/project", child.Path)

	grandchild, err := store.CreateContext(ctx, "user-1", "sprint", "", nil,
		ContextOptions{ParentID: child.MemoryID})
	require.NoError(t, err)
	assert.Equal(t, 2, grandchild.Level)
	assert.Equal(t, "work/project/sprint", grandchild.Path)
}

func TestCreateContextUnknownParent(t *testing.T) {
	store := newTestStore(t)

	_, err := store.CreateContext(context.Background(), "user-1", "orphan", "", nil,
		ContextOptions{ParentID: "missing"})
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestGetInfluenceContextFoldsRootFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	root, err := store.CreateContext(ctx, "user-1", "org", "", nil, ContextOptions{
		Rules: []types.InfluenceRule{
			{Kind: types.RuleOverride, Key: "priority", Value: "low"},
			{Kind: types.RuleOverride, Key: "budget", Value: float64(100)},
		},
	})
	require.NoError(t, err)

	mid, err := store.CreateContext(ctx, "user-1", "team", "", nil, ContextOptions{
		ParentID: root.MemoryID,
		Rules: []types.InfluenceRule{
			{Kind: types.RuleModify, Key: "priority", Operation: types.InfluenceOpSet, Value: "high"},
			{Kind: types.RuleModify, Key: "budget", Operation: types.InfluenceOpMultiply, Value: float64(2)},
			{Kind: types.RuleAdd, Key: "region", Value: "eu"},
		},
	})
	require.NoError(t, err)

	leaf, err := store.CreateContext(ctx, "user-1", "task", "", nil, ContextOptions{
		ParentID: mid.MemoryID,
		Rules: []types.InfluenceRule{
			// Add must not clobber the existing key.
			{Kind: types.RuleAdd, Key: "region", Value: "us"},
		},
	})
	require.NoError(t, err)

	effective, err := store.GetInfluenceContext(ctx, "user-1", leaf.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, "high", effective["priority"], "closer node's modify wins over root override")
	assert.Equal(t, float64(200), effective["budget"])
	assert.Equal(t, "eu", effective["region"], "add keeps the first binding")

	// Determinism: the same walk yields the same payload.
	again, err := store.GetInfluenceContext(ctx, "user-1", leaf.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, effective, again)
}

func TestGetInfluenceContextSkipsInactiveAncestors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	root, err := store.CreateContext(ctx, "user-1", "root", "", nil, ContextOptions{
		Rules: []types.InfluenceRule{{Kind: types.RuleOverride, Key: "mode", Value: "strict"}},
	})
	require.NoError(t, err)

	leaf, err := store.CreateContext(ctx, "user-1", "leaf", "", nil,
		ContextOptions{ParentID: root.MemoryID})
	require.NoError(t, err)

	inactive := false
	_, err = store.UpdateContext(ctx, "user-1", root.MemoryID, ContextUpdate{IsActive: &inactive})
	require.NoError(t, err)

	effective, err := store.GetInfluenceContext(ctx, "user-1", leaf.MemoryID)
	require.NoError(t, err)
	_, exists := effective["mode"]
	assert.False(t, exists, "inactive ancestor rules must not apply")
}

func TestModifyRuleIgnoresAbsentKey(t *testing.T) {
	store := newTestStore(t)

	node, err := store.CreateContext(context.Background(), "user-1", "solo", "", nil, ContextOptions{
		Rules: []types.InfluenceRule{
			{Kind: types.RuleModify, Key: "missing", Operation: types.InfluenceOpSet, Value: "x"},
		},
	})
	require.NoError(t, err)

	effective, err := store.GetInfluenceContext(context.Background(), "user-1", node.MemoryID)
	require.NoError(t, err)
	assert.Empty(t, effective)
}

func TestUpdateContextFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	node, err := store.CreateContext(ctx, "user-1", "before", "old", nil, ContextOptions{})
	require.NoError(t, err)

	name := "after"
	priority := 7
	updated, err := store.UpdateContext(ctx, "user-1", node.MemoryID, ContextUpdate{
		Name:     &name,
		Priority: &priority,
		Rules:    []types.InfluenceRule{{Kind: types.RuleOverride, Key: "k", Value: "v"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "after", updated.Name)
	assert.Equal(t, 7, updated.Priority)
	assert.Equal(t, "before", updated.Path, "path is fixed at creation")

	rules, err := updated.Rules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
}

func TestDeleteContextCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	root, err := store.CreateContext(ctx, "user-1", "root", "", nil, ContextOptions{})
	require.NoError(t, err)
	child, err := store.CreateContext(ctx, "user-1", "child", "", nil,
		ContextOptions{ParentID: root.MemoryID})
	require.NoError(t, err)
	grandchild, err := store.CreateContext(ctx, "user-1", "grandchild", "", nil,
		ContextOptions{ParentID: child.MemoryID})
	require.NoError(t, err)

	require.NoError(t, store.DeleteContext(ctx, "user-1", root.MemoryID))

	for _, id := range []string{root.MemoryID, child.MemoryID, grandchild.MemoryID} {
		_, err := store.GetContext(ctx, "user-1", id)
		assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
	}
}

func TestDeleteContextUnknownNode(t *testing.T) {
	store := newTestStore(t)

	err := store.DeleteContext(context.Background(), "user-1", "missing")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}
