package knowledge

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), dir, "test-repo", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEmbedDeterministicAndDistinct(t *testing.T) {
	v1 := Embed("hello world")
	v2 := Embed("hello world")
	assert.Equal(t, v1, v2)

	v3 := Embed("something else")
	assert.NotEqual(t, v1, v3)

	for _, f := range v1 {
		assert.GreaterOrEqual(t, f, float32(-1))
		assert.LessOrEqual(t, f, float32(1))
	}
}

func TestEmbedHandlesEmptyAndLongInputs(t *testing.T) {
	empty := Embed("")
	assert.Len(t, empty, VectorDim)

	long := Embed(strings.Repeat("x", 100_000))
	assert.Len(t, long, VectorDim)
	assert.NotEqual(t, empty, long)
}

func TestOpenInsertsSentinelOnce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, dir, "repo-a", nil)
	require.NoError(t, err)

	stats, err := s.StatsOf(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.RowCount) // sentinel is excluded from non-system counts
	require.NoError(t, s.Close())

	// Re-opening an existing store must not insert a second sentinel.
	s2, err := Open(ctx, dir, "repo-a", nil)
	require.NoError(t, err)
	defer s2.Close()

	var count int
	require.NoError(t, s2.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orchestra_knowledge WHERE type = ?`, string(TypeSystem)).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestStoreValidatesTextBounds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Store(ctx, NewItem{Text: "", Type: TypeGeneral})
	assert.Error(t, err)

	_, err = s.Store(ctx, NewItem{Text: strings.Repeat("a", MaxTextBytes+1), Type: TypeGeneral})
	assert.Error(t, err)

	id, err := s.Store(ctx, NewItem{Text: "a decision was made", Type: TypeDecision})
	require.NoError(t, err)
	assert.Contains(t, id, "decision-")
}

func TestStoreBatchPartialFailureContinues(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ids := s.StoreBatch(ctx, []NewItem{
		{Text: "valid item one", Type: TypeGeneral},
		{Text: "", Type: TypeGeneral}, // invalid: empty text
		{Text: "valid item two", Type: TypeGeneral},
	})
	assert.Len(t, ids, 2)
}

func TestSearchDropsSystemAndAppliesFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Store(ctx, NewItem{Text: "architecture note about the gateway", Type: TypeArchitecture, ProjectID: "proj-a"})
	require.NoError(t, err)
	_, err = s.Store(ctx, NewItem{Text: "architecture note about the cache", Type: TypeArchitecture, ProjectID: "proj-b"})
	require.NoError(t, err)

	results, err := s.Search(ctx, "architecture note", 10, SearchFilters{ProjectID: "proj-a"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "proj-a", results[0].Item.ProjectID)

	for _, r := range results {
		assert.NotEqual(t, TypeSystem, r.Item.Type)
	}
}

func TestGetProjectKnowledgeSortsByRecency(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Store(ctx, NewItem{Text: "first item in the project", Type: TypeGeneral, ProjectID: "proj-a"})
	require.NoError(t, err)
	_, err = s.Store(ctx, NewItem{Text: "second item in the project", Type: TypeGeneral, ProjectID: "proj-a"})
	require.NoError(t, err)

	items, err := s.GetProjectKnowledge(ctx, "proj-a", "", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.True(t, items[0].Timestamp.After(items[1].Timestamp) || items[0].Timestamp.Equal(items[1].Timestamp))
}

func TestProjectIsolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	idA, err := s.Store(ctx, NewItem{Text: "only in project a here", Type: TypeGeneral, ProjectID: "a"})
	require.NoError(t, err)

	itemsA, err := s.GetProjectKnowledge(ctx, "a", "", 10)
	require.NoError(t, err)
	require.Len(t, itemsA, 1)
	assert.Equal(t, idA, itemsA[0].ID)

	itemsB, err := s.GetProjectKnowledge(ctx, "b", "", 10)
	require.NoError(t, err)
	assert.Empty(t, itemsB)
}

func TestPreCompactionSplitsAndClassifies(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conversation := "We decided to use SQLite for the knowledge store because it needs no server.\n\n" +
		"short\n\n" +
		"The reviewer flagged a bug in the resize handler that needs fixing before release."

	result, err := s.PreCompaction(ctx, conversation, "proj-a", "session-1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Count) // the "short" chunk is below the 50-char floor

	items, err := s.GetProjectKnowledge(ctx, "proj-a", "", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)

	var sawDecision, sawIssueWithAgent bool
	for _, it := range items {
		if it.Type == TypeDecision {
			sawDecision = true
		}
		if it.Type == TypeIssue && it.Agent == "reviewer" {
			sawIssueWithAgent = true
		}
	}
	assert.True(t, sawDecision)
	assert.True(t, sawIssueWithAgent)
}

func TestPostCompactionAssemblesSummary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Store(ctx, NewItem{Text: "we decided to cache pricing lookups", Type: TypeDecision, ProjectID: "proj-a"})
	require.NoError(t, err)
	_, err = s.Store(ctx, NewItem{Text: "implementation detail about the watcher", Type: TypeImplementation, ProjectID: "proj-a"})
	require.NoError(t, err)

	summary, err := s.PostCompaction(ctx, "cache pricing lookups", "proj-a", 10)
	require.NoError(t, err)

	assert.NotEmpty(t, summary.CountsByType)
	assert.NotEmpty(t, summary.RecentActivity)
}

func TestCleanupRemovesOldRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Store(ctx, NewItem{Text: "a fresh item that is not old", Type: TypeGeneral, ProjectID: "proj-a"})
	require.NoError(t, err)

	n, err := s.Cleanup(ctx, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n) // cutoff of "older than 0 days" catches anything already written
}

func TestSessionStart(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Store(ctx, NewItem{Text: "some recent knowledge to surface", Type: TypeGeneral})
	require.NoError(t, err)

	summary, err := s.SessionStart(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, summary.Items, 1)
	assert.Contains(t, summary.Summary, "test-repo")
}

func TestStatsOfBreaksDownCorrectly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Store(ctx, NewItem{Text: "decision one about scope", Type: TypeDecision, ProjectID: "proj-a", Agent: "planner"})
	require.NoError(t, err)
	_, err = s.Store(ctx, NewItem{Text: "decision two about scope", Type: TypeDecision, ProjectID: "proj-b", Agent: "planner"})
	require.NoError(t, err)

	stats, err := s.StatsOf(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test-repo", stats.Repository)
	assert.Equal(t, 2, stats.RowCount)
	assert.Equal(t, 2, stats.ByType[TypeDecision])
	assert.Equal(t, 2, stats.ByAgent["planner"])
	assert.Equal(t, 1, stats.ByProject["proj-a"])
}
