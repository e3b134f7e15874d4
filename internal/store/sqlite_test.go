package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markconroy/markie-sub000/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// --- Runs ---

func TestSQLite_RunLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, model.Run{RecordType: "node", RecordID: "42", RuleID: "summary", FieldName: "field_summary"})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	result := &model.RunResult{Candidates: 3, Accepted: 2, Rejected: 1, Stored: true, Duration: 120}
	require.NoError(t, st.CompleteRun(ctx, run.ID, model.RunStatusComplete, result))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, got.Status)
	assert.Equal(t, "field_summary", got.FieldName)
	require.NotNil(t, got.Result)
	assert.Equal(t, *result, *got.Result)
}

func TestSQLite_CompleteRun_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	err := st.CompleteRun(context.Background(), "missing", model.RunStatusFailed, &model.RunResult{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")

	_, err = st.GetRun(context.Background(), "missing")
	assert.Error(t, err)
}

func TestSQLite_ListRuns_Filters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, r := range []model.Run{
		{RecordType: "node", RecordID: "1", RuleID: "a", FieldName: "f"},
		{RecordType: "node", RecordID: "1", RuleID: "b", FieldName: "f"},
		{RecordType: "node", RecordID: "2", RuleID: "a", FieldName: "f"},
	} {
		created, err := st.CreateRun(ctx, r)
		require.NoError(t, err)
		if r.RuleID == "b" {
			require.NoError(t, st.CompleteRun(ctx, created.ID, model.RunStatusFailed, &model.RunResult{Error: "boom"}))
		}
	}

	all, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byRecord, err := st.ListRuns(ctx, RunFilter{RecordID: "1"})
	require.NoError(t, err)
	assert.Len(t, byRecord, 2)

	failed, err := st.ListRuns(ctx, RunFilter{Status: model.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].Result.Error)

	byRule, err := st.ListRuns(ctx, RunFilter{RuleID: "a", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, byRule, 1)

	paged, err := st.ListRuns(ctx, RunFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, paged, 1)
}

// --- Terms ---

func TestSQLite_Terms(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	cars, err := st.CreateTerm(ctx, "tags", "cars", "7")
	require.NoError(t, err)
	assert.NotEmpty(t, cars.ID)
	_, err = st.CreateTerm(ctx, "tags", "boats", "7")
	require.NoError(t, err)
	_, err = st.CreateTerm(ctx, "colors", "red", "7")
	require.NoError(t, err)

	again, err := st.CreateTerm(ctx, "tags", "cars", "9")
	require.NoError(t, err)
	assert.Equal(t, cars.ID, again.ID, "existing names are reused")
	assert.Equal(t, "7", again.Owner)

	tags, err := st.FindTerms(ctx, []string{"tags"})
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Equal(t, "boats", tags[0].Name)
	assert.Equal(t, "cars", tags[1].Name)

	all, err := st.FindTerms(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	both, err := st.FindTerms(ctx, []string{"tags", "colors"})
	require.NoError(t, err)
	assert.Len(t, both, 3)
}

// --- Entities and files ---

func TestSQLite_Entities(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	e, err := st.CreateEntity(ctx, model.Entity{
		EntityType: "node",
		Bundle:     "story",
		Owner:      "7",
		Fields:     map[string][]model.Item{"title": {{"value": "A story"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "1", e.ID)

	got, err := st.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "story", got.Bundle)
	assert.Equal(t, "A story", got.Fields["title"][0].String("value"))

	_, err = st.GetEntity(ctx, "99")
	assert.Error(t, err)
}

func TestSQLite_Files(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	f, err := st.InsertFile(ctx, model.File{URI: "public://a.jpg", Filename: "a.jpg", Mime: "image/jpeg", Size: 3})
	require.NoError(t, err)

	got, err := st.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, *f, *got)

	exists, err := st.FileExists(ctx, "public://a.jpg")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = st.FileExists(ctx, "public://b.jpg")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = st.InsertFile(ctx, model.File{URI: "public://a.jpg", Filename: "a.jpg"})
	assert.Error(t, err, "uris are unique")
}
