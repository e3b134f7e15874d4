package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markconroy/markie-sub000/internal/resilience"
)

// failedRecord builds a DLQ entry for a record file that is due at next.
func failedRecord(id string, next time.Time) resilience.DLQEntry {
	now := time.Now()
	return resilience.DLQEntry{
		ID:           id,
		RecordPath:   "records/" + id + ".json",
		Error:        "provider: chat anthropic/claude-sonnet-4-5: 529 overloaded",
		ErrorType:    "transient",
		MaxRetries:   3,
		NextRetryAt:  next,
		CreatedAt:    now,
		LastFailedAt: now,
	}
}

func TestSQLite_DLQ_EnqueueAndDequeue(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	entry := failedRecord("42", time.Now().Add(-time.Minute))
	entry.RecordID = "42"
	entry.RuleID = "summary"
	require.NoError(t, st.EnqueueDLQ(ctx, entry))

	entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := entries[0]
	assert.Equal(t, "42", got.ID)
	assert.Equal(t, "records/42.json", got.RecordPath)
	assert.Equal(t, "42", got.RecordID)
	assert.Equal(t, "summary", got.RuleID)
	assert.Equal(t, "transient", got.ErrorType)
	assert.Zero(t, got.RetryCount)
}

func TestSQLite_DLQ_DequeueEligibility(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	tests := []struct {
		name   string
		entry  func() resilience.DLQEntry
		filter resilience.DLQFilter
		want   int
	}{
		{
			name:  "due",
			entry: func() resilience.DLQEntry { return failedRecord("due", past) },
			want:  1,
		},
		{
			name:  "not due yet",
			entry: func() resilience.DLQEntry { return failedRecord("later", time.Now().Add(time.Hour)) },
			want:  0,
		},
		{
			name: "retries exhausted",
			entry: func() resilience.DLQEntry {
				e := failedRecord("spent", past)
				e.RetryCount = 3
				return e
			},
			want: 0,
		},
		{
			name: "permanent failures are never retried",
			entry: func() resilience.DLQEntry {
				e := failedRecord("bad", past)
				e.ErrorType = "permanent"
				e.MaxRetries = 0
				return e
			},
			want: 0,
		},
		{
			name:   "error type filter",
			entry:  func() resilience.DLQEntry { return failedRecord("t", past) },
			filter: resilience.DLQFilter{ErrorType: "permanent"},
			want:   0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newTestSQLiteStore(t)
			ctx := context.Background()
			require.NoError(t, st.EnqueueDLQ(ctx, tt.entry()))

			entries, err := st.DequeueDLQ(ctx, tt.filter)
			require.NoError(t, err)
			assert.Len(t, entries, tt.want)
		})
	}
}

func TestSQLite_DLQ_IncrementRetry(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.EnqueueDLQ(ctx, failedRecord("inc", time.Now().Add(-time.Minute))))
	require.NoError(t, st.IncrementDLQRetry(ctx, "inc", time.Now().Add(5*time.Minute), "second error"))

	entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, entries, "pushed back into the future")

	assert.Error(t, st.IncrementDLQRetry(ctx, "missing", time.Now(), "x"))
}

func TestSQLite_DLQ_RemoveAndCount(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, st.EnqueueDLQ(ctx, failedRecord(id, time.Now())))
	}
	count, err := st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, st.RemoveDLQ(ctx, "b"))
	count, err = st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSQLite_DLQ_EnqueueReplaces(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	entry := failedRecord("same", time.Now().Add(-time.Minute))
	require.NoError(t, st.EnqueueDLQ(ctx, entry))
	entry.Error = "second error"
	require.NoError(t, st.EnqueueDLQ(ctx, entry))

	entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "second error", entries[0].Error)
}

func TestSQLite_DLQ_DequeueOrdersByNextRetry(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now()
	for i, id := range []string{"c", "a", "b"} {
		require.NoError(t, st.EnqueueDLQ(ctx, failedRecord(id, now.Add(time.Duration(i-3)*time.Minute))))
	}

	entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].ID)
	assert.Equal(t, "a", entries[1].ID)
}
