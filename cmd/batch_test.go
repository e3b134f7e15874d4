package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/markconroy/markie-sub000/internal/resilience"
)

// fakeDLQ records dead letter queue calls.
type fakeDLQ struct {
	mu        sync.Mutex
	enqueued  []resilience.DLQEntry
	removed   []string
	retried   []string
	pending   []resilience.DLQEntry
	enqueueFn func(resilience.DLQEntry) error
}

func (f *fakeDLQ) EnqueueDLQ(_ context.Context, e resilience.DLQEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, e)
	if f.enqueueFn != nil {
		return f.enqueueFn(e)
	}
	return nil
}

func (f *fakeDLQ) DequeueDLQ(_ context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	if filter.Limit > 0 && filter.Limit < len(f.pending) {
		return f.pending[:filter.Limit], nil
	}
	return f.pending, nil
}

func (f *fakeDLQ) IncrementDLQRetry(_ context.Context, id string, _ time.Time, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, id)
	return nil
}

func (f *fakeDLQ) RemoveDLQ(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

// verifyNoLeaks fails the test when batch goroutines outlive it. The
// opencensus worker is started by an SDK dependency at init.
func verifyNoLeaks(t *testing.T) {
	goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func makeJobs(n int) []batchJob {
	jobs := make([]batchJob, n)
	for i := range jobs {
		jobs[i] = batchJob{Path: fmt.Sprintf("records/%d.json", i)}
	}
	return jobs
}

func TestProcessBatch_Empty(t *testing.T) {
	defer verifyNoLeaks(t)

	err := processBatch(context.Background(), nil, 10, 5, nil, 3, func(_ context.Context, _ string) error {
		t.Fatal("process should not be called for an empty batch")
		return nil
	})
	require.NoError(t, err)
}

func TestProcessBatch_AllSucceedWithinConcurrency(t *testing.T) {
	defer verifyNoLeaks(t)

	var count, running, peak atomic.Int64
	err := processBatch(context.Background(), makeJobs(8), 0, 3, nil, 3, func(_ context.Context, _ string) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		count.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(8), count.Load())
	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestProcessBatch_AppliesLimit(t *testing.T) {
	defer verifyNoLeaks(t)

	var count atomic.Int64
	err := processBatch(context.Background(), makeJobs(10), 4, 2, nil, 3, func(_ context.Context, _ string) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), count.Load())
}

func TestProcessBatch_FailuresGoToDLQ(t *testing.T) {
	defer verifyNoLeaks(t)

	dlq := &fakeDLQ{}
	err := processBatch(context.Background(), makeJobs(3), 0, 2, dlq, 3, func(_ context.Context, path string) error {
		switch path {
		case "records/0.json":
			return resilience.NewTransientError(errors.New("503 from provider"), 503)
		case "records/1.json":
			return errors.New("invalid record")
		}
		return nil
	})
	require.NoError(t, err, "individual failures never abort the batch")

	require.Len(t, dlq.enqueued, 2)
	byPath := map[string]resilience.DLQEntry{}
	for _, e := range dlq.enqueued {
		byPath[e.RecordPath] = e
	}

	transient := byPath["records/0.json"]
	assert.Equal(t, "transient", transient.ErrorType)
	assert.Equal(t, 3, transient.MaxRetries)
	assert.Equal(t, dlqID("records/0.json"), transient.ID)
	assert.True(t, transient.NextRetryAt.After(transient.CreatedAt))

	permanent := byPath["records/1.json"]
	assert.Equal(t, "permanent", permanent.ErrorType)
	assert.Equal(t, 0, permanent.MaxRetries)
	assert.Contains(t, permanent.Error, "invalid record")
}

func TestProcessBatch_RetriedEntries(t *testing.T) {
	defer verifyNoLeaks(t)

	dlq := &fakeDLQ{pending: []resilience.DLQEntry{
		{ID: "ok", RecordPath: "records/ok.json", MaxRetries: 3},
		{ID: "bad", RecordPath: "records/bad.json", RetryCount: 1, MaxRetries: 3},
	}}
	jobs, err := dlqJobs(context.Background(), dlq, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	err = processBatch(context.Background(), jobs, 0, 2, dlq, 3, func(_ context.Context, path string) error {
		if path == "records/bad.json" {
			return errors.New("still broken")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, dlq.removed)
	assert.Equal(t, []string{"bad"}, dlq.retried)
	assert.Empty(t, dlq.enqueued, "retried entries are updated, not re-enqueued")
}

func TestProcessBatch_DLQErrorIsLogged(t *testing.T) {
	defer verifyNoLeaks(t)

	dlq := &fakeDLQ{enqueueFn: func(resilience.DLQEntry) error { return errors.New("db down") }}
	err := processBatch(context.Background(), makeJobs(1), 0, 1, dlq, 3, func(_ context.Context, _ string) error {
		return errors.New("boom")
	})
	assert.NoError(t, err)
}

func TestProcessBatch_ContextCanceled(t *testing.T) {
	defer verifyNoLeaks(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var seen atomic.Int64
	err := processBatch(ctx, makeJobs(3), 0, 1, nil, 3, func(ctx context.Context, _ string) error {
		seen.Add(1)
		return ctx.Err()
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(3), seen.Load())
}

func TestDirJobs_SortedJSONOnly(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.json", "a.json", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}

	jobs, err := dirJobs(dir)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, filepath.Join(dir, "a.json"), jobs[0].Path)
	assert.Equal(t, filepath.Join(dir, "b.json"), jobs[1].Path)
	assert.Nil(t, jobs[0].Entry)
}

func TestDLQID_Stable(t *testing.T) {
	assert.Equal(t, dlqID("records/1.json"), dlqID("records/1.json"))
	assert.NotEqual(t, dlqID("records/1.json"), dlqID("records/2.json"))
}

func TestRetryBackoff(t *testing.T) {
	assert.Equal(t, time.Minute, retryBackoff(0))
	assert.Equal(t, 8*time.Minute, retryBackoff(3))
	assert.Equal(t, 24*time.Hour, retryBackoff(20))
	assert.Equal(t, 24*time.Hour, retryBackoff(80))
}
