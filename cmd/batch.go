package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/markconroy/markie-sub000/internal/automator"
	"github.com/markconroy/markie-sub000/internal/model"
	"github.com/markconroy/markie-sub000/internal/resilience"
)

var (
	batchDir         string
	batchRules       string
	batchLimit       int
	batchRetryFailed bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run the automation rules on every record in a directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		ruleSet, err := model.ReadRules(batchRules)
		if err != nil {
			return err
		}

		var jobs []batchJob
		if batchRetryFailed {
			jobs, err = dlqJobs(ctx, env.Store, batchLimit)
		} else {
			jobs, err = dirJobs(batchDir)
		}
		if err != nil {
			return err
		}

		return processBatch(ctx, jobs, batchLimit, cfg.Batch.MaxConcurrentRecords, env.Store, cfg.Batch.MaxRetries,
			func(ctx context.Context, path string) error {
				_, err := processRecordFile(ctx, env.Runner, path, path, ruleSet, automator.ProcessOptions{})
				return err
			})
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchDir, "dir", "records", "directory of record JSON files")
	batchCmd.Flags().StringVar(&batchRules, "rules", "rules.yaml", "automation rules YAML file")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 100, "max number of records to process")
	batchCmd.Flags().BoolVar(&batchRetryFailed, "retry-failed", false, "retry records from the dead letter queue instead of --dir")
	rootCmd.AddCommand(batchCmd)
}

// batchJob is one record file to process. Entry is set when the job comes
// from the dead letter queue.
type batchJob struct {
	Path  string
	Entry *resilience.DLQEntry
}

// dlqStore is the dead letter queue part of store.Store.
type dlqStore interface {
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
}

// processFunc processes one record file.
type processFunc func(ctx context.Context, path string) error

func dirJobs(dir string) ([]batchJob, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, eris.Wrapf(err, "batch: list %s", dir)
	}
	sort.Strings(paths)
	jobs := make([]batchJob, len(paths))
	for i, p := range paths {
		jobs[i] = batchJob{Path: p}
	}
	return jobs, nil
}

func dlqJobs(ctx context.Context, dlq dlqStore, limit int) ([]batchJob, error) {
	entries, err := dlq.DequeueDLQ(ctx, resilience.DLQFilter{Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "batch: dequeue failed records")
	}
	jobs := make([]batchJob, len(entries))
	for i := range entries {
		jobs[i] = batchJob{Path: entries[i].RecordPath, Entry: &entries[i]}
	}
	return jobs, nil
}

// dlqID keys a record file in the dead letter queue so repeated failures
// update one entry.
func dlqID(path string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+path)).String()
}

// retryBackoff doubles from one minute per retry, capped at a day.
func retryBackoff(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	if retries > 10 {
		return 24 * time.Hour
	}
	d := time.Duration(1<<retries) * time.Minute
	if d > 24*time.Hour {
		return 24 * time.Hour
	}
	return d
}

// processBatch applies limit, then processes jobs concurrently. Each record
// is processed by one goroutine. Failed records go to the dead letter queue
// when dlq is non-nil; records retried from it are removed on success.
func processBatch(ctx context.Context, jobs []batchJob, limit, concurrency int, dlq dlqStore, maxRetries int, process processFunc) error {
	if len(jobs) == 0 {
		zap.L().Info("no records found")
		return nil
	}

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	if concurrency < 1 {
		concurrency = 1
	}

	zap.L().Info("processing batch",
		zap.Int("records", len(jobs)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var succeeded, failed atomic.Int64

	for _, job := range jobs {
		g.Go(func() error {
			log := zap.L().With(zap.String("record", job.Path))

			err := process(gctx, job.Path)
			if err != nil {
				failed.Add(1)
				log.Error("record failed", zap.Error(err))
				if dlq != nil {
					if qErr := recordFailure(gctx, dlq, job, err, maxRetries); qErr != nil {
						log.Warn("failed to queue record for retry", zap.Error(qErr))
					}
				}
				return nil // don't abort batch on individual failure
			}

			succeeded.Add(1)
			if dlq != nil && job.Entry != nil {
				if qErr := dlq.RemoveDLQ(gctx, job.Entry.ID); qErr != nil {
					log.Warn("failed to remove retried record from queue", zap.Error(qErr))
				}
			}
			log.Info("record complete")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "batch processing")
	}

	zap.L().Info("batch complete",
		zap.Int64("succeeded", succeeded.Load()),
		zap.Int64("failed", failed.Load()),
	)
	return nil
}

func recordFailure(ctx context.Context, dlq dlqStore, job batchJob, procErr error, maxRetries int) error {
	msg := procErr.Error()
	if len(msg) > 2000 {
		msg = msg[:2000]
	}
	now := time.Now().UTC()

	if job.Entry != nil {
		next := now.Add(retryBackoff(job.Entry.RetryCount + 1))
		return dlq.IncrementDLQRetry(ctx, job.Entry.ID, next, msg)
	}

	errType := resilience.ClassifyError(procErr)
	retries := maxRetries
	if errType == "permanent" {
		// Permanent failures stay visible in the queue without being retried.
		retries = 0
	}
	return dlq.EnqueueDLQ(ctx, resilience.DLQEntry{
		ID:           dlqID(job.Path),
		RecordPath:   job.Path,
		Error:        msg,
		ErrorType:    errType,
		MaxRetries:   retries,
		NextRetryAt:  now.Add(retryBackoff(0)),
		CreatedAt:    now,
		LastFailedAt: now,
	})
}
