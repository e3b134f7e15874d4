package store

import (
	"context"
	"time"

	"github.com/markconroy/markie-sub000/internal/model"
	"github.com/markconroy/markie-sub000/internal/resilience"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status   model.RunStatus `json:"status,omitempty"`
	RecordID string          `json:"record_id,omitempty"`
	RuleID   string          `json:"rule_id,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

// Store defines the persistence interface behind the field automator: the
// run log, the collaborator records rules create and the dead letter queue
// of failed batch records.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run model.Run) (*model.Run, error)
	CompleteRun(ctx context.Context, id string, status model.RunStatus, result *model.RunResult) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Terms
	FindTerms(ctx context.Context, vocabularies []string) ([]model.Term, error)
	CreateTerm(ctx context.Context, vocabulary, name, owner string) (*model.Term, error)

	// Entities
	CreateEntity(ctx context.Context, e model.Entity) (*model.Entity, error)
	GetEntity(ctx context.Context, id string) (*model.Entity, error)

	// File metadata
	InsertFile(ctx context.Context, f model.File) (*model.File, error)
	GetFile(ctx context.Context, id string) (*model.File, error)
	FileExists(ctx context.Context, uri string) (bool, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func defaultLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
