package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by GetTask/GetUrlRecord when the key is absent.
var ErrNotFound = errors.New("store: not found")

// Store is the durable mapping the engine and registry depend on. Spec.md
// §6 lists these operations abstractly; this interface is the concrete
// contract both store/memstore and store/sqlstore satisfy.
//
// Implementations are externally synchronized: callers may invoke methods
// concurrently from multiple goroutines, but the engine never assumes
// read-your-writes across distinct Store handles (spec.md §5).
type Store interface {
	CreateTask(ctx context.Context, rec *TaskRecord) error
	UpdateTaskConfig(ctx context.Context, id TaskId, rec TaskRecord) error
	GetTask(ctx context.Context, id TaskId) (*TaskRecord, error)
	ListTasks(ctx context.Context) ([]*TaskRecord, error)
	DeleteTaskAndUrls(ctx context.Context, id TaskId) error

	ResetTaskAggregates(ctx context.Context, id TaskId) error
	UpdateAggregates(ctx context.Context, id TaskId, agg Aggregates) error
	UpdateQueueStatus(ctx context.Context, id TaskId, status QueueStatus) error
	// UpdateTaskStatus transitions status and optionally stamps startedAt /
	// finishedAt; a nil pointer leaves the corresponding field untouched.
	UpdateTaskStatus(ctx context.Context, id TaskId, status TaskStatus, startedAt, finishedAt *time.Time) error
	RecomputeAggregates(ctx context.Context, id TaskId) error

	InsertUrlRecord(ctx context.Context, rec *UrlRecord) error
	UpdateUrlRecord(ctx context.Context, id TaskId, url string, mutate func(*UrlRecord)) error
	GetUrlRecord(ctx context.Context, id TaskId, url string) (*UrlRecord, error)
	ListUrls(ctx context.Context, id TaskId, filter ListUrlsFilter) ([]*UrlRecord, error)
	UrlStats(ctx context.Context, id TaskId) (UrlStats, error)
	DeleteUrlRecords(ctx context.Context, id TaskId) error
}
