// Package store defines the durable task/URL record model for the crawler
// and the Store interface the engine and registry depend on.
package store

import "time"

// TaskId identifies a crawl task. Opaque from the engine's perspective.
type TaskId int64

// Strategy selects how discovered links are prioritized in the frontier.
type Strategy string

const (
	StrategyBFS      Strategy = "bfs"
	StrategyDFS      Strategy = "dfs"
	StrategyPriority Strategy = "priority"
)

// TaskStatus is the task lifecycle state (spec.md §3, §4.8).
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskStopped   TaskStatus = "stopped"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// QueueStatus is orthogonal to TaskStatus: it gates new-link admission only.
type QueueStatus string

const (
	QueueActive QueueStatus = "active"
	QueuePaused QueueStatus = "paused"
)

// UrlStatus is the terminal (or pending) state of a single UrlRecord.
type UrlStatus string

const (
	URLPending       UrlStatus = "pending"
	URLCompleted     UrlStatus = "completed"
	URLFailed        UrlStatus = "failed"
	URLRobotsBlocked UrlStatus = "robots_blocked"
)

// TaskRecord is the identity, policy, and aggregate state for one crawl task.
type TaskRecord struct {
	Id TaskId

	// Policy
	SeedURL                string
	Strategy               Strategy
	MaxDepth               int
	ThreadCount            int
	RequestIntervalSeconds float64
	RetryTimes             int
	RespectRobots          bool
	AllowCrossDomain       bool

	// Runtime
	Status      TaskStatus
	QueueStatus QueueStatus

	// Aggregates
	TotalUrls       int
	CompletedUrls   int
	FailedUrls      int
	SuccessRate     float64
	TotalBytes      int64
	AvgResponseTime float64
	Progress        float64

	// Timestamps
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Metadata holds the typed, authoritative metadata fields extracted from a
// page (spec.md §3, §9 — the JSON blob on UrlRecord is a forward-compatible
// envelope derived from this, never a second source of truth).
type Metadata struct {
	Title       string
	Author      string
	Description string
	Keywords    string
	PublishTime string
}

// UrlRecord is keyed by (TaskId, URL) with URL already normalized.
type UrlRecord struct {
	TaskId TaskId
	URL    string

	Depth               int
	Status              UrlStatus
	StatusCode          int
	ResponseTimeSeconds float64
	FileSize            int64
	ContentType         string

	Metadata     Metadata
	MetadataJSON string

	ErrorMessage string

	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Aggregates is the subset of TaskRecord fields the engine's monitor loop
// recomputes and persists every tick.
type Aggregates struct {
	TotalUrls       int
	CompletedUrls   int
	FailedUrls      int
	SuccessRate     float64
	TotalBytes      int64
	AvgResponseTime float64
	Progress        float64
}

// ContentTypeClass buckets a UrlRecord's content type for filtering.
type ContentTypeClass string

const (
	ClassImage ContentTypeClass = "image"
	ClassVideo ContentTypeClass = "video"
	ClassAudio ContentTypeClass = "audio"
	ClassOther ContentTypeClass = "other"
	ClassExact ContentTypeClass = "exact"
)

// ListUrlsFilter narrows a ListUrls query. Zero values mean "no filter".
type ListUrlsFilter struct {
	Status           UrlStatus
	ContentTypeClass ContentTypeClass
	ContentTypeExact string // used when ContentTypeClass == ClassExact
	URLPrefix        string // without a scheme: matches https://prefix..., http://prefix..., or prefix anywhere
	ExtensionSuffix  string
	Limit            int
	Offset           int
}

// UrlStats is an aggregate readout over a task's URL records.
type UrlStats struct {
	ByStatus           map[UrlStatus]int
	ByContentTypeClass map[ContentTypeClass]int
	TotalBytes         int64
}
