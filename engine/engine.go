// Package engine implements the per-task supervisor of spec.md §4.7/§4.8:
// the TaskEngine that owns a task's Frontier, worker pool, statistics,
// pause/queue-pause/stop flags, monitor loop, and lifecycle state machine.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fenwick-labs/taskcrawl/admission"
	"github.com/fenwick-labs/taskcrawl/extract"
	"github.com/fenwick-labs/taskcrawl/fetch"
	"github.com/fenwick-labs/taskcrawl/frontier"
	"github.com/fenwick-labs/taskcrawl/memwatch"
	"github.com/fenwick-labs/taskcrawl/robots"
	"github.com/fenwick-labs/taskcrawl/store"
	"github.com/fenwick-labs/taskcrawl/urlnorm"
	"github.com/fenwick-labs/taskcrawl/visited"
)

// responseWindow bounds the rolling response-time sample used for
// avgResponseTime (spec.md §5 "Rolling response-time window: last 100
// samples").
const responseWindow = 100

// terminationConfirmTicks is the debounce window of spec.md §4.7/§9:
// natural completion requires this many consecutive monitor ticks
// observing an empty frontier and all-idle workers.
const terminationConfirmTicks = 3

// Deps are the collaborators an Engine needs; all are process-wide or
// task-scoped singletons constructed by the caller (spec.md §9 "model
// them as dependency-injected singletons").
type Deps struct {
	Store    store.Store
	Robots   *robots.Cache
	Fetcher  *fetch.Fetcher
	Memwatch *memwatch.Watcher
	Logger   zerolog.Logger

	// OnSnapshot is invoked with a fresh Snapshot at the end of every
	// monitor tick and on the final transition.
	OnSnapshot func(Snapshot)
	// OnTerminal is invoked once the engine has reached a terminal
	// status, so the Registry can remove it from the active map.
	OnTerminal func(store.TaskId, store.TaskStatus)

	MonitorInterval time.Duration
	PopTimeout      time.Duration
}

// Engine is the live, in-memory supervisor for one running task.
type Engine struct {
	id     store.TaskId
	deps   Deps
	policy policy
	userAgent string

	frontier *frontier.Frontier
	visited  *visited.Tracker

	mu          sync.Mutex
	paused      bool
	queuePaused bool
	stopped     bool
	threads     []ThreadState

	totalUrls          int
	completedUrls      int
	failedUrls         int
	totalBytes         int64
	duplicate          int
	crossDomainBlocked int
	robotsBlocked      int
	depthBlocked       int
	responseTimes      []float64
	responseTimesHead  int

	ctx          context.Context
	cancel       context.CancelFunc
	workersGroup *errgroup.Group
	monitorWG    sync.WaitGroup
	finishOnce   sync.Once
}

type policy struct {
	SeedURL                string
	Strategy               store.Strategy
	MaxDepth               int
	ThreadCount            int
	RequestIntervalSeconds float64
	RetryTimes             int
	RespectRobots          bool
	AllowCrossDomain       bool
}

const defaultUserAgent = "taskcrawl/1.0 (+managed crawler core)"

// New constructs an Engine for rec. It does not start any goroutines;
// call Start to do that.
func New(rec *store.TaskRecord, deps Deps) *Engine {
	if deps.MonitorInterval <= 0 {
		deps.MonitorInterval = 2 * time.Second
	}
	if deps.PopTimeout <= 0 {
		deps.PopTimeout = time.Second
	}
	threadCount := rec.ThreadCount
	if threadCount <= 0 {
		threadCount = 1
	}

	threads := make([]ThreadState, threadCount)
	for i := range threads {
		threads[i] = ThreadState{Id: i, Status: ThreadIdle}
	}

	return &Engine{
		id:   rec.Id,
		deps: deps,
		policy: policy{
			SeedURL:                rec.SeedURL,
			Strategy:               rec.Strategy,
			MaxDepth:               rec.MaxDepth,
			ThreadCount:            threadCount,
			RequestIntervalSeconds: rec.RequestIntervalSeconds,
			RetryTimes:             maxInt(rec.RetryTimes, 1),
			RespectRobots:          rec.RespectRobots,
			AllowCrossDomain:       rec.AllowCrossDomain,
		},
		userAgent: defaultUserAgent,
		frontier:  frontier.New(),
		threads:   threads,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Start seeds the frontier with the normalized seed URL, marks the task
// running, and spawns the worker pool and monitor loop (spec.md §4.7
// "On start").
func (e *Engine) Start(ctx context.Context) error {
	tracker, err := visited.New()
	if err != nil {
		return err
	}
	e.visited = tracker

	baseCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	g, gctx := errgroup.WithContext(baseCtx)
	e.workersGroup = g
	e.ctx = gctx

	seedURL, err := urlnorm.Normalize(e.policy.SeedURL)
	if err != nil {
		return err
	}

	priority := frontier.PriorityFor(e.policy.Strategy, 0, seedURL)
	e.frontier.Admit(seedURL, 0, priority)

	now := time.Now()
	if err := e.deps.Store.InsertUrlRecord(e.ctx, &store.UrlRecord{
		TaskId:    e.id,
		URL:       seedURL,
		Depth:     0,
		Status:    store.URLPending,
		CreatedAt: now,
	}); err != nil {
		e.deps.Logger.Warn().Err(err).Msg("insert seed url record")
	}
	e.mu.Lock()
	e.totalUrls = 1
	e.mu.Unlock()

	if err := e.deps.Store.UpdateTaskStatus(e.ctx, e.id, store.TaskRunning, &now, nil); err != nil {
		e.deps.Logger.Warn().Err(err).Msg("update task status to running")
	}

	for i := 0; i < e.policy.ThreadCount; i++ {
		id := i
		e.workersGroup.Go(func() error {
			e.runWorker(id)
			return nil
		})
	}

	e.monitorWG.Add(1)
	go e.runMonitor()

	return nil
}

// Stop requests termination. Workers notice at their next check; at
// most one in-flight fetch per worker completes first (spec.md §5).
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()
}

// Pause suspends worker execution without affecting queued admissions.
// Per spec.md §3/§4.8 paused is a durable task state, so it persists to
// the Store alongside flipping the in-memory flag workers check.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	return e.deps.Store.UpdateTaskStatus(ctx, e.id, store.TaskPaused, nil, nil)
}

// Resume clears the pause flag and persists the task back to running.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	return e.deps.Store.UpdateTaskStatus(ctx, e.id, store.TaskRunning, nil, nil)
}

// PauseQueue suppresses new-link admission while workers continue
// draining already-queued URLs.
func (e *Engine) PauseQueue(ctx context.Context) error {
	e.mu.Lock()
	e.queuePaused = true
	e.mu.Unlock()
	return e.deps.Store.UpdateQueueStatus(ctx, e.id, store.QueuePaused)
}

// ResumeQueue re-enables new-link admission.
func (e *Engine) ResumeQueue(ctx context.Context) error {
	e.mu.Lock()
	e.queuePaused = false
	e.mu.Unlock()
	return e.deps.Store.UpdateQueueStatus(ctx, e.id, store.QueueActive)
}

// Wait blocks until the engine has fully stopped: all workers exited
// and the monitor loop has persisted the final status.
func (e *Engine) Wait() {
	_ = e.workersGroup.Wait()
	e.monitorWG.Wait()
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func (e *Engine) isPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *Engine) isQueuePaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queuePaused
}

func (e *Engine) setThreadState(id int, status ThreadStatus, currentURL string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id < 0 || id >= len(e.threads) {
		return
	}
	e.threads[id].Status = status
	e.threads[id].CurrentURL = currentURL
}

func (e *Engine) recordResponseTime(seconds float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.responseTimes) < responseWindow {
		e.responseTimes = append(e.responseTimes, seconds)
	} else {
		e.responseTimes[e.responseTimesHead] = seconds
		e.responseTimesHead = (e.responseTimesHead + 1) % responseWindow
	}
}
