package engine

import (
	"context"
	"time"

	"github.com/fenwick-labs/taskcrawl/store"
)

// ThreadStatus is a worker's published state (spec.md §6).
type ThreadStatus string

const (
	ThreadIdle     ThreadStatus = "idle"
	ThreadCrawling ThreadStatus = "crawling"
	ThreadPaused   ThreadStatus = "paused"
	ThreadError    ThreadStatus = "error"
	ThreadStopped  ThreadStatus = "stopped"
)

// ThreadState is one worker's published status line.
type ThreadState struct {
	Id         int
	Status     ThreadStatus
	CurrentURL string
	Completed  int
	Failed     int
	Bytes      int64
}

// Snapshot is the monitor payload of spec.md §6, published per tick and
// on the final transition.
type Snapshot struct {
	TaskId      store.TaskId
	Status      store.TaskStatus
	QueueStatus store.QueueStatus

	Progress float64

	TotalUrls     int
	Processed     int
	CompletedUrls int
	FailedUrls    int
	QueueSize     int

	SuccessRate     float64
	TotalBytes      int64
	AvgResponseTime float64

	CrossDomainBlocked int
	DepthBlocked       int
	Duplicate          int
	RobotsBlocked      int

	Threads []ThreadState
}

// runMonitor implements the monitor loop of spec.md §4.7: ticks roughly
// every MonitorInterval, persists aggregates, publishes a snapshot, and
// declares natural termination after terminationConfirmTicks consecutive
// ticks see an empty frontier with every worker idle/stopped.
func (e *Engine) runMonitor() {
	defer e.monitorWG.Done()
	defer func() {
		if r := recover(); r != nil {
			e.deps.Logger.Error().Interface("panic", r).Msg("monitor panic: failing task")
			e.finish(store.TaskFailed)
		}
	}()

	ticker := time.NewTicker(e.deps.MonitorInterval)
	defer ticker.Stop()

	terminalTicks := 0

	for range ticker.C {
		snap := e.buildSnapshot()
		e.persistAggregates(snap)
		if e.deps.OnSnapshot != nil {
			e.deps.OnSnapshot(snap)
		}
		if e.deps.Memwatch != nil {
			e.deps.Memwatch.Check()
		}

		if e.isStopped() {
			if allWorkersDone(snap.Threads) {
				e.finish(store.TaskStopped)
				return
			}
			continue
		}

		if snap.QueueSize == 0 && allWorkersDone(snap.Threads) {
			terminalTicks++
		} else {
			terminalTicks = 0
		}

		if terminalTicks >= terminationConfirmTicks {
			e.finish(store.TaskCompleted)
			return
		}
	}
}

func allWorkersDone(threads []ThreadState) bool {
	for _, th := range threads {
		if th.Status != ThreadIdle && th.Status != ThreadStopped {
			return false
		}
	}
	return true
}

func (e *Engine) buildSnapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	processed := e.completedUrls + e.failedUrls
	progress := 0.0
	if e.totalUrls > 0 {
		progress = float64(processed) / float64(e.totalUrls) * 100
	}
	queueSize := e.frontier.Size()
	if queueSize == 0 && e.totalUrls > 0 {
		progress = 100
	}

	successRate := 0.0
	if processed > 0 {
		successRate = float64(e.completedUrls) / float64(processed)
	}

	avg := 0.0
	if n := len(e.responseTimes); n > 0 {
		var sum float64
		for _, v := range e.responseTimes {
			sum += v
		}
		avg = sum / float64(n)
	}

	threads := make([]ThreadState, len(e.threads))
	copy(threads, e.threads)

	status := store.TaskRunning
	switch {
	case e.stopped:
		status = store.TaskStopped
	case e.paused:
		status = store.TaskPaused
	}
	queueStatus := store.QueueActive
	if e.queuePaused {
		queueStatus = store.QueuePaused
	}

	return Snapshot{
		TaskId:             e.id,
		Status:             status,
		QueueStatus:        queueStatus,
		Progress:           progress,
		TotalUrls:          e.totalUrls,
		Processed:          processed,
		CompletedUrls:      e.completedUrls,
		FailedUrls:         e.failedUrls,
		QueueSize:          queueSize,
		SuccessRate:        successRate,
		TotalBytes:         e.totalBytes,
		AvgResponseTime:    avg,
		CrossDomainBlocked: e.crossDomainBlocked,
		DepthBlocked:       e.depthBlocked,
		Duplicate:          e.duplicate,
		RobotsBlocked:      e.robotsBlocked,
		Threads:            threads,
	}
}

func (e *Engine) persistAggregates(snap Snapshot) {
	ctx := context.Background()
	agg := store.Aggregates{
		TotalUrls:       snap.TotalUrls,
		CompletedUrls:   snap.CompletedUrls,
		FailedUrls:      snap.FailedUrls,
		SuccessRate:     snap.SuccessRate,
		TotalBytes:      snap.TotalBytes,
		AvgResponseTime: snap.AvgResponseTime,
		Progress:        snap.Progress,
	}
	if err := e.deps.Store.UpdateAggregates(ctx, e.id, agg); err != nil {
		e.deps.Logger.Warn().Err(err).Msg("persist aggregates")
	}
}

// finish persists the final status and notifies the registry. It is
// idempotent: only the first caller performs the transition.
func (e *Engine) finish(status store.TaskStatus) {
	e.finishOnce.Do(func() {
		e.cancel()
		_ = e.workersGroup.Wait()

		if err := e.visited.Close(); err != nil {
			e.deps.Logger.Warn().Err(err).Msg("close visited tracker")
		}

		ctx := context.Background()
		now := time.Now()
		if err := e.deps.Store.UpdateTaskStatus(ctx, e.id, status, nil, &now); err != nil {
			e.deps.Logger.Warn().Err(err).Msg("persist final task status")
		}

		snap := e.buildSnapshot()
		snap.Status = status
		e.persistAggregates(snap)
		if e.deps.OnSnapshot != nil {
			e.deps.OnSnapshot(snap)
		}
		if e.deps.OnTerminal != nil {
			e.deps.OnTerminal(e.id, status)
		}
	})
}
