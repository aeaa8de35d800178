// Package registry implements the process-wide Registry of spec.md §2/§6:
// a TaskId -> *engine.Engine map guarding every control operation
// (start/pause/resume/pause-queue/resume-queue/stop/delete).
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fenwick-labs/taskcrawl/engine"
	"github.com/fenwick-labs/taskcrawl/fetch"
	"github.com/fenwick-labs/taskcrawl/memwatch"
	"github.com/fenwick-labs/taskcrawl/robots"
	"github.com/fenwick-labs/taskcrawl/store"
)

// Result is the shape every control operation returns to its caller
// (spec.md §7 "Control-plane operations return success/failure").
type Result struct {
	Success bool
	Error   string
}

func ok() Result           { return Result{Success: true} }
func fail(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

// Singletons are the process-wide collaborators shared by every engine
// the Registry starts (spec.md §9 "model them as dependency-injected
// singletons with explicit construction").
type Singletons struct {
	Robots   *robots.Cache
	Fetcher  *fetch.Fetcher
	Memwatch *memwatch.Watcher
	Logger   zerolog.Logger

	MonitorInterval time.Duration
	PopTimeout      time.Duration

	// OnSnapshot, if set, is forwarded every engine's snapshot callback.
	OnSnapshot func(engine.Snapshot)
}

// Registry owns the process-wide map of active engines.
type Registry struct {
	store store.Store
	deps  Singletons

	mu      sync.Mutex
	engines map[store.TaskId]*engine.Engine
}

// New creates a Registry backed by s, using deps for every engine it starts.
func New(s store.Store, deps Singletons) *Registry {
	return &Registry{
		store:   s,
		deps:    deps,
		engines: make(map[store.TaskId]*engine.Engine),
	}
}

func (r *Registry) get(id store.TaskId) (*engine.Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[id]
	return e, ok
}

func (r *Registry) set(id store.TaskId, e *engine.Engine) {
	r.mu.Lock()
	r.engines[id] = e
	r.mu.Unlock()
}

func (r *Registry) remove(id store.TaskId) {
	r.mu.Lock()
	delete(r.engines, id)
	r.mu.Unlock()
}

// Start constructs and launches an engine for id, per spec.md §6: valid
// from {pending, completed, stopped, failed} and not already active;
// resets aggregates and deletes prior URL records when the task was
// previously terminal (spec.md §3 "Lifecycle").
func (r *Registry) Start(ctx context.Context, id store.TaskId) Result {
	if _, active := r.get(id); active {
		return fail(errAlreadyActive(id))
	}

	rec, err := r.store.GetTask(ctx, id)
	if err != nil {
		return fail(err)
	}

	switch rec.Status {
	case store.TaskPending:
		// fresh task, nothing to reset
	case store.TaskCompleted, store.TaskStopped, store.TaskFailed:
		if err := r.store.ResetTaskAggregates(ctx, id); err != nil {
			return fail(err)
		}
		if err := r.store.DeleteUrlRecords(ctx, id); err != nil {
			return fail(err)
		}
	default:
		return fail(errNotStartable(rec.Status))
	}

	if err := r.store.UpdateQueueStatus(ctx, id, store.QueueActive); err != nil {
		return fail(err)
	}

	e := engine.New(rec, engine.Deps{
		Store:           r.store,
		Robots:          r.deps.Robots,
		Fetcher:         r.deps.Fetcher,
		Memwatch:        r.deps.Memwatch,
		Logger:          r.deps.Logger,
		MonitorInterval: r.deps.MonitorInterval,
		PopTimeout:      r.deps.PopTimeout,
		OnSnapshot:      r.deps.OnSnapshot,
		OnTerminal: func(taskID store.TaskId, _ store.TaskStatus) {
			r.remove(taskID)
		},
	})

	r.set(id, e)
	if err := e.Start(ctx); err != nil {
		r.remove(id)
		return fail(err)
	}
	return ok()
}

// Pause suspends worker execution for an active task.
func (r *Registry) Pause(ctx context.Context, id store.TaskId) Result {
	e, active := r.get(id)
	if !active {
		return fail(errNotActive(id))
	}
	if err := e.Pause(ctx); err != nil {
		return fail(err)
	}
	return ok()
}

// Resume clears the pause flag for an active task.
func (r *Registry) Resume(ctx context.Context, id store.TaskId) Result {
	e, active := r.get(id)
	if !active {
		return fail(errNotActive(id))
	}
	if err := e.Resume(ctx); err != nil {
		return fail(err)
	}
	return ok()
}

// PauseQueue suppresses new-link admission for an active task.
func (r *Registry) PauseQueue(ctx context.Context, id store.TaskId) Result {
	e, active := r.get(id)
	if !active {
		return fail(errNotActive(id))
	}
	if err := e.PauseQueue(ctx); err != nil {
		return fail(err)
	}
	return ok()
}

// ResumeQueue re-enables new-link admission for an active task.
func (r *Registry) ResumeQueue(ctx context.Context, id store.TaskId) Result {
	e, active := r.get(id)
	if !active {
		return fail(errNotActive(id))
	}
	if err := e.ResumeQueue(ctx); err != nil {
		return fail(err)
	}
	return ok()
}

// Stop requests termination. Per spec.md §6 it always writes
// status=stopped to the Store even if no engine is active, recovering
// from a process restart that lost the in-memory engine (desync
// recovery).
func (r *Registry) Stop(ctx context.Context, id store.TaskId) Result {
	e, active := r.get(id)
	if active {
		e.Stop()
		return ok()
	}
	now := time.Now()
	if err := r.store.UpdateTaskStatus(ctx, id, store.TaskStopped, nil, &now); err != nil {
		return fail(err)
	}
	return ok()
}

// Delete stops the task if active, then deletes it and its URL records.
func (r *Registry) Delete(ctx context.Context, id store.TaskId) Result {
	if e, active := r.get(id); active {
		e.Stop()
		e.Wait()
		r.remove(id)
	}
	if err := r.store.DeleteTaskAndUrls(ctx, id); err != nil {
		return fail(err)
	}
	return ok()
}

// Reconcile inspects every persisted task on process startup: a task
// found `running` with no active engine lost its in-memory state to a
// crash, so its aggregates are re-derived from URL records rather than
// trusted as-is (spec.md §7 "aggregates are re-derived from URL records
// if the Store's counters are stale").
func (r *Registry) Reconcile(ctx context.Context) error {
	tasks, err := r.store.ListTasks(ctx)
	if err != nil {
		return err
	}
	for _, rec := range tasks {
		if rec.Status != store.TaskRunning {
			continue
		}
		if _, active := r.get(rec.Id); active {
			continue
		}
		if err := r.store.RecomputeAggregates(ctx, rec.Id); err != nil {
			return err
		}
		now := time.Now()
		if err := r.store.UpdateTaskStatus(ctx, rec.Id, store.TaskFailed, nil, &now); err != nil {
			return err
		}
	}
	return nil
}

// IsActive reports whether id currently has a running engine.
func (r *Registry) IsActive(id store.TaskId) bool {
	_, active := r.get(id)
	return active
}
