// Package memstore is an in-process Store implementation backed by maps
// guarded by a single mutex. Used by the engine's own tests and by
// cmd/crawlctl's ephemeral (non-durable) mode.
package memstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fenwick-labs/taskcrawl/store"
)

// MemStore implements store.Store entirely in memory.
type MemStore struct {
	mu     sync.Mutex
	nextID store.TaskId
	tasks  map[store.TaskId]*store.TaskRecord
	urls   map[store.TaskId]map[string]*store.UrlRecord
	order  map[store.TaskId][]string // insertion order, for stable ListUrls
}

// New creates an empty MemStore.
func New() *MemStore {
	return &MemStore{
		tasks: make(map[store.TaskId]*store.TaskRecord),
		urls:  make(map[store.TaskId]map[string]*store.UrlRecord),
		order: make(map[store.TaskId][]string),
	}
}

func clone(r *store.TaskRecord) *store.TaskRecord {
	cp := *r
	return &cp
}

func cloneURL(r *store.UrlRecord) *store.UrlRecord {
	cp := *r
	return &cp
}

// CreateTask assigns an id (if unset) and stores the record.
func (m *MemStore) CreateTask(ctx context.Context, rec *store.TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.Id == 0 {
		m.nextID++
		rec.Id = m.nextID
	} else if rec.Id > m.nextID {
		m.nextID = rec.Id
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.tasks[rec.Id] = clone(rec)
	m.urls[rec.Id] = make(map[string]*store.UrlRecord)
	m.order[rec.Id] = nil
	return nil
}

func (m *MemStore) UpdateTaskConfig(ctx context.Context, id store.TaskId, rec store.TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.Id = id
	rec.CreatedAt = existing.CreatedAt
	m.tasks[id] = clone(&rec)
	return nil
}

func (m *MemStore) GetTask(ctx context.Context, id store.TaskId) (*store.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(rec), nil
}

func (m *MemStore) ListTasks(ctx context.Context) ([]*store.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*store.TaskRecord, 0, len(m.tasks))
	for _, rec := range m.tasks {
		out = append(out, clone(rec))
	}
	return out, nil
}

func (m *MemStore) DeleteTaskAndUrls(ctx context.Context, id store.TaskId) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tasks, id)
	delete(m.urls, id)
	delete(m.order, id)
	return nil
}

func (m *MemStore) ResetTaskAggregates(ctx context.Context, id store.TaskId) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.TotalUrls, rec.CompletedUrls, rec.FailedUrls = 0, 0, 0
	rec.SuccessRate, rec.TotalBytes, rec.AvgResponseTime, rec.Progress = 0, 0, 0, 0
	rec.StartedAt, rec.FinishedAt = nil, nil
	return nil
}

func (m *MemStore) UpdateAggregates(ctx context.Context, id store.TaskId, agg store.Aggregates) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.TotalUrls = agg.TotalUrls
	rec.CompletedUrls = agg.CompletedUrls
	rec.FailedUrls = agg.FailedUrls
	rec.SuccessRate = agg.SuccessRate
	rec.TotalBytes = agg.TotalBytes
	rec.AvgResponseTime = agg.AvgResponseTime
	rec.Progress = agg.Progress
	return nil
}

func (m *MemStore) UpdateQueueStatus(ctx context.Context, id store.TaskId, status store.QueueStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.QueueStatus = status
	return nil
}

func (m *MemStore) UpdateTaskStatus(ctx context.Context, id store.TaskId, status store.TaskStatus, startedAt, finishedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.Status = status
	if startedAt != nil {
		t := *startedAt
		rec.StartedAt = &t
	}
	if finishedAt != nil {
		t := *finishedAt
		rec.FinishedAt = &t
	}
	return nil
}

// RecomputeAggregates derives TotalUrls/CompletedUrls/FailedUrls/TotalBytes
// from the UrlRecords currently stored, for crash-recovery (spec.md §7).
func (m *MemStore) RecomputeAggregates(ctx context.Context, id store.TaskId) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	urls := m.urls[id]
	var total, completed, failed int
	var bytes int64
	for _, u := range urls {
		total++
		switch u.Status {
		case store.URLCompleted:
			completed++
			bytes += u.FileSize
		case store.URLFailed:
			failed++
		}
	}
	rec.TotalUrls = total
	rec.CompletedUrls = completed
	rec.FailedUrls = failed
	rec.TotalBytes = bytes
	if completed+failed > 0 {
		rec.SuccessRate = float64(completed) / float64(completed+failed)
	} else {
		rec.SuccessRate = 0
	}
	return nil
}

func (m *MemStore) InsertUrlRecord(ctx context.Context, rec *store.UrlRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[rec.TaskId]; !ok {
		return store.ErrNotFound
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	bucket := m.urls[rec.TaskId]
	if _, exists := bucket[rec.URL]; !exists {
		m.order[rec.TaskId] = append(m.order[rec.TaskId], rec.URL)
	}
	bucket[rec.URL] = cloneURL(rec)
	return nil
}

func (m *MemStore) UpdateUrlRecord(ctx context.Context, id store.TaskId, url string, mutate func(*store.UrlRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.urls[id]
	if !ok {
		return store.ErrNotFound
	}
	rec, ok := bucket[url]
	if !ok {
		return store.ErrNotFound
	}
	mutate(rec)
	return nil
}

func (m *MemStore) GetUrlRecord(ctx context.Context, id store.TaskId, url string) (*store.UrlRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.urls[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	rec, ok := bucket[url]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneURL(rec), nil
}

// matchesURLPrefix implements the scheme-agnostic prefix rule of spec.md
// §6: with no scheme given, match "https://prefix%" OR "http://prefix%" OR
// "%prefix%".
func matchesURLPrefix(url, prefix string) bool {
	if prefix == "" {
		return true
	}
	if strings.HasPrefix(prefix, "http://") || strings.HasPrefix(prefix, "https://") {
		return strings.HasPrefix(url, prefix)
	}
	return strings.HasPrefix(url, "https://"+prefix) ||
		strings.HasPrefix(url, "http://"+prefix) ||
		strings.Contains(url, prefix)
}

func classify(contentType string) store.ContentTypeClass {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.Index(ct, ";"); idx != -1 {
		ct = strings.TrimSpace(ct[:idx])
	}
	switch {
	case strings.HasPrefix(ct, "image/"):
		return store.ClassImage
	case strings.HasPrefix(ct, "video/"):
		return store.ClassVideo
	case strings.HasPrefix(ct, "audio/"):
		return store.ClassAudio
	default:
		return store.ClassOther
	}
}

func matchesFilter(rec *store.UrlRecord, f store.ListUrlsFilter) bool {
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.ContentTypeClass != "" {
		if f.ContentTypeClass == store.ClassExact {
			if rec.ContentType != f.ContentTypeExact {
				return false
			}
		} else if classify(rec.ContentType) != f.ContentTypeClass {
			return false
		}
	}
	if f.URLPrefix != "" && !matchesURLPrefix(rec.URL, f.URLPrefix) {
		return false
	}
	if f.ExtensionSuffix != "" && !strings.HasSuffix(rec.URL, f.ExtensionSuffix) {
		return false
	}
	return true
}

func (m *MemStore) ListUrls(ctx context.Context, id store.TaskId, filter store.ListUrlsFilter) ([]*store.UrlRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.urls[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	var matched []*store.UrlRecord
	for _, url := range m.order[id] {
		rec, ok := bucket[url]
		if !ok || !matchesFilter(rec, filter) {
			continue
		}
		matched = append(matched, cloneURL(rec))
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (m *MemStore) UrlStats(ctx context.Context, id store.TaskId) (store.UrlStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.urls[id]
	if !ok {
		return store.UrlStats{}, store.ErrNotFound
	}
	stats := store.UrlStats{
		ByStatus:           make(map[store.UrlStatus]int),
		ByContentTypeClass: make(map[store.ContentTypeClass]int),
	}
	for _, rec := range bucket {
		stats.ByStatus[rec.Status]++
		if rec.ContentType != "" {
			stats.ByContentTypeClass[classify(rec.ContentType)]++
		}
		stats.TotalBytes += rec.FileSize
	}
	return stats, nil
}

func (m *MemStore) DeleteUrlRecords(ctx context.Context, id store.TaskId) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[id]; !ok {
		return store.ErrNotFound
	}
	m.urls[id] = make(map[string]*store.UrlRecord)
	m.order[id] = nil
	return nil
}

var _ store.Store = (*MemStore)(nil)
