// Package sqlstore is a durable store.Store implementation backed by
// SQLite, mirroring the tasks/url_records schema of the system this
// crawler core was distilled from (original_source/app.py's Database
// class) via database/sql and github.com/mattn/go-sqlite3.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fenwick-labs/taskcrawl/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	seed_url TEXT NOT NULL,
	strategy TEXT NOT NULL DEFAULT 'bfs',
	max_depth INTEGER NOT NULL DEFAULT 0,
	thread_count INTEGER NOT NULL DEFAULT 1,
	request_interval_seconds REAL NOT NULL DEFAULT 0,
	retry_times INTEGER NOT NULL DEFAULT 1,
	respect_robots INTEGER NOT NULL DEFAULT 1,
	allow_cross_domain INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	queue_status TEXT NOT NULL DEFAULT 'active',
	total_urls INTEGER NOT NULL DEFAULT 0,
	completed_urls INTEGER NOT NULL DEFAULT 0,
	failed_urls INTEGER NOT NULL DEFAULT 0,
	success_rate REAL NOT NULL DEFAULT 0,
	total_bytes INTEGER NOT NULL DEFAULT 0,
	avg_response_time REAL NOT NULL DEFAULT 0,
	progress REAL NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT
);

CREATE TABLE IF NOT EXISTS url_records (
	task_id INTEGER NOT NULL,
	url TEXT NOT NULL,
	depth INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	status_code INTEGER NOT NULL DEFAULT 0,
	response_time_seconds REAL NOT NULL DEFAULT 0,
	file_size INTEGER NOT NULL DEFAULT 0,
	content_type TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	keywords TEXT NOT NULL DEFAULT '',
	publish_time TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	metadata_json TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	completed_at TEXT,
	PRIMARY KEY (task_id, url)
);

CREATE INDEX IF NOT EXISTS idx_url_records_task_status ON url_records(task_id, status);
`

// Store is a database/sql-backed store.Store over SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) a SQLite database at path and applies
// the schema. Use ":memory:" for an ephemeral database in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=off&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func timeStr(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimeStr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) CreateTask(ctx context.Context, rec *store.TaskRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (seed_url, strategy, max_depth, thread_count, request_interval_seconds,
			retry_times, respect_robots, allow_cross_domain, status, queue_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SeedURL, string(rec.Strategy), rec.MaxDepth, rec.ThreadCount, rec.RequestIntervalSeconds,
		rec.RetryTimes, boolInt(rec.RespectRobots), boolInt(rec.AllowCrossDomain),
		string(orDefault(rec.Status, store.TaskPending)), string(orDefaultQueue(rec.QueueStatus)), timeStr(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read inserted task id: %w", err)
	}
	rec.Id = store.TaskId(id)
	rec.Status = orDefault(rec.Status, store.TaskPending)
	rec.QueueStatus = orDefaultQueue(rec.QueueStatus)
	return nil
}

func orDefault(s store.TaskStatus, def store.TaskStatus) store.TaskStatus {
	if s == "" {
		return def
	}
	return s
}

func orDefaultQueue(s store.QueueStatus) store.QueueStatus {
	if s == "" {
		return store.QueueActive
	}
	return s
}

func (s *Store) UpdateTaskConfig(ctx context.Context, id store.TaskId, rec store.TaskRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET seed_url=?, strategy=?, max_depth=?, thread_count=?,
			request_interval_seconds=?, retry_times=?, respect_robots=?, allow_cross_domain=?
		WHERE id=?`,
		rec.SeedURL, string(rec.Strategy), rec.MaxDepth, rec.ThreadCount,
		rec.RequestIntervalSeconds, rec.RetryTimes, boolInt(rec.RespectRobots), boolInt(rec.AllowCrossDomain), int64(id))
	if err != nil {
		return fmt.Errorf("update task config: %w", err)
	}
	return mustAffect(res)
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanTask(row interface{ Scan(dest ...any) error }) (*store.TaskRecord, error) {
	var rec store.TaskRecord
	var strategy, status, queueStatus, createdAt string
	var startedAt, finishedAt sql.NullString
	var respectRobots, allowCrossDomain int
	err := row.Scan(&rec.Id, &rec.SeedURL, &strategy, &rec.MaxDepth, &rec.ThreadCount,
		&rec.RequestIntervalSeconds, &rec.RetryTimes, &respectRobots, &allowCrossDomain,
		&status, &queueStatus, &rec.TotalUrls, &rec.CompletedUrls, &rec.FailedUrls,
		&rec.SuccessRate, &rec.TotalBytes, &rec.AvgResponseTime, &rec.Progress,
		&createdAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	rec.Strategy = store.Strategy(strategy)
	rec.Status = store.TaskStatus(status)
	rec.QueueStatus = store.QueueStatus(queueStatus)
	rec.RespectRobots = respectRobots != 0
	rec.AllowCrossDomain = allowCrossDomain != 0
	if t := parseTimeStr(createdAt); t != nil {
		rec.CreatedAt = *t
	}
	rec.StartedAt = parseTimeStr(startedAt.String)
	rec.FinishedAt = parseTimeStr(finishedAt.String)
	return &rec, nil
}

const taskColumns = `id, seed_url, strategy, max_depth, thread_count, request_interval_seconds,
	retry_times, respect_robots, allow_cross_domain, status, queue_status,
	total_urls, completed_urls, failed_urls, success_rate, total_bytes, avg_response_time, progress,
	created_at, started_at, finished_at`

func (s *Store) GetTask(ctx context.Context, id store.TaskId) (*store.TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id=?", int64(id))
	rec, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return rec, nil
}

func (s *Store) ListTasks(ctx context.Context) ([]*store.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+taskColumns+" FROM tasks ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*store.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteTaskAndUrls(ctx context.Context, id store.TaskId) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM url_records WHERE task_id=?", int64(id)); err != nil {
		return fmt.Errorf("delete url records for task %d: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id=?", int64(id)); err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	return nil
}

func (s *Store) ResetTaskAggregates(ctx context.Context, id store.TaskId) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET total_urls=0, completed_urls=0, failed_urls=0, success_rate=0,
			total_bytes=0, avg_response_time=0, progress=0, started_at=NULL, finished_at=NULL
		WHERE id=?`, int64(id))
	if err != nil {
		return fmt.Errorf("reset aggregates for task %d: %w", id, err)
	}
	return mustAffect(res)
}

func (s *Store) UpdateAggregates(ctx context.Context, id store.TaskId, agg store.Aggregates) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET total_urls=?, completed_urls=?, failed_urls=?, success_rate=?,
			total_bytes=?, avg_response_time=?, progress=? WHERE id=?`,
		agg.TotalUrls, agg.CompletedUrls, agg.FailedUrls, agg.SuccessRate,
		agg.TotalBytes, agg.AvgResponseTime, agg.Progress, int64(id))
	if err != nil {
		return fmt.Errorf("update aggregates for task %d: %w", id, err)
	}
	return mustAffect(res)
}

func (s *Store) UpdateQueueStatus(ctx context.Context, id store.TaskId, status store.QueueStatus) error {
	res, err := s.db.ExecContext(ctx, "UPDATE tasks SET queue_status=? WHERE id=?", string(status), int64(id))
	if err != nil {
		return fmt.Errorf("update queue status for task %d: %w", id, err)
	}
	return mustAffect(res)
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id store.TaskId, status store.TaskStatus, startedAt, finishedAt *time.Time) error {
	query := "UPDATE tasks SET status=?"
	args := []any{string(status)}
	if startedAt != nil {
		query += ", started_at=?"
		args = append(args, timeStr(*startedAt))
	}
	if finishedAt != nil {
		query += ", finished_at=?"
		args = append(args, timeStr(*finishedAt))
	}
	query += " WHERE id=?"
	args = append(args, int64(id))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update status for task %d: %w", id, err)
	}
	return mustAffect(res)
}

func (s *Store) RecomputeAggregates(ctx context.Context, id store.TaskId) error {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status='completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status='completed' THEN file_size ELSE 0 END), 0)
		FROM url_records WHERE task_id=?`, int64(id))

	var total, completed, failed int
	var totalBytes int64
	if err := row.Scan(&total, &completed, &failed, &totalBytes); err != nil {
		return fmt.Errorf("recompute aggregates for task %d: %w", id, err)
	}
	var successRate float64
	if completed+failed > 0 {
		successRate = float64(completed) / float64(completed+failed)
	}
	return s.UpdateAggregates(ctx, id, store.Aggregates{
		TotalUrls: total, CompletedUrls: completed, FailedUrls: failed,
		SuccessRate: successRate, TotalBytes: totalBytes,
	})
}

func (s *Store) InsertUrlRecord(ctx context.Context, rec *store.UrlRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	metaJSON := rec.MetadataJSON
	if metaJSON == "" {
		if b, err := json.Marshal(rec.Metadata); err == nil {
			metaJSON = string(b)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO url_records (task_id, url, depth, status, status_code, response_time_seconds,
			file_size, content_type, title, author, description, keywords, publish_time,
			error_message, metadata_json, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, url) DO UPDATE SET
			depth=excluded.depth, status=excluded.status, status_code=excluded.status_code,
			response_time_seconds=excluded.response_time_seconds, file_size=excluded.file_size,
			content_type=excluded.content_type, title=excluded.title, author=excluded.author,
			description=excluded.description, keywords=excluded.keywords, publish_time=excluded.publish_time,
			error_message=excluded.error_message, metadata_json=excluded.metadata_json,
			completed_at=excluded.completed_at`,
		int64(rec.TaskId), rec.URL, rec.Depth, string(rec.Status), rec.StatusCode, rec.ResponseTimeSeconds,
		rec.FileSize, rec.ContentType, rec.Metadata.Title, rec.Metadata.Author, rec.Metadata.Description,
		rec.Metadata.Keywords, rec.Metadata.PublishTime, rec.ErrorMessage, metaJSON,
		timeStr(rec.CreatedAt), nullableTimeStr(rec.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert url record %s: %w", rec.URL, err)
	}
	return nil
}

func nullableTimeStr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeStr(*t)
}

func (s *Store) GetUrlRecord(ctx context.Context, id store.TaskId, url string) (*store.UrlRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+urlColumns+" FROM url_records WHERE task_id=? AND url=?", int64(id), url)
	rec, err := scanURL(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get url record %s: %w", url, err)
	}
	return rec, nil
}

// UpdateUrlRecord loads, mutates via mutate, and writes back the record. Not
// atomic across concurrent callers for the same key — the engine never
// calls this concurrently for the same (task, url) pair (spec.md §5).
func (s *Store) UpdateUrlRecord(ctx context.Context, id store.TaskId, url string, mutate func(*store.UrlRecord)) error {
	rec, err := s.GetUrlRecord(ctx, id, url)
	if err != nil {
		return err
	}
	mutate(rec)
	return s.InsertUrlRecord(ctx, rec)
}

const urlColumns = `task_id, url, depth, status, status_code, response_time_seconds, file_size,
	content_type, title, author, description, keywords, publish_time, error_message, metadata_json,
	created_at, completed_at`

func scanURL(row interface{ Scan(dest ...any) error }) (*store.UrlRecord, error) {
	var rec store.UrlRecord
	var taskID int64
	var status, createdAt string
	var completedAt sql.NullString
	err := row.Scan(&taskID, &rec.URL, &rec.Depth, &status, &rec.StatusCode, &rec.ResponseTimeSeconds,
		&rec.FileSize, &rec.ContentType, &rec.Metadata.Title, &rec.Metadata.Author, &rec.Metadata.Description,
		&rec.Metadata.Keywords, &rec.Metadata.PublishTime, &rec.ErrorMessage, &rec.MetadataJSON,
		&createdAt, &completedAt)
	if err != nil {
		return nil, err
	}
	rec.TaskId = store.TaskId(taskID)
	rec.Status = store.UrlStatus(status)
	if t := parseTimeStr(createdAt); t != nil {
		rec.CreatedAt = *t
	}
	rec.CompletedAt = parseTimeStr(completedAt.String)
	return &rec, nil
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

func (s *Store) ListUrls(ctx context.Context, id store.TaskId, filter store.ListUrlsFilter) ([]*store.UrlRecord, error) {
	query := "SELECT " + urlColumns + " FROM url_records WHERE task_id=?"
	args := []any{int64(id)}

	if filter.Status != "" {
		query += " AND status=?"
		args = append(args, string(filter.Status))
	}
	if filter.ContentTypeClass == store.ClassExact && filter.ContentTypeExact != "" {
		query += " AND content_type=?"
		args = append(args, filter.ContentTypeExact)
	}
	if filter.URLPrefix != "" {
		switch {
		case strings.HasPrefix(filter.URLPrefix, "http://") || strings.HasPrefix(filter.URLPrefix, "https://"):
			query += " AND url LIKE ?"
			args = append(args, filter.URLPrefix+"%")
		default:
			query += " AND (url LIKE ? OR url LIKE ? OR url LIKE ?)"
			args = append(args, "https://"+filter.URLPrefix+"%", "http://"+filter.URLPrefix+"%", "%"+filter.URLPrefix+"%")
		}
	}
	if filter.ExtensionSuffix != "" {
		query += " AND url LIKE ?"
		args = append(args, "%"+filter.ExtensionSuffix)
	}
	query += " ORDER BY created_at, url"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list urls for task %d: %w", id, err)
	}
	defer rows.Close()

	var out []*store.UrlRecord
	for rows.Next() {
		rec, err := scanURL(rows)
		if err != nil {
			return nil, fmt.Errorf("scan url row: %w", err)
		}
		if filter.ContentTypeClass != "" && filter.ContentTypeClass != store.ClassExact && classify(rec.ContentType) != filter.ContentTypeClass {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) UrlStats(ctx context.Context, id store.TaskId) (store.UrlStats, error) {
	recs, err := s.ListUrls(ctx, id, store.ListUrlsFilter{})
	if err != nil {
		return store.UrlStats{}, err
	}
	stats := store.UrlStats{
		ByStatus:           make(map[store.UrlStatus]int),
		ByContentTypeClass: make(map[store.ContentTypeClass]int),
	}
	for _, rec := range recs {
		stats.ByStatus[rec.Status]++
		if rec.ContentType != "" {
			stats.ByContentTypeClass[classify(rec.ContentType)]++
		}
		stats.TotalBytes += rec.FileSize
	}
	return stats, nil
}

func (s *Store) DeleteUrlRecords(ctx context.Context, id store.TaskId) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM url_records WHERE task_id=?", int64(id))
	if err != nil {
		return fmt.Errorf("delete url records for task %d: %w", id, err)
	}
	return nil
}

var _ store.Store = (*Store)(nil)
