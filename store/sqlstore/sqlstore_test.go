package sqlstore_test

import (
	"context"
	"testing"

	"github.com/fenwick-labs/taskcrawl/store"
	"github.com/fenwick-labs/taskcrawl/store/sqlstore"
)

func open(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetTask(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	rec := &store.TaskRecord{
		SeedURL:     "https://example.com/",
		Strategy:    store.StrategyBFS,
		MaxDepth:    2,
		ThreadCount: 4,
	}
	if err := s.CreateTask(ctx, rec); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if rec.Id == 0 {
		t.Fatal("CreateTask did not assign an id")
	}
	if rec.Status != store.TaskPending {
		t.Errorf("Status = %q, want pending", rec.Status)
	}

	got, err := s.GetTask(ctx, rec.Id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.SeedURL != rec.SeedURL || got.MaxDepth != rec.MaxDepth {
		t.Errorf("GetTask = %+v, want seed/depth matching %+v", got, rec)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	s := open(t)
	if _, err := s.GetTask(context.Background(), store.TaskId(999)); err != store.ErrNotFound {
		t.Errorf("GetTask on missing id: err = %v, want ErrNotFound", err)
	}
}

func TestUrlRecordLifecycle(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	rec := &store.TaskRecord{SeedURL: "https://example.com/", Strategy: store.StrategyBFS}
	if err := s.CreateTask(ctx, rec); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := s.InsertUrlRecord(ctx, &store.UrlRecord{
		TaskId: rec.Id,
		URL:    "https://example.com/",
		Status: store.URLPending,
	}); err != nil {
		t.Fatalf("InsertUrlRecord: %v", err)
	}

	if err := s.UpdateUrlRecord(ctx, rec.Id, "https://example.com/", func(u *store.UrlRecord) {
		u.Status = store.URLCompleted
		u.StatusCode = 200
		u.FileSize = 1024
	}); err != nil {
		t.Fatalf("UpdateUrlRecord: %v", err)
	}

	got, err := s.GetUrlRecord(ctx, rec.Id, "https://example.com/")
	if err != nil {
		t.Fatalf("GetUrlRecord: %v", err)
	}
	if got.Status != store.URLCompleted || got.StatusCode != 200 || got.FileSize != 1024 {
		t.Errorf("GetUrlRecord after update = %+v", got)
	}

	if err := s.RecomputeAggregates(ctx, rec.Id); err != nil {
		t.Fatalf("RecomputeAggregates: %v", err)
	}
	task, err := s.GetTask(ctx, rec.Id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.CompletedUrls != 1 || task.TotalUrls != 1 {
		t.Errorf("aggregates after recompute = %+v", task)
	}

	if err := s.DeleteTaskAndUrls(ctx, rec.Id); err != nil {
		t.Fatalf("DeleteTaskAndUrls: %v", err)
	}
	if _, err := s.GetTask(ctx, rec.Id); err != store.ErrNotFound {
		t.Errorf("GetTask after delete: err = %v, want ErrNotFound", err)
	}
}

func TestListUrls_FiltersByStatusAndPrefix(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	rec := &store.TaskRecord{SeedURL: "https://example.com/", Strategy: store.StrategyBFS}
	if err := s.CreateTask(ctx, rec); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	urls := []struct {
		url    string
		status store.UrlStatus
	}{
		{"https://example.com/a", store.URLCompleted},
		{"https://example.com/b", store.URLFailed},
		{"https://other.example.net/c", store.URLCompleted},
	}
	for _, u := range urls {
		if err := s.InsertUrlRecord(ctx, &store.UrlRecord{TaskId: rec.Id, URL: u.url, Status: u.status}); err != nil {
			t.Fatalf("InsertUrlRecord %s: %v", u.url, err)
		}
	}

	completed, err := s.ListUrls(ctx, rec.Id, store.ListUrlsFilter{Status: store.URLCompleted})
	if err != nil {
		t.Fatalf("ListUrls: %v", err)
	}
	if len(completed) != 2 {
		t.Fatalf("ListUrls(Status=completed) returned %d records, want 2", len(completed))
	}

	prefixed, err := s.ListUrls(ctx, rec.Id, store.ListUrlsFilter{URLPrefix: "example.com"})
	if err != nil {
		t.Fatalf("ListUrls: %v", err)
	}
	if len(prefixed) != 2 {
		t.Fatalf("ListUrls(URLPrefix=example.com) returned %d records, want 2", len(prefixed))
	}
}
