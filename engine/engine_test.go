package engine_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fenwick-labs/taskcrawl/engine"
	"github.com/fenwick-labs/taskcrawl/fetch"
	"github.com/fenwick-labs/taskcrawl/robots"
	"github.com/fenwick-labs/taskcrawl/store"
	"github.com/fenwick-labs/taskcrawl/store/memstore"
)

func newHarness(t *testing.T, mux *http.ServeMux) (*httptest.Server, engine.Deps) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	deps := engine.Deps{
		Store:           memstore.New(),
		Robots:          robots.NewCache(srv.Client(), zerolog.Nop()),
		Fetcher:         fetch.New("testbot/1.0"),
		Logger:          zerolog.Nop(),
		MonitorInterval: 30 * time.Millisecond,
		PopTimeout:      20 * time.Millisecond,
	}
	return srv, deps
}

func htmlPage(links ...string) string {
	body := "<html><body>"
	for _, l := range links {
		body += `<a href="` + l + `">link</a>`
	}
	body += "</body></html>"
	return body
}

func waitForTerminal(t *testing.T, deps engine.Deps, id store.TaskId) *store.TaskRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := deps.Store.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		switch rec.Status {
		case store.TaskCompleted, store.TaskStopped, store.TaskFailed:
			return rec
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for terminal task status")
	return nil
}

func newTask(t *testing.T, deps engine.Deps, seedURL string, mutate func(*store.TaskRecord)) *store.TaskRecord {
	t.Helper()
	rec := &store.TaskRecord{
		SeedURL:          seedURL,
		Strategy:         store.StrategyBFS,
		MaxDepth:         5,
		ThreadCount:      2,
		RetryTimes:       1,
		RespectRobots:    true,
		AllowCrossDomain: false,
	}
	if mutate != nil {
		mutate(rec)
	}
	if err := deps.Store.CreateTask(context.Background(), rec); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return rec
}

// Scenario 1: BFS, depth 2, single domain.
func TestEngine_BFSDepth2(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(htmlPage("/a", "/b")))
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(htmlPage("/c")))
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(htmlPage("/a")))
	})
	mux.HandleFunc("/c", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(htmlPage()))
	})

	srv, deps := newHarness(t, mux)
	rec := newTask(t, deps, srv.URL+"/", func(r *store.TaskRecord) {
		r.MaxDepth = 2
	})

	e := engine.New(rec, deps)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitForTerminal(t, deps, rec.Id)
	if final.Status != store.TaskCompleted {
		t.Fatalf("Status = %v, want completed", final.Status)
	}
	if final.TotalUrls != 4 {
		t.Errorf("TotalUrls = %d, want 4", final.TotalUrls)
	}
	if final.CompletedUrls != 4 {
		t.Errorf("CompletedUrls = %d, want 4", final.CompletedUrls)
	}
}

// Scenario 2: robots.txt denies /private/*.
func TestEngine_RobotsDeny(t *testing.T) {
	var privateFetched bool
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(htmlPage("/ok", "/private/x")))
	})
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(htmlPage()))
	})
	mux.HandleFunc("/private/x", func(w http.ResponseWriter, r *http.Request) {
		privateFetched = true
		w.WriteHeader(http.StatusOK)
	})

	srv, deps := newHarness(t, mux)
	rec := newTask(t, deps, srv.URL+"/", nil)

	e := engine.New(rec, deps)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForTerminal(t, deps, rec.Id)

	if privateFetched {
		t.Fatal("/private/x should never have been fetched")
	}
	urlRec, err := deps.Store.GetUrlRecord(context.Background(), rec.Id, srv.URL+"/private/x")
	if err != nil {
		t.Fatalf("GetUrlRecord: %v", err)
	}
	if urlRec.Status != store.URLRobotsBlocked {
		t.Errorf("Status = %v, want robots_blocked", urlRec.Status)
	}
}

// Scenario 3: cross-domain block.
func TestEngine_CrossDomainBlock(t *testing.T) {
	otherMux := http.NewServeMux()
	var otherRobotsFetched bool
	otherMux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		otherRobotsFetched = true
		_, _ = w.Write([]byte("User-agent: *\nAllow: /\n"))
	})
	otherMux.HandleFunc("/p", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	otherSrv := httptest.NewServer(otherMux)
	t.Cleanup(otherSrv.Close)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(htmlPage(otherSrv.URL + "/p")))
	})

	srv, deps := newHarness(t, mux)
	rec := newTask(t, deps, srv.URL+"/", nil)

	e := engine.New(rec, deps)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForTerminal(t, deps, rec.Id)

	if otherRobotsFetched {
		t.Fatal("robots.txt for the other domain should not have been fetched")
	}
	if _, err := deps.Store.GetUrlRecord(context.Background(), rec.Id, otherSrv.URL+"/p"); err == nil {
		t.Fatal("expected no UrlRecord for the cross-domain link")
	}
}

// Scenario 4: redirect collapsing.
func TestEngine_RedirectCollapsing(t *testing.T) {
	var yFetches int
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(htmlPage("/x", "/y")))
	})
	mux.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/y", http.StatusFound)
	})
	mux.HandleFunc("/y", func(w http.ResponseWriter, r *http.Request) {
		yFetches++
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(htmlPage()))
	})

	srv, deps := newHarness(t, mux)
	rec := newTask(t, deps, srv.URL+"/", nil)

	e := engine.New(rec, deps)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	final := waitForTerminal(t, deps, rec.Id)

	if yFetches != 1 {
		t.Errorf("fetched /y %d times, want 1", yFetches)
	}
	if final.TotalUrls != 3 {
		t.Errorf("TotalUrls = %d, want 3", final.TotalUrls)
	}
}

// Scenario 5: retry and give up.
func TestEngine_RetryAndGiveUp(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(htmlPage()))
	})

	srv, deps := newHarness(t, mux)
	// Point the seed URL at a host that refuses connections, to force a
	// connection-kind fetch failure deterministically.
	rec := newTask(t, deps, "http://127.0.0.1:1/flaky", func(r *store.TaskRecord) {
		r.RetryTimes = 3
	})
	_ = srv

	e := engine.New(rec, deps)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	final := waitForTerminal(t, deps, rec.Id)

	if final.FailedUrls != 1 {
		t.Errorf("FailedUrls = %d, want 1", final.FailedUrls)
	}
	urlRec, err := deps.Store.GetUrlRecord(context.Background(), rec.Id, "http://127.0.0.1:1/flaky")
	if err != nil {
		t.Fatalf("GetUrlRecord: %v", err)
	}
	if urlRec.Status != store.URLFailed {
		t.Errorf("Status = %v, want failed", urlRec.Status)
	}
}

// Scenario 6: queue-pause semantics.
func TestEngine_QueuePause(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(htmlPage("/a", "/b")))
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(htmlPage("/c")))
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(htmlPage()))
	})
	mux.HandleFunc("/c", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(htmlPage()))
	})

	srv, deps := newHarness(t, mux)
	rec := newTask(t, deps, srv.URL+"/", func(r *store.TaskRecord) {
		r.ThreadCount = 1
	})

	var e *engine.Engine
	var paused bool
	deps.OnSnapshot = func(snap engine.Snapshot) {
		if !paused && snap.TotalUrls >= 3 {
			paused = true
			_ = e.PauseQueue(context.Background())
		}
	}
	e = engine.New(rec, deps)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitForTerminal(t, deps, rec.Id)
	if _, err := deps.Store.GetUrlRecord(context.Background(), rec.Id, srv.URL+"/c"); err == nil {
		t.Fatal("expected /c to not be admitted while the queue is paused")
	}
	_ = final
}

// panicOnUpdateStore wraps a Store and panics from UpdateUrlRecord, to
// exercise a worker's EngineFatal recovery path without needing a real
// crash inside the crawl.
type panicOnUpdateStore struct {
	store.Store
}

func (panicOnUpdateStore) UpdateUrlRecord(ctx context.Context, id store.TaskId, url string, mutate func(*store.UrlRecord)) error {
	panic("simulated worker panic")
}

// An uncaught panic in a worker goroutine fails the task instead of
// crashing the process (spec.md §7 EngineFatal).
func TestEngine_WorkerPanicFailsTask(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(htmlPage()))
	})

	srv, deps := newHarness(t, mux)
	deps.Store = panicOnUpdateStore{Store: deps.Store}
	rec := newTask(t, deps, srv.URL+"/", func(r *store.TaskRecord) {
		r.ThreadCount = 1
	})

	e := engine.New(rec, deps)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitForTerminal(t, deps, rec.Id)
	if final.Status != store.TaskFailed {
		t.Errorf("Status = %v, want failed", final.Status)
	}
}

// Pause is a durable task state: an operator querying the Store while
// paused must see paused, not running.
func TestEngine_PausePersistsStatus(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(htmlPage()))
	})

	srv, deps := newHarness(t, mux)
	rec := newTask(t, deps, srv.URL+"/", func(r *store.TaskRecord) {
		r.ThreadCount = 1
	})

	e := engine.New(rec, deps)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := e.Pause(context.Background()); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	got, err := deps.Store.GetTask(context.Background(), rec.Id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.TaskPaused {
		t.Errorf("Status after Pause = %v, want paused", got.Status)
	}

	if err := e.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got, err = deps.Store.GetTask(context.Background(), rec.Id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.TaskRunning {
		t.Errorf("Status after Resume = %v, want running", got.Status)
	}

	close(release)
	e.Stop()
	waitForTerminal(t, deps, rec.Id)
}
