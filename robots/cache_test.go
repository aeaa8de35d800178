package robots_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fenwick-labs/taskcrawl/robots"
)

func TestCanFetch_RespectRobotsFalse(t *testing.T) {
	c := robots.NewCache(http.DefaultClient, zerolog.Nop())
	allowed, err := c.CanFetch(context.Background(), "http://example.invalid/x", false, "ua")
	if err != nil || !allowed {
		t.Fatalf("expected allowed with no error, got allowed=%v err=%v", allowed, err)
	}
}

func TestCanFetch_Disallow(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			atomic.AddInt32(&hits, 1)
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := robots.NewCache(srv.Client(), zerolog.Nop())
	allowed, err := c.CanFetch(context.Background(), srv.URL+"/private/x", true, "ua")
	if err != nil {
		t.Fatalf("CanFetch: %v", err)
	}
	if allowed {
		t.Fatal("expected /private/x to be disallowed")
	}

	allowed, err = c.CanFetch(context.Background(), srv.URL+"/ok", true, "ua")
	if err != nil || !allowed {
		t.Fatalf("expected /ok allowed, got allowed=%v err=%v", allowed, err)
	}

	// Second lookup on the same origin must not refetch robots.txt.
	if _, err := c.CanFetch(context.Background(), srv.URL+"/ok2", true, "ua"); err != nil {
		t.Fatalf("CanFetch: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("expected exactly 1 robots.txt fetch, got %d", got)
	}
}

func TestCanFetch_FailOpenOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := robots.NewCache(srv.Client(), zerolog.Nop())
	allowed, err := c.CanFetch(context.Background(), srv.URL+"/anything", true, "ua")
	if err != nil || !allowed {
		t.Fatalf("expected fail-open allow on 404, got allowed=%v err=%v", allowed, err)
	}
}

func TestCanFetch_FailOpenOnNetworkError(t *testing.T) {
	c := robots.NewCache(&http.Client{}, zerolog.Nop())
	allowed, err := c.CanFetch(context.Background(), "http://127.0.0.1:1/x", true, "ua")
	if !allowed {
		t.Fatalf("expected fail-open allow on network error, got allowed=%v (err=%v)", allowed, err)
	}
}
