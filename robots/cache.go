// Package robots implements the process-wide, per-origin robots.txt cache
// of spec.md §4.2: lazily populated, shared across tasks in a process,
// fail-open on fetch or parse error, never retried within the process
// lifetime.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/rs/zerolog"
	"github.com/temoto/robotstxt"
	"golang.org/x/time/rate"
)

// entry is the memoized parse result for one origin. A nil data field
// means "permit all" — either the fetch failed or the parse failed.
type entry struct {
	data *robotstxt.RobotsData
}

// Cache fetches and memoizes robots.txt per origin. A single Cache
// instance is meant to be shared process-wide across every task's
// engine (spec.md §9 "Process-wide state").
type Cache struct {
	client *http.Client

	mu      sync.Mutex
	entries map[string]*entry
	pending map[string]chan struct{} // origin -> closed when the in-flight fetch completes

	// limiter paces concurrent robots.txt fetches across all tasks so a
	// burst of newly-discovered hosts doesn't stampede DNS/TCP at once.
	limiter *rate.Limiter

	logger zerolog.Logger
}

// NewCache creates a Cache using client for robots.txt fetches. If client
// is nil, a default client with no special timeout is used (callers
// should pass one with a short timeout dedicated to robots.txt fetches).
func NewCache(client *http.Client, logger zerolog.Logger) *Cache {
	if client == nil {
		client = http.DefaultClient
	}
	return &Cache{
		client:  client,
		entries: make(map[string]*entry),
		pending: make(map[string]chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(20), 20),
		logger:  logger,
	}
}

// CanFetch reports whether userAgent may fetch rawURL according to the
// origin's robots.txt. When respectRobots is false it returns true
// immediately without consulting the cache (spec.md §4.2).
func (c *Cache) CanFetch(ctx context.Context, rawURL string, respectRobots bool, userAgent string) (bool, error) {
	if !respectRobots {
		return true, nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return true, fmt.Errorf("robots: parse url %q: %w", rawURL, err)
	}
	origin := parsed.Scheme + "://" + parsed.Host
	if parsed.Host == "" {
		return true, nil
	}

	if e := c.lookup(origin); e != nil {
		return e.allows(parsed.Path, userAgent), nil
	}

	e, err := c.fetchOnce(ctx, origin, userAgent)
	if err != nil {
		c.logger.Warn().Err(err).Str("origin", origin).Msg("robots.txt fetch failed, allowing all")
		return true, err
	}
	return e.allows(parsed.Path, userAgent), nil
}

func (e *entry) allows(path, userAgent string) bool {
	if e == nil || e.data == nil {
		return true
	}
	return e.data.TestAgent(path, userAgent)
}

func (c *Cache) lookup(origin string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[origin]
}

// fetchOnce ensures only one fetch is in flight per origin (spec.md §9
// "write-once with a guard on first insertion"); concurrent callers for
// the same origin wait on the first fetch rather than duplicating it.
func (c *Cache) fetchOnce(ctx context.Context, origin, userAgent string) (*entry, error) {
	c.mu.Lock()
	if e, ok := c.entries[origin]; ok {
		c.mu.Unlock()
		return e, nil
	}
	if wait, inFlight := c.pending[origin]; inFlight {
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		c.mu.Lock()
		e := c.entries[origin]
		c.mu.Unlock()
		return e, nil
	}
	done := make(chan struct{})
	c.pending[origin] = done
	c.mu.Unlock()

	e, fetchErr := c.fetch(ctx, origin, userAgent)

	c.mu.Lock()
	c.entries[origin] = e
	delete(c.pending, origin)
	close(done)
	c.mu.Unlock()

	return e, fetchErr
}

func (c *Cache) fetch(ctx context.Context, origin, userAgent string) (*entry, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return &entry{}, fmt.Errorf("robots: rate limiter wait for %s: %w", origin, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return &entry{}, fmt.Errorf("robots: build request for %s: %w", origin, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return &entry{}, fmt.Errorf("robots: fetch %s: %w", origin, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &entry{}, fmt.Errorf("robots: read body for %s: %w", origin, err)
	}

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode >= 500 {
		return &entry{}, nil
	}

	parsed, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return &entry{}, fmt.Errorf("robots: parse %s: %w", origin, err)
	}
	if parsed == nil {
		return &entry{}, nil
	}
	return &entry{data: parsed}, nil
}
