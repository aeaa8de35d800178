package engine

import (
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/fenwick-labs/taskcrawl/admission"
	"github.com/fenwick-labs/taskcrawl/extract"
	"github.com/fenwick-labs/taskcrawl/fetch"
	"github.com/fenwick-labs/taskcrawl/frontier"
	"github.com/fenwick-labs/taskcrawl/store"
)

// runWorker implements the per-worker protocol of spec.md §4.7. An
// uncaught panic fails the task rather than crashing the process
// (spec.md §7 EngineFatal): finish() is handed off to a new goroutine
// since this one is still unwinding and cannot wait on itself.
func (e *Engine) runWorker(id int) {
	defer func() {
		if r := recover(); r != nil {
			e.deps.Logger.Error().Interface("panic", r).Int("worker", id).Msg("worker panic: failing task")
			e.setThreadState(id, ThreadError, "")
			go e.finish(store.TaskFailed)
		}
	}()

	for {
		select {
		case <-e.ctx.Done():
			e.setThreadState(id, ThreadStopped, "")
			return
		default:
		}
		if e.isStopped() {
			e.setThreadState(id, ThreadStopped, "")
			return
		}
		if e.isPaused() {
			e.setThreadState(id, ThreadPaused, "")
			time.Sleep(time.Second)
			continue
		}

		item, ok := e.frontier.Pop(e.ctx, e.deps.PopTimeout)
		if !ok {
			e.setThreadState(id, ThreadIdle, "")
			continue
		}

		e.processItem(id, item)
	}
}

// processItem runs steps 3-7 of spec.md §4.7 for one popped Frontier item.
func (e *Engine) processItem(id int, item frontier.Item) {
	if !e.visited.VisitIfNew(item.URL) {
		return // duplicate admission slipped past seen-set; skip without touching stats
	}

	e.setThreadState(id, ThreadCrawling, item.URL)

	success, ferr, attempted := e.fetchWithRetry(item.URL)

	if ferr != nil {
		e.recordFailure(id, item, ferr)
	} else {
		e.recordSuccess(id, item, success)
	}

	if attempted && e.policy.RequestIntervalSeconds > 0 {
		time.Sleep(time.Duration(e.policy.RequestIntervalSeconds * float64(time.Second)))
	}
}

// fetchWithRetry implements the retry/backoff policy of spec.md §4.7
// step 5 and §7: ssl errors back off 2^attempt seconds, connection
// errors sleep 2s, timeout/other sleep 1s. attempted reports whether at
// least one network request was actually issued (for the politeness
// sleep gate of step 7).
func (e *Engine) fetchWithRetry(rawURL string) (*fetch.Success, *fetch.Error, bool) {
	var lastErr *fetch.Error
	attempted := false

	// Redirect hops this call has already claimed, so a retry of the same
	// item never treats its own earlier claim as belonging to someone else.
	claimedByUs := make(map[string]bool)
	claim := func(next string) bool {
		if claimedByUs[next] {
			return true
		}
		if e.visited.VisitIfNew(next) {
			claimedByUs[next] = true
			return true
		}
		return false
	}

	for attempt := 1; attempt <= e.policy.RetryTimes; attempt++ {
		attempted = true
		success, ferr := e.deps.Fetcher.Fetch(e.ctx, rawURL, claim)
		if ferr == nil {
			return success, nil, true
		}
		lastErr = ferr

		if attempt == e.policy.RetryTimes {
			break
		}

		var backoff time.Duration
		switch ferr.Kind {
		case fetch.KindSSL:
			backoff = time.Duration(1<<uint(attempt)) * time.Second
		case fetch.KindConnection:
			backoff = 2 * time.Second
		default:
			backoff = time.Second
		}

		select {
		case <-time.After(backoff):
		case <-e.ctx.Done():
			return nil, lastErr, attempted
		}
	}

	return nil, lastErr, attempted
}

func (e *Engine) recordFailure(id int, item frontier.Item, ferr *fetch.Error) {
	now := time.Now()
	err := e.deps.Store.UpdateUrlRecord(e.ctx, e.id, item.URL, func(rec *store.UrlRecord) {
		rec.Status = store.URLFailed
		rec.ErrorMessage = ferr.Prefix() + ferr.Message
		rec.CompletedAt = &now
	})
	if err != nil {
		e.deps.Logger.Warn().Err(err).Str("url", item.URL).Msg("update url record to failed")
	}

	e.mu.Lock()
	e.failedUrls++
	if id >= 0 && id < len(e.threads) {
		e.threads[id].Failed++
	}
	e.mu.Unlock()
}

func (e *Engine) recordSuccess(id int, item frontier.Item, success *fetch.Success) {
	// Fetch already refused to follow this redirect because another
	// in-flight fetch owns the destination (spec.md §4.7 step 6); nothing
	// was fetched beyond the redirect response itself.
	if success.Collapsed {
		e.recordCollapsedRedirect(id, item, success)
		return
	}

	if success.FinalURL != item.URL {
		// claimRedirect already won the destination's claim inside Fetch,
		// before any concurrent direct admission of it could be fetched;
		// reconcile its own record here so it never leaks as pending.
		e.frontier.MarkVisited(success.FinalURL)
		e.reconcileRedirectTarget(success)
	}

	var meta store.Metadata
	isHTML := contentTypeIsHTML(success.ContentType)
	if isHTML && !e.isQueuePaused() {
		e.admitLinks(item, success)
	}
	if isHTML {
		meta = extract.Meta(success.Body)
	}

	metaJSON, _ := json.Marshal(meta)

	now := time.Now()
	err := e.deps.Store.UpdateUrlRecord(e.ctx, e.id, item.URL, func(rec *store.UrlRecord) {
		rec.Status = store.URLCompleted
		rec.StatusCode = success.StatusCode
		rec.ResponseTimeSeconds = success.Elapsed.Seconds()
		rec.FileSize = success.ByteCount
		rec.ContentType = success.ContentType
		rec.Metadata = meta
		rec.MetadataJSON = string(metaJSON)
		rec.CompletedAt = &now
	})
	if err != nil {
		e.deps.Logger.Warn().Err(err).Str("url", item.URL).Msg("update url record to completed")
	}

	e.recordResponseTime(success.Elapsed.Seconds())

	e.mu.Lock()
	e.completedUrls++
	e.totalBytes += success.ByteCount
	if id >= 0 && id < len(e.threads) {
		e.threads[id].Completed++
		e.threads[id].Bytes += success.ByteCount
	}
	e.mu.Unlock()
}

// recordCollapsedRedirect completes item's own record using the redirect
// response Fetch actually received, without crediting link extraction or
// metadata to a page body that was never fetched.
func (e *Engine) recordCollapsedRedirect(id int, item frontier.Item, success *fetch.Success) {
	now := time.Now()
	err := e.deps.Store.UpdateUrlRecord(e.ctx, e.id, item.URL, func(rec *store.UrlRecord) {
		rec.Status = store.URLCompleted
		rec.StatusCode = success.StatusCode
		rec.ResponseTimeSeconds = success.Elapsed.Seconds()
		rec.FileSize = success.ByteCount
		rec.ContentType = success.ContentType
		rec.CompletedAt = &now
	})
	if err != nil {
		e.deps.Logger.Warn().Err(err).Str("url", item.URL).Msg("update url record to completed")
	}

	e.recordResponseTime(success.Elapsed.Seconds())

	e.mu.Lock()
	e.completedUrls++
	e.totalBytes += success.ByteCount
	if id >= 0 && id < len(e.threads) {
		e.threads[id].Completed++
		e.threads[id].Bytes += success.ByteCount
	}
	e.mu.Unlock()
}

// reconcileRedirectTarget completes success.FinalURL's own admitted record,
// if one is still pending, with the content this fetch already retrieved —
// the destination must never be fetched a second time just to satisfy its
// own frontier admission.
func (e *Engine) reconcileRedirectTarget(success *fetch.Success) {
	var meta store.Metadata
	isHTML := contentTypeIsHTML(success.ContentType)
	if isHTML {
		meta = extract.Meta(success.Body)
	}
	metaJSON, _ := json.Marshal(meta)

	completed := false
	now := time.Now()
	err := e.deps.Store.UpdateUrlRecord(e.ctx, e.id, success.FinalURL, func(rec *store.UrlRecord) {
		if rec.Status != store.URLPending {
			return
		}
		completed = true
		rec.Status = store.URLCompleted
		rec.StatusCode = success.StatusCode
		rec.ResponseTimeSeconds = success.Elapsed.Seconds()
		rec.FileSize = success.ByteCount
		rec.ContentType = success.ContentType
		rec.Metadata = meta
		rec.MetadataJSON = string(metaJSON)
		rec.CompletedAt = &now
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.deps.Logger.Warn().Err(err).Str("url", success.FinalURL).Msg("reconcile redirect target record")
	}
	if !completed {
		return
	}

	e.mu.Lock()
	e.completedUrls++
	e.totalBytes += success.ByteCount
	e.mu.Unlock()
}

func contentTypeIsHTML(ct string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "text/html")
}

// admitLinks extracts candidate links from the fetched body and submits
// each to the AdmissionPolicy (spec.md §4.7 step 6, §4.6).
func (e *Engine) admitLinks(item frontier.Item, success *fetch.Success) {
	base, err := url.Parse(success.FinalURL)
	if err != nil {
		return
	}

	links, err := extract.Links(success.Body, base)
	if err != nil {
		e.deps.Logger.Debug().Err(err).Str("url", item.URL).Msg("extract links")
		return
	}

	pol := admission.Policy{
		SeedURL:          e.policy.SeedURL,
		AllowCrossDomain: e.policy.AllowCrossDomain,
		RespectRobots:    e.policy.RespectRobots,
		MaxDepth:         e.policy.MaxDepth,
		UserAgent:        e.userAgent,
	}
	checker := frontierChecker{e: e}

	for _, link := range links {
		result := admission.Decide(e.ctx, link, item.Depth, pol, checker)
		e.applyDecision(result)
	}
}

func (e *Engine) applyDecision(result admission.Result) {
	switch result.Decision {
	case admission.DecisionQueue:
		priority := frontier.PriorityFor(e.policy.Strategy, result.Depth, result.NormalizedURL)
		if !e.frontier.Admit(result.NormalizedURL, result.Depth, priority) {
			e.mu.Lock()
			e.duplicate++
			e.mu.Unlock()
			return
		}
		now := time.Now()
		if err := e.deps.Store.InsertUrlRecord(e.ctx, &store.UrlRecord{
			TaskId:    e.id,
			URL:       result.NormalizedURL,
			Depth:     result.Depth,
			Status:    store.URLPending,
			CreatedAt: now,
		}); err != nil {
			e.deps.Logger.Warn().Err(err).Str("url", result.NormalizedURL).Msg("insert pending url record")
		}
		e.mu.Lock()
		e.totalUrls++
		e.mu.Unlock()

	case admission.DecisionRejectDuplicate:
		e.mu.Lock()
		e.duplicate++
		e.mu.Unlock()

	case admission.DecisionRejectCrossDomain:
		e.mu.Lock()
		e.crossDomainBlocked++
		e.mu.Unlock()

	case admission.DecisionRejectDepth:
		e.mu.Lock()
		e.depthBlocked++
		e.mu.Unlock()

	case admission.DecisionRejectRobots:
		e.frontier.MarkVisited(result.NormalizedURL)
		e.mu.Lock()
		e.robotsBlocked++
		e.mu.Unlock()
		now := time.Now()
		if err := e.deps.Store.InsertUrlRecord(e.ctx, &store.UrlRecord{
			TaskId:    e.id,
			URL:       result.NormalizedURL,
			Depth:     result.Depth,
			Status:    store.URLRobotsBlocked,
			CreatedAt: now,
		}); err != nil {
			e.deps.Logger.Warn().Err(err).Str("url", result.NormalizedURL).Msg("insert robots_blocked url record")
		}
	}
}
