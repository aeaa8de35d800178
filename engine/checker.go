package engine

import "context"

// frontierChecker adapts Engine's frontier and robots cache to the
// admission.Checker interface, keeping admission.Decide a pure function
// of its declared collaborators.
type frontierChecker struct {
	e *Engine
}

func (c frontierChecker) Seen(url string) bool {
	return c.e.frontier.Seen(url)
}

func (c frontierChecker) CanFetch(ctx context.Context, url string, respectRobots bool, userAgent string) (bool, error) {
	return c.e.deps.Robots.CanFetch(ctx, url, respectRobots, userAgent)
}
