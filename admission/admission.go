// Package admission implements the pure AdmissionPolicy decision
// function of spec.md §4.6: given a candidate link, the parent's depth,
// and policy parameters, decide whether to queue it and why not otherwise.
package admission

import (
	"context"

	"github.com/fenwick-labs/taskcrawl/urlnorm"
)

// Decision is the outcome category of an admission check.
type Decision string

const (
	DecisionQueue             Decision = "queue"
	DecisionRejectDuplicate   Decision = "reject-duplicate"
	DecisionRejectCrossDomain Decision = "reject-cross-domain"
	DecisionRejectRobots      Decision = "reject-robots"
	DecisionRejectDepth       Decision = "reject-depth"
)

// Checker abstracts the seen-set lookup and robots.txt check so Decide
// stays a pure function of its inputs plus this small collaborator
// interface, independent of frontier/robots package internals.
type Checker interface {
	// Seen reports whether normalizedURL is already in the frontier's
	// seen-set.
	Seen(normalizedURL string) bool
	// CanFetch reports whether robots.txt permits fetching
	// normalizedURL, honoring respectRobots internally.
	CanFetch(ctx context.Context, normalizedURL string, respectRobots bool, userAgent string) (bool, error)
}

// Policy holds the per-task parameters that govern admission.
type Policy struct {
	SeedURL          string
	AllowCrossDomain bool
	RespectRobots    bool
	MaxDepth         int
	UserAgent        string
}

// Result is the outcome of Decide.
type Result struct {
	Decision      Decision
	NormalizedURL string
	Depth         int // only meaningful when Decision == DecisionQueue or DecisionRejectRobots
}

// Decide applies the fixed check order of spec.md §4.6: duplicate,
// cross-domain, robots, depth, then queue. The first matching check
// wins, which keeps rejection-counter attribution well defined (P4).
func Decide(ctx context.Context, candidate string, parentDepth int, policy Policy, checker Checker) Result {
	normalized, err := urlnorm.Normalize(candidate)
	if err != nil {
		return Result{Decision: DecisionRejectDuplicate}
	}

	if checker.Seen(normalized) {
		return Result{Decision: DecisionRejectDuplicate, NormalizedURL: normalized}
	}

	if !policy.AllowCrossDomain && !urlnorm.SameDomain(normalized, policy.SeedURL) {
		return Result{Decision: DecisionRejectCrossDomain, NormalizedURL: normalized}
	}

	allowed, _ := checker.CanFetch(ctx, normalized, policy.RespectRobots, policy.UserAgent)
	if !allowed {
		return Result{
			Decision:      DecisionRejectRobots,
			NormalizedURL: normalized,
			Depth:         parentDepth + 1,
		}
	}

	depth := parentDepth + 1
	if depth > policy.MaxDepth {
		return Result{Decision: DecisionRejectDepth, NormalizedURL: normalized, Depth: depth}
	}

	return Result{Decision: DecisionQueue, NormalizedURL: normalized, Depth: depth}
}
