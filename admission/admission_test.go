package admission_test

import (
	"context"
	"testing"

	"github.com/fenwick-labs/taskcrawl/admission"
)

type fakeChecker struct {
	seen        map[string]bool
	robotsDeny  map[string]bool
	robotsErr   error
}

func (f *fakeChecker) Seen(url string) bool { return f.seen[url] }

func (f *fakeChecker) CanFetch(_ context.Context, url string, respectRobots bool, _ string) (bool, error) {
	if !respectRobots {
		return true, nil
	}
	if f.robotsDeny[url] {
		return false, f.robotsErr
	}
	return true, f.robotsErr
}

func basePolicy() admission.Policy {
	return admission.Policy{
		SeedURL:          "https://example.com/",
		AllowCrossDomain: false,
		RespectRobots:    true,
		MaxDepth:         2,
		UserAgent:        "testbot",
	}
}

func TestDecide_Queue(t *testing.T) {
	checker := &fakeChecker{seen: map[string]bool{}, robotsDeny: map[string]bool{}}
	result := admission.Decide(context.Background(), "https://example.com/a", 0, basePolicy(), checker)
	if result.Decision != admission.DecisionQueue {
		t.Fatalf("Decision = %v, want queue", result.Decision)
	}
	if result.Depth != 1 {
		t.Errorf("Depth = %d, want 1", result.Depth)
	}
}

func TestDecide_Duplicate(t *testing.T) {
	checker := &fakeChecker{seen: map[string]bool{"https://example.com/a": true}, robotsDeny: map[string]bool{}}
	result := admission.Decide(context.Background(), "https://example.com/a", 0, basePolicy(), checker)
	if result.Decision != admission.DecisionRejectDuplicate {
		t.Fatalf("Decision = %v, want reject-duplicate", result.Decision)
	}
}

func TestDecide_CrossDomain(t *testing.T) {
	checker := &fakeChecker{seen: map[string]bool{}, robotsDeny: map[string]bool{}}
	result := admission.Decide(context.Background(), "https://other.com/p", 0, basePolicy(), checker)
	if result.Decision != admission.DecisionRejectCrossDomain {
		t.Fatalf("Decision = %v, want reject-cross-domain", result.Decision)
	}
}

func TestDecide_Robots(t *testing.T) {
	checker := &fakeChecker{
		seen:       map[string]bool{},
		robotsDeny: map[string]bool{"https://example.com/private/x": true},
	}
	result := admission.Decide(context.Background(), "https://example.com/private/x", 0, basePolicy(), checker)
	if result.Decision != admission.DecisionRejectRobots {
		t.Fatalf("Decision = %v, want reject-robots", result.Decision)
	}
	if result.Depth != 1 {
		t.Errorf("Depth = %d, want 1 (persisted even though rejected)", result.Depth)
	}
}

func TestDecide_Depth(t *testing.T) {
	checker := &fakeChecker{seen: map[string]bool{}, robotsDeny: map[string]bool{}}
	policy := basePolicy()
	policy.MaxDepth = 1
	result := admission.Decide(context.Background(), "https://example.com/a", 1, policy, checker)
	if result.Decision != admission.DecisionRejectDepth {
		t.Fatalf("Decision = %v, want reject-depth", result.Decision)
	}
}

func TestDecide_OrderDuplicateBeforeCrossDomain(t *testing.T) {
	checker := &fakeChecker{seen: map[string]bool{"https://other.com/p": true}, robotsDeny: map[string]bool{}}
	result := admission.Decide(context.Background(), "https://other.com/p", 0, basePolicy(), checker)
	if result.Decision != admission.DecisionRejectDuplicate {
		t.Fatalf("Decision = %v, want reject-duplicate (duplicate check must run first)", result.Decision)
	}
}

func TestDecide_AllowCrossDomainSkipsCheck(t *testing.T) {
	checker := &fakeChecker{seen: map[string]bool{}, robotsDeny: map[string]bool{}}
	policy := basePolicy()
	policy.AllowCrossDomain = true
	result := admission.Decide(context.Background(), "https://other.com/p", 0, policy, checker)
	if result.Decision != admission.DecisionQueue {
		t.Fatalf("Decision = %v, want queue", result.Decision)
	}
}
