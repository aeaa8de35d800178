package memwatch_test

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/fenwick-labs/taskcrawl/memwatch"
)

func TestCheck_NoLimitIsAlwaysNormal(t *testing.T) {
	w := memwatch.New(0, zerolog.Nop())
	usedPercent, level := w.Check()
	if level != memwatch.LevelNormal || usedPercent != 0 {
		t.Fatalf("got usedPercent=%v level=%v, want 0/normal with no limit set", usedPercent, level)
	}
}

func TestCheck_WithLimitReportsPercent(t *testing.T) {
	w := memwatch.New(4096, zerolog.Nop())
	usedPercent, _ := w.Check()
	if usedPercent < 0 {
		t.Fatalf("usedPercent = %v, want >= 0", usedPercent)
	}
}
