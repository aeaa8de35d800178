// Package memwatch adapts the engine's memory-pressure observability:
// a soft process memory limit (runtime/debug.SetMemoryLimit) plus
// periodic heap-usage sampling, logged at level changes. It is pure
// observability in this system — the engine does not throttle worker
// concurrency on memory pressure, only logs it (see DESIGN.md).
package memwatch

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// Level indicates memory pressure severity.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Watcher samples heap usage against a soft process memory limit.
type Watcher struct {
	mu         sync.Mutex
	limitBytes int64
	lastLevel  Level
	logger     zerolog.Logger
}

// New creates a Watcher and applies limitMB as the process's soft memory
// limit via debug.SetMemoryLimit.
func New(limitMB int64, logger zerolog.Logger) *Watcher {
	limitBytes := limitMB * 1024 * 1024
	if limitBytes > 0 {
		debug.SetMemoryLimit(limitBytes)
	}
	return &Watcher{
		limitBytes: limitBytes,
		lastLevel:  LevelNormal,
		logger:     logger,
	}
}

// Check reads current heap usage, logs on level transitions, and
// returns the usage percentage and level.
func (w *Watcher) Check() (usedPercent float64, level Level) {
	w.mu.Lock()
	limitBytes := w.limitBytes
	w.mu.Unlock()

	if limitBytes <= 0 {
		return 0, LevelNormal
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	usedPercent = (float64(memStats.HeapAlloc) / float64(limitBytes)) * 100
	switch {
	case usedPercent >= 90:
		level = LevelCritical
	case usedPercent >= 75:
		level = LevelWarning
	default:
		level = LevelNormal
	}

	w.mu.Lock()
	changed := level != w.lastLevel
	w.lastLevel = level
	w.mu.Unlock()

	if changed {
		w.logger.Warn().
			Float64("used_percent", usedPercent).
			Str("level", level.String()).
			Msg("memory pressure level changed")
	}

	return usedPercent, level
}
