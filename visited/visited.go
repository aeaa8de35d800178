// Package visited implements the approximate, disk-backed "visited-urls"
// guard of spec.md §4.7 step 3: a secondary check against duplicate
// admissions that slipped past the frontier's exact seen-set across edge
// cases. It is deliberately probabilistic (a bloom filter can false
// positive but never false negative) — the authoritative exact set lives
// in frontier.Frontier, not here.
package visited

import (
	"errors"
	"fmt"
	"os"
	"sync"

	bloom "github.com/bits-and-blooms/bloom/v3"
	"github.com/edsrzf/mmap-go"
)

// Tracker is a disk-backed bloom filter over normalized URLs for one
// task's crawl, sized for 100,000+ pages at a 0.1% false-positive rate.
type Tracker struct {
	mu        sync.Mutex
	filter    *bloom.BloomFilter
	file      *os.File
	mmap      mmap.MMap
	tmpPath   string
	count     uint64
	syncEvery uint64
	lastErr   error
}

// New creates a Tracker backed by a temp file in the OS temp directory.
func New() (*Tracker, error) {
	filter := bloom.NewWithEstimates(100000, 0.001)

	tmpFile, err := os.CreateTemp(os.TempDir(), "taskcrawl-visited-*.bloom")
	if err != nil {
		return nil, fmt.Errorf("visited: create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	filterSize := filter.Cap()
	if err := tmpFile.Truncate(int64(filterSize)); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("visited: truncate temp file: %w", err)
	}

	mapped, err := mmap.MapRegion(tmpFile, int(filterSize), mmap.RDWR, 0, 0)
	if err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("visited: mmap temp file: %w", err)
	}

	data, err := filter.MarshalBinary()
	if err != nil {
		_ = mapped.Unmap()
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("visited: marshal bloom filter: %w", err)
	}
	if len(data) > len(mapped) {
		_ = mapped.Unmap()
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("visited: filter data (%d) exceeds mmap size (%d)", len(data), len(mapped))
	}
	copy(mapped, data)

	return &Tracker{
		filter:    filter,
		file:      tmpFile,
		mmap:      mapped,
		tmpPath:   tmpPath,
		syncEvery: 1000,
	}, nil
}

// VisitIfNew atomically checks whether url has been seen before and
// records it if not. It returns true when url is new — the caller
// should then proceed with step 4 of the worker protocol; false means
// skip without touching stats (spec.md §4.7 step 3).
func (t *Tracker) VisitIfNew(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.filter.TestString(url) {
		return false
	}
	t.filter.AddString(url)
	t.count++

	if t.count >= t.syncEvery {
		if err := t.syncLocked(); err != nil {
			t.lastErr = err
		}
	}
	return true
}

// Visit unconditionally records url as visited, with no prior check.
// (The engine claims redirect targets through VisitIfNew, not Visit.)
func (t *Tracker) Visit(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filter.AddString(url)
	t.count++
	if t.count >= t.syncEvery {
		if err := t.syncLocked(); err != nil {
			t.lastErr = err
		}
	}
}

func (t *Tracker) syncLocked() error {
	data, err := t.filter.MarshalBinary()
	if err != nil {
		return fmt.Errorf("visited: marshal bloom filter: %w", err)
	}
	if len(data) <= len(t.mmap) {
		copy(t.mmap, data)
	}
	if err := t.mmap.Flush(); err != nil {
		return fmt.Errorf("visited: flush mmap: %w", err)
	}
	t.count = 0
	return nil
}

// Close flushes any pending state and removes the backing temp file.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	if t.lastErr != nil {
		errs = append(errs, t.lastErr)
	}
	if t.mmap != nil {
		if t.count > 0 {
			if err := t.syncLocked(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := t.mmap.Unmap(); err != nil {
			errs = append(errs, fmt.Errorf("visited: unmap: %w", err))
		}
		t.mmap = nil
	}
	if t.file != nil {
		if err := t.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("visited: close file: %w", err))
		}
		t.file = nil
	}
	if t.tmpPath != "" {
		if err := os.Remove(t.tmpPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("visited: remove temp file: %w", err))
		}
		t.tmpPath = ""
	}
	if len(errs) > 0 {
		return fmt.Errorf("visited: close: %w", errors.Join(errs...))
	}
	return nil
}
