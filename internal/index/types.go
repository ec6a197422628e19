// Package index builds and serves the vector and lexical retrieval
// generations. Both indexes publish immutable generations through an
// atomic pointer, so searches never take a lock.
package index

import (
	"fmt"
	"sync"
	"time"
)

// maxRecordedErrors bounds BatchStats.Errors; Failed still counts every item.
const maxRecordedErrors = 100

// BuildOptions controls a single index build.
type BuildOptions struct {
	// Force rebuilds unconditionally, re-embedding every chunk.
	Force bool

	// Progress is called as work completes. May be nil.
	Progress func(done, total int)
}

// ItemError records one failed item in a batch job.
type ItemError struct {
	Item  string `json:"item"`
	Error string `json:"error"`
}

// BatchStats summarises a batch job. Per-item failures are counted and
// recorded; they never abort the job.
type BatchStats struct {
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Errors    []ItemError   `json:"errors,omitempty"`
	Duration  time.Duration `json:"duration"`

	// Unchanged is set when the build was skipped because the active
	// generation is already current.
	Unchanged bool `json:"unchanged,omitempty"`
}

// HasErrors reports whether any item failed.
func (s *BatchStats) HasErrors() bool {
	return s.Failed > 0
}

// Summary returns a one-line description of the job outcome.
func (s *BatchStats) Summary() string {
	if s.Unchanged {
		return "up to date"
	}
	return fmt.Sprintf("%d processed, %d succeeded, %d failed, %d skipped",
		s.Processed, s.Succeeded, s.Failed, s.Skipped)
}

// statsRecorder makes BatchStats safe to update from worker goroutines.
type statsRecorder struct {
	mu    sync.Mutex
	stats BatchStats
}

func (r *statsRecorder) success(n int) {
	r.mu.Lock()
	r.stats.Processed += n
	r.stats.Succeeded += n
	r.mu.Unlock()
}

func (r *statsRecorder) skip(n int) {
	r.mu.Lock()
	r.stats.Skipped += n
	r.mu.Unlock()
}

func (r *statsRecorder) fail(item string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Processed++
	r.stats.Failed++
	if len(r.stats.Errors) < maxRecordedErrors {
		r.stats.Errors = append(r.stats.Errors, ItemError{Item: item, Error: err.Error()})
	}
}

func (r *statsRecorder) snapshot() BatchStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Errors = append([]ItemError(nil), r.stats.Errors...)
	return s
}
