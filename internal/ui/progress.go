package ui

import (
	"sync"
	"time"
)

// etaSmoothing is the weight of the newest ETA estimate.
const etaSmoothing = 0.3

// ProgressTracker holds the build state shown by the TUI.
// It is safe for concurrent use.
type ProgressTracker struct {
	mu         sync.Mutex
	stage      Stage
	current    int
	total      int
	message    string
	startTime  time.Time
	stageStart time.Time
	lastETA    time.Duration
	errors     int
	warnings   int
	now        func() time.Time
}

// ProgressStats is a snapshot of the tracker.
type ProgressStats struct {
	Stage      Stage
	Current    int
	Total      int
	Progress   float64
	Rate       float64 // items per second in the current stage
	ETA        time.Duration
	Elapsed    time.Duration
	Message    string
	ErrorCount int
	WarnCount  int
}

// NewProgressTracker creates a tracker at the loading stage.
func NewProgressTracker() *ProgressTracker {
	return newProgressTracker(time.Now)
}

func newProgressTracker(now func() time.Time) *ProgressTracker {
	t := now()
	return &ProgressTracker{stage: StageLoading, startTime: t, stageStart: t, now: now}
}

// Apply records a progress event. A stage change resets the counters.
func (p *ProgressTracker) Apply(event ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if event.Stage != p.stage {
		p.stage = event.Stage
		p.stageStart = p.now()
		p.lastETA = 0
		p.current = 0
		p.total = 0
		p.message = ""
	}
	p.current = event.Current
	if event.Total > 0 {
		p.total = event.Total
	}
	if event.Message != "" {
		p.message = event.Message
	}
}

// AddError counts a failure or warning.
func (p *ProgressTracker) AddError(event ErrorEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if event.IsWarn {
		p.warnings++
	} else {
		p.errors++
	}
}

// Stats returns a snapshot.
func (p *ProgressTracker) Stats() ProgressStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	s := ProgressStats{
		Stage:      p.stage,
		Current:    p.current,
		Total:      p.total,
		Elapsed:    now.Sub(p.startTime),
		Message:    p.message,
		ErrorCount: p.errors,
		WarnCount:  p.warnings,
	}
	if p.total > 0 {
		s.Progress = min(float64(p.current)/float64(p.total), 1.0)
	}
	if inStage := now.Sub(p.stageStart); inStage > 0 && p.current > 0 {
		s.Rate = float64(p.current) / inStage.Seconds()
	}
	s.ETA = p.eta(now)
	return s
}

// eta smooths the remaining-time estimate across updates. Caller holds mu.
func (p *ProgressTracker) eta(now time.Time) time.Duration {
	if p.current == 0 || p.total == 0 || p.current >= p.total {
		return 0
	}
	elapsed := now.Sub(p.stageStart)
	raw := time.Duration(float64(elapsed)*float64(p.total)/float64(p.current)) - elapsed
	if raw < 0 {
		return 0
	}
	if p.lastETA == 0 {
		p.lastETA = raw
		return raw
	}
	p.lastETA = time.Duration(etaSmoothing*float64(raw) + (1-etaSmoothing)*float64(p.lastETA))
	return p.lastETA
}
