package watcher

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of triggers into one signal. A build rewrites
// the manifest through a temp file and a rename, which fsnotify reports as
// several events; only the last one within the window fires.
type Debouncer struct {
	window  time.Duration
	mu      sync.Mutex
	timer   *time.Timer
	output  chan struct{}
	stopped bool
}

// NewDebouncer creates a debouncer with the given quiet window.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window: window,
		output: make(chan struct{}, 1),
	}
}

// Trigger (re)starts the quiet window.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	// a pending signal already covers this one
	select {
	case d.output <- struct{}{}:
	default:
	}
}

// Output receives one value per settled burst.
func (d *Debouncer) Output() <-chan struct{} {
	return d.output
}

// Stop cancels any pending signal. Safe to call multiple times.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
