// Package debounce provides a trailing-edge coalescing scheduler: any
// number of triggers inside the window collapse into a single run of the
// task once the window elapses.
package debounce

import (
	"sync"
	"time"
)

type Debouncer struct {
	window time.Duration
	task   func()

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	stopped bool

	// Triggered and Ran count calls for observability; read via Stats.
	triggered uint64
	ran       uint64
}

// New returns a Debouncer running task at most once per window.
func New(window time.Duration, task func()) *Debouncer {
	return &Debouncer{window: window, task: task}
}

// Trigger requests a run. Triggers while one is pending are absorbed
// into it.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.triggered++
	if d.pending {
		return
	}
	d.pending = true
	d.timer = time.AfterFunc(d.window, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.ran++
	task := d.task
	d.mu.Unlock()
	task()
}

// Flush runs a pending task immediately, if any.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if !d.pending || d.stopped {
		d.mu.Unlock()
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pending = false
	d.ran++
	task := d.task
	d.mu.Unlock()
	task()
}

// Stop cancels any pending run and refuses further triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pending = false
}

// Stats reports how many triggers arrived and how many runs happened.
func (d *Debouncer) Stats() (triggered, ran uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.triggered, d.ran
}
