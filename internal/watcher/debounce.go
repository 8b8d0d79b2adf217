package watcher

import (
	"sync"
	"time"
)

// debouncer coalesces triggers per key: fire runs once, window after the
// last trigger for that key.
type debouncer struct {
	window time.Duration
	fire   func(key string)

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func newDebouncer(window time.Duration, fire func(key string)) *debouncer {
	return &debouncer{window: window, fire: fire, timers: make(map[string]*time.Timer)}
}

func (d *debouncer) Trigger(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if t, ok := d.timers[key]; ok && t.Stop() {
		t.Reset(d.window)
		return
	}
	// The timer is only read by its own callback, which cannot run before
	// this assignment because it needs d.mu.
	var t *time.Timer
	t = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		if d.timers[key] == t {
			delete(d.timers, key)
		}
		stopped := d.stopped
		d.mu.Unlock()
		if !stopped {
			d.fire(key)
		}
	})
	d.timers[key] = t
}

// Stop cancels every pending fire. Triggers after Stop are ignored.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for k, t := range d.timers {
		t.Stop()
		delete(d.timers, k)
	}
}
