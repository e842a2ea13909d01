package roomchat

import (
	"sync"
	"time"
)

// debouncer runs the most recently triggered func once no trigger has
// arrived for wait. Cancel drops whatever is pending.
type debouncer struct {
	wait time.Duration

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func newDebouncer(wait time.Duration) *debouncer {
	return &debouncer{wait: wait}
}

func (d *debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	if d.wait <= 0 {
		d.timer = nil
		go fn()
		return
	}
	d.timer = time.AfterFunc(d.wait, func() {
		d.mu.Lock()
		// A timer that fired while being replaced must not run.
		stale := gen != d.gen
		if !stale {
			d.timer = nil
		}
		d.mu.Unlock()
		if !stale {
			fn()
		}
	})
}

func (d *debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}

// Pending reports whether a trigger is waiting to fire.
func (d *debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}
