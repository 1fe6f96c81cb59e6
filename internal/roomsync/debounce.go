package roomsync

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultDebounce is the quiet period after the last keystroke before text is written.
const DefaultDebounce = 500 * time.Millisecond

// Debouncer runs fn once the quiet period has elapsed since the last Trigger.
type Debouncer struct {
	clock  clock.Clock
	period time.Duration
	fn     func()

	mu    sync.Mutex
	timer *clock.Timer
}

func NewDebouncer(clk clock.Clock, period time.Duration, fn func()) *Debouncer {
	if clk == nil {
		clk = clock.New()
	}
	if period <= 0 {
		period = DefaultDebounce
	}
	return &Debouncer{clock: clk, period: period, fn: fn}
}

// Trigger restarts the quiet period.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.period, d.fn)
}

// Cancel drops a pending run. It reports whether one was pending.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer == nil {
		return false
	}
	stopped := d.timer.Stop()
	d.timer = nil
	return stopped
}
