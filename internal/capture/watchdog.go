package capture

import (
	"sync"
	"time"
)

// DefaultSilenceTimeout ends a capture when no speech arrives for this long.
const DefaultSilenceTimeout = 5 * time.Second

type stopper interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) stopper

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// Watchdog is a restartable countdown that calls onFire once the interval elapses
// without a Reset. It fires at most once and never after Cancel.
type Watchdog struct {
	mu        sync.Mutex
	interval  time.Duration
	after     afterFunc
	onFire    func()
	timer     stopper
	gen       uint64
	fired     bool
	cancelled bool
}

// NewWatchdog returns an unarmed watchdog; call Reset to start the countdown.
func NewWatchdog(interval time.Duration, onFire func()) *Watchdog {
	return newWatchdog(interval, onFire, realAfterFunc)
}

func newWatchdog(interval time.Duration, onFire func(), after afterFunc) *Watchdog {
	if interval <= 0 {
		interval = DefaultSilenceTimeout
	}
	return &Watchdog{interval: interval, after: after, onFire: onFire}
}

// Reset restarts the countdown. It reports false once the watchdog has fired or was
// cancelled.
func (w *Watchdog) Reset() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fired || w.cancelled {
		return false
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = w.after(w.interval, func() { w.expire(gen) })
	return true
}

// Cancel disarms the watchdog for good.
func (w *Watchdog) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelled = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Fired reports whether the countdown elapsed.
func (w *Watchdog) Fired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

func (w *Watchdog) expire(gen uint64) {
	w.mu.Lock()
	if gen != w.gen || w.fired || w.cancelled {
		w.mu.Unlock()
		return
	}
	w.fired = true
	w.timer = nil
	w.mu.Unlock()
	if w.onFire != nil {
		w.onFire()
	}
}
