package capture

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualTimer struct {
	clock   *manualClock
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// manualClock replaces time.AfterFunc; timers only fire when the test says so.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (c *manualClock) after(_ time.Duration, fn func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// fireAll runs every timer callback, stopped or not, to simulate timers racing Stop.
func (c *manualClock) fireAll() {
	c.mu.Lock()
	timers := append([]*manualTimer(nil), c.timers...)
	c.mu.Unlock()
	for _, t := range timers {
		t.fn()
	}
}

// fireArmed runs the callbacks of timers that were not stopped.
func (c *manualClock) fireArmed() {
	c.mu.Lock()
	var timers []*manualTimer
	for _, t := range c.timers {
		if !t.stopped {
			t.stopped = true
			timers = append(timers, t)
		}
	}
	c.mu.Unlock()
	for _, t := range timers {
		t.fn()
	}
}

func TestWatchdogFiresOnceForLatestReset(t *testing.T) {
	clock := &manualClock{}
	fires := 0
	w := newWatchdog(time.Second, func() { fires++ }, clock.after)

	require.True(t, w.Reset())
	require.True(t, w.Reset())
	require.True(t, w.Reset())
	assert.Equal(t, 1, clock.armed())

	clock.fireAll()
	assert.Equal(t, 1, fires)
	assert.True(t, w.Fired())

	assert.False(t, w.Reset(), "reset after firing must be refused")
	clock.fireAll()
	assert.Equal(t, 1, fires)
}

func TestWatchdogNeverFiresAfterCancel(t *testing.T) {
	clock := &manualClock{}
	fires := 0
	w := newWatchdog(time.Second, func() { fires++ }, clock.after)

	w.Reset()
	w.Cancel()
	assert.Equal(t, 0, clock.armed())
	clock.fireAll()
	assert.Equal(t, 0, fires)
	assert.False(t, w.Fired())
	assert.False(t, w.Reset())
}

func TestWatchdogDefaultsInterval(t *testing.T) {
	w := newWatchdog(0, nil, realAfterFunc)
	assert.Equal(t, DefaultSilenceTimeout, w.interval)
}

func TestWatchdogRealTimer(t *testing.T) {
	fired := make(chan struct{})
	w := NewWatchdog(10*time.Millisecond, func() { close(fired) })
	w.Reset()
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}
	assert.True(t, w.Fired())
}
