// Package timer provides the step timer driving Tendermint timeouts.
//
// RealTimer is backed by time.AfterFunc. MockTimer only fires when told to,
// for deterministic tests.
package timer

import (
	"sync"
	"time"
)

// Timer fires once after the duration it was last started with.
// Implementations are safe for concurrent use.
type Timer interface {
	// Start starts the timer with the given duration, replacing any pending
	// expiry. A non-positive duration fires immediately.
	Start(d time.Duration)

	// Stop cancels any pending expiry.
	Stop()

	// Reset is Start.
	Reset(d time.Duration)

	// C receives once per expiry.
	C() <-chan struct{}
}

// RealTimer fires on the wall clock.
type RealTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	ch    chan struct{}

	// gen identifies the latest Start. Callbacks of earlier timers which
	// already began running compare against it and drop their expiry.
	gen uint64
}

func NewRealTimer() *RealTimer {
	return &RealTimer{ch: make(chan struct{}, 1)}
}

func (t *RealTimer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancel()
	gen := t.gen
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.gen != gen {
			return
		}
		select {
		case t.ch <- struct{}{}:
		default:
		}
	})
}

func (t *RealTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel()
}

// cancel invalidates the pending expiry, including one already delivered
// but not yet received. Requires t.mu.
func (t *RealTimer) cancel() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	drain(t.ch)
}

func (t *RealTimer) Reset(d time.Duration) {
	t.Start(d)
}

func (t *RealTimer) C() <-chan struct{} {
	return t.ch
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

// MockTimer records how it was started and fires only through Fire.
type MockTimer struct {
	ch       chan struct{}
	mu       sync.Mutex
	duration time.Duration
	running  bool
	starts   int
}

func NewMockTimer() *MockTimer {
	return &MockTimer{
		ch: make(chan struct{}, 1),
	}
}

func (t *MockTimer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.duration = d
	t.running = true
	t.starts++
	drain(t.ch)
}

func (t *MockTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	drain(t.ch)
}

func (t *MockTimer) Reset(d time.Duration) {
	t.Start(d)
}

func (t *MockTimer) C() <-chan struct{} {
	return t.ch
}

// Fire expires the timer if it's running. Expiries coalesce until received.
func (t *MockTimer) Fire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// Starts returns how many times the timer has been started.
func (t *MockTimer) Starts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.starts
}

// IsRunning reports whether the timer was started and not stopped.
func (t *MockTimer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Duration returns the duration of the last Start.
func (t *MockTimer) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}
