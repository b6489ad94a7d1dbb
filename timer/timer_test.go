package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Timer = (*RealTimer)(nil)
	_ Timer = (*MockTimer)(nil)
)

func TestRealTimerFires(t *testing.T) {
	tm := NewRealTimer()
	tm.Start(20 * time.Millisecond)

	select {
	case <-tm.C():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timer did not fire")
	}
}

func TestRealTimerNonPositiveFiresImmediately(t *testing.T) {
	tm := NewRealTimer()
	tm.Start(-time.Second)

	select {
	case <-tm.C():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expired deadline should fire at once")
	}
}

func TestRealTimerStop(t *testing.T) {
	tm := NewRealTimer()
	tm.Start(30 * time.Millisecond)
	tm.Stop()

	select {
	case <-tm.C():
		t.Fatal("timer fired after Stop")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRealTimerResetReplacesDeadline(t *testing.T) {
	tm := NewRealTimer()
	tm.Start(time.Second)
	tm.Reset(20 * time.Millisecond)

	start := time.Now()
	select {
	case <-tm.C():
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	case <-time.After(800 * time.Millisecond):
		t.Fatal("timer did not fire after Reset")
	}
}

func TestRealTimerRestartDrainsStaleFire(t *testing.T) {
	tm := NewRealTimer()
	tm.Start(time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	// The earlier expiry must not leak into the new deadline
	tm.Start(time.Hour)
	select {
	case <-tm.C():
		t.Fatal("stale expiry observed")
	case <-time.After(30 * time.Millisecond):
	}
	tm.Stop()
}

func TestRealTimerConcurrentUse(t *testing.T) {
	tm := NewRealTimer()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tm.Start(time.Duration(i+1) * time.Millisecond)
		}(i)
	}
	wg.Wait()

	select {
	case <-tm.C():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timer did not fire")
	}
}

func TestMockTimerFire(t *testing.T) {
	tm := NewMockTimer()

	// Not running, so firing is a no-op
	tm.Fire()
	select {
	case <-tm.C():
		t.Fatal("stopped mock timer fired")
	default:
	}

	tm.Start(3 * time.Second)
	require.True(t, tm.IsRunning())
	assert.Equal(t, 3*time.Second, tm.Duration())
	assert.Equal(t, 1, tm.Starts())

	tm.Fire()
	tm.Fire() // coalesced
	select {
	case <-tm.C():
	default:
		t.Fatal("mock timer did not fire")
	}
	select {
	case <-tm.C():
		t.Fatal("fires should coalesce")
	default:
	}
}

func TestMockTimerStopAndReset(t *testing.T) {
	tm := NewMockTimer()
	tm.Start(time.Second)
	tm.Fire()
	tm.Stop()
	assert.False(t, tm.IsRunning())

	select {
	case <-tm.C():
		t.Fatal("Stop should drain a pending fire")
	default:
	}

	tm.Reset(2 * time.Second)
	assert.True(t, tm.IsRunning())
	assert.Equal(t, 2*time.Second, tm.Duration())
	assert.Equal(t, 2, tm.Starts())
}
