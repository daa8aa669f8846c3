//go:build linux
// +build linux

// File: tcp/connect_linux_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcp

import (
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/nioengine/api"
	"github.com/momentics/nioengine/engine"
	"github.com/momentics/nioengine/executor"
)

func TestNextInterval_BackoffSequence(t *testing.T) {
	cfg := DefaultConnectConfig()
	cur := cfg.InitialRecheck
	assert.Equal(t, time.Millisecond, cur, "backoff starts at one time unit")

	prev := cur
	for i := 0; i < 64; i++ {
		next := nextInterval(prev, cfg)

		// next = min(cap, interval + max(1ms, interval/2))
		step := prev / 2
		if step < time.Millisecond {
			step = time.Millisecond
		}
		want := prev + step
		if want > cfg.MaxRecheck {
			want = cfg.MaxRecheck
		}
		assert.Equal(t, want, next, "iteration %d from %v", i, prev)
		assert.GreaterOrEqual(t, next, prev, "intervals are non-decreasing")
		assert.LessOrEqual(t, next, cfg.MaxRecheck)
		prev = next
	}
	assert.Equal(t, cfg.MaxRecheck, prev, "sequence converges to the cap")
}

func TestNextInterval_ConfigurablePolicy(t *testing.T) {
	cfg := ConnectConfig{InitialRecheck: time.Millisecond, MaxRecheck: 8 * time.Millisecond, Growth: 3.0}
	assert.Equal(t, 3*time.Millisecond, nextInterval(time.Millisecond, cfg))
	assert.Equal(t, 8*time.Millisecond, nextInterval(4*time.Millisecond, cfg), "cap honored")
}

// newMockedEngine builds an engine whose clock the test controls.
func newMockedEngine(t *testing.T) (*engine.Engine, *clock.Mock) {
	t.Helper()
	pool, err := executor.New(2)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	mock := clock.NewMock()
	eng, err := engine.New("tcp-test", pool, engine.WithClock(mock))
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)
	return eng, mock
}

func TestEstablisher_ReportsTimeoutOnceElapsed(t *testing.T) {
	eng, mock := newMockedEngine(t)

	// A freshly bound, never-connected socket: poll() sees ENOTCONN, which
	// keeps the establisher in the deferred state.
	pipe, err := NewPipe(eng, netip.MustParseAddr("127.0.0.1"), 0)
	require.NoError(t, err)
	defer pipe.Close()

	outcome := make(chan api.Outcome, 1)
	est := newEstablisher(pipe, netip.MustParseAddr("127.0.0.1"), 9, 200*time.Millisecond,
		func(o api.Outcome) { outcome <- o }, DefaultConnectConfig())
	est.started = mock.Now()
	est.interval = est.cfg.InitialRecheck

	// Before the timeout elapses a recheck reschedules silently.
	est.check()
	select {
	case o := <-outcome:
		t.Fatalf("unexpected outcome before timeout: %v", o)
	case <-time.After(50 * time.Millisecond):
	}

	mock.Add(201 * time.Millisecond)
	est.check()
	select {
	case o := <-outcome:
		assert.True(t, o.TimedOut, "elapsed >= timeout yields the distinguished timeout outcome")
		assert.NoError(t, o.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome after the deadline elapsed")
	}

	// Timeout is terminal: further rechecks report nothing.
	est.check()
	select {
	case o := <-outcome:
		t.Fatalf("terminal establisher produced another outcome: %v", o)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEstablisher_ConcurrentProbesReportOnce(t *testing.T) {
	eng, mock := newMockedEngine(t)

	pipe, err := NewPipe(eng, netip.MustParseAddr("127.0.0.1"), 0)
	require.NoError(t, err)
	defer pipe.Close()

	var fired atomic.Int32
	outcome := make(chan api.Outcome, 8)
	est := newEstablisher(pipe, netip.MustParseAddr("127.0.0.1"), 9, 200*time.Millisecond,
		func(o api.Outcome) { fired.Add(1); outcome <- o }, DefaultConnectConfig())
	est.started = mock.Now()
	est.interval = est.cfg.InitialRecheck

	// Readiness probes hammer the deferred attempt from many goroutines
	// while the timer chain drives it to timeout. The mutex serializes
	// them; the outcome must still be delivered exactly once.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				est.onReady()
			}
		}()
	}
	mock.Add(201 * time.Millisecond)
	est.check()
	wg.Wait()
	est.onReady()
	est.check()

	select {
	case o := <-outcome:
		assert.True(t, o.TimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome delivered")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load(), "terminal outcome delivered more than once")
}

func TestEstablisher_EngineShutdownFailsPendingConnect(t *testing.T) {
	eng, mock := newMockedEngine(t)

	pipe, err := NewPipe(eng, netip.MustParseAddr("127.0.0.1"), 0)
	require.NoError(t, err)
	defer pipe.Close()

	outcome := make(chan api.Outcome, 1)
	est := newEstablisher(pipe, netip.MustParseAddr("127.0.0.1"), 9, time.Hour,
		func(o api.Outcome) { outcome <- o }, DefaultConnectConfig())
	est.started = mock.Now()
	est.interval = est.cfg.InitialRecheck

	eng.Shutdown()
	est.check()

	select {
	case o := <-outcome:
		assert.False(t, o.TimedOut, "shutdown is not a timeout")
		assert.True(t, errors.Is(o.Err, api.ErrEngineDown))
	case <-time.After(2 * time.Second):
		t.Fatal("pending connect not failed by shutdown")
	}
}
