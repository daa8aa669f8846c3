//go:build linux
// +build linux

// File: tcp/connect_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Outbound connection establishment: a small state machine over the
// non-blocking connect(2) protocol. Immediate completion reports at once;
// a deferred connect is re-checked on the worker pool with an adaptive,
// capped recheck interval until it resolves or the timeout elapses.

package tcp

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/nioengine/api"
	"github.com/momentics/nioengine/internal/sockaddr"
)

// ConnectConfig tunes the deferred-connect recheck policy. The growth
// factor and cap are configuration rather than constants so high-latency
// links can widen them.
type ConnectConfig struct {
	// InitialRecheck is the first recheck delay.
	InitialRecheck time.Duration

	// MaxRecheck caps the recheck delay.
	MaxRecheck time.Duration

	// Growth is the per-recheck interval multiplier, > 1. The step is
	// floored at 1ms so the interval always advances.
	Growth float64
}

// DefaultConnectConfig returns the stock policy: 1ms initial, ~1.5x
// growth, 100ms cap.
func DefaultConnectConfig() ConnectConfig {
	return ConnectConfig{
		InitialRecheck: time.Millisecond,
		MaxRecheck:     100 * time.Millisecond,
		Growth:         1.5,
	}
}

// nextInterval advances the recheck interval:
// next = min(cap, interval + max(1ms, interval*(growth-1))).
func nextInterval(cur time.Duration, cfg ConnectConfig) time.Duration {
	step := time.Duration(float64(cur) * (cfg.Growth - 1))
	if step < time.Millisecond {
		step = time.Millisecond
	}
	next := cur + step
	if next > cfg.MaxRecheck {
		next = cfg.MaxRecheck
	}
	return next
}

// establisher tracks one connect attempt. States: idle → attempting →
// {immediate success | deferred} → {success | timeout | error}. Timeout is
// a distinguished outcome so callers can retry with adjusted parameters;
// error and timeout are terminal, a new attempt needs a new pipe.
type establisher struct {
	pipe    *Pipe
	remote  netip.Addr
	port    uint16
	timeout time.Duration
	h       func(api.Outcome)
	cfg     ConnectConfig

	// mu serializes the timer-chain rechecks against readiness-driven
	// probes; started and interval are guarded by it.
	mu       sync.Mutex
	started  time.Time
	interval time.Duration
	done     atomic.Bool
}

func newEstablisher(p *Pipe, remote netip.Addr, port uint16, timeout time.Duration, h func(api.Outcome), cfg ConnectConfig) *establisher {
	return &establisher{
		pipe:    p,
		remote:  remote,
		port:    port,
		timeout: timeout,
		h:       h,
		cfg:     cfg,
	}
}

// begin issues the OS-level non-blocking connect.
func (e *establisher) begin() {
	sa, err := sockaddr.From(e.remote, e.port)
	if err != nil {
		e.finish(api.Failure(err))
		return
	}
	err = unix.Connect(e.pipe.fd, sa)
	switch {
	case err == nil:
		// Immediate completion (loopback typically lands here).
		e.pipe.remote = netip.AddrPortFrom(e.remote, e.port)
		e.finish(api.Success)
	case err == unix.EINPROGRESS:
		e.mu.Lock()
		e.started = e.pipe.eng.Clock().Now()
		e.interval = e.cfg.InitialRecheck
		e.mu.Unlock()
		// Connect readiness races the timed rechecks; whichever resolves
		// first wins, the other observes the terminal state and stops.
		_ = e.pipe.reg.Enable(api.EventConnect)
		e.pipe.eng.Pool().Schedule(e.interval, e.check)
	default:
		e.finish(api.Failure(e.pipe.mapErr(fmt.Errorf("connect %s:%d: %w", e.remote, e.port, err))))
	}
}

// check is the timer-chain recheck: it asks the OS whether the deferred
// connect has resolved; otherwise it grows the interval and reschedules
// itself, or reports timeout once the configured deadline has elapsed.
// Only this path reschedules, so exactly one timer chain exists.
func (e *establisher) check() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done.Load() {
		return
	}
	if e.pipe.eng.IsDown() {
		e.finish(api.Failure(api.ErrEngineDown))
		return
	}
	if e.resolveLocked() {
		return
	}
	switch {
	case e.pipe.eng.Clock().Since(e.started) >= e.timeout:
		e.finish(api.Timeout)
	default:
		e.interval = nextInterval(e.interval, e.cfg)
		e.pipe.eng.Pool().Schedule(e.interval, e.check)
	}
}

// onReady handles connect-readiness from the poller. It probes but never
// reschedules; on a spurious wakeup the pending timer chain carries on.
func (e *establisher) onReady() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done.Load() {
		return
	}
	if e.pipe.eng.IsDown() {
		e.finish(api.Failure(api.ErrEngineDown))
		return
	}
	_ = e.resolveLocked()
}

// resolveLocked probes the socket and reports true when the attempt reached
// a terminal state. Called with mu held.
func (e *establisher) resolveLocked() bool {
	connected, err := e.poll()
	switch {
	case err != nil:
		e.finish(api.Failure(e.pipe.mapErr(err)))
		return true
	case connected:
		e.pipe.remote = netip.AddrPortFrom(e.remote, e.port)
		e.finish(api.Success)
		return true
	}
	return false
}

// poll inspects SO_ERROR and the peer binding without blocking.
func (e *establisher) poll() (bool, error) {
	soerr, err := unix.GetsockoptInt(e.pipe.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return false, fmt.Errorf("connect status of %s:%d: %w", e.remote, e.port, err)
	}
	if soerr != 0 {
		return false, fmt.Errorf("connect %s:%d: %w", e.remote, e.port, unix.Errno(soerr))
	}
	if _, err := unix.Getpeername(e.pipe.fd); err != nil {
		if err == unix.ENOTCONN {
			return false, nil
		}
		return false, fmt.Errorf("connect status of %s:%d: %w", e.remote, e.port, err)
	}
	return true, nil
}

// finish reports the terminal outcome exactly once, on a worker goroutine.
func (e *establisher) finish(o api.Outcome) {
	if !e.done.CompareAndSwap(false, true) {
		return
	}
	_ = e.pipe.reg.Disable(api.EventConnect)
	e.pipe.report(e.h, o)
}
