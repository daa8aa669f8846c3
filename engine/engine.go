//go:build linux
// +build linux

// File: engine/engine.go
// Unified facade of the nioengine event engine.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// An Engine aggregates one readiness poller, one loop goroutine and one
// worker pool. The loop goroutine does nothing but poll and O(1) dispatch:
// every handler body, including ones for operations that complete
// immediately, runs on a pool worker. Multiple engines may coexist in a
// process; each owns its poller exclusively.

package engine

import (
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/momentics/nioengine/api"
	"github.com/momentics/nioengine/executor"
	"github.com/momentics/nioengine/reactor"
)

// Engine drives a single event loop over one readiness multiplexer.
type Engine struct {
	name   string
	log    *logrus.Entry
	clk    clock.Clock
	poller *reactor.Poller
	pool   *executor.Pool

	down   atomic.Bool
	failed chan struct{}
	done   chan struct{}
}

// New validates the name and pool, opens the multiplexer and starts the
// loop goroutine.
func New(name string, pool *executor.Pool, opts ...Option) (*Engine, error) {
	if name == "" {
		return nil, api.Invalidf("engine name must not be empty")
	}
	if pool == nil {
		return nil, api.Invalidf("engine requires a worker pool")
	}
	e := &Engine{
		name:   name,
		clk:    clock.New(),
		pool:   pool,
		failed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logrus.StandardLogger().WithField("engine", name)
	}

	p, err := reactor.Open()
	if err != nil {
		return nil, err
	}
	e.poller = p

	go e.loop()
	return e, nil
}

// Name returns the engine name given at construction.
func (e *Engine) Name() string { return e.name }

// Log returns the engine-scoped logger.
func (e *Engine) Log() *logrus.Entry { return e.log }

// Pool returns the worker pool handlers are dispatched to.
func (e *Engine) Pool() *executor.Pool { return e.pool }

// Clock returns the engine clock used for timeouts and backoff.
func (e *Engine) Clock() clock.Clock { return e.clk }

// IsDown reports whether Shutdown has been called or the loop has died.
func (e *Engine) IsDown() bool { return e.down.Load() }

// Failed is closed if the loop exits on an unrecoverable poll error. The
// embedding application should watch it and construct a new Engine.
func (e *Engine) Failed() <-chan struct{} { return e.failed }

// Done is closed when the loop goroutine has exited for any reason.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Register adds a channel to the multiplexer on behalf of tcp/udp
// endpoints. Registrations are refused once the engine is down.
func (e *Engine) Register(fd int, interest api.EventType, att api.Attachment) (*reactor.Registration, error) {
	if e.down.Load() {
		return nil, api.ErrEngineDown
	}
	return e.poller.Register(fd, interest, att)
}

// Deregister removes a registration; endpoints call it just before closing
// their fd.
func (e *Engine) Deregister(reg *reactor.Registration) error {
	return e.poller.Deregister(reg)
}

// Shutdown stops the loop and closes the multiplexer. Idempotent. Callers
// should close their own endpoints first: activity still pending on open
// channels surfaces as ErrEngineDown outcomes to its handlers.
//
// The multiplexer descriptors are closed only after the loop goroutine has
// exited; closing them under a blocked poll call would not reliably wake it.
func (e *Engine) Shutdown() {
	if !e.down.CompareAndSwap(false, true) {
		return
	}
	e.log.Info("engine shutting down")
	e.poller.Wakeup()
	<-e.done
	_ = e.poller.Close()
}

// loop is the engine's only goroutine touching the multiplexer.
func (e *Engine) loop() {
	defer close(e.done)
	events := make([]reactor.Event, 128)
	for {
		n, err := e.poller.Wait(events)
		if e.down.Load() {
			return
		}
		if err != nil {
			e.down.Store(true)
			e.log.WithError(err).Error("unrecoverable poll failure, event loop exiting")
			close(e.failed)
			_ = e.poller.Close()
			return
		}
		for i := 0; i < n; i++ {
			e.dispatch(events[i])
		}
	}
}

// dispatch clears each fired interest bit and hands the matching handler
// to the worker pool. Everything here is O(1) per ready registration.
func (e *Engine) dispatch(ev reactor.Event) {
	att := ev.Reg.Attachment()
	switch att.Role() {
	case api.RoleListener, api.RolePipe, api.RoleDatagram:
	default:
		e.log.WithFields(logrus.Fields{
			"fd":   ev.Reg.Fd(),
			"role": att.Role(),
		}).Warn("ready registration with unrecognized attachment, skipping")
		return
	}

	if ev.Ready.Has(api.EventAccept) {
		e.fire(ev.Reg, api.EventAccept, att.OnAcceptable)
	}
	if ev.Ready.Has(api.EventConnect) {
		e.fire(ev.Reg, api.EventConnect, att.OnConnectable)
	}
	if ev.Ready.Has(api.EventRead) {
		e.fire(ev.Reg, api.EventRead, att.OnReadable)
	}
	if ev.Ready.Has(api.EventWrite) {
		e.fire(ev.Reg, api.EventWrite, att.OnWritable)
	}
}

func (e *Engine) fire(reg *reactor.Registration, bit api.EventType, handler func()) {
	// Clearing before dispatch prevents re-delivery until the handler
	// re-arms, which is what serializes handlers per channel.
	if err := reg.ClearForDispatch(bit); err != nil {
		return
	}
	if err := e.pool.Submit(handler); err != nil {
		e.log.WithError(err).WithField("fd", reg.Fd()).Warn("dropping event, worker pool closed")
	}
}
