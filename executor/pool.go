// File: executor/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pool dispatches tasks across a fixed set of worker goroutines. The queue
// is unbounded so that the event loop's O(1) dispatch path can never block
// behind slow handlers.

package executor

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"

	"github.com/momentics/nioengine/api"
)

// Task is a unit of work to execute on a worker goroutine.
type Task func()

// Pool manages a fixed number of worker goroutines draining one shared
// unbounded FIFO.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  *queue.Queue
	closed bool

	workers int
	wg      sync.WaitGroup

	clk clock.Clock
	log *logrus.Entry
}

// Option customizes pool construction.
type Option func(*Pool)

// WithClock injects the clock used by Schedule. Tests pass clock.NewMock().
func WithClock(clk clock.Clock) Option {
	return func(p *Pool) { p.clk = clk }
}

// WithLogger sets the logger used to report recovered handler panics.
func WithLogger(log *logrus.Entry) Option {
	return func(p *Pool) { p.log = log }
}

// New creates a pool with the given number of workers (at least 1) and
// starts them.
func New(workers int, opts ...Option) (*Pool, error) {
	if workers < 1 {
		return nil, api.Invalidf("worker count %d, need at least 1", workers)
	}
	p := &Pool{
		tasks:   queue.New(),
		workers: workers,
		clk:     clock.New(),
		log:     logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p, nil
}

// Workers returns the fixed worker count.
func (p *Pool) Workers() int { return p.workers }

// Submit enqueues a task. It never blocks; after Close it reports ErrClosed.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return api.Invalidf("nil task")
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("submit: %w", api.ErrClosed)
	}
	p.tasks.Add(task)
	p.cond.Signal()
	p.mu.Unlock()
	return nil
}

// Schedule runs task on a worker goroutine after d has elapsed. The timer
// fires through the injected clock, so mock clocks drive it in tests. If
// the pool has closed by then, the task is dropped.
func (p *Pool) Schedule(d time.Duration, task Task) *clock.Timer {
	return p.clk.AfterFunc(d, func() {
		_ = p.Submit(task)
	})
}

// Clock returns the pool's clock.
func (p *Pool) Clock() clock.Clock { return p.clk }

// Pending returns the number of queued, not-yet-started tasks.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tasks.Length()
}

// Close stops accepting tasks and waits for the workers to drain the queue
// and exit. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.tasks.Length() == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.tasks.Length() == 0 {
			// Closed and drained.
			p.mu.Unlock()
			return
		}
		task := p.tasks.Remove().(Task)
		p.mu.Unlock()
		p.exec(task)
	}
}

// exec runs one task, containing panics so a misbehaving handler cannot
// take a worker down.
func (p *Pool) exec(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("panic", r).Error("worker task panicked")
		}
	}()
	task()
}
