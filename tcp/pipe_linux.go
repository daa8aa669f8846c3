//go:build linux
// +build linux

// File: tcp/pipe_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pipe wraps one connected non-blocking stream socket. The two flavors,
// accepted-inbound and locally-initiated outbound, differ only in how the
// socket reaches the connected state; read/write event handling is shared.

package tcp

import (
	"fmt"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/nioengine/api"
	"github.com/momentics/nioengine/engine"
	"github.com/momentics/nioengine/internal/sockaddr"
	"github.com/momentics/nioengine/reactor"
)

// defaultReadBuffer is the per-event read size.
const defaultReadBuffer = 64 * 1024

// ReceiveHandler consumes one delivery of inbound bytes. data is nil when
// err is set (io.EOF at end of stream). Returning true re-arms read
// interest for more data; returning false stops delivery until Receive is
// called again.
type ReceiveHandler func(data []byte, err error) (more bool)

// Pipe is one connected stream channel registered with the engine.
type Pipe struct {
	eng *engine.Engine
	fd  int
	reg *reactor.Registration
	log *logrus.Entry

	outbound bool
	local    netip.AddrPort
	remote   netip.AddrPort

	// Outbound connection establishment. connectAttempted enforces the
	// one-connect-per-pipe invariant; est is published atomically because
	// Close and OnConnectable read it from other goroutines.
	connectAttempted atomic.Bool
	est              atomic.Pointer[establisher]

	// Single-flight send state. sendBusy is the cross-thread guard; the
	// mutex covers the buffer handoff between Send and OnWritable.
	sendBusy atomic.Bool
	sendMu   sync.Mutex
	pending  []byte
	onSent   func(api.Outcome)

	// Receive state, touched only by Receive and the serialized OnReadable.
	recvMu  sync.Mutex
	onRecv  ReceiveHandler
	readBuf int

	closed atomic.Bool
}

// NewPipe creates an outbound pipe bound to the given local address.
// Port 0 selects an ephemeral port. The socket is registered with an empty
// interest set; interests are armed by Connect, Send and Receive.
func NewPipe(eng *engine.Engine, local netip.Addr, port uint16) (*Pipe, error) {
	if eng == nil {
		return nil, api.Invalidf("nil engine")
	}
	if !local.IsValid() {
		return nil, api.Invalidf("local bind address is not valid")
	}

	fd, err := unix.Socket(sockaddr.Family(local), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("pipe socket: %w", err)
	}
	sa, err := sockaddr.From(local, port)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("pipe bind %s:%d: %w", local, port, err)
	}

	p := &Pipe{
		eng:      eng,
		fd:       fd,
		outbound: true,
		readBuf:  defaultReadBuffer,
		log:      eng.Log().WithField("component", "pipe"),
	}
	if name, err := unix.Getsockname(fd); err == nil {
		p.local = sockaddr.ToAddrPort(name)
	}
	reg, err := eng.Register(fd, 0, p)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	p.reg = reg
	return p, nil
}

// newInboundPipe wraps an accepted socket, born connected.
func newInboundPipe(eng *engine.Engine, fd int, peer netip.AddrPort) (*Pipe, error) {
	p := &Pipe{
		eng:      eng,
		fd:       fd,
		outbound: false,
		remote:   peer,
		readBuf:  defaultReadBuffer,
		log:      eng.Log().WithField("component", "pipe"),
	}
	if name, err := unix.Getsockname(fd); err == nil {
		p.local = sockaddr.ToAddrPort(name)
	}
	reg, err := eng.Register(fd, 0, p)
	if err != nil {
		return nil, err
	}
	p.reg = reg
	return p, nil
}

// LocalAddr returns the bound local address.
func (p *Pipe) LocalAddr() netip.AddrPort { return p.local }

// RemoteAddr returns the peer address, valid once connected or accepted.
func (p *Pipe) RemoteAddr() netip.AddrPort { return p.remote }

// Connect starts non-blocking connection establishment and reports the
// result to h on a worker goroutine. A pipe's connect may run at most once
// over its lifetime; violations, like argument errors, are reported
// asynchronously through h and make no state transition.
func (p *Pipe) Connect(remote netip.Addr, port uint16, timeout time.Duration, h func(api.Outcome)) {
	if h == nil {
		h = func(api.Outcome) {}
	}
	if !p.connectAttempted.CompareAndSwap(false, true) {
		p.report(h, api.Failure(api.ErrAlreadyInProgress))
		return
	}
	switch {
	case !p.outbound:
		p.report(h, api.Failure(api.Invalidf("accepted pipe is already connected")))
	case !remote.IsValid() || remote.IsUnspecified():
		p.report(h, api.Failure(api.Invalidf("remote address must not be the wildcard")))
	case port == 0:
		p.report(h, api.Failure(api.Invalidf("remote port must be 1-65535")))
	case timeout < time.Millisecond:
		p.report(h, api.Failure(api.Invalidf("connect timeout %v below 1ms", timeout)))
	case p.closed.Load():
		p.report(h, api.Failure(api.ErrClosed))
	default:
		est := newEstablisher(p, remote, port, timeout, h, DefaultConnectConfig())
		p.est.Store(est)
		est.begin()
	}
}

// ConnectSync is the blocking convenience wrapper around Connect.
func (p *Pipe) ConnectSync(remote netip.Addr, port uint16, timeout time.Duration) api.Outcome {
	ch := make(chan api.Outcome, 1)
	p.Connect(remote, port, timeout, func(o api.Outcome) { ch <- o })
	return <-ch
}

// Send transmits data and reports completion to h on a worker goroutine.
// One send may be outstanding at a time; a concurrent second send fails
// immediately with ErrAlreadyInProgress and does not disturb the first.
// The pipe owns data until h fires.
func (p *Pipe) Send(data []byte, h func(api.Outcome)) error {
	if p.closed.Load() {
		return api.ErrClosed
	}
	if len(data) == 0 {
		return api.Invalidf("empty send")
	}
	if !p.sendBusy.CompareAndSwap(false, true) {
		return api.ErrAlreadyInProgress
	}
	if h == nil {
		h = func(api.Outcome) {}
	}
	p.sendMu.Lock()
	p.pending = data
	p.onSent = h
	p.sendMu.Unlock()

	// Direct attempt on the calling thread; only the completion handler is
	// deferred to the pool.
	p.writeMore()
	return nil
}

// writeMore pushes pending bytes until done or the socket stops accepting.
func (p *Pipe) writeMore() {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	for len(p.pending) > 0 {
		n, err := unix.Write(p.fd, p.pending)
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			n = 0
		case err == unix.EINTR:
			continue
		case err != nil:
			p.finishSendLocked(api.Failure(p.mapErr(fmt.Errorf("write: %w", err))))
			return
		}
		if n == 0 {
			// Kernel buffer full: arm write interest, resume on the event.
			if aerr := p.reg.Enable(api.EventWrite); aerr != nil {
				p.finishSendLocked(api.Failure(p.mapErr(aerr)))
			}
			return
		}
		p.pending = p.pending[n:]
	}
	_ = p.reg.Disable(api.EventWrite)
	p.finishSendLocked(api.Success)
}

// finishSendLocked clears the single-flight state and schedules the
// completion handler. Called with sendMu held.
func (p *Pipe) finishSendLocked(o api.Outcome) {
	h := p.onSent
	p.pending = nil
	p.onSent = nil
	p.sendBusy.Store(false)
	if h != nil {
		p.report(h, o)
	}
}

// Receive arms read interest and delivers inbound bytes to h, one read
// attempt per readable event. Read interest is re-armed only while h keeps
// returning true.
func (p *Pipe) Receive(h ReceiveHandler) error {
	if h == nil {
		return api.Invalidf("nil receive handler")
	}
	if p.closed.Load() {
		return api.ErrClosed
	}
	p.recvMu.Lock()
	p.onRecv = h
	p.recvMu.Unlock()
	return p.reg.Enable(api.EventRead)
}

// Close tears down the pipe. Pending connect or send handlers receive an
// error outcome; closing is the engine's only cancellation mechanism.
func (p *Pipe) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if est := p.est.Load(); est != nil {
		est.finish(api.Failure(p.mapErr(api.ErrClosed)))
	}
	p.sendMu.Lock()
	if p.sendBusy.Load() {
		p.finishSendLocked(api.Failure(p.mapErr(api.ErrClosed)))
	}
	p.sendMu.Unlock()
	_ = p.eng.Deregister(p.reg)
	return unix.Close(p.fd)
}

// Role implements api.Attachment.
func (p *Pipe) Role() api.Role { return api.RolePipe }

// OnAcceptable implements api.Attachment; pipes never arm it.
func (p *Pipe) OnAcceptable() {}

// OnConnectable forwards deferred-connect readiness to the establisher.
func (p *Pipe) OnConnectable() {
	if est := p.est.Load(); est != nil {
		est.onReady()
	}
}

// OnReadable performs exactly one non-blocking read and hands the bytes to
// the receive handler. Runs on a worker goroutine, serialized per pipe.
func (p *Pipe) OnReadable() {
	p.recvMu.Lock()
	h := p.onRecv
	p.recvMu.Unlock()
	if h == nil || p.closed.Load() {
		return
	}

	buf := make([]byte, p.readBuf)
	n, err := unix.Read(p.fd, buf)
	switch {
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		_ = p.reg.Enable(api.EventRead)
		return
	case err != nil:
		h(nil, p.mapErr(fmt.Errorf("read: %w", err)))
		return
	case n == 0:
		h(nil, io.EOF)
		return
	}
	if h(buf[:n], nil) {
		_ = p.reg.Enable(api.EventRead)
	}
}

// OnWritable resumes an in-flight send after the kernel buffer drained.
func (p *Pipe) OnWritable() {
	if p.sendBusy.Load() {
		p.writeMore()
	}
}

// report schedules a completion handler on the worker pool so outcomes
// never run on the caller's goroutine, even for immediate completions.
func (p *Pipe) report(h func(api.Outcome), o api.Outcome) {
	if err := p.eng.Pool().Submit(func() { h(o) }); err != nil {
		p.log.WithError(err).WithField("outcome", o.String()).
			Warn("dropping completion, worker pool closed")
	}
}

// mapErr folds errors that stem from engine shutdown into ErrEngineDown so
// pending handlers observe a well-defined terminal state.
func (p *Pipe) mapErr(err error) error {
	if p.eng.IsDown() {
		return api.ErrEngineDown
	}
	return err
}

var _ api.Attachment = (*Pipe)(nil)
