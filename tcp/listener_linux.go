//go:build linux
// +build linux

// File: tcp/listener_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TCP listener: binds a non-blocking server socket and turns accept
// readiness into inbound pipes, one per event.

package tcp

import (
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/nioengine/api"
	"github.com/momentics/nioengine/engine"
	"github.com/momentics/nioengine/internal/sockaddr"
	"github.com/momentics/nioengine/reactor"
)

// ListenerConfig configures a listener.
type ListenerConfig struct {
	// Addr is the local bind address; Port 0 asks the kernel for a port.
	Addr netip.Addr
	Port uint16

	// Backlog for listen(2); 0 means 128.
	Backlog int

	// OnAccept receives each new inbound pipe. Required.
	OnAccept func(*Pipe)

	// OnError, when set, receives per-accept failures. The listener keeps
	// running either way.
	OnError func(error)

	// Reject, when set, is evaluated after accept and before OnAccept.
	// Returning true closes the new pipe immediately; OnAccept is not
	// called.
	Reject func(peer netip.AddrPort) bool
}

// Listener owns a bound server socket and its registration.
type Listener struct {
	eng    *engine.Engine
	cfg    ListenerConfig
	fd     int
	reg    *reactor.Registration
	bound  netip.AddrPort
	log    *logrus.Entry
	closed atomic.Bool
}

// Listen opens, binds and registers a listener for accept readiness.
func Listen(eng *engine.Engine, cfg ListenerConfig) (*Listener, error) {
	if eng == nil {
		return nil, api.Invalidf("nil engine")
	}
	if cfg.OnAccept == nil {
		return nil, api.Invalidf("listener requires an OnAccept handler")
	}
	if !cfg.Addr.IsValid() {
		return nil, api.Invalidf("listener bind address is not valid")
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 128
	}

	fd, err := unix.Socket(sockaddr.Family(cfg.Addr), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("listener socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listener setsockopt: %w", err)
	}
	sa, err := sockaddr.From(cfg.Addr, cfg.Port)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listener bind %s:%d: %w", cfg.Addr, cfg.Port, err)
	}
	if err := unix.Listen(fd, cfg.Backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}
	local, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listener getsockname: %w", err)
	}

	l := &Listener{
		eng:   eng,
		cfg:   cfg,
		fd:    fd,
		bound: sockaddr.ToAddrPort(local),
		log:   eng.Log().WithField("component", "listener"),
	}
	// Register with an empty interest set first: accept readiness must not
	// dispatch before l.reg is published, or the handler's re-arm would
	// race the assignment.
	reg, err := eng.Register(fd, 0, l)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	l.reg = reg
	if err := reg.Enable(api.EventAccept); err != nil {
		_ = eng.Deregister(reg)
		_ = unix.Close(fd)
		return nil, err
	}
	l.log = l.log.WithField("addr", l.bound.String())
	return l, nil
}

// Addr returns the actual bound address, useful after binding port 0.
func (l *Listener) Addr() netip.AddrPort { return l.bound }

// Close deregisters and closes the server socket.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = l.eng.Deregister(l.reg)
	return unix.Close(l.fd)
}

// Role implements api.Attachment.
func (l *Listener) Role() api.Role { return api.RoleListener }

// OnAcceptable accepts exactly one queued connection. The loop redelivers
// accept readiness if more remain, so a burst of inbound connections is
// spread across events rather than drained in one handler.
func (l *Listener) OnAcceptable() {
	if l.closed.Load() {
		return
	}
	defer l.rearm()

	nfd, peerSA, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		l.fail(fmt.Errorf("accept: %w", err))
		return
	}

	peer := sockaddr.ToAddrPort(peerSA)
	pipe, err := newInboundPipe(l.eng, nfd, peer)
	if err != nil {
		_ = unix.Close(nfd)
		l.fail(fmt.Errorf("accepted pipe setup for %s: %w", peer, err))
		return
	}
	if l.cfg.Reject != nil && l.cfg.Reject(peer) {
		l.log.WithField("peer", peer.String()).Debug("inbound connection rejected")
		_ = pipe.Close()
		return
	}
	l.cfg.OnAccept(pipe)
}

// OnConnectable implements api.Attachment; listeners never arm it.
func (l *Listener) OnConnectable() {}

// OnReadable implements api.Attachment; listeners never arm it.
func (l *Listener) OnReadable() {}

// OnWritable implements api.Attachment; listeners never arm it.
func (l *Listener) OnWritable() {}

func (l *Listener) rearm() {
	if l.closed.Load() {
		return
	}
	_ = l.reg.Enable(api.EventAccept)
}

// fail reports one accept error and keeps the listener alive.
func (l *Listener) fail(err error) {
	l.log.WithError(err).Warn("accept failed, listener continues")
	if l.cfg.OnError != nil {
		l.cfg.OnError(err)
	}
}
