//go:build linux
// +build linux

// File: udp/endpoint_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared datagram endpoint machinery behind the Server and Client types.

package udp

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/nioengine/api"
	"github.com/momentics/nioengine/engine"
	"github.com/momentics/nioengine/internal/sockaddr"
	"github.com/momentics/nioengine/reactor"
)

// Config configures a datagram endpoint.
type Config struct {
	// Addr and Port are the local bind address; Port 0 asks the kernel.
	Addr netip.Addr
	Port uint16

	// MaxDatagramBytes bounds accepted payloads, 1-65535. Larger inbound
	// datagrams are delivered truncated to exactly this many bytes.
	MaxDatagramBytes int

	// OnReceive handles each accepted inbound datagram. Required.
	OnReceive func(Inbound)

	// OnError, when set, receives per-receive failures; the endpoint keeps
	// running.
	OnError func(error)

	// Reject is the optional source filter. Returning true for a sender's
	// (address, port) drops the datagram silently: no handler runs and no
	// endpoint state changes.
	Reject func(peer netip.Addr, port uint16) bool
}

// endpoint is the base for both flavors: it owns the socket, the always-on
// read interest, and the single-flight send state.
type endpoint struct {
	eng *engine.Engine
	cfg Config
	fd  int
	reg *reactor.Registration
	log *logrus.Entry

	bound netip.AddrPort
	// peer is set for clients whose socket is connect(2)-scoped.
	peer netip.AddrPort

	sendBusy atomic.Bool
	sendMu   sync.Mutex
	out      Outbound
	onSent   func(api.Outcome)

	closed atomic.Bool
}

func openEndpoint(eng *engine.Engine, cfg Config, component string, reuseAddr bool) (*endpoint, error) {
	if eng == nil {
		return nil, api.Invalidf("nil engine")
	}
	if cfg.OnReceive == nil {
		return nil, api.Invalidf("datagram endpoint requires an OnReceive handler")
	}
	if !cfg.Addr.IsValid() {
		return nil, api.Invalidf("datagram bind address is not valid")
	}
	if cfg.MaxDatagramBytes < 1 || cfg.MaxDatagramBytes > 65535 {
		return nil, api.Invalidf("max datagram size %d outside 1-65535", cfg.MaxDatagramBytes)
	}

	fd, err := unix.Socket(sockaddr.Family(cfg.Addr), unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("datagram socket: %w", err)
	}
	if reuseAddr {
		// Must precede bind to take effect.
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("datagram setsockopt: %w", err)
		}
	}
	sa, err := sockaddr.From(cfg.Addr, cfg.Port)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("datagram bind %s:%d: %w", cfg.Addr, cfg.Port, err)
	}

	ep := &endpoint{
		eng: eng,
		cfg: cfg,
		fd:  fd,
		log: eng.Log().WithField("component", component),
	}
	if name, err := unix.Getsockname(fd); err == nil {
		ep.bound = sockaddr.ToAddrPort(name)
	}
	return ep, nil
}

// register arms the permanent read interest. The registration starts with
// an empty interest set so ep.reg is published before the first event can
// dispatch a handler that re-arms through it.
func (ep *endpoint) register() error {
	reg, err := ep.eng.Register(ep.fd, 0, ep)
	if err != nil {
		_ = unix.Close(ep.fd)
		return err
	}
	ep.reg = reg
	if err := reg.Enable(api.EventRead); err != nil {
		_ = ep.eng.Deregister(reg)
		_ = unix.Close(ep.fd)
		return err
	}
	return nil
}

// Addr returns the bound local address.
func (ep *endpoint) Addr() netip.AddrPort { return ep.bound }

// Close tears down the endpoint. A pending send handler receives an error
// outcome.
func (ep *endpoint) Close() error {
	if !ep.closed.CompareAndSwap(false, true) {
		return nil
	}
	ep.sendMu.Lock()
	if ep.sendBusy.Load() {
		ep.finishSendLocked(api.Failure(ep.mapErr(api.ErrClosed)))
	}
	ep.sendMu.Unlock()
	_ = ep.eng.Deregister(ep.reg)
	return unix.Close(ep.fd)
}

// send enforces single-flight and makes the direct attempt. A second send
// while one is outstanding fails immediately without touching the first.
func (ep *endpoint) send(dg Outbound, h func(api.Outcome)) error {
	if ep.closed.Load() {
		return api.ErrClosed
	}
	if len(dg.Payload()) > ep.cfg.MaxDatagramBytes {
		return api.Invalidf("payload %d bytes exceeds max datagram size %d",
			len(dg.Payload()), ep.cfg.MaxDatagramBytes)
	}
	if !ep.sendBusy.CompareAndSwap(false, true) {
		return api.ErrAlreadyInProgress
	}
	if h == nil {
		h = func(api.Outcome) {}
	}
	ep.sendMu.Lock()
	ep.out = dg
	ep.onSent = h
	ep.trySendLocked()
	ep.sendMu.Unlock()
	return nil
}

// trySendLocked transmits the pending datagram or arms write interest when
// the kernel buffer is full. Called with sendMu held.
func (ep *endpoint) trySendLocked() {
	var err error
	if ep.peer.IsValid() {
		// Connected socket: destination fixed at construction.
		_, err = unix.Write(ep.fd, ep.out.Payload())
	} else {
		var sa unix.Sockaddr
		sa, err = sockaddr.From(ep.out.Peer(), ep.out.Port())
		if err == nil {
			err = unix.Sendto(ep.fd, ep.out.Payload(), 0, sa)
		}
	}
	switch {
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		if aerr := ep.reg.Enable(api.EventWrite); aerr != nil {
			ep.finishSendLocked(api.Failure(ep.mapErr(aerr)))
		}
	case err != nil:
		ep.finishSendLocked(api.Failure(ep.mapErr(fmt.Errorf("send %s: %w", ep.out, err))))
	default:
		_ = ep.reg.Disable(api.EventWrite)
		ep.finishSendLocked(api.Success)
	}
}

func (ep *endpoint) finishSendLocked(o api.Outcome) {
	h := ep.onSent
	ep.out = Outbound{}
	ep.onSent = nil
	ep.sendBusy.Store(false)
	if h != nil {
		ep.report(h, o)
	}
}

// Role implements api.Attachment.
func (ep *endpoint) Role() api.Role { return api.RoleDatagram }

// OnAcceptable implements api.Attachment; datagram endpoints never arm it.
func (ep *endpoint) OnAcceptable() {}

// OnConnectable implements api.Attachment; datagram endpoints never arm it.
func (ep *endpoint) OnConnectable() {}

// OnReadable receives exactly one datagram. The buffer is one byte larger
// than the configured maximum: a read that fills it means the kernel had
// more, so the datagram is marked truncated and the sentinel byte trimmed.
func (ep *endpoint) OnReadable() {
	if ep.closed.Load() {
		return
	}
	defer func() {
		if !ep.closed.Load() {
			_ = ep.reg.Enable(api.EventRead)
		}
	}()

	buf := make([]byte, ep.cfg.MaxDatagramBytes+1)
	n, from, err := unix.Recvfrom(ep.fd, buf, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		ep.fail(fmt.Errorf("recvfrom: %w", err))
		return
	}

	peer := ep.peer
	if from != nil {
		peer = sockaddr.ToAddrPort(from)
	}
	if ep.cfg.Reject != nil && ep.cfg.Reject(peer.Addr(), peer.Port()) {
		return
	}

	truncated := n == len(buf)
	if truncated {
		n = ep.cfg.MaxDatagramBytes
	}
	ep.cfg.OnReceive(Inbound{
		payload:   buf[:n],
		peer:      peer.Addr(),
		port:      peer.Port(),
		received:  ep.eng.Clock().Now(),
		truncated: truncated,
	})
}

// OnWritable resumes an in-flight send.
func (ep *endpoint) OnWritable() {
	if !ep.sendBusy.Load() {
		return
	}
	ep.sendMu.Lock()
	if ep.onSent != nil {
		ep.trySendLocked()
	}
	ep.sendMu.Unlock()
}

func (ep *endpoint) report(h func(api.Outcome), o api.Outcome) {
	if err := ep.eng.Pool().Submit(func() { h(o) }); err != nil {
		ep.log.WithError(err).Warn("dropping completion, worker pool closed")
	}
}

func (ep *endpoint) fail(err error) {
	ep.log.WithError(err).Warn("datagram receive failed, endpoint continues")
	if ep.cfg.OnError != nil {
		ep.cfg.OnError(err)
	}
}

func (ep *endpoint) mapErr(err error) error {
	if ep.eng.IsDown() {
		return api.ErrEngineDown
	}
	return err
}

var _ api.Attachment = (*endpoint)(nil)
