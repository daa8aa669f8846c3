//go:build linux
// +build linux

// File: udp/client_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package udp

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/momentics/nioengine/api"
	"github.com/momentics/nioengine/engine"
	"github.com/momentics/nioengine/internal/sockaddr"
)

// Client is a datagram endpoint scoped to one fixed peer. The socket is
// connect(2)-bound, so the kernel filters foreign senders; the configured
// source filter still applies on top.
type Client struct {
	*endpoint
}

// NewClient binds a datagram socket, scopes it to peer:peerPort and
// registers it for receive readiness.
func NewClient(eng *engine.Engine, cfg Config, peer netip.Addr, peerPort uint16) (*Client, error) {
	if !peer.IsValid() || peer.IsUnspecified() {
		return nil, api.Invalidf("client peer must not be the wildcard")
	}
	if peerPort == 0 {
		return nil, api.Invalidf("client peer port must be 1-65535")
	}
	ep, err := openEndpoint(eng, cfg, "udp-client", false)
	if err != nil {
		return nil, err
	}
	sa, err := sockaddr.From(peer, peerPort)
	if err != nil {
		_ = unix.Close(ep.fd)
		return nil, err
	}
	if err := unix.Connect(ep.fd, sa); err != nil {
		_ = unix.Close(ep.fd)
		return nil, fmt.Errorf("datagram connect %s:%d: %w", peer, peerPort, err)
	}
	ep.peer = netip.AddrPortFrom(peer, peerPort)

	c := &Client{endpoint: ep}
	if err := c.register(); err != nil {
		return nil, err
	}
	c.log = c.log.WithField("peer", ep.peer.String())
	return c, nil
}

// Peer returns the fixed remote address.
func (c *Client) Peer() netip.AddrPort { return c.peer }

// Send transmits payload to the fixed peer and reports completion to h on
// a worker goroutine. At most one send may be outstanding.
func (c *Client) Send(payload []byte, h func(api.Outcome)) error {
	dg, err := NewOutbound(payload, c.peer.Addr(), c.peer.Port())
	if err != nil {
		return err
	}
	return c.send(dg, h)
}
