// File: udp/datagram.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Immutable datagram value objects. These are the entire wire surface the
// engine exposes; byte-level framing belongs to the collaborators consuming
// the payloads.

package udp

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/momentics/nioengine/api"
)

// Outbound is a datagram queued for transmission.
type Outbound struct {
	payload []byte
	peer    netip.Addr
	port    uint16
	created time.Time
}

// NewOutbound validates and builds an outbound datagram. The peer must not
// be the wildcard address and the port must be in 1-65535.
func NewOutbound(payload []byte, peer netip.Addr, port uint16) (Outbound, error) {
	if !peer.IsValid() || peer.IsUnspecified() {
		return Outbound{}, api.Invalidf("datagram peer must not be the wildcard")
	}
	if port == 0 {
		return Outbound{}, api.Invalidf("datagram peer port must be 1-65535")
	}
	return Outbound{
		payload: payload,
		peer:    peer,
		port:    port,
		created: time.Now(),
	}, nil
}

// Payload returns the datagram bytes. The value owns them; callers must
// not mutate the slice after construction.
func (d Outbound) Payload() []byte { return d.payload }

// Peer returns the destination address.
func (d Outbound) Peer() netip.Addr { return d.peer }

// Port returns the destination port.
func (d Outbound) Port() uint16 { return d.port }

// Created returns the construction timestamp.
func (d Outbound) Created() time.Time { return d.created }

// String renders the datagram for logs.
func (d Outbound) String() string {
	return fmt.Sprintf("outbound %d bytes to %s:%d", len(d.payload), d.peer, d.port)
}

// Inbound is a received datagram.
type Inbound struct {
	payload   []byte
	peer      netip.Addr
	port      uint16
	received  time.Time
	truncated bool
}

// Payload returns the received bytes, already trimmed to the endpoint's
// configured maximum when the datagram was truncated.
func (d Inbound) Payload() []byte { return d.payload }

// Peer returns the sender address.
func (d Inbound) Peer() netip.Addr { return d.peer }

// Port returns the sender port.
func (d Inbound) Port() uint16 { return d.port }

// Received returns the receipt timestamp.
func (d Inbound) Received() time.Time { return d.received }

// Truncated reports whether the datagram exceeded the endpoint's maximum
// size and lost its tail.
func (d Inbound) Truncated() bool { return d.truncated }

// String renders the datagram for logs.
func (d Inbound) String() string {
	suffix := ""
	if d.truncated {
		suffix = " (truncated)"
	}
	return fmt.Sprintf("inbound %d bytes from %s:%d%s", len(d.payload), d.peer, d.port, suffix)
}
