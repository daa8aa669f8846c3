// File: api/events.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Interest-set bitmask watched by the readiness multiplexer.

package api

import "strings"

// EventType is a bitmask of readiness interests for one registered channel.
type EventType uint32

const (
	// EventAccept fires when a listening socket has a pending connection.
	EventAccept EventType = 1 << iota

	// EventConnect fires when a deferred non-blocking connect has resolved.
	EventConnect

	// EventRead fires when a socket has bytes (or EOF) to read.
	EventRead

	// EventWrite fires when a socket can accept more outbound bytes.
	EventWrite
)

// Has reports whether every bit of mask is set in e.
func (e EventType) Has(mask EventType) bool {
	return e&mask == mask
}

// String renders the set bits, e.g. "read|write".
func (e EventType) String() string {
	if e == 0 {
		return "none"
	}
	parts := make([]string, 0, 4)
	if e.Has(EventAccept) {
		parts = append(parts, "accept")
	}
	if e.Has(EventConnect) {
		parts = append(parts, "connect")
	}
	if e.Has(EventRead) {
		parts = append(parts, "read")
	}
	if e.Has(EventWrite) {
		parts = append(parts, "write")
	}
	return strings.Join(parts, "|")
}
