// File: api/attachment.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Handler roles attached to multiplexer registrations. The event loop
// dispatches readiness by matching the fired interest bit to one of the
// Attachment methods; Role is a closed enum used for logging and for
// rejecting registrations the loop does not understand.

package api

// Role identifies which kind of endpoint owns a registered channel.
type Role uint8

const (
	// RoleListener marks a bound server socket producing inbound pipes.
	RoleListener Role = iota + 1

	// RolePipe marks a connected (or connecting) stream socket.
	RolePipe

	// RoleDatagram marks a message-oriented socket.
	RoleDatagram
)

// String returns the lowercase role name.
func (r Role) String() string {
	switch r {
	case RoleListener:
		return "listener"
	case RolePipe:
		return "pipe"
	case RoleDatagram:
		return "datagram"
	default:
		return "unknown"
	}
}

// Attachment is the handler bundle bound to one registration. All four
// methods are invoked on worker-pool goroutines, never on the loop
// goroutine, and never concurrently for the same channel: the loop clears
// the fired interest bit before dispatch and only the handler re-arms it.
type Attachment interface {
	// Role reports the handler kind for dispatch validation and logging.
	Role() Role

	// OnAcceptable handles one pending inbound connection.
	OnAcceptable()

	// OnConnectable handles resolution of a deferred outbound connect.
	OnConnectable()

	// OnReadable handles one non-blocking read opportunity.
	OnReadable()

	// OnWritable handles one non-blocking write opportunity.
	OnWritable()
}
