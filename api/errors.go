// File: api/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Common error values shared across the engine packages.

package api

import "fmt"

// Sentinel errors. Asynchronous paths deliver these inside an Outcome;
// synchronous guard checks return them directly.
var (
	// ErrAlreadyInProgress reports a second connect on a pipe or a second
	// concurrent send on a pipe/datagram endpoint.
	ErrAlreadyInProgress = fmt.Errorf("operation already in progress")

	// ErrEngineDown reports use of an engine after Shutdown, or a pending
	// operation failed by Shutdown.
	ErrEngineDown = fmt.Errorf("engine is shut down")

	// ErrInvalidArgument reports a bad address, port or timeout supplied to
	// a public operation.
	ErrInvalidArgument = fmt.Errorf("invalid argument")

	// ErrClosed reports an operation on a closed endpoint or pool.
	ErrClosed = fmt.Errorf("closed")
)

// Invalidf wraps ErrInvalidArgument with a formatted detail message.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidArgument}, args...)...)
}
