// File: api/outcome.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Asynchronous completion result. Connect, send and probe handlers all
// receive an Outcome; a timeout is a distinguished state rather than an
// error so that callers can retry with adjusted parameters.

package api

// Outcome is the result delivered to an asynchronous completion handler.
// The zero value means success.
type Outcome struct {
	// TimedOut is set when the operation exceeded its configured timeout.
	// Err is nil in that case.
	TimedOut bool

	// Err carries the failure, nil on success or timeout.
	Err error
}

// Ok reports successful completion.
func (o Outcome) Ok() bool {
	return !o.TimedOut && o.Err == nil
}

// String renders the outcome for logs.
func (o Outcome) String() string {
	switch {
	case o.TimedOut:
		return "timeout"
	case o.Err != nil:
		return "error: " + o.Err.Error()
	default:
		return "ok"
	}
}

// Success is the zero Outcome, named for readability at call sites.
var Success = Outcome{}

// Timeout is the distinguished timed-out Outcome.
var Timeout = Outcome{TimedOut: true}

// Failure wraps err into an Outcome.
func Failure(err error) Outcome {
	return Outcome{Err: err}
}
