// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared contracts of the nioengine event engine: the interest-set bitmask,
// the handler-role tagged union used for readiness dispatch, the Outcome
// value carried by every asynchronous completion handler, and the sentinel
// errors shared across packages. Everything here is dependency-free so that
// reactor, executor, engine, tcp and udp can all import it.
package api
