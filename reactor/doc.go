// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor implements the readiness multiplexer behind the engine's
// event loop: an epoll(7) instance plus an eventfd(2) wakeup channel, and
// the Registration tokens through which all interest-set changes flow.
//
// All registration mutation follows the lock-then-wake discipline: take the
// poller's registration lock, apply the epoll change, release, then force
// the (possibly blocked) Wait call to return so the change is observed
// before the loop blocks again. The only exception is ClearForDispatch,
// which the loop goroutine itself calls between poll and dispatch.
package reactor
