// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package tcp provides the stream endpoints of the engine: Listener for
// accepting inbound connections, Pipe for bidirectional byte transport
// (both accepted-inbound and locally-initiated outbound flavors), the
// non-blocking connection establisher with adaptive recheck backoff, and
// the reachability probe helpers built on top of disposable pipes.
//
// All completion handlers run on worker-pool goroutines. For any single
// pipe, handler invocations never overlap: the event loop clears the fired
// interest bit before dispatch and only the handler re-arms it.
package tcp
