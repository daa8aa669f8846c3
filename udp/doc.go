// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package udp provides the engine's message-oriented endpoints. A Server
// receives datagrams from any peer, optionally screened by a source
// filter, and can reply to any peer; a Client is scoped to one fixed peer
// via a connected datagram socket. Receive buffers are allocated one byte
// larger than the configured maximum so an oversized datagram is detected
// as truncated instead of silently shortened. Sends are single-flight per
// endpoint and mirror the pipe write protocol: a direct attempt first,
// then write-readiness retry on a full kernel buffer.
package udp
