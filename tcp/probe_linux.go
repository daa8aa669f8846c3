//go:build linux
// +build linux

// File: tcp/probe_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reachability probing: a thin composition over disposable outbound pipes.

package tcp

import (
	"net/netip"
	"time"

	"github.com/momentics/nioengine/api"
	"github.com/momentics/nioengine/engine"
)

// Probe timeout clamp bounds for adjusted retries.
const (
	minProbeTimeout = time.Millisecond
	maxProbeTimeout = 10 * time.Second
)

// Probe attempts one connection to remote:port with the given timeout on a
// disposable pipe, which is always closed afterward regardless of outcome.
func Probe(eng *engine.Engine, remote netip.Addr, port uint16, timeout time.Duration) api.Outcome {
	local := netip.IPv4Unspecified()
	if remote.Is6() && !remote.Is4In6() {
		local = netip.IPv6Unspecified()
	}
	pipe, err := NewPipe(eng, local, 0)
	if err != nil {
		return api.Failure(err)
	}
	defer pipe.Close()
	return pipe.ConnectSync(remote, port, timeout)
}

// IsConnectable probes remote:port up to maxAttempts times. Only timeouts
// retry; success or a hard failure stops the sequence early. After each
// timeout, adjust (when non-nil) produces the next attempt's timeout,
// clamped to [1ms, 10s].
func IsConnectable(eng *engine.Engine, remote netip.Addr, port uint16,
	timeout time.Duration, adjust func(time.Duration) time.Duration, maxAttempts int) bool {

	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		o := Probe(eng, remote, port, timeout)
		if o.Ok() {
			return true
		}
		if !o.TimedOut {
			return false
		}
		if adjust != nil {
			timeout = clampTimeout(adjust(timeout))
		}
	}
	return false
}

func clampTimeout(d time.Duration) time.Duration {
	if d < minProbeTimeout {
		return minProbeTimeout
	}
	if d > maxProbeTimeout {
		return maxProbeTimeout
	}
	return d
}
