//go:build linux
// +build linux

// File: udp/server_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package udp

import (
	"github.com/momentics/nioengine/api"
	"github.com/momentics/nioengine/engine"
)

// Server is an unconnected datagram endpoint: it receives from any peer
// the source filter admits and can reply to any peer.
type Server struct {
	*endpoint
}

// NewServer binds and registers a datagram server.
func NewServer(eng *engine.Engine, cfg Config) (*Server, error) {
	ep, err := openEndpoint(eng, cfg, "udp-server", true)
	if err != nil {
		return nil, err
	}
	s := &Server{endpoint: ep}
	if err := s.register(); err != nil {
		return nil, err
	}
	s.log = s.log.WithField("addr", s.bound.String())
	return s, nil
}

// Send transmits one datagram to its embedded peer and reports completion
// to h on a worker goroutine. At most one send may be outstanding.
func (s *Server) Send(dg Outbound, h func(api.Outcome)) error {
	return s.send(dg, h)
}
