//go:build linux
// +build linux

// File: internal/sockaddr/sockaddr_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package sockaddr converts between netip address values and the raw
// socket address representations used by the unix package. This is the
// engine's entire boundary with the address library: conversion plus
// wildcard tests, never string parsing.
package sockaddr

import (
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/momentics/nioengine/api"
)

// Family returns the address family constant for addr.
func Family(addr netip.Addr) int {
	if addr.Is4() || addr.Is4In6() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// From builds a unix.Sockaddr for addr:port.
func From(addr netip.Addr, port uint16) (unix.Sockaddr, error) {
	if !addr.IsValid() {
		return nil, api.Invalidf("invalid address")
	}
	if addr.Is4() || addr.Is4In6() {
		return &unix.SockaddrInet4{Port: int(port), Addr: addr.Unmap().As4()}, nil
	}
	return &unix.SockaddrInet6{Port: int(port), Addr: addr.As16()}, nil
}

// ToAddrPort converts a kernel-reported socket address back to netip form.
func ToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(s.Addr), uint16(s.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(s.Addr).Unmap(), uint16(s.Port))
	default:
		return netip.AddrPort{}
	}
}
