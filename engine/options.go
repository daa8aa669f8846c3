//go:build linux
// +build linux

// File: engine/options.go
// Package engine functional options.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package engine

import (
	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Option customizes engine construction.
type Option func(*Engine)

// WithLogger replaces the default logrus logger. The engine derives an
// entry tagged with its name.
func WithLogger(log *logrus.Logger) Option {
	return func(e *Engine) {
		e.log = log.WithField("engine", e.name)
	}
}

// WithClock injects the clock used for connect timeouts and backoff.
// Tests pass clock.NewMock().
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clk = clk }
}
