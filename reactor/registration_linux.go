//go:build linux
// +build linux

// File: reactor/registration_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Registration tokens: the (fd, interest set, attachment) triple known to
// the poller.

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/momentics/nioengine/api"
)

// Registration binds one non-blocking fd to its interest set and handler
// attachment. The interest set is mutated from worker goroutines (re-arming
// after a partial operation) and from the loop goroutine (clearing before
// dispatch); both paths go through the poller's registration lock.
type Registration struct {
	fd  int
	p   *Poller
	att api.Attachment

	// guarded by p.mu. armed tracks whether the fd is currently in the
	// epoll set; an fd with an empty interest set is kept out of it so the
	// unmaskable EPOLLERR/EPOLLHUP bits cannot spin the poll on a channel
	// nobody is interested in.
	interest api.EventType
	armed    bool
	dead     bool
}

// Fd returns the registered descriptor.
func (r *Registration) Fd() int { return r.fd }

// Attachment returns the handler bundle bound at registration time.
func (r *Registration) Attachment() api.Attachment { return r.att }

// Interest returns the current interest set.
func (r *Registration) Interest() api.EventType {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	return r.interest
}

// Enable adds bits to the interest set and wakes the loop. Worker-side
// re-arming after a partial read/write goes through here.
func (r *Registration) Enable(bits api.EventType) error {
	return r.update(func(cur api.EventType) api.EventType { return cur | bits }, true)
}

// Disable removes bits from the interest set and wakes the loop.
func (r *Registration) Disable(bits api.EventType) error {
	return r.update(func(cur api.EventType) api.EventType { return cur &^ bits }, true)
}

// SetInterest replaces the whole interest set and wakes the loop.
func (r *Registration) SetInterest(interest api.EventType) error {
	return r.update(func(api.EventType) api.EventType { return interest }, true)
}

// ClearForDispatch removes the fired bits without a wakeup. Loop goroutine
// only: it runs between poll and dispatch, so no Wait call is blocked.
func (r *Registration) ClearForDispatch(bits api.EventType) error {
	return r.update(func(cur api.EventType) api.EventType { return cur &^ bits }, false)
}

func (r *Registration) update(mutate func(api.EventType) api.EventType, wake bool) error {
	r.p.mu.Lock()
	if r.dead {
		r.p.mu.Unlock()
		return api.ErrClosed
	}
	next := mutate(r.interest)
	if next != r.interest {
		if err := r.applyLocked(next); err != nil {
			r.p.mu.Unlock()
			return err
		}
		r.interest = next
	}
	r.p.mu.Unlock()

	if wake {
		r.p.Wakeup()
	}
	return nil
}

// applyLocked moves the fd in or out of the epoll set to match the next
// interest. Called with p.mu held.
func (r *Registration) applyLocked(next api.EventType) error {
	switch {
	case next == 0 && r.armed:
		if err := unix.EpollCtl(r.p.epfd, unix.EPOLL_CTL_DEL, r.fd, nil); err != nil {
			return fmt.Errorf("epoll ctl del fd %d: %w", r.fd, err)
		}
		r.armed = false
	case next != 0 && !r.armed:
		ev := unix.EpollEvent{Events: epollBits(next), Fd: int32(r.fd)}
		if err := unix.EpollCtl(r.p.epfd, unix.EPOLL_CTL_ADD, r.fd, &ev); err != nil {
			return fmt.Errorf("epoll ctl add fd %d: %w", r.fd, err)
		}
		r.armed = true
	case next != 0:
		ev := unix.EpollEvent{Events: epollBits(next), Fd: int32(r.fd)}
		if err := unix.EpollCtl(r.p.epfd, unix.EPOLL_CTL_MOD, r.fd, &ev); err != nil {
			return fmt.Errorf("epoll ctl mod fd %d: %w", r.fd, err)
		}
	}
	return nil
}
