//go:build linux
// +build linux

// File: reactor/poller_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux epoll(7)-based poller with eventfd(2) wakeup.

package reactor

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/nioengine/api"
)

// Event is one readiness report returned by Wait. Ready holds the subset of
// the registration's interest set that fired.
type Event struct {
	Reg   *Registration
	Ready api.EventType
}

// Poller owns one epoll instance, the eventfd used to interrupt a blocked
// Wait, and the registration table. One Poller exists per engine.
type Poller struct {
	epfd   int
	wakefd int

	mu   sync.Mutex // registration lock: guards regs and every interest change
	regs map[int]*Registration

	raw    []unix.EpollEvent
	closed atomic.Bool
}

// Open creates the epoll instance and its wakeup eventfd.
func Open() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add wakeup: %w", err)
	}
	return &Poller{
		epfd:   epfd,
		wakefd: wakefd,
		regs:   make(map[int]*Registration),
		raw:    make([]unix.EpollEvent, 128),
	}, nil
}

// Register adds fd to the watch set with the given interest and attachment
// and wakes the loop so the addition is seen before the next blocking poll.
//
// An fd with an empty interest set is tracked in the registration table but
// kept out of the epoll set: epoll delivers EPOLLERR/EPOLLHUP regardless of
// the requested mask, and a dead channel nobody is interested in would spin
// the level-triggered poll. The fd enters epoll on the first Enable.
func (p *Poller) Register(fd int, interest api.EventType, att api.Attachment) (*Registration, error) {
	if p.closed.Load() {
		return nil, api.ErrClosed
	}
	if att == nil {
		return nil, api.Invalidf("nil attachment for fd %d", fd)
	}
	reg := &Registration{fd: fd, p: p, att: att, interest: interest}

	p.mu.Lock()
	if _, dup := p.regs[fd]; dup {
		p.mu.Unlock()
		return nil, api.Invalidf("fd %d already registered", fd)
	}
	if interest != 0 {
		ev := unix.EpollEvent{Events: epollBits(interest), Fd: int32(fd)}
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("epoll ctl add fd %d: %w", fd, err)
		}
		reg.armed = true
	}
	p.regs[fd] = reg
	p.mu.Unlock()

	p.Wakeup()
	return reg, nil
}

// Deregister removes the registration from the watch set. Safe to call more
// than once; callers invoke it just before closing the fd.
func (p *Poller) Deregister(reg *Registration) error {
	p.mu.Lock()
	if reg.dead {
		p.mu.Unlock()
		return nil
	}
	reg.dead = true
	delete(p.regs, reg.fd)
	var err error
	if reg.armed {
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, reg.fd, nil)
		reg.armed = false
	}
	p.mu.Unlock()

	p.Wakeup()
	if err != nil {
		return fmt.Errorf("epoll ctl del fd %d: %w", reg.fd, err)
	}
	return nil
}

// Wakeup forces a blocked Wait call to return. Write errors on a full
// eventfd counter are ignored: the wakeup is already pending.
func (p *Poller) Wakeup() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(p.wakefd, buf[:])
}

// Wait blocks until at least one registered channel is ready, then fills
// events and returns the count. A wakeup with no other readiness returns 0.
// EINTR is swallowed and reported as an empty wakeup.
func (p *Poller) Wait(events []Event) (int, error) {
	if p.closed.Load() {
		return 0, api.ErrClosed
	}
	limit := len(events)
	if limit > len(p.raw) {
		limit = len(p.raw)
	}
	n, err := unix.EpollWait(p.epfd, p.raw[:limit], -1)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}

	out := 0
	p.mu.Lock()
	for i := 0; i < n; i++ {
		raw := p.raw[i]
		fd := int(raw.Fd)
		if fd == p.wakefd {
			p.drainWakeup()
			continue
		}
		reg, ok := p.regs[fd]
		if !ok {
			// Deregistered between poll and lookup.
			continue
		}
		ready := readyBits(raw.Events, reg.interest)
		if ready == 0 {
			continue
		}
		events[out] = Event{Reg: reg, Ready: ready}
		out++
	}
	p.mu.Unlock()
	return out, nil
}

// Close tears down the poller. A loop blocked in Wait fails out of its
// epoll_wait call once both descriptors are closed.
func (p *Poller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.Wakeup()
	err := unix.Close(p.epfd)
	if cerr := unix.Close(p.wakefd); err == nil {
		err = cerr
	}
	return err
}

func (p *Poller) drainWakeup() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// epollBits maps the interest set onto epoll event bits. Accept and Read
// watch for input, Connect and Write watch for output. Level-triggered:
// the clear-then-re-arm protocol depends on repeated delivery.
func epollBits(interest api.EventType) uint32 {
	var bits uint32
	if interest&(api.EventAccept|api.EventRead) != 0 {
		bits |= unix.EPOLLIN
	}
	if interest&(api.EventConnect|api.EventWrite) != 0 {
		bits |= unix.EPOLLOUT
	}
	return bits
}

// readyBits maps fired epoll bits back into the subset of the current
// interest set that they satisfy. EPOLLERR/EPOLLHUP surface as whatever the
// registration is interested in, so the owning handler performs the syscall
// and observes the error itself.
func readyBits(raw uint32, interest api.EventType) api.EventType {
	var ready api.EventType
	if raw&unix.EPOLLIN != 0 {
		ready |= interest & (api.EventAccept | api.EventRead)
	}
	if raw&unix.EPOLLOUT != 0 {
		ready |= interest & (api.EventConnect | api.EventWrite)
	}
	if raw&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ready |= interest
	}
	return ready
}
