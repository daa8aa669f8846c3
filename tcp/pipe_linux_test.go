//go:build linux
// +build linux

// File: tcp/pipe_linux_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Loopback integration coverage for listener accept, pipe connect and the
// shared read/write event handling.

package tcp

import (
	"bytes"
	"errors"
	"net/netip"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/nioengine/api"
	"github.com/momentics/nioengine/engine"
	"github.com/momentics/nioengine/executor"
)

var loopback = netip.MustParseAddr("127.0.0.1")

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	pool, err := executor.New(4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	eng, err := engine.New("tcp-test", pool)
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)
	return eng
}

// goroutineID parses the header of a stack trace. Test-only; used to prove
// handlers never run on the caller's goroutine.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(string(buf[:n]))
	id, _ := strconv.ParseUint(fields[1], 10, 64)
	return id
}

func TestListenerAndPipe_EchoScenario(t *testing.T) {
	eng := newTestEngine(t)

	var accepts atomic.Int32
	received := make(chan []byte, 16)
	lis, err := Listen(eng, ListenerConfig{
		Addr: loopback,
		Port: 0,
		OnAccept: func(server *Pipe) {
			accepts.Add(1)
			assert.NoError(t, server.Receive(func(data []byte, err error) bool {
				if err != nil {
					return false
				}
				received <- append([]byte(nil), data...)
				return true
			}))
		},
	})
	require.NoError(t, err)
	defer lis.Close()
	require.NotZero(t, lis.Addr().Port(), "port 0 resolves to the kernel-chosen port")

	client, err := NewPipe(eng, netip.IPv4Unspecified(), 0)
	require.NoError(t, err)
	defer client.Close()

	o := client.ConnectSync(loopback, lis.Addr().Port(), 2*time.Second)
	require.True(t, o.Ok(), "connect outcome: %v", o)
	assert.Equal(t, lis.Addr().Port(), client.RemoteAddr().Port())

	payload := bytes.Repeat([]byte{0xA5}, 64)
	sent := make(chan api.Outcome, 1)
	require.NoError(t, client.Send(payload, func(o api.Outcome) { sent <- o }))
	select {
	case o := <-sent:
		require.True(t, o.Ok(), "send outcome: %v", o)
	case <-time.After(2 * time.Second):
		t.Fatal("send completion never fired")
	}

	// All 64 bytes arrive, possibly across multiple read events.
	var got []byte
	deadline := time.After(2 * time.Second)
	for len(got) < len(payload) {
		select {
		case chunk := <-received:
			got = append(got, chunk...)
		case <-deadline:
			t.Fatalf("only %d of %d bytes delivered", len(got), len(payload))
		}
	}
	assert.Equal(t, payload, got)
	assert.Equal(t, int32(1), accepts.Load(), "exactly one accept per connection")
}

func TestListener_RegistrationPublishedBeforeArming(t *testing.T) {
	eng := newTestEngine(t)

	lis, err := Listen(eng, ListenerConfig{
		Addr:     loopback,
		OnAccept: func(*Pipe) {},
	})
	require.NoError(t, err)
	defer lis.Close()

	// Listen registers with an empty interest set, publishes the
	// registration, then arms accept interest: an inbound connection
	// arriving mid-construction re-arms through an assigned reg.
	require.NotNil(t, lis.reg)
	assert.True(t, lis.reg.Interest().Has(api.EventAccept), "accept interest armed")
}

func TestListener_RejectPredicateSuppressesAccept(t *testing.T) {
	eng := newTestEngine(t)

	var accepts, rejects atomic.Int32
	lis, err := Listen(eng, ListenerConfig{
		Addr:     loopback,
		OnAccept: func(*Pipe) { accepts.Add(1) },
		Reject: func(peer netip.AddrPort) bool {
			rejects.Add(1)
			return true
		},
	})
	require.NoError(t, err)
	defer lis.Close()

	client, err := NewPipe(eng, netip.IPv4Unspecified(), 0)
	require.NoError(t, err)
	defer client.Close()
	o := client.ConnectSync(loopback, lis.Addr().Port(), 2*time.Second)
	require.True(t, o.Ok(), "connect outcome: %v", o)

	require.Eventually(t, func() bool { return rejects.Load() == 1 },
		2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), accepts.Load(), "rejected connection never reaches OnAccept")
}

func TestPipe_SecondConnectReportsAlreadyInProgress(t *testing.T) {
	eng := newTestEngine(t)

	lis, err := Listen(eng, ListenerConfig{Addr: loopback, OnAccept: func(*Pipe) {}})
	require.NoError(t, err)
	defer lis.Close()

	pipe, err := NewPipe(eng, netip.IPv4Unspecified(), 0)
	require.NoError(t, err)
	defer pipe.Close()

	first := pipe.ConnectSync(loopback, lis.Addr().Port(), 2*time.Second)
	require.True(t, first.Ok(), "first connect outcome: %v", first)

	second := pipe.ConnectSync(loopback, lis.Addr().Port(), 2*time.Second)
	require.Error(t, second.Err)
	assert.True(t, errors.Is(second.Err, api.ErrAlreadyInProgress))
}

func TestPipe_ConnectValidatesArgumentsAsynchronously(t *testing.T) {
	eng := newTestEngine(t)

	cases := []struct {
		name    string
		remote  netip.Addr
		port    uint16
		timeout time.Duration
	}{
		{"wildcard remote", netip.IPv4Unspecified(), 80, time.Second},
		{"zero port", loopback, 0, time.Second},
		{"sub-millisecond timeout", loopback, 80, time.Microsecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pipe, err := NewPipe(eng, netip.IPv4Unspecified(), 0)
			require.NoError(t, err)
			defer pipe.Close()

			caller := goroutineID()
			outcome := make(chan api.Outcome, 1)
			handlerGID := make(chan uint64, 1)
			pipe.Connect(tc.remote, tc.port, tc.timeout, func(o api.Outcome) {
				handlerGID <- goroutineID()
				outcome <- o
			})

			select {
			case o := <-outcome:
				require.Error(t, o.Err)
				assert.True(t, errors.Is(o.Err, api.ErrInvalidArgument))
				assert.NotEqual(t, caller, <-handlerGID,
					"argument errors are reported on a worker, not the caller's goroutine")
			case <-time.After(2 * time.Second):
				t.Fatal("argument violation never reported")
			}
		})
	}
}

func TestPipe_CompletionHandlersRunOffCallerGoroutine(t *testing.T) {
	eng := newTestEngine(t)

	lis, err := Listen(eng, ListenerConfig{Addr: loopback, OnAccept: func(*Pipe) {}})
	require.NoError(t, err)
	defer lis.Close()

	pipe, err := NewPipe(eng, netip.IPv4Unspecified(), 0)
	require.NoError(t, err)
	defer pipe.Close()

	caller := goroutineID()
	gids := make(chan uint64, 2)
	done := make(chan struct{})
	pipe.Connect(loopback, lis.Addr().Port(), 2*time.Second, func(o api.Outcome) {
		gids <- goroutineID()
		if !o.Ok() {
			close(done)
			return
		}
		err := pipe.Send([]byte("ping"), func(api.Outcome) {
			gids <- goroutineID()
			close(done)
		})
		if err != nil {
			close(done)
		}
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("completion chain stalled")
	}
	close(gids)
	count := 0
	for gid := range gids {
		assert.NotEqual(t, caller, gid, "handler ran on the caller's goroutine")
		count++
	}
	require.GreaterOrEqual(t, count, 1)
}

func TestPipe_SingleFlightSendWithBlockedSocket(t *testing.T) {
	eng := newTestEngine(t)

	serverReady := make(chan *Pipe, 1)
	lis, err := Listen(eng, ListenerConfig{
		Addr:     loopback,
		OnAccept: func(p *Pipe) { serverReady <- p },
	})
	require.NoError(t, err)
	defer lis.Close()

	client, err := NewPipe(eng, netip.IPv4Unspecified(), 0)
	require.NoError(t, err)
	defer client.Close()
	o := client.ConnectSync(loopback, lis.Addr().Port(), 2*time.Second)
	require.True(t, o.Ok(), "connect outcome: %v", o)

	var server *Pipe
	select {
	case server = <-serverReady:
	case <-time.After(2 * time.Second):
		t.Fatal("no accepted pipe")
	}
	defer server.Close()

	// Large enough to overrun the kernel socket buffers while the server
	// is not reading, parking the first send on write readiness.
	big := bytes.Repeat([]byte{0x42}, 8<<20)
	firstDone := make(chan api.Outcome, 1)
	require.NoError(t, client.Send(big, func(o api.Outcome) { firstDone <- o }))

	err = client.Send([]byte("second"), func(api.Outcome) {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrAlreadyInProgress),
		"second send while the first is in flight fails immediately")

	// Draining the server side lets the first send finish successfully.
	var drained atomic.Int64
	require.NoError(t, server.Receive(func(data []byte, err error) bool {
		if err != nil {
			return false
		}
		drained.Add(int64(len(data)))
		return drained.Load() < int64(len(big))
	}))

	select {
	case o := <-firstDone:
		require.True(t, o.Ok(), "first send outcome: %v", o)
	case <-time.After(10 * time.Second):
		t.Fatal("blocked send never completed after the peer drained")
	}

	// The flag cleared: a new send is accepted again.
	require.NoError(t, client.Send([]byte("third"), func(api.Outcome) {}))
}

func TestPipe_ReceiveStopsWhenHandlerDeclinesMore(t *testing.T) {
	eng := newTestEngine(t)

	serverReady := make(chan *Pipe, 1)
	lis, err := Listen(eng, ListenerConfig{
		Addr:     loopback,
		OnAccept: func(p *Pipe) { serverReady <- p },
	})
	require.NoError(t, err)
	defer lis.Close()

	client, err := NewPipe(eng, netip.IPv4Unspecified(), 0)
	require.NoError(t, err)
	defer client.Close()
	require.True(t, client.ConnectSync(loopback, lis.Addr().Port(), 2*time.Second).Ok())

	server := <-serverReady
	defer server.Close()

	var deliveries atomic.Int32
	require.NoError(t, server.Receive(func(data []byte, err error) bool {
		if err == nil {
			deliveries.Add(1)
		}
		return false // one delivery only
	}))

	sent := make(chan api.Outcome, 1)
	require.NoError(t, client.Send([]byte("first"), func(o api.Outcome) { sent <- o }))
	require.True(t, (<-sent).Ok())

	require.Eventually(t, func() bool { return deliveries.Load() == 1 },
		2*time.Second, 10*time.Millisecond)

	// More data arrives but read interest was not re-armed.
	require.NoError(t, client.Send([]byte("more"), func(o api.Outcome) { sent <- o }))
	require.True(t, (<-sent).Ok())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), deliveries.Load(), "handler returning false stops delivery")
}
