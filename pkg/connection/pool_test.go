package connection

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// startAcceptor listens on a kernel-chosen port and counts accepted
// connections.
func startAcceptor(t *testing.T) (string, *atomic.Int64) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var accepted atomic.Int64
	go func() {
		var held []net.Conn
		for {
			conn, err := ln.Accept()
			if err != nil {
				for _, c := range held {
					c.Close()
				}
				return
			}
			held = append(held, conn)
			accepted.Add(1)
		}
	}()
	return ln.Addr().String(), &accepted
}

// TestPoolReusesConnections tests that returning a connection lets the next
// Get skip the dial.
func TestPoolReusesConnections(t *testing.T) {
	addr, accepted := startAcceptor(t)
	m := NewPoolManager(2, time.Second)
	defer m.Close()

	c1, err := m.Get(addr)
	require.NoError(t, err)
	require.NoError(t, c1.Close())

	c2, err := m.Get(addr)
	require.NoError(t, err)
	require.NoError(t, c2.Close())

	require.Eventually(t, func() bool { return accepted.Load() == 1 },
		time.Second, 10*time.Millisecond, "second Get must reuse the pooled connection")
}

// TestPoolDoubleCloseRejected tests that a returned connection cannot be
// returned twice.
func TestPoolDoubleCloseRejected(t *testing.T) {
	addr, _ := startAcceptor(t)
	m := NewPoolManager(2, time.Second)
	defer m.Close()

	c, err := m.Get(addr)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.Error(t, c.Close())
}

// TestPoolForceCloseFreesSlot tests that discarding a broken connection
// leaves room to dial a fresh one.
func TestPoolForceCloseFreesSlot(t *testing.T) {
	addr, accepted := startAcceptor(t)
	m := NewPoolManager(1, time.Second)
	defer m.Close()

	c, err := m.Get(addr)
	require.NoError(t, err)
	require.NoError(t, c.ForceClose())

	// The cap is 1; without the slot being freed this Get would block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		c2, err := m.Get(addr)
		if err == nil {
			c2.Close()
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Get blocked after ForceClose, slot was not released")
	}
	require.Eventually(t, func() bool { return accepted.Load() == 2 },
		time.Second, 10*time.Millisecond)
}
