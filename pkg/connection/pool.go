// Package connection provides a thread-safe TCP connection pool keyed by
// remote address. Tools that fire short-lived request/response calls at
// shard servers use it to avoid a dial per call.
package connection

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// PooledConn wraps net.Conn with a handle back to its pool so callers can
// return it with the usual Close.
type PooledConn struct {
	net.Conn
	pool *hostPool
}

// Close returns the connection to the pool without closing the socket. Use
// ForceClose to discard a connection that misbehaved.
func (c *PooledConn) Close() error {
	if c.pool == nil {
		return fmt.Errorf("connection is already closed or detached from pool")
	}
	c.pool.put(c.Conn)
	c.pool = nil
	return nil
}

// ForceClose closes the socket for good instead of pooling it.
func (c *PooledConn) ForceClose() error {
	p := c.pool
	c.pool = nil
	if p != nil {
		p.forget()
	}
	return c.Conn.Close()
}

// hostPool holds the idle connections of one remote address.
type hostPool struct {
	mu       sync.Mutex
	conns    chan net.Conn
	factory  func() (net.Conn, error)
	maxSize  int
	numConns int
	address  string
}

// PoolManager keeps one hostPool per remote address.
type PoolManager struct {
	mu      sync.RWMutex
	pools   map[string]*hostPool
	maxSize int
	timeout time.Duration
}

// NewPoolManager builds a manager capping each host at maxSize open
// connections, dialling new ones with the given timeout.
func NewPoolManager(maxSize int, timeout time.Duration) *PoolManager {
	return &PoolManager{
		pools:   make(map[string]*hostPool),
		maxSize: maxSize,
		timeout: timeout,
	}
}

// Get hands out a connection to address, dialling if the pool is empty and
// under its cap, and blocking when the cap is reached.
func (m *PoolManager) Get(address string) (*PooledConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[address]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		pool, ok = m.pools[address]
		if !ok {
			factory := func() (net.Conn, error) {
				return net.DialTimeout("tcp", address, m.timeout)
			}
			pool = &hostPool{
				conns:   make(chan net.Conn, m.maxSize),
				factory: factory,
				maxSize: m.maxSize,
				address: address,
			}
			m.pools[address] = pool
		}
		m.mu.Unlock()
	}

	conn, err := pool.get()
	if err != nil {
		return nil, err
	}
	return &PooledConn{Conn: conn, pool: pool}, nil
}

func (p *hostPool) get() (net.Conn, error) {
	select {
	case conn := <-p.conns:
		return conn, nil
	default:
		p.mu.Lock()
		defer p.mu.Unlock()

		if p.numConns < p.maxSize {
			conn, err := p.factory()
			if err != nil {
				return nil, err
			}
			p.numConns++
			return conn, nil
		}
		// At the cap; wait for someone to return one.
		return <-p.conns, nil
	}
}

func (p *hostPool) put(conn net.Conn) {
	if conn == nil {
		return
	}

	select {
	case p.conns <- conn:
	default:
		p.mu.Lock()
		conn.Close()
		p.numConns--
		p.mu.Unlock()
	}
}

// forget drops the accounting for a connection that was force-closed, so
// its slot can be redialled.
func (p *hostPool) forget() {
	p.mu.Lock()
	p.numConns--
	p.mu.Unlock()
}

// Close tears the whole manager down, closing every idle connection.
func (m *PoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pool := range m.pools {
		pool.close()
	}
	m.pools = make(map[string]*hostPool)
}

func (p *hostPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	close(p.conns)
	for conn := range p.conns {
		conn.Close()
	}
	p.numConns = 0
}
