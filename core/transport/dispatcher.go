// Package transport carries the framed wire protocol over TCP. The
// Dispatcher side owns a coordinator's background I/O: one connection per
// shard, a pending table keyed by request ID, and a sweeper that fails
// overdue calls. The Server side accepts connections for a shard process.
// Both sides stop their goroutines on Close and never leak them.
package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tempokv/tempokv/core/promise"
	"github.com/tempokv/tempokv/core/wire"
)

const (
	defaultDialTimeout = 3 * time.Second
	writeQueueSize     = 256
	sweepInterval      = 50 * time.Millisecond
)

type pendingCall struct {
	p       *promise.Promise
	op      wire.Op
	shard   int
	expires time.Time
}

type shardConn struct {
	shard  int
	conn   net.Conn
	out    chan *wire.Request
	closed chan struct{}
	once   sync.Once
}

func (sc *shardConn) shutdown() {
	sc.once.Do(func() {
		close(sc.closed)
		sc.conn.Close()
	})
}

// Dispatcher multiplexes shard calls over one persistent connection per
// shard. Connections are dialed on first use and redialed after a failure.
// Calls in flight when a connection breaks settle as timeouts, since a dead
// connection says nothing about what the shard decided.
type Dispatcher struct {
	log         *zap.Logger
	addrs       []string
	clientID    uint64
	session     string
	dialTimeout time.Duration

	nextID atomic.Uint64

	mu      sync.Mutex
	conns   map[int]*shardConn
	pending map[uint64]*pendingCall
	closed  bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewDispatcher returns a dispatcher for the given shard addresses. The
// client ID identifies the coordinator in shard logs. Background work starts
// immediately; Close releases it.
func NewDispatcher(addrs []string, clientID uint64, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		log:         log,
		addrs:       addrs,
		clientID:    clientID,
		session:     uuid.NewString(),
		dialTimeout: defaultDialTimeout,
		conns:       make(map[int]*shardConn),
		pending:     make(map[uint64]*pendingCall),
		quit:        make(chan struct{}),
	}
	d.wg.Add(1)
	go d.sweepLoop()
	return d
}

// Shards returns the number of addressable shards.
func (d *Dispatcher) Shards() int { return len(d.addrs) }

// Send issues req to shard and returns a promise for the reply, resolved by
// the reader loop or expired at the timeout.
func (d *Dispatcher) Send(shard int, req *wire.Request, timeout time.Duration) *promise.Promise {
	p := promise.New(timeout)
	req.ID = d.nextID.Add(1)

	sc, err := d.ensureConn(shard)
	if err != nil {
		d.log.Warn("Shard unreachable", zap.Int("shard", shard), zap.Error(err))
		p.Expire()
		return p
	}

	expires := p.Deadline()
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		p.Expire()
		return p
	}
	d.pending[req.ID] = &pendingCall{p: p, op: req.Op, shard: shard, expires: expires}
	d.mu.Unlock()

	if !d.enqueue(sc, req) {
		d.dropPending(req.ID)
		p.Expire()
	}
	return p
}

// SendAsync issues req without registering for the reply. The reader loop
// drops whatever comes back.
func (d *Dispatcher) SendAsync(shard int, req *wire.Request) {
	req.ID = d.nextID.Add(1)
	sc, err := d.ensureConn(shard)
	if err != nil {
		d.log.Warn("Shard unreachable, dropping async request",
			zap.Int("shard", shard), zap.String("op", string(req.Op)), zap.Error(err))
		return
	}
	d.enqueue(sc, req)
}

// Close stops the background loops, closes every connection and settles all
// outstanding calls as timeouts. It is safe to call more than once.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	conns := make([]*shardConn, 0, len(d.conns))
	for _, sc := range d.conns {
		conns = append(conns, sc)
	}
	d.conns = make(map[int]*shardConn)
	calls := make([]*pendingCall, 0, len(d.pending))
	for _, pc := range d.pending {
		calls = append(calls, pc)
	}
	d.pending = make(map[uint64]*pendingCall)
	close(d.quit)
	d.mu.Unlock()

	for _, sc := range conns {
		sc.shutdown()
	}
	for _, pc := range calls {
		pc.p.Expire()
	}
	d.wg.Wait()
	return nil
}

func (d *Dispatcher) enqueue(sc *shardConn, req *wire.Request) bool {
	select {
	case sc.out <- req:
		return true
	case <-sc.closed:
		return false
	case <-d.quit:
		return false
	default:
		d.log.Warn("Write queue full, dropping request",
			zap.Int("shard", sc.shard), zap.String("op", string(req.Op)))
		return false
	}
}

func (d *Dispatcher) ensureConn(shard int) (*shardConn, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, net.ErrClosed
	}
	if sc, ok := d.conns[shard]; ok {
		d.mu.Unlock()
		return sc, nil
	}
	addr := d.addrs[shard]
	d.mu.Unlock()

	conn, err := net.DialTimeout("tcp", addr, d.dialTimeout)
	if err != nil {
		return nil, err
	}

	sc := &shardConn{
		shard:  shard,
		conn:   conn,
		out:    make(chan *wire.Request, writeQueueSize),
		closed: make(chan struct{}),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		conn.Close()
		return nil, net.ErrClosed
	}
	if existing, ok := d.conns[shard]; ok {
		// Another goroutine dialed first.
		d.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	d.conns[shard] = sc
	// Registered under the same lock Close takes before it waits, so the
	// wait always covers these two goroutines.
	d.wg.Add(2)
	d.mu.Unlock()

	go d.writeLoop(sc)
	go d.readLoop(sc)

	sc.out <- &wire.Request{
		ID:       d.nextID.Add(1),
		Op:       wire.OpHello,
		Session:  d.session,
		ClientID: d.clientID,
	}
	d.log.Debug("Connected to shard", zap.Int("shard", shard), zap.String("addr", addr))
	return sc, nil
}

func (d *Dispatcher) writeLoop(sc *shardConn) {
	defer d.wg.Done()
	for {
		select {
		case req := <-sc.out:
			if err := wire.WriteFrame(sc.conn, req); err != nil {
				d.connFailed(sc, err)
				return
			}
		case <-sc.closed:
			return
		case <-d.quit:
			return
		}
	}
}

func (d *Dispatcher) readLoop(sc *shardConn) {
	defer d.wg.Done()
	for {
		var rep wire.Reply
		if err := wire.ReadFrame(sc.conn, &rep); err != nil {
			d.connFailed(sc, err)
			return
		}
		d.resolve(&rep)
	}
}

func (d *Dispatcher) resolve(rep *wire.Reply) {
	d.mu.Lock()
	pc, ok := d.pending[rep.ID]
	if ok {
		delete(d.pending, rep.ID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	switch pc.op {
	case wire.OpGet:
		pc.p.ResolveRead(rep.Status, rep.Value, rep.Version)
	case wire.OpPrepare:
		pc.p.ResolvePrepare(rep.Status, rep.Proposed)
	default:
		pc.p.Resolve(rep.Status)
	}
}

// connFailed tears down one connection and settles its in-flight calls as
// timeouts. The next Send to the shard redials.
func (d *Dispatcher) connFailed(sc *shardConn, err error) {
	sc.shutdown()

	d.mu.Lock()
	if d.conns[sc.shard] == sc {
		delete(d.conns, sc.shard)
	}
	var orphaned []*pendingCall
	for id, pc := range d.pending {
		if pc.shard == sc.shard {
			orphaned = append(orphaned, pc)
			delete(d.pending, id)
		}
	}
	closed := d.closed
	d.mu.Unlock()

	for _, pc := range orphaned {
		pc.p.Expire()
	}
	if !closed {
		d.log.Warn("Shard connection lost",
			zap.Int("shard", sc.shard), zap.Int("orphaned_calls", len(orphaned)), zap.Error(err))
	}
}

func (d *Dispatcher) sweepLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			d.mu.Lock()
			var expired []*pendingCall
			for id, pc := range d.pending {
				if pc.expires.Before(now) {
					expired = append(expired, pc)
					delete(d.pending, id)
				}
			}
			d.mu.Unlock()
			for _, pc := range expired {
				pc.p.Expire()
			}
		case <-d.quit:
			return
		}
	}
}

func (d *Dispatcher) dropPending(id uint64) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}
