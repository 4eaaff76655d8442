package shard

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tempokv/tempokv/core/promise"
	"github.com/tempokv/tempokv/core/reply"
	"github.com/tempokv/tempokv/core/timestamp"
)

// BufferClient is the standard facade implementation. Writes stay in a local
// buffer until prepare ships the whole transaction, and reads check the
// buffer and a read cache before touching the shard. Own writes are returned
// without a version timestamp since they have none until commit.
type BufferClient struct {
	log     *zap.Logger
	backend Backend
	shard   int

	mu        sync.Mutex
	txnID     uint64
	txn       *Txn
	readCache map[string]string
}

var _ Client = (*BufferClient)(nil)

// NewBufferClient returns a facade for one shard backed by backend.
func NewBufferClient(shardIdx int, backend Backend, log *zap.Logger) *BufferClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &BufferClient{
		log:       log,
		backend:   backend,
		shard:     shardIdx,
		readCache: make(map[string]string),
	}
}

// Begin implements Client.
func (c *BufferClient) Begin(txnID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txnID == txnID && c.txn != nil {
		return
	}
	c.txnID = txnID
	c.txn = NewTxn()
	c.readCache = make(map[string]string)
}

// Get implements Client.
func (c *BufferClient) Get(txnID uint64, key string, timeout time.Duration) *promise.Promise {
	c.mu.Lock()
	c.ensureTxn(txnID)
	if v, ok := c.txn.WriteSet[key]; ok {
		c.mu.Unlock()
		p := promise.New(timeout)
		p.ResolveRead(reply.OK, v, timestamp.Timestamp{})
		return p
	}
	if ver, ok := c.txn.ReadSet[key]; ok {
		v := c.readCache[key]
		c.mu.Unlock()
		p := promise.New(timeout)
		p.ResolveRead(reply.OK, v, ver)
		return p
	}
	c.mu.Unlock()

	p := promise.New(timeout)
	bp := c.backend.Read(key, timeout)
	go func() {
		st := bp.Wait()
		if st == reply.OK {
			c.mu.Lock()
			// A Begin for the next transaction may have raced the
			// reply; only the issuing transaction records the read.
			if c.txnID == txnID && c.txn != nil {
				c.txn.AddRead(key, bp.Version())
				c.readCache[key] = bp.Value()
			}
			c.mu.Unlock()
		}
		p.ResolveRead(st, bp.Value(), bp.Version())
	}()
	return p
}

// Put implements Client.
func (c *BufferClient) Put(txnID uint64, key, value string, timeout time.Duration) *promise.Promise {
	c.mu.Lock()
	c.ensureTxn(txnID)
	c.txn.AddWrite(key, value)
	c.mu.Unlock()

	p := promise.New(timeout)
	p.ResolveRead(reply.OK, value, timestamp.Timestamp{})
	return p
}

// Prepare implements Client.
func (c *BufferClient) Prepare(txnID uint64, ts timestamp.Timestamp, timeout time.Duration) *promise.Promise {
	c.mu.Lock()
	c.ensureTxn(txnID)
	txn := c.txn
	c.mu.Unlock()
	return c.backend.Prepare(txnID, txn, ts, timeout)
}

// Commit implements Client.
func (c *BufferClient) Commit(txnID uint64, ts timestamp.Timestamp) {
	c.mu.Lock()
	c.ensureTxn(txnID)
	txn := c.txn
	c.mu.Unlock()
	c.backend.Commit(txnID, txn, ts)
}

// Abort implements Client.
func (c *BufferClient) Abort(txnID uint64, timeout time.Duration) *promise.Promise {
	c.mu.Lock()
	c.ensureTxn(txnID)
	c.mu.Unlock()
	return c.backend.Abort(txnID, timeout)
}

// ensureTxn is called with c.mu held.
func (c *BufferClient) ensureTxn(txnID uint64) {
	if c.txn == nil {
		c.txnID = txnID
		c.txn = NewTxn()
	}
	if c.txnID != txnID {
		c.log.Warn("Shard facade driven with unexpected transaction ID",
			zap.Int("shard", c.shard),
			zap.Uint64("current_txn", c.txnID),
			zap.Uint64("got_txn", txnID))
	}
}
