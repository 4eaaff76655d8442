package store

import (
	"time"

	"github.com/tempokv/tempokv/core/promise"
	"github.com/tempokv/tempokv/core/reply"
	"github.com/tempokv/tempokv/core/shard"
	"github.com/tempokv/tempokv/core/timestamp"
)

// LocalBackend adapts a Store to the shard.Backend contract for in-process
// use. Every call resolves its promise before returning, which keeps tests
// and single-node tooling deterministic.
type LocalBackend struct {
	store *Store
}

var _ shard.Backend = (*LocalBackend)(nil)

// NewLocalBackend returns a backend executing directly against s.
func NewLocalBackend(s *Store) *LocalBackend {
	return &LocalBackend{store: s}
}

// Read implements shard.Backend.
func (b *LocalBackend) Read(key string, timeout time.Duration) *promise.Promise {
	p := promise.New(timeout)
	if v, ts, ok := b.store.Get(key); ok {
		p.ResolveRead(reply.OK, v, ts)
	} else {
		p.ResolveRead(reply.Fail, "", timestamp.Timestamp{})
	}
	return p
}

// Prepare implements shard.Backend.
func (b *LocalBackend) Prepare(txnID uint64, txn *shard.Txn, ts timestamp.Timestamp, timeout time.Duration) *promise.Promise {
	p := promise.New(timeout)
	st, proposed := b.store.Prepare(txnID, txn, ts)
	p.ResolvePrepare(st, proposed)
	return p
}

// Commit implements shard.Backend.
func (b *LocalBackend) Commit(txnID uint64, txn *shard.Txn, ts timestamp.Timestamp) {
	b.store.Commit(txnID, txn, ts)
}

// Abort implements shard.Backend.
func (b *LocalBackend) Abort(txnID uint64, timeout time.Duration) *promise.Promise {
	p := promise.New(timeout)
	b.store.Abort(txnID)
	p.Resolve(reply.OK)
	return p
}

// Close implements shard.Backend.
func (b *LocalBackend) Close() error { return nil }
