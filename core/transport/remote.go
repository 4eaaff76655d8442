package transport

import (
	"time"

	"github.com/tempokv/tempokv/core/promise"
	"github.com/tempokv/tempokv/core/shard"
	"github.com/tempokv/tempokv/core/timestamp"
	"github.com/tempokv/tempokv/core/wire"
)

// RemoteBackend executes one shard's operations through a shared dispatcher.
// The dispatcher owns the connections, so closing a backend is a no-op.
type RemoteBackend struct {
	d     *Dispatcher
	shard int
}

var _ shard.Backend = (*RemoteBackend)(nil)

// NewRemoteBackend returns the backend for one shard index.
func NewRemoteBackend(d *Dispatcher, shardIdx int) *RemoteBackend {
	return &RemoteBackend{d: d, shard: shardIdx}
}

// Read implements shard.Backend.
func (b *RemoteBackend) Read(key string, timeout time.Duration) *promise.Promise {
	return b.d.Send(b.shard, &wire.Request{Op: wire.OpGet, Key: key}, timeout)
}

// Prepare implements shard.Backend.
func (b *RemoteBackend) Prepare(txnID uint64, txn *shard.Txn, ts timestamp.Timestamp, timeout time.Duration) *promise.Promise {
	return b.d.Send(b.shard, &wire.Request{Op: wire.OpPrepare, TxnID: txnID, Txn: txn, TS: ts}, timeout)
}

// Commit implements shard.Backend. Delivery is asynchronous; the commit
// decision has already been made by the time this is called.
func (b *RemoteBackend) Commit(txnID uint64, txn *shard.Txn, ts timestamp.Timestamp) {
	b.d.SendAsync(b.shard, &wire.Request{Op: wire.OpCommit, TxnID: txnID, Txn: txn, TS: ts})
}

// Abort implements shard.Backend.
func (b *RemoteBackend) Abort(txnID uint64, timeout time.Duration) *promise.Promise {
	return b.d.Send(b.shard, &wire.Request{Op: wire.OpAbort, TxnID: txnID}, timeout)
}

// Close implements shard.Backend.
func (b *RemoteBackend) Close() error { return nil }
