package shard

import (
	"time"

	"github.com/tempokv/tempokv/core/promise"
	"github.com/tempokv/tempokv/core/timestamp"
)

// Client is the per-shard transaction facade the coordinator drives. One
// instance serves exactly one shard and one transaction at a time. Get, Put,
// Prepare and Abort return a promise the caller waits on; Commit is
// fire-and-forget.
type Client interface {
	// Begin resets the facade for a new transaction. Repeated calls with
	// the same transaction ID keep the buffered state intact.
	Begin(txnID uint64)

	// Get resolves key to its value, consulting the local write buffer
	// and read cache before going to the shard.
	Get(txnID uint64, key string, timeout time.Duration) *promise.Promise

	// Put buffers a write locally and acknowledges immediately.
	Put(txnID uint64, key, value string, timeout time.Duration) *promise.Promise

	// Prepare ships the buffered transaction to the shard for a vote on
	// the proposed commit timestamp.
	Prepare(txnID uint64, ts timestamp.Timestamp, timeout time.Duration) *promise.Promise

	// Commit tells the shard to install the transaction at ts.
	Commit(txnID uint64, ts timestamp.Timestamp)

	// Abort tells the shard to discard any prepared state.
	Abort(txnID uint64, timeout time.Duration) *promise.Promise
}

// Backend executes a facade's operations against one shard. The wire
// transport provides the production implementation; in-process stores back
// tests and single-node tooling.
type Backend interface {
	Read(key string, timeout time.Duration) *promise.Promise
	Prepare(txnID uint64, txn *Txn, ts timestamp.Timestamp, timeout time.Duration) *promise.Promise
	Commit(txnID uint64, txn *Txn, ts timestamp.Timestamp)
	Abort(txnID uint64, timeout time.Duration) *promise.Promise
	Close() error
}
