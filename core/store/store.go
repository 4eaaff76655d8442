// Package store implements the versioned key-value engine a shard server
// runs. Transactions validate optimistically: reads are checked against the
// versions they observed and writes against the timestamps already serving
// readers, so the engine votes OK, FAIL or RETRY on each prepare.
package store

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tempokv/tempokv/core/reply"
	"github.com/tempokv/tempokv/core/shard"
	"github.com/tempokv/tempokv/core/timestamp"
)

// loadTS stamps bulk-loaded versions so any transactional write supersedes
// them.
var loadTS = timestamp.New(1, 0)

type version struct {
	value string
	ts    timestamp.Timestamp
}

type preparedTxn struct {
	txn *shard.Txn
	ts  timestamp.Timestamp
}

// Stats counts the operations a store has served.
type Stats struct {
	Gets     uint64 `json:"gets"`
	Prepares uint64 `json:"prepares"`
	Commits  uint64 `json:"commits"`
	Aborts   uint64 `json:"aborts"`
	Retries  uint64 `json:"retries"`
	Fails    uint64 `json:"fails"`
	Loads    uint64 `json:"loads"`
}

// Store is an in-memory multi-version store with two-phase commit hooks.
// All methods are safe for concurrent use.
type Store struct {
	log *zap.Logger

	mu       sync.Mutex
	data     map[string][]version
	lastRead map[string]timestamp.Timestamp
	prepared map[uint64]*preparedTxn
	stats    Stats
}

// New returns an empty store.
func New(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		log:      log,
		data:     make(map[string][]version),
		lastRead: make(map[string]timestamp.Timestamp),
		prepared: make(map[uint64]*preparedTxn),
	}
}

// Get returns the latest committed value of key and the timestamp it was
// written at.
func (s *Store) Get(key string) (string, timestamp.Timestamp, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Gets++
	vs := s.data[key]
	if len(vs) == 0 {
		return "", timestamp.Timestamp{}, false
	}
	latest := vs[len(vs)-1]
	return latest.value, latest.ts, true
}

// Prepare validates txn at the proposed commit timestamp and records it as
// prepared on success. A FAIL vote is definitive; a RETRY vote carries the
// highest conflicting timestamp as a counter-proposal. Re-preparing the same
// transaction at a new timestamp supersedes the earlier reservation.
func (s *Store) Prepare(txnID uint64, txn *shard.Txn, ts timestamp.Timestamp) (reply.Status, timestamp.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Prepares++

	if p, ok := s.prepared[txnID]; ok {
		if p.ts == ts {
			return reply.OK, timestamp.Timestamp{}
		}
		delete(s.prepared, txnID)
	}

	for key, ver := range txn.ReadSet {
		vs := s.data[key]
		if len(vs) == 0 || vs[len(vs)-1].ts != ver {
			s.stats.Fails++
			s.log.Debug("Prepare failed on stale read",
				zap.Uint64("txn", txnID), zap.String("key", key), zap.String("read_version", ver.String()))
			return reply.Fail, timestamp.Timestamp{}
		}
	}

	var conflict timestamp.Timestamp
	for key := range txn.ReadSet {
		if pts, ok := s.preparedWriter(key, txnID); ok {
			conflict = timestamp.Max(conflict, pts)
		}
	}
	for key := range txn.WriteSet {
		if lr, ok := s.lastRead[key]; ok && ts.Less(lr) {
			conflict = timestamp.Max(conflict, lr)
		}
		if vs := s.data[key]; len(vs) > 0 && ts.Less(vs[len(vs)-1].ts) {
			conflict = timestamp.Max(conflict, vs[len(vs)-1].ts)
		}
		if pts, ok := s.preparedToucher(key, txnID); ok {
			conflict = timestamp.Max(conflict, pts)
		}
	}
	if !conflict.IsZero() {
		s.stats.Retries++
		s.log.Debug("Prepare wants a later timestamp",
			zap.Uint64("txn", txnID), zap.String("proposed", ts.String()), zap.String("counter", conflict.String()))
		return reply.Retry, conflict
	}

	s.prepared[txnID] = &preparedTxn{txn: txn, ts: ts}
	return reply.OK, timestamp.Timestamp{}
}

// Commit installs the transaction's writes at ts and releases its prepared
// reservation. A commit for an unknown transaction falls back to the write
// set shipped with the request, which makes redelivery harmless. It reports
// whether a reservation was released.
func (s *Store) Commit(txnID uint64, txn *shard.Txn, ts timestamp.Timestamp) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Commits++

	t := txn
	released := false
	if p, ok := s.prepared[txnID]; ok {
		t = p.txn
		delete(s.prepared, txnID)
		released = true
	}
	if t == nil {
		return released
	}
	for key, value := range t.WriteSet {
		s.install(key, value, ts)
	}
	for key := range t.ReadSet {
		if lr, ok := s.lastRead[key]; !ok || lr.Less(ts) {
			s.lastRead[key] = ts
		}
	}
	return released
}

// Abort discards any prepared state for the transaction and reports whether
// there was any. Unknown transactions are ignored, so duplicate aborts are
// safe.
func (s *Store) Abort(txnID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Aborts++
	if _, ok := s.prepared[txnID]; !ok {
		return false
	}
	delete(s.prepared, txnID)
	return true
}

// Load installs pairs directly at the reserved load timestamp, bypassing
// concurrency control. It is meant for preloading a dataset before serving.
func (s *Store) Load(pairs map[string]string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range pairs {
		s.install(key, value, loadTS)
	}
	s.stats.Loads += uint64(len(pairs))
	return len(pairs)
}

// Stats returns a snapshot of the operation counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Size returns the number of distinct keys with at least one version.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// PreparedCount returns the number of transactions currently holding a
// prepared reservation.
func (s *Store) PreparedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prepared)
}

// install is called with s.mu held.
func (s *Store) install(key, value string, ts timestamp.Timestamp) {
	vs := s.data[key]
	i := sort.Search(len(vs), func(i int) bool { return !vs[i].ts.Less(ts) })
	if i < len(vs) && vs[i].ts == ts {
		vs[i].value = value
	} else {
		vs = append(vs, version{})
		copy(vs[i+1:], vs[i:])
		vs[i] = version{value: value, ts: ts}
	}
	s.data[key] = vs
}

// preparedWriter is called with s.mu held. It reports whether another
// transaction holds a prepared write on key.
func (s *Store) preparedWriter(key string, selfID uint64) (timestamp.Timestamp, bool) {
	var max timestamp.Timestamp
	found := false
	for id, p := range s.prepared {
		if id == selfID {
			continue
		}
		if _, ok := p.txn.WriteSet[key]; ok {
			max = timestamp.Max(max, p.ts)
			found = true
		}
	}
	return max, found
}

// preparedToucher is called with s.mu held. It reports whether another
// transaction holds a prepared read or write on key.
func (s *Store) preparedToucher(key string, selfID uint64) (timestamp.Timestamp, bool) {
	var max timestamp.Timestamp
	found := false
	for id, p := range s.prepared {
		if id == selfID {
			continue
		}
		_, w := p.txn.WriteSet[key]
		_, r := p.txn.ReadSet[key]
		if w || r {
			max = timestamp.Max(max, p.ts)
			found = true
		}
	}
	return max, found
}
