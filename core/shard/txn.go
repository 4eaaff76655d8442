package shard

import "github.com/tempokv/tempokv/core/timestamp"

// Txn records the reads and writes a transaction performed against one
// shard. Reads carry the version timestamp observed so the shard can
// validate them at prepare time; writes are buffered values shipped with the
// prepare request.
type Txn struct {
	ReadSet  map[string]timestamp.Timestamp `json:"read_set"`
	WriteSet map[string]string              `json:"write_set"`
}

// NewTxn returns an empty transaction record.
func NewTxn() *Txn {
	return &Txn{
		ReadSet:  make(map[string]timestamp.Timestamp),
		WriteSet: make(map[string]string),
	}
}

// AddRead records that key was read at the given version. Re-reading a key
// keeps the first observed version, which is the one prepare must validate.
func (t *Txn) AddRead(key string, version timestamp.Timestamp) {
	if _, ok := t.ReadSet[key]; ok {
		return
	}
	t.ReadSet[key] = version
}

// AddWrite buffers a write. Later writes to the same key win.
func (t *Txn) AddWrite(key, value string) {
	t.WriteSet[key] = value
}

// Empty reports whether the transaction touched no keys.
func (t *Txn) Empty() bool {
	return len(t.ReadSet) == 0 && len(t.WriteSet) == 0
}
