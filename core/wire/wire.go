// Package wire defines the framed JSON protocol between coordinators and
// shard servers. Every message is a 4-byte big-endian length prefix followed
// by one JSON document, and every request carries an ID the reply echoes so
// callers can multiplex a single connection.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tempokv/tempokv/core/reply"
	"github.com/tempokv/tempokv/core/shard"
	"github.com/tempokv/tempokv/core/timestamp"
)

// MaxFrameSize bounds a single message. Bulk loads ship in batches well
// under this.
const MaxFrameSize = 16 << 20

// Op identifies a request type.
type Op string

const (
	OpHello   Op = "HELLO"
	OpGet     Op = "GET"
	OpPrepare Op = "PREPARE"
	OpCommit  Op = "COMMIT"
	OpAbort   Op = "ABORT"
	OpLoad    Op = "LOAD"
	OpStats   Op = "STATS"
)

// Request is one client request.
type Request struct {
	ID       uint64              `json:"id"`
	Op       Op                  `json:"op"`
	Session  string              `json:"session,omitempty"`
	ClientID uint64              `json:"client_id,omitempty"`
	TxnID    uint64              `json:"txn_id,omitempty"`
	Key      string              `json:"key,omitempty"`
	Txn      *shard.Txn          `json:"txn,omitempty"`
	TS       timestamp.Timestamp `json:"ts"`
	Pairs    map[string]string   `json:"pairs,omitempty"`
}

// Reply is one server reply, matched to its request by ID.
type Reply struct {
	ID       uint64              `json:"id"`
	Status   reply.Status        `json:"status"`
	Value    string              `json:"value,omitempty"`
	Version  timestamp.Timestamp `json:"version"`
	Proposed timestamp.Timestamp `json:"proposed"`
	Stats    map[string]uint64   `json:"stats,omitempty"`
	Count    int                 `json:"count,omitempty"`
	Err      string              `json:"err,omitempty"`
}

// Handler processes one decoded request and produces its reply.
type Handler interface {
	Handle(req *Request) *Reply
}

// WriteFrame marshals v and writes it as a single length-prefixed frame.
// Header and payload go out in one Write so concurrent frames never
// interleave on writers that serialize Write calls.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and unmarshals it into v.
func ReadFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
