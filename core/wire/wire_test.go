package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tempokv/tempokv/core/reply"
	"github.com/tempokv/tempokv/core/shard"
	"github.com/tempokv/tempokv/core/timestamp"
)

// TestFrameRoundTrip tests that a prepare request survives framing intact.
func TestFrameRoundTrip(t *testing.T) {
	txn := shard.NewTxn()
	txn.AddRead("r", timestamp.New(5, 2))
	txn.AddWrite("w", "val")

	in := &Request{
		ID:    42,
		Op:    OpPrepare,
		TxnID: 900010,
		Txn:   txn,
		TS:    timestamp.New(100, 3),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, in))

	var out Request
	require.NoError(t, ReadFrame(&buf, &out))
	require.Equal(t, in.ID, out.ID)
	require.Equal(t, OpPrepare, out.Op)
	require.Equal(t, in.TxnID, out.TxnID)
	require.Equal(t, in.TS, out.TS)
	require.Equal(t, txn.ReadSet, out.Txn.ReadSet)
	require.Equal(t, txn.WriteSet, out.Txn.WriteSet)
}

// TestFrameReplyStatusCodes tests that reply statuses survive the codec.
func TestFrameReplyStatusCodes(t *testing.T) {
	for _, st := range []reply.Status{reply.OK, reply.Fail, reply.Retry, reply.Timeout} {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, &Reply{ID: 1, Status: st, Proposed: timestamp.New(9, 9)}))
		var out Reply
		require.NoError(t, ReadFrame(&buf, &out))
		require.Equal(t, st, out.Status)
		require.Equal(t, timestamp.New(9, 9), out.Proposed)
	}
}

// TestFrameSequencing tests that back-to-back frames read out in order.
func TestFrameSequencing(t *testing.T) {
	var buf bytes.Buffer
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, WriteFrame(&buf, &Request{ID: i, Op: OpGet, Key: "k"}))
	}
	for i := uint64(1); i <= 3; i++ {
		var out Request
		require.NoError(t, ReadFrame(&buf, &out))
		require.Equal(t, i, out.ID)
	}
}

// TestReadFrameOversize tests that a frame claiming an absurd length is
// rejected before any allocation.
func TestReadFrameOversize(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	var out Request
	err := ReadFrame(bytes.NewReader(hdr[:]), &out)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds limit")
}

// TestReadFrameTruncated tests that a frame cut short reports an error
// rather than blocking or returning garbage.
func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Request{ID: 7, Op: OpGet}))
	short := buf.Bytes()[:buf.Len()-2]

	var out Request
	err := ReadFrame(bytes.NewReader(short), &out)
	require.Error(t, err)
}

// TestReadFrameEOF tests that a clean end of stream surfaces io.EOF so
// connection loops can tell shutdown from corruption.
func TestReadFrameEOF(t *testing.T) {
	var out Request
	require.ErrorIs(t, ReadFrame(bytes.NewReader(nil), &out), io.EOF)
}

// TestFrameOverPipe tests the codec across a real connection boundary.
func TestFrameOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		var req Request
		if err := ReadFrame(server, &req); err != nil {
			return
		}
		WriteFrame(server, &Reply{ID: req.ID, Status: reply.OK, Value: "pong"})
	}()

	require.NoError(t, WriteFrame(client, &Request{ID: 5, Op: OpGet, Key: "ping"}))
	var rep Reply
	require.NoError(t, ReadFrame(client, &rep))
	require.Equal(t, uint64(5), rep.ID)
	require.Equal(t, "pong", rep.Value)
}
