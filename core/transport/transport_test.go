package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tempokv/tempokv/core/reply"
	"github.com/tempokv/tempokv/core/shard"
	"github.com/tempokv/tempokv/core/store"
	"github.com/tempokv/tempokv/core/timestamp"
	"github.com/tempokv/tempokv/core/wire"
)

// startShard spins up a store-backed server on a kernel-chosen port and
// registers cleanup.
func startShard(t *testing.T) (*store.Store, string) {
	t.Helper()
	st := store.New(nil)
	srv := NewServer(store.NewService(st, nil, nil), nil)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(func() { srv.Stop() })
	return st, srv.Addr()
}

// TestRemoteReadRoundTrip tests a read through dispatcher, server and store.
func TestRemoteReadRoundTrip(t *testing.T) {
	st, addr := startShard(t)
	st.Load(map[string]string{"k": "v"})

	d := NewDispatcher([]string{addr}, 7, nil)
	defer d.Close()
	b := NewRemoteBackend(d, 0)

	p := b.Read("k", time.Second)
	require.Equal(t, reply.OK, p.Wait())
	require.Equal(t, "v", p.Value())
	require.Equal(t, timestamp.New(1, 0), p.Version())

	require.Equal(t, reply.Fail, b.Read("absent", time.Second).Wait())
}

// TestRemotePrepareCommitAbort tests the full two-phase exchange over TCP.
func TestRemotePrepareCommitAbort(t *testing.T) {
	st, addr := startShard(t)
	st.Load(map[string]string{"k": "v0"})

	d := NewDispatcher([]string{addr}, 7, nil)
	defer d.Close()
	b := NewRemoteBackend(d, 0)

	rp := b.Read("k", time.Second)
	require.Equal(t, reply.OK, rp.Wait())

	txn := shard.NewTxn()
	txn.AddRead("k", rp.Version())
	txn.AddWrite("k", "v1")
	ts := timestamp.New(1000, 7)

	pp := b.Prepare(1, txn, ts, time.Second)
	require.Equal(t, reply.OK, pp.Wait())

	b.Commit(1, txn, ts)
	require.Eventually(t, func() bool {
		v, got, ok := st.Get("k")
		return ok && v == "v1" && got == ts
	}, time.Second, 10*time.Millisecond, "async commit should land on the store")

	// Aborting a second transaction releases its reservation remotely.
	txn2 := shard.NewTxn()
	txn2.AddWrite("x", "1")
	pp = b.Prepare(2, txn2, timestamp.New(2000, 7), time.Second)
	require.Equal(t, reply.OK, pp.Wait())
	require.Equal(t, reply.OK, b.Abort(2, time.Second).Wait())
	require.Equal(t, 0, st.PreparedCount())
}

// TestRemotePrepareRetryProposal tests that a counter-proposal crosses the
// wire intact.
func TestRemotePrepareRetryProposal(t *testing.T) {
	_, addr := startShard(t)

	d := NewDispatcher([]string{addr}, 7, nil)
	defer d.Close()
	b := NewRemoteBackend(d, 0)

	first := shard.NewTxn()
	first.AddWrite("k", "a")
	require.Equal(t, reply.OK, b.Prepare(1, first, timestamp.New(500, 1), time.Second).Wait())

	second := shard.NewTxn()
	second.AddWrite("k", "b")
	p := b.Prepare(2, second, timestamp.New(400, 2), time.Second)
	require.Equal(t, reply.Retry, p.Wait())
	require.Equal(t, timestamp.New(500, 1), p.Proposed())
}

// TestDispatcherConcurrentCalls tests that many in-flight requests on one
// connection come back matched to their callers.
func TestDispatcherConcurrentCalls(t *testing.T) {
	st, addr := startShard(t)
	pairs := make(map[string]string)
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		pairs[k] = "val-" + k
	}
	st.Load(pairs)

	d := NewDispatcher([]string{addr}, 7, nil)
	defer d.Close()
	b := NewRemoteBackend(d, 0)

	var wg sync.WaitGroup
	for k, want := range pairs {
		wg.Add(1)
		go func(k, want string) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				p := b.Read(k, time.Second)
				require.Equal(t, reply.OK, p.Wait())
				require.Equal(t, want, p.Value(), "reply matched to the wrong request")
			}
		}(k, want)
	}
	wg.Wait()
}

// slowHandler never answers, forcing clients onto their deadlines.
type slowHandler struct{}

func (slowHandler) Handle(req *wire.Request) *wire.Reply {
	time.Sleep(5 * time.Second)
	return &wire.Reply{ID: req.ID, Status: reply.OK}
}

// TestDispatcherTimeout tests that an unanswered call settles as a timeout
// near its deadline.
func TestDispatcherTimeout(t *testing.T) {
	srv := NewServer(slowHandler{}, nil)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(func() { srv.Stop() })

	d := NewDispatcher([]string{srv.Addr()}, 7, nil)
	defer d.Close()
	b := NewRemoteBackend(d, 0)

	start := time.Now()
	require.Equal(t, reply.Timeout, b.Read("k", 100*time.Millisecond).Wait())
	require.Less(t, time.Since(start), time.Second)
}

// TestDispatcherUnreachableShard tests that a dial failure settles the call
// as a timeout rather than an error the caller cannot act on.
func TestDispatcherUnreachableShard(t *testing.T) {
	d := NewDispatcher([]string{"127.0.0.1:1"}, 7, nil)
	defer d.Close()
	b := NewRemoteBackend(d, 0)
	require.Equal(t, reply.Timeout, b.Read("k", 200*time.Millisecond).Wait())
}

// TestDispatcherCloseSettlesOutstanding tests that Close does not strand
// waiters.
func TestDispatcherCloseSettlesOutstanding(t *testing.T) {
	srv := NewServer(slowHandler{}, nil)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(func() { srv.Stop() })

	d := NewDispatcher([]string{srv.Addr()}, 7, nil)
	b := NewRemoteBackend(d, 0)

	p := b.Read("k", 10*time.Second)
	done := make(chan reply.Status, 1)
	go func() { done <- p.Wait() }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, d.Close())

	select {
	case st := <-done:
		require.Equal(t, reply.Timeout, st)
	case <-time.After(time.Second):
		t.Fatal("waiter was stranded after Close")
	}
}

// TestDispatcherReconnects tests that a broken connection heals on the next
// call.
func TestDispatcherReconnects(t *testing.T) {
	st, addr := startShard(t)
	st.Load(map[string]string{"k": "v"})

	d := NewDispatcher([]string{addr}, 7, nil)
	defer d.Close()
	b := NewRemoteBackend(d, 0)

	require.Equal(t, reply.OK, b.Read("k", time.Second).Wait())

	// Sever the connection from the client side and watch the next call
	// dial fresh.
	d.mu.Lock()
	sc := d.conns[0]
	d.mu.Unlock()
	require.NotNil(t, sc)
	sc.conn.Close()

	require.Eventually(t, func() bool {
		p := b.Read("k", 500*time.Millisecond)
		return p.Wait() == reply.OK && p.Value() == "v"
	}, 3*time.Second, 50*time.Millisecond)
}

// TestServerStop tests that Stop unblocks promptly and refuses new work.
func TestServerStop(t *testing.T) {
	st := store.New(nil)
	srv := NewServer(store.NewService(st, nil, nil), nil)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	addr := srv.Addr()

	d := NewDispatcher([]string{addr}, 7, nil)
	defer d.Close()
	b := NewRemoteBackend(d, 0)
	b.Read("k", 200*time.Millisecond).Wait()

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not drain")
	}
	require.NoError(t, srv.Stop(), "second Stop should be a no-op")
}

// TestPromiseExpiryViaSweeper tests that pending entries whose waiter gave
// up are still settled by the background sweeper.
func TestPromiseExpiryViaSweeper(t *testing.T) {
	srv := NewServer(slowHandler{}, nil)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(func() { srv.Stop() })

	d := NewDispatcher([]string{srv.Addr()}, 7, nil)
	defer d.Close()

	p := d.Send(0, &wire.Request{Op: wire.OpGet, Key: "k"}, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		d.mu.Lock()
		n := len(d.pending)
		d.mu.Unlock()
		return n == 0
	}, 2*time.Second, 20*time.Millisecond, "sweeper should clear expired entries")
	require.Equal(t, reply.Timeout, p.Wait())
}
