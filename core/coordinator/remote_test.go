package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tempokv/tempokv/core/reply"
	"github.com/tempokv/tempokv/core/store"
	"github.com/tempokv/tempokv/core/transport"
)

// startCluster boots n store-backed shard servers on kernel-chosen ports.
func startCluster(t *testing.T, n int) ([]*store.Store, []string) {
	t.Helper()
	stores := make([]*store.Store, n)
	addrs := make([]string, n)
	for i := range stores {
		st := store.New(nil)
		srv := transport.NewServer(store.NewService(st, nil, nil), nil)
		require.NoError(t, srv.Start("127.0.0.1:0"))
		t.Cleanup(func() { srv.Stop() })
		stores[i] = st
		addrs[i] = srv.Addr()
	}
	return stores, addrs
}

func newRemoteCoordinator(t *testing.T, addrs []string) *Coordinator {
	t.Helper()
	c, err := New(Config{
		Shards:         addrs,
		GetTimeout:     2 * time.Second,
		PutTimeout:     2 * time.Second,
		PrepareTimeout: 2 * time.Second,
		AbortTimeout:   2 * time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// waitForValue polls a store until key holds want. Commit decisions travel
// fire-and-forget, so installs land shortly after Commit returns.
func waitForValue(t *testing.T, st *store.Store, key, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, _, ok := st.Get(key)
		return ok && v == want
	}, 3*time.Second, 20*time.Millisecond)
}

// TestRemoteReadModifyWriteAcrossShards tests a full transaction over real
// connections: read two shards, write a third, commit.
func TestRemoteReadModifyWriteAcrossShards(t *testing.T) {
	stores, addrs := startCluster(t, 3)
	k0 := keyFor(t, 0, 3)
	k1 := keyFor(t, 1, 3)
	k2 := keyFor(t, 2, 3)
	stores[0].Load(map[string]string{k0: "10"})
	stores[1].Load(map[string]string{k1: "5"})

	c := newRemoteCoordinator(t, addrs)
	c.Begin()

	v0, st := c.Get(k0)
	require.Equal(t, reply.OK, st)
	require.Equal(t, "10", v0)

	v1, st := c.Get(k1)
	require.Equal(t, reply.OK, st)
	require.Equal(t, "5", v1)

	require.Equal(t, reply.OK, c.Put(k2, "15"))
	require.True(t, c.Commit())

	waitForValue(t, stores[2], k2, "15")
}

// TestRemoteReadYourWrites tests that an uncommitted write is visible to
// its own transaction but to nobody else.
func TestRemoteReadYourWrites(t *testing.T) {
	stores, addrs := startCluster(t, 1)
	k := keyFor(t, 0, 1)

	c := newRemoteCoordinator(t, addrs)
	c.Begin()
	require.Equal(t, reply.OK, c.Put(k, "draft"))

	v, st := c.Get(k)
	require.Equal(t, reply.OK, st)
	require.Equal(t, "draft", v)

	_, _, ok := stores[0].Get(k)
	require.False(t, ok, "uncommitted write must not be visible in the store")

	require.True(t, c.Commit())
	waitForValue(t, stores[0], k, "draft")
}

// TestRemoteStaleReadAborts tests that a transaction whose read was
// overwritten by a later commit fails validation, and that its abort
// releases the shard-side reservation.
func TestRemoteStaleReadAborts(t *testing.T) {
	stores, addrs := startCluster(t, 1)
	k := keyFor(t, 0, 1)
	stores[0].Load(map[string]string{k: "old"})

	reader := newRemoteCoordinator(t, addrs)
	writer := newRemoteCoordinator(t, addrs)

	reader.Begin()
	v, st := reader.Get(k)
	require.Equal(t, reply.OK, st)
	require.Equal(t, "old", v)

	writer.Begin()
	require.Equal(t, reply.OK, writer.Put(k, "new"))
	require.True(t, writer.Commit())
	waitForValue(t, stores[0], k, "new")

	require.Equal(t, reply.OK, reader.Put(k, "mine"))
	require.False(t, reader.Commit(), "stale read must fail validation")

	require.Eventually(t, func() bool {
		return stores[0].PreparedCount() == 0
	}, 3*time.Second, 20*time.Millisecond, "abort must release reservations")

	v, _, ok := stores[0].Get(k)
	require.True(t, ok)
	require.Equal(t, "new", v, "the doomed write must never install")
}

// TestRemoteSequentialTransactions tests reuse of one coordinator for
// consecutive transactions.
func TestRemoteSequentialTransactions(t *testing.T) {
	stores, addrs := startCluster(t, 2)
	k0 := keyFor(t, 0, 2)
	k1 := keyFor(t, 1, 2)

	c := newRemoteCoordinator(t, addrs)

	c.Begin()
	require.Equal(t, reply.OK, c.Put(k0, "first"))
	require.True(t, c.Commit())
	waitForValue(t, stores[0], k0, "first")

	c.Begin()
	v, st := c.Get(k0)
	require.Equal(t, reply.OK, st)
	require.Equal(t, "first", v)
	require.Equal(t, reply.OK, c.Put(k1, "second"))
	require.True(t, c.Commit())
	waitForValue(t, stores[1], k1, "second")
}
