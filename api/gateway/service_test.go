package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tempokv/tempokv/core/coordinator"
	"github.com/tempokv/tempokv/core/reply"
	"github.com/tempokv/tempokv/core/shard"
	"github.com/tempokv/tempokv/core/store"
	"github.com/tempokv/tempokv/core/timestamp"
	"github.com/tempokv/tempokv/core/transport"
)

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

func startGateway(t *testing.T, addrs []string) string {
	t.Helper()
	svc, err := New(coordinator.Config{
		Shards:         addrs,
		GetTimeout:     2 * time.Second,
		PutTimeout:     2 * time.Second,
		PrepareTimeout: 2 * time.Second,
		AbortTimeout:   2 * time.Second,
	}, 2, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	ts := httptest.NewServer(svc.Router())
	t.Cleanup(ts.Close)
	return ts.URL
}

func postJSON(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func getKey(t *testing.T, base, key string) (int, KeyResponse) {
	t.Helper()
	resp, err := http.Get(base + "/v1/keys/" + key)
	require.NoError(t, err)
	defer resp.Body.Close()
	var kr KeyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&kr))
	return resp.StatusCode, kr
}

// TestTxnCommitsAcrossShards tests the transaction endpoint end to end.
func TestTxnCommitsAcrossShards(t *testing.T) {
	stores, addrs := startCluster(t, 2)
	stores[0].Load(map[string]string{"balance-a": "100"})
	base := startGateway(t, addrs)

	resp, body := postJSON(t, base+"/v1/txn", TransactionRequest{
		Operations: []Operation{
			{Command: "GET", Key: "balance-a"},
			{Command: "PUT", Key: "balance-b", Value: "40"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var txnResp TransactionResponse
	require.NoError(t, json.Unmarshal(body, &txnResp))
	require.Equal(t, StatusCommitted, txnResp.Status)
	require.Equal(t, "100", txnResp.Reads["balance-a"])

	owner := stores[shard.ForKey("balance-b", 2)]
	require.Eventually(t, func() bool {
		v, _, ok := owner.Get("balance-b")
		return ok && v == "40"
	}, 3*time.Second, 20*time.Millisecond)
}

// TestSingleKeyEndpoints tests PUT then GET through the key routes.
func TestSingleKeyEndpoints(t *testing.T) {
	_, addrs := startCluster(t, 1)
	base := startGateway(t, addrs)

	raw, err := json.Marshal(map[string]string{"value": "v1"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, base+"/v1/keys/greeting", bytes.NewReader(raw))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The commit decision travels asynchronously; poll until the read
	// side observes it.
	require.Eventually(t, func() bool {
		code, kr := getKey(t, base, "greeting")
		return code == http.StatusOK && kr.Value == "v1"
	}, 3*time.Second, 50*time.Millisecond)
}

// TestGetMissingKey tests the not-found path.
func TestGetMissingKey(t *testing.T) {
	_, addrs := startCluster(t, 1)
	base := startGateway(t, addrs)

	code, kr := getKey(t, base, "nope")
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, StatusNotFound, kr.Status)
}

// TestTxnValidation tests the request validation failures.
func TestTxnValidation(t *testing.T) {
	_, addrs := startCluster(t, 1)
	base := startGateway(t, addrs)

	resp, _ := postJSON(t, base+"/v1/txn", TransactionRequest{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = postJSON(t, base+"/v1/txn", TransactionRequest{
		Operations: []Operation{{Command: "DELETE", Key: "k"}},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = postJSON(t, base+"/v1/txn", TransactionRequest{
		Operations: []Operation{{Command: "PUT", Key: ""}},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestTxnConflictAborts tests that a transaction blocked by a standing
// reservation reports ABORTED with 409.
func TestTxnConflictAborts(t *testing.T) {
	stores, addrs := startCluster(t, 1)
	base := startGateway(t, addrs)

	// Reserve the key directly on the store and never release it, so the
	// gateway's prepares keep drawing RETRY until the attempt budget ends.
	blocker := shard.NewTxn()
	blocker.AddWrite("contested", "other")
	st, _ := stores[0].Prepare(999, blocker, timestamp.New(1, 7))
	require.Equal(t, reply.OK, st)

	resp, body := postJSON(t, base+"/v1/txn", TransactionRequest{
		Operations: []Operation{{Command: "PUT", Key: "contested", Value: "mine"}},
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(body))

	var txnResp TransactionResponse
	require.NoError(t, json.Unmarshal(body, &txnResp))
	require.Equal(t, StatusAborted, txnResp.Status)

	_, _, ok := stores[0].Get("contested")
	require.False(t, ok, "neither writer may have installed")
}

// TestHealthz tests the liveness probe.
func TestHealthz(t *testing.T) {
	_, addrs := startCluster(t, 1)
	base := startGateway(t, addrs)

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
