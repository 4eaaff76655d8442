// Package gateway exposes tempokv transactions over HTTP. Handlers borrow
// a coordinator from a fixed pool, run the request's operations as one
// transaction and report the commit outcome.
package gateway

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tempokv/tempokv/core/coordinator"
	"github.com/tempokv/tempokv/core/reply"
	"github.com/tempokv/tempokv/core/shard"
	"github.com/tempokv/tempokv/core/timestamp"
	"github.com/tempokv/tempokv/core/transport"
)

const (
	// StatusCommitted and friends are the wire statuses of the JSON API.
	StatusCommitted = "COMMITTED"
	StatusAborted   = "ABORTED"
	StatusOK        = "OK"
	StatusNotFound  = "NOT_FOUND"
	StatusError     = "ERROR"

	defaultPoolSize = 8
	borrowTimeout   = 2 * time.Second
)

// Operation is one step of a transaction request.
type Operation struct {
	Command string `json:"command"`
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
}

// TransactionRequest carries the operations to run atomically, in order.
type TransactionRequest struct {
	Operations []Operation `json:"operations"`
}

// TransactionResponse reports the outcome and the values read.
type TransactionResponse struct {
	Status  string            `json:"status"`
	Message string            `json:"message,omitempty"`
	Reads   map[string]string `json:"reads,omitempty"`
}

// KeyResponse answers the single-key endpoints.
type KeyResponse struct {
	Status string `json:"status"`
	Key    string `json:"key"`
	Value  string `json:"value,omitempty"`
}

// Service owns the coordinator pool and the HTTP routes.
type Service struct {
	log  *zap.Logger
	pool chan *coordinator.Coordinator
	disp *transport.Dispatcher
}

// New builds poolSize coordinators sharing one transport to the shards in
// cfg. Zero poolSize gets the default.
func New(cfg coordinator.Config, poolSize int, log *zap.Logger) (*Service, error) {
	if len(cfg.Shards) == 0 {
		return nil, fmt.Errorf("gateway: at least one shard address is required")
	}
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	if log == nil {
		log = zap.NewNop()
	}

	u := uuid.New()
	disp := transport.NewDispatcher(cfg.Shards, binary.BigEndian.Uint64(u[:8]), log)

	s := &Service{
		log:  log,
		pool: make(chan *coordinator.Coordinator, poolSize),
		disp: disp,
	}
	for i := 0; i < poolSize; i++ {
		clients := make([]shard.Client, len(cfg.Shards))
		for j := range cfg.Shards {
			clients[j] = shard.NewBufferClient(j, transport.NewRemoteBackend(disp, j), log)
		}
		c := coordinator.NewWithClients(clients, timestamp.NewSyncedClock(cfg.ClockErrorBound), cfg, log)
		s.pool <- c
	}
	log.Info("Gateway service ready",
		zap.Int("pool_size", poolSize),
		zap.Int("shards", len(cfg.Shards)))
	return s, nil
}

// Router returns the HTTP routes. The caller mounts extras such as
// /metrics on it before serving.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/txn", s.handleTxn).Methods(http.MethodPost)
	r.HandleFunc("/v1/keys/{key}", s.handleGetKey).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys/{key}", s.handlePutKey).Methods(http.MethodPut)
	return r
}

// Close drains the pool and stops the shared transport.
func (s *Service) Close() error {
	for i := 0; i < cap(s.pool); i++ {
		c := <-s.pool
		_ = c.Close()
	}
	return s.disp.Close()
}

func (s *Service) borrow(w http.ResponseWriter) *coordinator.Coordinator {
	select {
	case c := <-s.pool:
		return c
	case <-time.After(borrowTimeout):
		writeJSON(w, http.StatusServiceUnavailable,
			TransactionResponse{Status: StatusError, Message: "all coordinators busy"})
		return nil
	}
}

func (s *Service) release(c *coordinator.Coordinator) {
	s.pool <- c
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": StatusOK})
}

func (s *Service) handleTxn(w http.ResponseWriter, req *http.Request) {
	var txnReq TransactionRequest
	if err := json.NewDecoder(req.Body).Decode(&txnReq); err != nil {
		writeJSON(w, http.StatusBadRequest,
			TransactionResponse{Status: StatusError, Message: fmt.Sprintf("bad request body: %v", err)})
		return
	}
	if len(txnReq.Operations) == 0 {
		writeJSON(w, http.StatusBadRequest,
			TransactionResponse{Status: StatusError, Message: "transaction needs at least one operation"})
		return
	}
	for i, op := range txnReq.Operations {
		cmd := strings.ToUpper(op.Command)
		if cmd != "GET" && cmd != "PUT" {
			writeJSON(w, http.StatusBadRequest,
				TransactionResponse{Status: StatusError, Message: fmt.Sprintf("operation %d: unknown command %q", i, op.Command)})
			return
		}
		if op.Key == "" {
			writeJSON(w, http.StatusBadRequest,
				TransactionResponse{Status: StatusError, Message: fmt.Sprintf("operation %d: key must not be empty", i)})
			return
		}
	}

	c := s.borrow(w)
	if c == nil {
		return
	}
	defer s.release(c)

	c.Begin()
	reads := make(map[string]string)
	for _, op := range txnReq.Operations {
		switch strings.ToUpper(op.Command) {
		case "GET":
			v, st := c.Get(op.Key)
			if st == reply.Timeout {
				c.Abort()
				writeJSON(w, http.StatusGatewayTimeout,
					TransactionResponse{Status: StatusAborted, Message: fmt.Sprintf("read of %q timed out", op.Key)})
				return
			}
			// A missing key reads as empty; validation still covers it.
			reads[op.Key] = v
		case "PUT":
			if st := c.Put(op.Key, op.Value); st != reply.OK {
				c.Abort()
				writeJSON(w, http.StatusGatewayTimeout,
					TransactionResponse{Status: StatusAborted, Message: fmt.Sprintf("write of %q failed: %s", op.Key, st)})
				return
			}
		}
	}

	if c.Commit() {
		writeJSON(w, http.StatusOK, TransactionResponse{Status: StatusCommitted, Reads: reads})
		return
	}
	writeJSON(w, http.StatusConflict,
		TransactionResponse{Status: StatusAborted, Message: "transaction aborted, retry"})
}

func (s *Service) handleGetKey(w http.ResponseWriter, req *http.Request) {
	key := mux.Vars(req)["key"]
	c := s.borrow(w)
	if c == nil {
		return
	}
	defer s.release(c)

	c.Begin()
	v, st := c.Get(key)
	switch st {
	case reply.OK:
	case reply.Fail:
		c.Abort()
		writeJSON(w, http.StatusNotFound, KeyResponse{Status: StatusNotFound, Key: key})
		return
	default:
		c.Abort()
		writeJSON(w, http.StatusGatewayTimeout, KeyResponse{Status: StatusError, Key: key})
		return
	}
	if !c.Commit() {
		writeJSON(w, http.StatusConflict, KeyResponse{Status: StatusAborted, Key: key})
		return
	}
	writeJSON(w, http.StatusOK, KeyResponse{Status: StatusOK, Key: key, Value: v})
}

func (s *Service) handlePutKey(w http.ResponseWriter, req *http.Request) {
	key := mux.Vars(req)["key"]
	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, KeyResponse{Status: StatusError, Key: key})
		return
	}

	c := s.borrow(w)
	if c == nil {
		return
	}
	defer s.release(c)

	c.Begin()
	if st := c.Put(key, body.Value); st != reply.OK {
		c.Abort()
		writeJSON(w, http.StatusGatewayTimeout, KeyResponse{Status: StatusError, Key: key})
		return
	}
	if !c.Commit() {
		writeJSON(w, http.StatusConflict, KeyResponse{Status: StatusAborted, Key: key})
		return
	}
	writeJSON(w, http.StatusOK, KeyResponse{Status: StatusCommitted, Key: key})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
