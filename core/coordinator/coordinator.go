// Package coordinator drives distributed transactions against a sharded
// key-value cluster. A coordinator serves one transaction at a time: the
// caller begins, reads and writes through it, then commits or aborts.
// Commit runs two-phase: a parallel prepare round collects votes on a
// candidate timestamp, retrying at ever higher timestamps when shards
// counter-propose, and only unanimous acceptance lets the writes install.
package coordinator

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	internaltelemetry "github.com/tempokv/tempokv/internal/telemetry"

	"github.com/tempokv/tempokv/core/promise"
	"github.com/tempokv/tempokv/core/reply"
	"github.com/tempokv/tempokv/core/shard"
	"github.com/tempokv/tempokv/core/timestamp"
	"github.com/tempokv/tempokv/core/transport"
)

const (
	defaultMaxAttempts    = 3
	defaultGetTimeout     = 250 * time.Millisecond
	defaultPutTimeout     = 100 * time.Millisecond
	defaultPrepareTimeout = 1 * time.Second
	defaultAbortTimeout   = 1 * time.Second
)

// Config carries the tunables of a coordinator.
type Config struct {
	// Shards lists the transaction port address of every shard, indexed
	// by shard number.
	Shards []string

	// MaxAttempts bounds the prepare rounds of one commit.
	MaxAttempts int

	GetTimeout     time.Duration
	PutTimeout     time.Duration
	PrepareTimeout time.Duration
	AbortTimeout   time.Duration

	// ClockErrorBound configures the synchronised clock used to stamp
	// candidate commit timestamps.
	ClockErrorBound time.Duration

	// Metrics is optional; when set the coordinator records transaction
	// counters and prepare round histograms.
	Metrics *internaltelemetry.CoordinatorMetrics
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.GetTimeout <= 0 {
		cfg.GetTimeout = defaultGetTimeout
	}
	if cfg.PutTimeout <= 0 {
		cfg.PutTimeout = defaultPutTimeout
	}
	if cfg.PrepareTimeout <= 0 {
		cfg.PrepareTimeout = defaultPrepareTimeout
	}
	if cfg.AbortTimeout <= 0 {
		cfg.AbortTimeout = defaultAbortTimeout
	}
	return cfg
}

// Coordinator owns one transaction at a time. Its methods must be called
// from a single goroutine; run one coordinator per concurrent transaction.
type Coordinator struct {
	log     *zap.Logger
	cfg     Config
	clock   timestamp.Clock
	clients []shard.Client
	disp    *transport.Dispatcher

	clientID     uint64
	txnID        uint64
	participants map[int]struct{}
	open         bool
	closed       bool
}

// New dials every shard in cfg.Shards and returns a ready coordinator. The
// background transport it starts is released by Close.
func New(cfg Config, log *zap.Logger) (*Coordinator, error) {
	if len(cfg.Shards) == 0 {
		return nil, fmt.Errorf("coordinator needs at least one shard address")
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	clientID := newClientID()
	disp := transport.NewDispatcher(cfg.Shards, clientID, log)
	clients := make([]shard.Client, len(cfg.Shards))
	for i := range cfg.Shards {
		clients[i] = shard.NewBufferClient(i, transport.NewRemoteBackend(disp, i), log)
	}

	c := newCoordinator(clients, timestamp.NewSyncedClock(cfg.ClockErrorBound), cfg, log, clientID)
	c.disp = disp
	log.Info("Coordinator ready",
		zap.Uint64("client_id", clientID),
		zap.Int("shards", len(cfg.Shards)))
	return c, nil
}

// NewWithClients wires pre-built shard facades and a clock. In-process
// setups and tests use this to skip the network.
func NewWithClients(clients []shard.Client, clk timestamp.Clock, cfg Config, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return newCoordinator(clients, clk, cfg.withDefaults(), log, newClientID())
}

func newCoordinator(clients []shard.Client, clk timestamp.Clock, cfg Config, log *zap.Logger, clientID uint64) *Coordinator {
	return &Coordinator{
		log:          log,
		cfg:          cfg,
		clock:        clk,
		clients:      clients,
		clientID:     clientID,
		txnID:        (clientID / 10000) * 10000,
		participants: make(map[int]struct{}),
	}
}

// newClientID draws a random non-zero coordinator identity. It seeds the
// transaction ID space and breaks timestamp ties between coordinators.
func newClientID() uint64 {
	for {
		u := uuid.New()
		if id := binary.BigEndian.Uint64(u[:8]); id != 0 {
			return id
		}
	}
}

// ClientID returns the coordinator's identity.
func (c *Coordinator) ClientID() uint64 { return c.clientID }

// Begin starts a new transaction: the transaction ID advances and the
// participant set clears. A transaction still open from before is aborted
// first so its shards do not sit on stale state.
func (c *Coordinator) Begin() {
	if c.open && len(c.participants) > 0 {
		c.log.Warn("Begin with transaction still open, aborting it",
			zap.Uint64("txn", c.txnID))
		c.abortParticipants()
	}
	if c.open {
		c.bumpActive(-1)
	}
	c.txnID++
	c.participants = make(map[int]struct{})
	c.open = true
	c.bumpActive(1)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.TxnsStartedCounter.Add(context.Background(), 1)
	}
	c.log.Debug("Transaction begun", zap.Uint64("txn", c.txnID))
}

// Get reads key inside the current transaction. A non-OK status leaves the
// transaction active; the caller chooses whether to press on or abort.
func (c *Coordinator) Get(key string) (string, reply.Status) {
	start := time.Now()
	cl := c.touch(shard.ForKey(key, len(c.clients)))
	p := cl.Get(c.txnID, key, c.cfg.GetTimeout)
	st := p.Wait()
	c.observeOp("get", st, start)
	if st != reply.OK {
		return "", st
	}
	return p.Value(), st
}

// Put buffers a write inside the current transaction. The value becomes
// visible to others only after Commit succeeds.
func (c *Coordinator) Put(key, value string) reply.Status {
	start := time.Now()
	cl := c.touch(shard.ForKey(key, len(c.clients)))
	st := cl.Put(c.txnID, key, value, c.cfg.PutTimeout).Wait()
	c.observeOp("put", st, start)
	return st
}

// Commit drives the two-phase protocol and reports whether the transaction
// committed. Retries run at increasing timestamps up to the configured
// bound; exhaustion or any FAIL vote aborts every participant.
func (c *Coordinator) Commit() bool {
	ts := timestamp.New(c.clock.Now(), c.clientID)
	rounds := 0

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		rounds = attempt
		st, next := c.prepare(ts)
		switch st {
		case reply.OK:
			for _, idx := range c.participantOrder() {
				c.clients[idx].Commit(c.txnID, ts)
			}
			c.log.Debug("Transaction committed",
				zap.Uint64("txn", c.txnID),
				zap.String("ts", ts.String()),
				zap.Int("rounds", rounds))
			c.finishTxn(true, rounds)
			return true

		case reply.Fail:
			c.log.Debug("Prepare rejected, aborting",
				zap.Uint64("txn", c.txnID), zap.Int("rounds", rounds))
			c.abortParticipants()
			c.finishTxn(false, rounds)
			return false

		case reply.Retry:
			c.log.Debug("Prepare wants a later timestamp",
				zap.Uint64("txn", c.txnID),
				zap.String("current", ts.String()),
				zap.String("next", next.String()))
			ts = next
		}
	}

	c.log.Warn("Prepare attempts exhausted, aborting",
		zap.Uint64("txn", c.txnID), zap.Int("rounds", rounds))
	c.abortParticipants()
	c.finishTxn(false, rounds)
	return false
}

// Abort cancels the current transaction on every participant and returns
// once each has replied or timed out.
func (c *Coordinator) Abort() {
	c.abortParticipants()
	if c.open {
		c.bumpActive(-1)
		c.open = false
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.TxnsAbortedCounter.Add(context.Background(), 1)
	}
	c.log.Debug("Transaction aborted", zap.Uint64("txn", c.txnID))
}

// Stats is a diagnostic hook, currently always empty.
func (c *Coordinator) Stats() []int {
	return []int{}
}

// Close aborts any open transaction and stops the background transport,
// waiting for its goroutines. Safe to call more than once.
func (c *Coordinator) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.open && len(c.participants) > 0 {
		c.abortParticipants()
	}
	if c.open {
		c.bumpActive(-1)
		c.open = false
	}
	if c.disp != nil {
		return c.disp.Close()
	}
	return nil
}

// touch registers the shard as a participant on first contact, opening the
// transaction context there before any operation runs against it.
func (c *Coordinator) touch(idx int) shard.Client {
	cl := c.clients[idx]
	if _, ok := c.participants[idx]; !ok {
		c.participants[idx] = struct{}{}
		cl.Begin(c.txnID)
		c.log.Debug("Shard joined transaction",
			zap.Uint64("txn", c.txnID), zap.Int("shard", idx))
	}
	return cl
}

// prepare runs one parallel vote round at ts. FAIL from any participant is
// final. TIMEOUT and RETRY both fold into RETRY, with the next candidate
// timestamp computed from the round's votes.
func (c *Coordinator) prepare(ts timestamp.Timestamp) (reply.Status, timestamp.Timestamp) {
	order := c.participantOrder()
	if len(order) == 0 {
		panic("coordinator: commit with empty participant set")
	}

	handles := make([]*promise.Promise, len(order))
	for i, idx := range order {
		handles[i] = c.clients[idx].Prepare(c.txnID, ts, c.cfg.PrepareTimeout)
	}

	overall := reply.OK
	// maxProposed accumulates across every RETRY vote in the round, so
	// the next candidate clears all known conflicts at once.
	var maxProposed uint64
	for i, h := range handles {
		st := h.Wait()
		switch st {
		case reply.OK:

		case reply.Fail:
			// Definitive rejection; remaining handles are abandoned
			// to their deadlines.
			return reply.Fail, timestamp.Timestamp{}

		case reply.Timeout:
			overall = reply.Retry

		case reply.Retry:
			overall = reply.Retry
			if prop := h.Proposed().Time; prop > maxProposed {
				maxProposed = prop
			}

		default:
			panic(fmt.Sprintf("coordinator: shard %d returned unknown vote %d", order[i], st))
		}
	}

	if overall == reply.Retry {
		next := c.clock.Now()
		if maxProposed > next {
			next = maxProposed
		}
		return reply.Retry, timestamp.New(next, c.clientID)
	}
	return reply.OK, ts
}

// abortParticipants fans the abort out and joins on every reply. The
// statuses are ignored; what matters is that each shard has been told.
func (c *Coordinator) abortParticipants() {
	order := c.participantOrder()
	if len(order) == 0 {
		return
	}
	handles := make([]*promise.Promise, len(order))
	for i, idx := range order {
		handles[i] = c.clients[idx].Abort(c.txnID, c.cfg.AbortTimeout)
	}
	for _, h := range handles {
		h.Wait()
	}
}

func (c *Coordinator) participantOrder() []int {
	order := make([]int, 0, len(c.participants))
	for idx := range c.participants {
		order = append(order, idx)
	}
	sort.Ints(order)
	return order
}

func (c *Coordinator) finishTxn(committed bool, rounds int) {
	if c.open {
		c.bumpActive(-1)
		c.open = false
	}
	if c.cfg.Metrics == nil {
		return
	}
	ctx := context.Background()
	c.cfg.Metrics.PrepareRoundHistogram.Record(ctx, int64(rounds))
	if committed {
		c.cfg.Metrics.TxnsCommittedCounter.Add(ctx, 1)
	} else {
		c.cfg.Metrics.TxnsAbortedCounter.Add(ctx, 1)
	}
}

func (c *Coordinator) bumpActive(delta int64) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ActiveTxnsUpDown.Add(context.Background(), delta)
	}
}

func (c *Coordinator) observeOp(op string, st reply.Status, start time.Time) {
	if c.cfg.Metrics == nil {
		return
	}
	c.cfg.Metrics.OpLatencyHistogram.Record(context.Background(), time.Since(start).Milliseconds(),
		metric.WithAttributes(attribute.String("op", op), attribute.String("status", st.String())))
}
