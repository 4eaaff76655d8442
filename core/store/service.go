package store

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	internaltelemetry "github.com/tempokv/tempokv/internal/telemetry"

	"github.com/tempokv/tempokv/core/reply"
	"github.com/tempokv/tempokv/core/wire"
)

// Service turns wire requests into store calls. It is the Handler a shard
// server mounts on its transaction port.
type Service struct {
	store   *Store
	log     *zap.Logger
	metrics *internaltelemetry.ShardMetrics
}

var _ wire.Handler = (*Service)(nil)

// NewService wraps s for the wire protocol. metrics may be nil.
func NewService(s *Store, log *zap.Logger, metrics *internaltelemetry.ShardMetrics) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: s, log: log, metrics: metrics}
}

// Store returns the engine behind the service.
func (svc *Service) Store() *Store { return svc.store }

// Handle implements wire.Handler.
func (svc *Service) Handle(req *wire.Request) *wire.Reply {
	start := time.Now()
	rep := svc.handle(req)
	rep.ID = req.ID

	if svc.metrics != nil {
		ctx := context.Background()
		attrs := metric.WithAttributes(attribute.String("op", string(req.Op)))
		svc.metrics.RequestsHandledCounter.Add(ctx, 1, attrs)
		svc.metrics.RequestLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), attrs)
	}
	return rep
}

func (svc *Service) handle(req *wire.Request) *wire.Reply {
	switch req.Op {
	case wire.OpHello:
		svc.log.Info("Client session opened",
			zap.String("session", req.Session),
			zap.Uint64("client_id", req.ClientID))
		return &wire.Reply{Status: reply.OK}

	case wire.OpGet:
		value, version, ok := svc.store.Get(req.Key)
		if !ok {
			return &wire.Reply{Status: reply.Fail}
		}
		return &wire.Reply{Status: reply.OK, Value: value, Version: version}

	case wire.OpPrepare:
		if req.Txn == nil {
			return &wire.Reply{Status: reply.Fail, Err: "prepare without transaction payload"}
		}
		st, proposed := svc.store.Prepare(req.TxnID, req.Txn, req.TS)
		if svc.metrics != nil {
			ctx := context.Background()
			svc.metrics.PrepareVotesCounter.Add(ctx, 1,
				metric.WithAttributes(attribute.String("vote", st.String())))
			if st == reply.OK {
				svc.metrics.PreparedTxnsUpDown.Add(ctx, 1)
			}
		}
		return &wire.Reply{Status: st, Proposed: proposed}

	case wire.OpCommit:
		released := svc.store.Commit(req.TxnID, req.Txn, req.TS)
		if released && svc.metrics != nil {
			svc.metrics.PreparedTxnsUpDown.Add(context.Background(), -1)
		}
		return &wire.Reply{Status: reply.OK}

	case wire.OpAbort:
		released := svc.store.Abort(req.TxnID)
		if released && svc.metrics != nil {
			svc.metrics.PreparedTxnsUpDown.Add(context.Background(), -1)
		}
		return &wire.Reply{Status: reply.OK}

	case wire.OpLoad:
		n := svc.store.Load(req.Pairs)
		return &wire.Reply{Status: reply.OK, Count: n}

	case wire.OpStats:
		st := svc.store.Stats()
		return &wire.Reply{Status: reply.OK, Stats: map[string]uint64{
			"gets":     st.Gets,
			"prepares": st.Prepares,
			"commits":  st.Commits,
			"aborts":   st.Aborts,
			"retries":  st.Retries,
			"fails":    st.Fails,
			"loads":    st.Loads,
		}}

	default:
		svc.log.Warn("Unknown request op", zap.String("op", string(req.Op)))
		return &wire.Reply{Status: reply.Fail, Err: "unknown op"}
	}
}
