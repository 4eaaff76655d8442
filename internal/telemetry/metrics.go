package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// CoordinatorMetrics holds all the metric instruments for the transaction
// coordinator.
type CoordinatorMetrics struct {
	TxnsStartedCounter    metric.Int64Counter
	TxnsCommittedCounter  metric.Int64Counter
	TxnsAbortedCounter    metric.Int64Counter
	PrepareRoundHistogram metric.Int64Histogram
	OpLatencyHistogram    metric.Int64Histogram
	ActiveTxnsUpDown      metric.Int64UpDownCounter
}

// NewCoordinatorMetrics creates and registers all the metrics for the
// transaction coordinator.
func NewCoordinatorMetrics(meter metric.Meter) (*CoordinatorMetrics, error) {
	txnsStartedCounter, err := meter.Int64Counter(
		"tempokv.coordinator.txns_started_total",
		metric.WithDescription("Total number of transactions begun."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txnsCommittedCounter, err := meter.Int64Counter(
		"tempokv.coordinator.txns_committed_total",
		metric.WithDescription("Total number of transactions committed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txnsAbortedCounter, err := meter.Int64Counter(
		"tempokv.coordinator.txns_aborted_total",
		metric.WithDescription("Total number of transactions aborted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	prepareRoundHistogram, err := meter.Int64Histogram(
		"tempokv.coordinator.prepare_rounds",
		metric.WithDescription("Prepare rounds needed before a commit decision."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opLatencyHistogram, err := meter.Int64Histogram(
		"tempokv.coordinator.op_duration",
		metric.WithDescription("The latency of coordinator operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeTxnsUpDown, err := meter.Int64UpDownCounter(
		"tempokv.coordinator.active_txns",
		metric.WithDescription("Number of transactions currently open."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &CoordinatorMetrics{
		TxnsStartedCounter:    txnsStartedCounter,
		TxnsCommittedCounter:  txnsCommittedCounter,
		TxnsAbortedCounter:    txnsAbortedCounter,
		PrepareRoundHistogram: prepareRoundHistogram,
		OpLatencyHistogram:    opLatencyHistogram,
		ActiveTxnsUpDown:      activeTxnsUpDown,
	}, nil
}

// ShardMetrics holds all the metric instruments for a shard server.
type ShardMetrics struct {
	RequestsHandledCounter  metric.Int64Counter
	RequestLatencyHistogram metric.Int64Histogram
	PrepareVotesCounter     metric.Int64Counter
	PreparedTxnsUpDown      metric.Int64UpDownCounter
}

// NewShardMetrics creates and registers all the metrics for a shard server.
func NewShardMetrics(meter metric.Meter) (*ShardMetrics, error) {
	requestsHandledCounter, err := meter.Int64Counter(
		"tempokv.shard.requests_handled_total",
		metric.WithDescription("Total number of requests handled."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	requestLatencyHistogram, err := meter.Int64Histogram(
		"tempokv.shard.request_duration",
		metric.WithDescription("The latency of shard requests."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	prepareVotesCounter, err := meter.Int64Counter(
		"tempokv.shard.prepare_votes_total",
		metric.WithDescription("Prepare votes cast, labelled by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	preparedTxnsUpDown, err := meter.Int64UpDownCounter(
		"tempokv.shard.prepared_txns",
		metric.WithDescription("Transactions currently holding a prepared reservation."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &ShardMetrics{
		RequestsHandledCounter:  requestsHandledCounter,
		RequestLatencyHistogram: requestLatencyHistogram,
		PrepareVotesCounter:     prepareVotesCounter,
		PreparedTxnsUpDown:      preparedTxnsUpDown,
	}, nil
}
