package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Signal Generator cycle metrics (spec §4.11), grounded on this file's
// sibling promauto-constructor style (TotalPnL et al. above), renamed
// from the cryptofunk_ prefix to signalmesh_ and re-pointed at the cycle
// loop, per-source fan-out, distributor, and rejection-queue instead of
// agent/exchange telemetry.
var (
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalmesh_cycles_total",
		Help: "Total number of generator cycles run",
	})

	CyclesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalmesh_cycles_dropped_total",
		Help: "Total number of ticks dropped because the previous cycle was still in flight",
	})

	CycleDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signalmesh_cycle_duration_seconds",
		Help:    "Cycle wall-clock duration in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 15, 20, 25, 30, 35},
	})

	CycleErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalmesh_cycle_errors_total",
		Help: "Per-symbol pipeline errors contained during cycles",
	})

	CyclePartialTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalmesh_cycle_partial_total",
		Help: "Cycles that hit their time budget before completing the full watchlist",
	})

	SignalsBySymbolSkipReason = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalmesh_cycle_symbol_skips_total",
		Help: "Per-cycle symbol skips by reason",
	}, []string{"reason"})

	SourceResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalmesh_source_results_total",
		Help: "Data source fetch outcomes by source and result",
	}, []string{"source_id", "result"}) // result: success|timeout|rate_limited|error

	SignalsByAction = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalmesh_signals_emitted_total",
		Help: "Signals emitted by action",
	}, []string{"action"})

	PendingBatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalmesh_store_pending_batch_size",
		Help: "Current number of signals awaiting flush in the Signal Store",
	})

	FlushDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signalmesh_store_flush_duration_seconds",
		Help:    "Signal Store batch flush duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	ExecutorHTTPStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalmesh_executor_http_status_total",
		Help: "Distributor HTTP responses from executors by executor and status class",
	}, []string{"executor_id", "status_class"})

	RejectionQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalmesh_rejection_queue_depth",
		Help: "Current number of signals held in the rejected-signal queue",
	})

	IntegrityCheckDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signalmesh_integrity_check_duration_seconds",
		Help:    "verify_integrity() wall-clock duration in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

// RecordCycle updates the cycle-level gauges/counters from a completed
// generator.CycleReport. Kept here (rather than in internal/generator)
// so the generator package never imports the metrics registry directly
// — it reports through a plain callback.
func RecordCycle(durationSeconds float64, signalsEmitted int, errors int, partial bool, dropped bool, skipped map[string]int) {
	CyclesTotal.Inc()
	CycleDurationSeconds.Observe(durationSeconds)
	CycleErrorsTotal.Add(float64(errors))
	if partial {
		CyclePartialTotal.Inc()
	}
	if dropped {
		CyclesDropped.Inc()
	}
	for reason, count := range skipped {
		SignalsBySymbolSkipReason.WithLabelValues(reason).Add(float64(count))
	}
}
