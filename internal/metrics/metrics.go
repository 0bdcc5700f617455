package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	SamplesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoalarm_samples_processed_total",
			Help: "Total number of price samples processed",
		},
		[]string{"status"}, // status: ok, panic
	)

	RulesEvaluated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cryptoalarm_rules_evaluated_total",
			Help: "Total number of rule evaluations against a matching sample",
		},
	)

	Triggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoalarm_triggers_total",
			Help: "Total number of rule firings",
		},
		[]string{"kind"},
	)

	Armed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cryptoalarm_rules_armed_total",
			Help: "Total number of percentage rules that captured a baseline",
		},
	)

	Anomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoalarm_evaluation_anomalies_total",
			Help: "Total number of evaluation anomalies",
		},
		[]string{"reason"},
	)

	ConversionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cryptoalarm_conversion_failures_total",
			Help: "Total number of store records rejected during conversion",
		},
	)

	// Registry metrics
	ReconcileRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoalarm_reconcile_runs_total",
			Help: "Total number of reconciliation attempts",
		},
		[]string{"status"}, // status: success, failure
	)

	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cryptoalarm_reconcile_duration_seconds",
			Help:    "Time spent reconciling the registry against the store",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	RegistrySize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cryptoalarm_registry_rules",
			Help: "Number of rules held in the registry",
		},
		[]string{"status"},
	)

	// Dispatch metrics
	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoalarm_dispatch_outcomes_total",
			Help: "Total number of notification attempts",
		},
		[]string{"channel", "result"}, // result: sent, failed, skipped
	)

	DispatchDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cryptoalarm_dispatch_dropped_total",
			Help: "Total number of trigger events dropped because the dispatch queue was full",
		},
	)

	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cryptoalarm_dispatch_queue_depth",
			Help: "Current number of trigger events waiting for dispatch",
		},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cryptoalarm_dispatch_duration_seconds",
			Help:    "Time spent delivering one notification",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel"},
	)

	// Store metrics
	StoreWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoalarm_store_write_failures_total",
			Help: "Total number of failed best-effort store writes",
		},
		[]string{"operation"}, // operation: update_status, append_log
	)

	// Feed metrics
	FeedReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoalarm_feed_reconnects_total",
			Help: "Total number of price feed reconnect attempts",
		},
		[]string{"source"},
	)

	FeedMalformed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoalarm_feed_malformed_total",
			Help: "Total number of malformed price updates skipped",
		},
		[]string{"source"},
	)
)
