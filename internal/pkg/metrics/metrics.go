package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bandgate_allocations_total",
		Help: "The total number of variant allocations served",
	}, []string{"experiment", "mode"})

	ConversionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bandgate_conversions_total",
		Help: "The total number of conversion reports processed",
	}, []string{"experiment", "outcome"})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bandgate_latency_bucket",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	ConfigRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bandgate_config_rejects_total",
		Help: "Total allocation requests rejected for configuration errors",
	}, []string{"reason"})

	LedgerAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bandgate_ledger_appends_total",
		Help: "Total ledger append attempts by status",
	}, []string{"status"})

	LedgerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bandgate_ledger_queue_depth",
		Help: "Current depth of the asynchronous ledger write queue",
	})

	SequenceRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bandgate_sequence_retries_total",
		Help: "Total retries of ledger appends after storage conflicts",
	})

	IntegrityChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bandgate_integrity_checks_total",
		Help: "Total integrity verifications by result",
	}, []string{"result"})
)
