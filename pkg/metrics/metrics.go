// Package metrics exposes the orchestrator's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the application-specific Prometheus collectors.
var Registry = prometheus.NewRegistry()

var (
	MessagingRx = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "build_orchestrator",
			Subsystem: "messaging",
			Name:      "rx_total",
			Help:      "Total number of messages received.",
		},
	)

	MessagingRxProcessedOK = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "build_orchestrator",
			Subsystem: "messaging",
			Name:      "rx_processed_ok_total",
			Help:      "Number of received messages which were processed successfully.",
		},
	)

	MessagingRxFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "build_orchestrator",
			Subsystem: "messaging",
			Name:      "rx_failed_total",
			Help:      "Number of received messages which failed during processing.",
		},
	)

	MessagingTxSentOK = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "build_orchestrator",
			Subsystem: "messaging",
			Name:      "tx_sent_ok_total",
			Help:      "Number of messages which were published successfully.",
		},
	)

	MessagingTxFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "build_orchestrator",
			Subsystem: "messaging",
			Name:      "tx_failed_total",
			Help:      "Number of messages for which the publisher failed.",
		},
	)

	BuildsSuccess = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "build_orchestrator",
			Subsystem: "builds",
			Name:      "success_total",
			Help:      "Number of module builds that reached the ready state.",
		},
	)

	BuildsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "build_orchestrator",
			Subsystem: "builds",
			Name:      "failed_total",
			Help:      "Number of module builds that reached the failed state.",
		},
		[]string{"reason"},
	)

	ModuleBuildsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "build_orchestrator",
			Subsystem: "builds",
			Name:      "by_state",
			Help:      "Current number of module builds per state.",
		},
		[]string{"state"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "build_orchestrator",
			Subsystem: "scheduler",
			Name:      "handler_duration_seconds",
			Help:      "Duration of event handler invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"handler"},
	)

	PollerPasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "build_orchestrator",
			Subsystem: "scheduler",
			Name:      "poller_passes_total",
			Help:      "Number of completed poller reconciliation passes.",
		},
	)

	QueueBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "build_orchestrator",
			Subsystem: "scheduler",
			Name:      "queue_backlog",
			Help:      "Events waiting on the internal work queue.",
		},
	)

	DBRollbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "build_orchestrator",
			Subsystem: "db",
			Name:      "transaction_rollback_total",
			Help:      "Number of transactions which were rolled back.",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		MessagingRx,
		MessagingRxProcessedOK,
		MessagingRxFailed,
		MessagingTxSentOK,
		MessagingTxFailed,
		BuildsSuccess,
		BuildsFailed,
		ModuleBuildsByState,
		HandlerDuration,
		PollerPasses,
		QueueBacklog,
		DBRollbacks,
	)
}

// Handler returns the HTTP handler serving the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
