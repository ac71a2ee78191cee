package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesSentCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "messages_sent_total",
			Help:      "Total messages accepted by Send or Ingest.",
		},
		[]string{"direction"},
	)

	duplicatesIgnoredCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "duplicates_ignored_total",
			Help:      "Send requests short-circuited by the idempotency ledger.",
		},
	)

	statusTransitionsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "status_transitions_total",
			Help:      "Status transitions by edge and outcome.",
		},
		[]string{"from", "to", "result"}, // result: applied, noop, illegal, stale
	)

	retryRequeuedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "retry_requeued_total",
			Help:      "Failed messages re-queued by the retry scheduler.",
		},
	)

	deadLetteredCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "dead_lettered_total",
			Help:      "Messages quarantined into the dead-letter table.",
		},
	)

	outboxPublishedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "outbox_events_published_total",
			Help:      "Outbox events handed to the event sink.",
		},
		[]string{"sink", "result"},
	)

	operationDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "messaging",
			Name:      "operation_duration_seconds",
			Help:      "Duration of message core operations.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	sweepDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "messaging",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of retry and dead-letter sweeps.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)
)
