// Package metrics holds the prometheus collectors for the sync engine.
// Everything is registered on the default registry and served by the
// ops listener's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_messages_sent_total",
		Help: "Messages accepted by the send pipeline.",
	})

	SendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgsync_send_failures_total",
		Help: "Dispatch failures by error kind.",
	}, []string{"kind"})

	Retries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_retries_total",
		Help: "Redrive attempts made by the retry manager.",
	})

	EventsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_events_applied_total",
		Help: "Remote events merged into the local store.",
	})

	EventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_events_duplicate_total",
		Help: "Replayed remote events absorbed by the dedup set.",
	})

	DecodeAnomalies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_decode_anomalies_total",
		Help: "Remote events rejected for missing required fields.",
	})

	ReceiptsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_receipts_applied_total",
		Help: "Delivered/read receipts merged into messages.",
	})

	PendingMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "msgsync_pending_messages",
		Help: "Messages waiting in the offline queue.",
	})

	OpenSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "msgsync_open_subscriptions",
		Help: "Live remote subscriptions.",
	})

	TypingActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "msgsync_typing_active",
		Help: "Unexpired typing records currently held.",
	})

	DispatchSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "msgsync_dispatch_duration_seconds",
		Help:    "Remote dispatch round-trip latency.",
		Buckets: prometheus.DefBuckets,
	})
)
