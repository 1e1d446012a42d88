package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forwarder_events_received_total",
		Help: "Total webhook events received, labelled by outcome (accepted, duplicate, rejected).",
	}, []string{"outcome"})

	JobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forwarder_jobs_enqueued_total",
		Help: "Total forward jobs placed on the delivery queue.",
	})

	JobsReconciled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forwarder_jobs_reconciled_total",
		Help: "Total forward jobs re-enqueued by the reconciliation sweep.",
	})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forwarder_deliveries_total",
		Help: "Total delivery attempts, labelled by destination and result (delivered, retry, dead_letter).",
	}, []string{"destination", "result"})

	DeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forwarder_delivery_duration_ms",
		Help:    "Outbound delivery request latency in milliseconds.",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	}, []string{"destination"})

	LeasesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forwarder_leases_reclaimed_total",
		Help: "Total in-flight jobs returned to pending after a lease expired.",
	})

	JobsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forwarder_jobs_pending",
		Help: "Current number of pending jobs in the delivery queue.",
	})

	JobsDeadLettered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forwarder_jobs_dead_lettered",
		Help: "Current number of dead-lettered jobs retained for inspection.",
	})
)
