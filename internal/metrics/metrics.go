package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paystream_events_consumed_total",
		Help: "Total number of source events pulled from the transport, labelled by channel.",
	}, []string{"channel"})

	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paystream_decode_errors_total",
		Help: "Total number of source payloads dropped because they could not be decoded.",
	}, []string{"channel"})

	EventsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paystream_events_routed_total",
		Help: "Total number of deliveries, labelled by destination.",
	}, []string{"destination"})

	UnroutableEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paystream_unroutable_events_total",
		Help: "Total number of success events dropped by the method stage, labelled by payment method.",
	}, []string{"payment_method"})

	PublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paystream_publish_errors_total",
		Help: "Total number of failed publishes to an output channel.",
	}, []string{"channel"})

	AggregationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paystream_aggregation_errors_total",
		Help: "Total number of events rejected by the aggregation engine, labelled by reason.",
	}, []string{"reason"})

	LateWindowsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paystream_late_windows_dropped_total",
		Help: "Total number of events whose window had already been evicted.",
	}, []string{"payment_method"})

	FutureEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paystream_future_events_total",
		Help: "Total number of events stamped beyond the allowed clock skew; they are counted but do not move stream time past the cap.",
	}, []string{"payment_method"})

	DuplicatesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paystream_duplicates_skipped_total",
		Help: "Total number of redelivered events skipped by the aggregation engine.",
	}, []string{"payment_method"})

	StoreRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paystream_store_retries_total",
		Help: "Total number of state store operations retried after a failure.",
	})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paystream_events_dropped_total",
		Help: "Total number of in-memory messages discarded because their channel was at capacity.",
	}, []string{"channel"})

	EventProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "paystream_event_processing_duration_ms",
		Help:    "Per-event processing latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paystream_queue_utilization_ratio",
		Help: "Current work queue utilization (0–1).",
	})
)
