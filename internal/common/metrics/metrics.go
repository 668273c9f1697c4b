// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_created_total",
			Help: "Total number of requests accepted into the ledger",
		},
		[]string{"visibility"},
	)

	RequestsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_finished_total",
			Help: "Total number of requests that reached a terminal state",
		},
		[]string{"status", "error_code"},
	)

	ResponsesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_responses_rejected_total",
			Help: "Provider submissions refused because the request was unknown, answered or expired",
		},
		[]string{"reason"},
	)

	ProviderPolls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_provider_polls_total",
			Help: "Total number of provider poll calls",
		},
	)

	FieldsEncoded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_fields_encoded_total",
			Help: "Total number of unstructured fields replaced by tokens",
		},
	)

	ExchangeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_exchange_duration_seconds",
			Help:    "Time from request intake to terminal state",
			Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"status"},
	)

	PendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_pending_requests",
			Help: "Number of requests not yet terminal, sampled by the reaper",
		},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "relay_http_request_duration_seconds",
			Help: "HTTP request latency by route",
		},
		[]string{"route"},
	)

	ArchiveRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_archive_records_total",
			Help: "Archive deliveries by sink and outcome",
		},
		[]string{"sink", "outcome"},
	)
)
