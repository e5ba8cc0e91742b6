package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	DispatchAttempts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_attempts_total", Help: "Dispatch passes run against the geo index"})
	Assignments      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "assignments_total", Help: "Drivers proposed a trip"})
	NoDrivers        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "no_drivers_total", Help: "Dispatch passes that found no eligible driver"})
	DispatchLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_latency_seconds", Help: "Dispatch latency seconds"})
	DriversOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})

	Rejections = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rejections_total", Help: "Proposals that did not end in acceptance"},
		[]string{"reason"},
	)
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trip_transitions_total", Help: "Trip state transitions by target state"},
		[]string{"to"},
	)
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Events a slow stream subscriber could not take"},
		[]string{"topic_kind"},
	)
	RouteLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "route_latency_seconds", Help: "Routing oracle latency", Buckets: prometheus.DefBuckets},
		[]string{"provider", "outcome"},
	)
	PresenceConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "presence_consumed_total", Help: "Presence events projected into the geo read model"},
		[]string{"outcome"},
	)

	APIErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "api_errors_total", Help: "API calls answered with an error, by route and error kind"},
		[]string{"route", "kind"},
	)
	OpenStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "open_streams", Help: "Websocket streams currently open, by route"},
		[]string{"route"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "route", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
