package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "connections_open", Help: "Currently connected websocket clients"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Drivers currently registered and not offline"})

	OffersTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_total", Help: "Ride offers sent to drivers"})
	MatchesTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "matches_total", Help: "Rides accepted by a driver"})
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accept_conflicts_total", Help: "driver_accept attempts rejected because the ride was already matched"})
	SOSAlerts       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "sos_alerts_total", Help: "Emergency alerts fanned out to admins"})
	EventsDropped   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "events_dropped_total", Help: "Outbound events dropped because a client send buffer was full"})

	RidesByOutcome = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_total", Help: "Terminal rides by outcome"},
		[]string{"outcome"},
	)
	EventsInbound = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "events_inbound_total", Help: "Inbound events by type"},
		[]string{"type"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
