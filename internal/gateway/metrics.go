package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	TokenRequests prometheus.Counter
	TokenErrors   prometheus.Counter
	RoomCreations prometheus.Counter
	APILatency    prometheus.Histogram
}

// NewMetrics builds and registers all gateway collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		TokenRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "token_requests_total",
			Help: "Total token requests",
		}),
		TokenErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "token_errors_total",
			Help: "Total token generation errors",
		}),
		RoomCreations: factory.NewCounter(prometheus.CounterOpts{
			Name: "room_creations_total",
			Help: "Total room creations",
		}),
		APILatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "api_request_duration_seconds",
			Help: "API request latency",
		}),
	}
}
