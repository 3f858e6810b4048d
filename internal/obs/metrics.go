package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics for the framed TCP protocol served by the dispatcher.
var (
	connsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "library_connections_open",
		Help: "Currently open client connections.",
	})

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "library_requests_total",
			Help: "Total number of protocol requests.",
		},
		[]string{"op", "status"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "library_request_duration_seconds",
			Help:    "Protocol request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	storeUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "library_store_up",
		Help: "1 when the inventory store is reachable, 0 otherwise.",
	})
)

// Init registers the metrics in the default registry.
func Init() {
	prometheus.MustRegister(connsOpen, requestsTotal, requestDuration, storeUp)
	storeUp.Set(1)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ConnOpened increments the open-connection gauge.
func ConnOpened() { connsOpen.Inc() }

// ConnClosed decrements the open-connection gauge.
func ConnClosed() { connsOpen.Dec() }

// ObserveRequest records one routed request.
func ObserveRequest(op, status string, d time.Duration) {
	requestsTotal.WithLabelValues(op, status).Inc()
	requestDuration.WithLabelValues(op).Observe(d.Seconds())
}

// SetStoreUp flips the store reachability gauge.
func SetStoreUp(up bool) {
	if up {
		storeUp.Set(1)
		return
	}
	storeUp.Set(0)
}
