// metrics.go - Prometheus metrics for the lifecycle engine.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cipherdrop_http_requests_total",
		Help: "HTTP requests processed, by method and status.",
	}, []string{"method", "status"})

	metricUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cipherdrop_uploads_total",
		Help: "Upload attempts by outcome (created, duplicate, quota, throttled, error).",
	}, []string{"outcome"})

	metricDownloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cipherdrop_downloads_total",
		Help: "Downloads that began streaming.",
	})

	metricThrottled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cipherdrop_throttled_total",
		Help: "Requests rejected by the rate limiter, by category.",
	}, []string{"category"})

	metricLiveBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cipherdrop_live_bytes",
		Help: "Byte sum of all live (unexpired) ledger rows, updated by uploads and sweeps.",
	})

	metricSweepDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cipherdrop_sweep_deleted_total",
		Help: "Records reclaimed by the expiry sweep, by kind (file, session, orphan_blob, rate_bucket).",
	}, []string{"kind"})
)

// metricsHandler serves the Prometheus scrape endpoint.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
