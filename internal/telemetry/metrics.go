// Package telemetry exposes Prometheus collectors for the tile pipeline.
package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tilesTotal           *prometheus.CounterVec
	fetchDurationSeconds *prometheus.HistogramVec
	pacingDelaySeconds   *prometheus.HistogramVec
	proxyActiveEndpoints prometheus.Gauge
	archiveTilesTotal    *prometheus.CounterVec

	once sync.Once
)

// Init registers the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		tilesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tilefetch_tiles_total",
				Help: "Total tiles processed, labeled by source and outcome.",
			},
			[]string{"source", "status"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tilefetch_fetch_duration_seconds",
				Help:    "Histogram of tile fetch latencies, labeled by source.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"source"},
		)

		pacingDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tilefetch_pacing_delay_seconds",
				Help:    "Histogram of delays introduced by pacing strategies.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
			},
			[]string{"strategy"},
		)

		proxyActiveEndpoints = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tilefetch_proxy_active_endpoints",
				Help: "Number of proxy endpoints currently eligible for selection.",
			},
		)

		archiveTilesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tilefetch_archive_tiles_total",
				Help: "Total tiles written into archives, labeled by archive name.",
			},
			[]string{"archive"},
		)
	})
}

// CountTile records the terminal outcome of one tile ("fetched" or "exhausted").
func CountTile(source, status string) {
	Init()
	tilesTotal.WithLabelValues(source, status).Inc()
}

// ObserveFetch records the duration of one fetch attempt.
func ObserveFetch(source string, d time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(source).Observe(d.Seconds())
}

// ObservePacingDelay records time spent blocked by a pacing strategy.
func ObservePacingDelay(strategy string, d time.Duration) {
	Init()
	pacingDelaySeconds.WithLabelValues(strategy).Observe(d.Seconds())
}

// SetActiveProxies updates the active proxy endpoint gauge.
func SetActiveProxies(n int) {
	Init()
	proxyActiveEndpoints.Set(float64(n))
}

// CountArchiveTile records one tile written into an archive.
func CountArchiveTile(archive string) {
	Init()
	archiveTilesTotal.WithLabelValues(archive).Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}
