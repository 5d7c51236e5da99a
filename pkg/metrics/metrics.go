// Package metrics holds the Prometheus collectors shared by the ingest
// and serving processes
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tuapi"

// Result label values
const (
	ResultStored  = "stored"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
	ResultSuccess = "success"
)

var (
	// ProxyPoolSize reports the number of proxies currently in the pool
	ProxyPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "proxy_pool_size",
		Help:      "Number of proxies currently in the rotation",
	})

	// ProxyEvictions counts proxies removed after a failed request
	ProxyEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proxy_evictions_total",
		Help:      "Number of proxies evicted from the pool",
	})

	// ImageURLFetches counts redirect API calls by result
	ImageURLFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "image_url_fetches_total",
		Help:      "Number of redirect API calls by result",
	}, []string{"result"})

	// Ingestions counts ingestion attempts by result
	Ingestions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingestions_total",
		Help:      "Number of image ingestions by result (stored, skipped, failed)",
	}, []string{"result"})

	// DirectoryEntries reports the size of the directory cache snapshot
	DirectoryEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "directory_cache_entries",
		Help:      "Number of images in the directory cache",
	})

	// DirectoryRefreshes counts directory cache refreshes by result
	DirectoryRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "directory_cache_refreshes_total",
		Help:      "Number of directory cache refreshes by result (success, failed, skipped)",
	}, []string{"result"})

	// ServedImages counts random image responses by HTTP status
	ServedImages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "served_images_total",
		Help:      "Number of random image responses by status code",
	}, []string{"code"})
)

// Handler exposes the default registry
func Handler() http.Handler { return promhttp.Handler() }
