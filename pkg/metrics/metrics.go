// Package metrics exposes Prometheus instrumentation for the pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline holds the worker-side metrics.
type Pipeline struct {
	JobsProcessed *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
}

// NewPipeline registers the worker metrics on the default registry.
func NewPipeline() *Pipeline {
	return &Pipeline{
		JobsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "imagedetect_jobs_processed_total",
			Help: "Jobs processed by the worker, by result.",
		}, []string{"result"}),
		StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagedetect_stage_duration_seconds",
			Help:    "Duration of each pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
	}
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
