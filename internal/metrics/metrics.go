// Package metrics exports pipeline timings to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendant/simple-cartoonizer/internal/pipeline"
)

// Recorder implements pipeline.Observer.
type Recorder struct {
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	jobs          *prometheus.CounterVec
	jobDuration   prometheus.Histogram
	inflight      prometheus.Gauge
	registry      *prometheus.Registry
}

var _ pipeline.Observer = (*Recorder)(nil)

// New registers the collectors on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cartoonizer",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cartoonizer",
			Name:      "stage_failures_total",
			Help:      "Pipeline stage failures.",
		}, []string{"stage"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cartoonizer",
			Name:      "jobs_total",
			Help:      "Finished jobs by terminal state.",
		}, []string{"state"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cartoonizer",
			Name:      "job_duration_seconds",
			Help:      "End to end job duration.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cartoonizer",
			Name:      "jobs_inflight",
			Help:      "Jobs currently admitted to the worker pool.",
		}),
	}
	reg.MustRegister(r.stageDuration, r.stageFailures, r.jobs, r.jobDuration, r.inflight,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

func (r *Recorder) StageFinished(stage string, d time.Duration, err error) {
	r.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		r.stageFailures.WithLabelValues(stage).Inc()
	}
}

func (r *Recorder) JobFinished(state pipeline.State, d time.Duration) {
	r.jobs.WithLabelValues(string(state)).Inc()
	r.jobDuration.Observe(d.Seconds())
}

// JobStarted and JobDone track the worker pool occupancy.
func (r *Recorder) JobStarted() { r.inflight.Inc() }
func (r *Recorder) JobDone()    { r.inflight.Dec() }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
