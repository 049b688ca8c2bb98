// Package metrics exposes service metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promcollect "github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleetbuild"

// Recorder implements the build, delta and process observers on top of
// Prometheus collectors. A nil *Recorder records nothing.
type Recorder struct {
	reg              *prom.Registry
	builds           *prom.CounterVec
	buildDuration    prom.Histogram
	phaseDuration    *prom.HistogramVec
	deltaBuilds      *prom.CounterVec
	lockWait         prom.Histogram
	processesRunning prom.Gauge
	processExits     *prom.CounterVec
}

// NewRecorder creates the collectors and registers them, together with the
// Go runtime and process collectors, on reg. A nil reg gets a fresh registry.
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &Recorder{
		reg: reg,
		builds: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Build requests by final outcome",
		}, []string{"outcome"}),
		buildDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Total build request duration",
			Buckets:   prom.ExponentialBuckets(1, 2, 12),
		}),
		phaseDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_phase_duration_seconds",
			Help:      "Duration of individual build phases",
			Buckets:   prom.ExponentialBuckets(0.05, 2, 14),
		}, []string{"phase"}),
		deltaBuilds: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "delta_builds_total",
			Help:      "Delta build requests by outcome",
		}, []string{"outcome"}),
		lockWait: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "delta_lock_wait_seconds",
			Help:      "Time spent waiting for another delta build of the same image",
			Buckets:   []float64{0, 1, 5, 15, 60, 300, 600, 1200},
		}),
		processesRunning: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "processes_running",
			Help:      "External processes currently running",
		}),
		processExits: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "process_exits_total",
			Help:      "External process exits by program and result",
		}, []string{"process", "result"}),
	}
	reg.MustRegister(
		r.builds, r.buildDuration, r.phaseDuration,
		r.deltaBuilds, r.lockWait,
		r.processesRunning, r.processExits,
		promcollect.NewGoCollector(),
		promcollect.NewProcessCollector(promcollect.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.HandlerFor(prom.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveBuild records the end of a build request.
func (r *Recorder) ObserveBuild(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.builds.WithLabelValues(outcome).Inc()
	r.buildDuration.Observe(d.Seconds())
}

// ObservePhase records the duration of one build phase.
func (r *Recorder) ObservePhase(phase string, d time.Duration) {
	if r == nil {
		return
	}
	r.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// ObserveDelta records the end of a delta build request.
func (r *Recorder) ObserveDelta(outcome string, lockWait time.Duration) {
	if r == nil {
		return
	}
	r.deltaBuilds.WithLabelValues(outcome).Inc()
	r.lockWait.Observe(lockWait.Seconds())
}

// ProcessStarted counts a spawned process.
func (r *Recorder) ProcessStarted(string) {
	if r == nil {
		return
	}
	r.processesRunning.Inc()
}

// ProcessExited counts a reaped process.
func (r *Recorder) ProcessExited(name string, code int) {
	if r == nil {
		return
	}
	r.processesRunning.Dec()
	result := "success"
	if code != 0 {
		result = "failure"
	}
	r.processExits.WithLabelValues(name, result).Inc()
}
