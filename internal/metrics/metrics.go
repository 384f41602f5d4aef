package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the process registry and every instrument the pipeline
// touches. One instance per binary, injected at construction.
type Metrics struct {
	registry *prometheus.Registry

	CapturesTotal   *prometheus.CounterVec
	CaptureDuration prometheus.Histogram
	TasksPlaying    prometheus.Gauge
	ComboWaiting    prometheus.Gauge
	ChangesTotal    *prometheus.CounterVec
	ChangeJobDepth  prometheus.Gauge
	HLSChildren     prometheus.Gauge
	HLSSpawnsTotal  *prometheus.CounterVec
	RuleFiresTotal  *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.CapturesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parkwatch_captures_total",
		Help: "Capture tasks finished, by outcome",
	}, []string{"outcome"})
	reg.MustRegister(m.CapturesTotal)

	m.CaptureDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parkwatch_capture_duration_seconds",
		Help:    "Wall time of one capture task from playing to terminal",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
	reg.MustRegister(m.CaptureDuration)

	m.TasksPlaying = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parkwatch_tasks_playing",
		Help: "Tasks currently owned by a worker",
	})
	reg.MustRegister(m.TasksPlaying)

	m.ComboWaiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parkwatch_tasks_waiting_permits",
		Help: "Tasks blocked on a concurrency permit",
	})
	reg.MustRegister(m.ComboWaiting)

	m.ChangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parkwatch_changes_total",
		Help: "Change records written, by change_type",
	}, []string{"change_type"})
	reg.MustRegister(m.ChangesTotal)

	m.ChangeJobDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parkwatch_change_queue_depth",
		Help: "Pending change-inference jobs",
	})
	reg.MustRegister(m.ChangeJobDepth)

	m.HLSChildren = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parkwatch_hls_children",
		Help: "Live transcoder child processes",
	})
	reg.MustRegister(m.HLSChildren)

	m.HLSSpawnsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parkwatch_hls_spawns_total",
		Help: "Transcoder spawn attempts, by outcome",
	}, []string{"outcome"})
	reg.MustRegister(m.HLSSpawnsTotal)

	m.RuleFiresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parkwatch_rule_fires_total",
		Help: "Auto-rule trigger executions, by outcome",
	}, []string{"outcome"})
	reg.MustRegister(m.RuleFiresTotal)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
