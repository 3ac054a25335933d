package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3leaps/slotbatch/pkg/job"
	"github.com/3leaps/slotbatch/pkg/orchestrator"
	"github.com/3leaps/slotbatch/pkg/resultstore"
)

const namespace = "slotbatch"

// Metrics counts job outcomes per slot. It implements slot.Observer so it
// can be chained behind the orchestrator's event observer.
type Metrics struct {
	Registry *prometheus.Registry

	jobsTotal    *prometheus.CounterVec
	jobSeconds   *prometheus.HistogramVec
	jobProcess   prometheus.Histogram
	running      *prometheus.GaugeVec
	queueDepth   *prometheus.GaugeVec
	runsTotal    *prometheus.CounterVec
	lastRunEnded prometheus.Gauge
}

// NewMetrics registers the run collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		jobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs finished, by slot and outcome.",
		}, []string{"slot", "outcome"}),
		jobSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_execution_seconds",
			Help:      "Execution time per job from its start marker.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"group"}),
		jobProcess: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_process_seconds",
			Help:      "Wall time per job including isolation and collection.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		running: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slot_running",
			Help:      "1 while the slot has a job in flight.",
		}, []string{"slot"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slot_queue_depth",
			Help:      "Jobs waiting in the slot's queue.",
		}, []string{"slot"}),
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs finished, by final state.",
		}, []string{"state"}),
		lastRunEnded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_end_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
	}
}

// SetQueued records the planned queue length of a slot.
func (m *Metrics) SetQueued(slot, n int) {
	m.queueDepth.WithLabelValues(strconv.Itoa(slot)).Set(float64(n))
}

func (m *Metrics) JobStarted(slot int, _ job.Job) {
	s := strconv.Itoa(slot)
	m.running.WithLabelValues(s).Set(1)
	m.queueDepth.WithLabelValues(s).Dec()
}

func (m *Metrics) JobFinished(slot int, j job.Job, res *resultstore.Result, elapsed time.Duration) {
	s := strconv.Itoa(slot)
	m.running.WithLabelValues(s).Set(0)
	m.jobsTotal.WithLabelValues(s, orchestrator.Outcome(res)).Inc()
	if res.ExecutionTime != nil {
		m.jobSeconds.WithLabelValues(j.Group).Observe(*res.ExecutionTime)
	}
	m.jobProcess.Observe(elapsed.Seconds())
}

// RunFinished records the run's terminal state.
func (m *Metrics) RunFinished(state string) {
	m.runsTotal.WithLabelValues(state).Inc()
	m.lastRunEnded.SetToCurrentTime()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
