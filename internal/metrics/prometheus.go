package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bobarin/dealreel/internal/models"
)

const (
	renderSubsystem = "render"

	jobsTotal     = "jobs_total"
	jobDuration   = "job_duration_seconds"
	stageDuration = "stage_duration_seconds"
	alertsTotal   = "alerts_total"
	queueDepth    = "queue_depth"

	// Labels
	statusLabel    = "status"
	stageLabel     = "stage"
	alertTypeLabel = "type"
)

// Collector exposes finished-job metrics and alerts to Prometheus.
type Collector struct {
	jobs          *prometheus.CounterVec
	jobDuration   prometheus.Histogram
	stageDuration *prometheus.HistogramVec
	alerts        *prometheus.CounterVec
	queueDepth    prometheus.Gauge
}

// NewCollector builds the render collectors and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: renderSubsystem,
				Name:      jobsTotal,
				Help:      "number of render jobs that reached a terminal state",
			},
			[]string{statusLabel},
		),
		jobDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Subsystem: renderSubsystem,
				Name:      jobDuration,
				Help:      "wall time of a render job from start to terminal state",
				Buckets:   []float64{15, 30, 60, 120, 300, 600, 1200},
			},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: renderSubsystem,
				Name:      stageDuration,
				Help:      "wall time of each render stage",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{stageLabel},
		),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: renderSubsystem,
				Name:      alertsTotal,
				Help:      "number of performance alerts raised",
			},
			[]string{alertTypeLabel},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Subsystem: renderSubsystem,
				Name:      queueDepth,
				Help:      "number of render jobs waiting in the queue",
			},
		),
	}

	reg.MustRegister(c.jobs, c.jobDuration, c.stageDuration, c.alerts, c.queueDepth)
	return c
}

// ObserveJob records a finished job's totals and per-stage durations.
func (c *Collector) ObserveJob(status models.JobStatus, m VideoMetrics) {
	c.jobs.With(prometheus.Labels{statusLabel: string(status)}).Inc()

	if m.DurationMs != nil {
		c.jobDuration.Observe(float64(*m.DurationMs) / 1000)
	}
	for _, stage := range models.Stages {
		if ms := m.Stages.durationMs(stage); ms > 0 {
			c.stageDuration.With(prometheus.Labels{stageLabel: string(stage)}).Observe(float64(ms) / 1000)
		}
	}
}

func (c *Collector) ObserveAlert(a Alert) {
	c.alerts.With(prometheus.Labels{alertTypeLabel: string(a.Type)}).Inc()
}

func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}
