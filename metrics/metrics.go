// Package metrics exposes job engine activity as Prometheus metrics.
//
// A Collector is a jobserver filter. Register it globally so that it sees
// every job:
//
//	c := metrics.NewCollector(prometheus.DefaultRegisterer)
//	engine.Filters().Add(c, metrics.FilterOrder)
//
// Metrics:
//
//	jobserver_jobs_created_total{queue}            jobs created by clients
//	jobserver_state_transitions_total{state}       states applied to jobs
//	jobserver_jobs_performed_total{type,outcome}   performances by outcome
//	jobserver_job_duration_seconds{type}           performance duration
//	jobserver_jobs_in_flight                       jobs being performed
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/UniQw/jobserver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FilterOrder places the collector outside of the default filters so that
// the measured duration includes them.
const FilterOrder = -100

// Performance outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
)

const startedAtItem = "metrics.startedAt"

// Collector records job metrics.
type Collector struct {
	jobsCreated   *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	jobsPerformed *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobsInFlight  prometheus.Gauge
}

// NewCollector creates a collector and registers its metrics with reg.
// A nil reg leaves the metrics unregistered.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobserver_jobs_created_total",
			Help: "Total number of jobs created by clients",
		}, []string{"queue"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobserver_state_transitions_total",
			Help: "Total number of states applied to jobs",
		}, []string{"state"}),
		jobsPerformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobserver_jobs_performed_total",
			Help: "Total number of job performances by outcome",
		}, []string{"type", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobserver_job_duration_seconds",
			Help:    "Job performance duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobserver_jobs_in_flight",
			Help: "Current number of jobs being performed",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.jobsCreated, c.transitions, c.jobsPerformed, c.jobDuration, c.jobsInFlight)
	}
	return c
}

func (c *Collector) OnCreating(context.Context, *jobserver.CreatingContext) error { return nil }

func (c *Collector) OnCreated(_ context.Context, cc *jobserver.CreatedContext) error {
	if cc.Canceled || cc.Err != nil || cc.BackgroundJob == nil {
		return nil
	}
	queue := cc.Job.Queue
	if es, ok := cc.InitialState.(*jobserver.EnqueuedState); ok && es.Queue != "" {
		queue = es.Queue
	}
	if queue == "" {
		queue = jobserver.DefaultQueue
	}
	c.jobsCreated.WithLabelValues(queue).Inc()
	return nil
}

func (c *Collector) OnStateApplied(_ context.Context, ac *jobserver.ApplyStateContext) error {
	c.transitions.WithLabelValues(ac.NewState.Name()).Inc()
	return nil
}

func (c *Collector) OnStateUnapplied(context.Context, *jobserver.ApplyStateContext) error { return nil }

func (c *Collector) OnPerforming(_ context.Context, pc *jobserver.PerformingContext) error {
	pc.Items[startedAtItem] = time.Now()
	c.jobsInFlight.Inc()
	return nil
}

func (c *Collector) OnPerformed(_ context.Context, pc *jobserver.PerformedContext) error {
	c.jobsInFlight.Dec()
	typ := pc.BackgroundJob.Job.Type
	if start, ok := pc.Items[startedAtItem].(time.Time); ok {
		c.jobDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
	}
	c.jobsPerformed.WithLabelValues(typ, outcome(pc)).Inc()
	return nil
}

func outcome(pc *jobserver.PerformedContext) string {
	switch {
	case pc.Canceled:
		return OutcomeCanceled
	case pc.Err != nil && !pc.ExceptionHandled:
		if errors.Is(pc.Err, jobserver.ErrJobAborted) {
			return OutcomeCanceled
		}
		return OutcomeFailed
	default:
		return OutcomeSucceeded
	}
}

// Handler returns the HTTP handler serving the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
