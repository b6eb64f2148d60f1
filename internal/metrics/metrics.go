// Package metrics exposes scheduler and worker activity to Prometheus.
package metrics

import (
	"context"
	"net/http"

	"correctord/internal/eventbus"
	"correctord/internal/scheduler"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg prometheus.Gatherer

	jobsSubmitted  prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	tasks          *prometheus.CounterVec
	leaseContended prometheus.Counter
	taskLatency    prometheus.Histogram
	suggestions    *prometheus.CounterVec
}

// NewCollector registers the task counters and, when snap is non-nil, gauges
// reading the scheduler's current load.
func NewCollector(reg *prometheus.Registry, snap func() scheduler.Snapshot) *Collector {
	c := &Collector{
		reg: reg,
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "correctord_jobs_submitted_total",
			Help: "Jobs accepted by submit.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "correctord_jobs_finished_total",
			Help: "Jobs that reached a terminal status.",
		}, []string{"status"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "correctord_tasks_total",
			Help: "Document task transitions.",
		}, []string{"event"}),
		leaseContended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "correctord_lease_contended_total",
			Help: "Dispatched tasks skipped because another worker held the lease.",
		}),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "correctord_task_duration_seconds",
			Help:    "Time from task start to completion or failure.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		suggestions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "correctord_suggestions_total",
			Help: "Suggestions recorded, by source.",
		}, []string{"source"}),
	}
	reg.MustRegister(c.jobsSubmitted, c.jobsFinished, c.tasks, c.leaseContended, c.taskLatency, c.suggestions)

	if snap != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "correctord_scheduler_active_tasks",
				Help: "Tasks dispatched and not yet finished.",
			}, func() float64 { return float64(snap().ActiveTotal) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "correctord_scheduler_queued_tasks",
				Help: "Tasks waiting in per-user queues.",
			}, func() float64 { return float64(snap().QueuedTotal) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "correctord_scheduler_max_workers",
				Help: "System-wide concurrency ceiling.",
			}, func() float64 { return float64(snap().SystemMaxWorkers) }),
		)
	}
	return c
}

func (c *Collector) ObserveTaskDuration(seconds float64) { c.taskLatency.Observe(seconds) }

func (c *Collector) RecordSuggestions(source string, n int) {
	if n > 0 {
		c.suggestions.WithLabelValues(source).Add(float64(n))
	}
}

// Record maps one lifecycle event onto the counters.
func (c *Collector) Record(e eventbus.Event) {
	switch e.Type {
	case eventbus.JobSubmitted:
		c.jobsSubmitted.Inc()
	case eventbus.JobCompleted:
		c.jobsFinished.WithLabelValues("completed").Inc()
	case eventbus.JobFailed:
		c.jobsFinished.WithLabelValues("failed").Inc()
	case eventbus.TaskLeaseContended:
		c.leaseContended.Inc()
	case eventbus.TaskDispatched:
		c.tasks.WithLabelValues("dispatched").Inc()
	case eventbus.TaskStarted:
		c.tasks.WithLabelValues("started").Inc()
	case eventbus.TaskCompleted:
		c.tasks.WithLabelValues("completed").Inc()
		c.RecordSuggestions(e.Data.Source, e.Data.Count)
	case eventbus.TaskFailed:
		c.tasks.WithLabelValues("failed").Inc()
	}
}

// Consume records events from bus until ctx is done.
func (c *Collector) Consume(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.Record(e)
		}
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}
