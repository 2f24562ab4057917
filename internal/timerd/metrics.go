package timerd

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/strand"
)

var (
	timersScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "timerd_timers_scheduled_total",
		Help: "Total number of timers accepted for scheduling.",
	})

	timersFired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "timerd_timers_fired_total",
		Help: "Total number of timers that fired.",
	})

	timersCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "timerd_timers_cancelled_total",
		Help: "Total number of timers cancelled before firing.",
	})
)

func init() {
	prometheus.MustRegister(timersScheduled)
	prometheus.MustRegister(timersFired)
	prometheus.MustRegister(timersCancelled)
}

// queueCollector exports the engine queue's counters on scrape, reading the
// queue's own bookkeeping instead of duplicating it.
type queueCollector struct {
	stats func() strand.QueueStats

	enqueued    *prometheus.Desc
	executed    *prometheus.Desc
	scheduled   *prometheus.Desc
	cancelled   *prometheus.Desc
	expedited   *prometheus.Desc
	outstanding *prometheus.Desc
}

// NewQueueCollector returns a prometheus collector exporting the engine's
// queue counters. Register it once per process; the default registry rejects
// duplicate registrations.
func NewQueueCollector(e *Engine) prometheus.Collector {
	return &queueCollector{
		stats: e.QueueStats,
		enqueued: prometheus.NewDesc(
			"strand_queue_enqueued_total",
			"Tasks accepted by the queue.", nil, nil),
		executed: prometheus.NewDesc(
			"strand_queue_executed_total",
			"Task bodies that ran to completion.", nil, nil),
		scheduled: prometheus.NewDesc(
			"strand_queue_delayed_scheduled_total",
			"Delayed operations created.", nil, nil),
		cancelled: prometheus.NewDesc(
			"strand_queue_delayed_cancelled_total",
			"Delayed operations settled by cancellation.", nil, nil),
		expedited: prometheus.NewDesc(
			"strand_queue_delayed_expedited_total",
			"Delayed operations force-run ahead of their fire time.", nil, nil),
		outstanding: prometheus.NewDesc(
			"strand_queue_outstanding_delayed",
			"Delayed operations scheduled and not yet settled.", nil, nil),
	}
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.enqueued
	ch <- c.executed
	ch <- c.scheduled
	ch <- c.cancelled
	ch <- c.expedited
	ch <- c.outstanding
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.enqueued, prometheus.CounterValue, float64(s.Enqueued))
	ch <- prometheus.MustNewConstMetric(c.executed, prometheus.CounterValue, float64(s.Executed))
	ch <- prometheus.MustNewConstMetric(c.scheduled, prometheus.CounterValue, float64(s.Scheduled))
	ch <- prometheus.MustNewConstMetric(c.cancelled, prometheus.CounterValue, float64(s.Cancelled))
	ch <- prometheus.MustNewConstMetric(c.expedited, prometheus.CounterValue, float64(s.Expedited))
	ch <- prometheus.MustNewConstMetric(c.outstanding, prometheus.GaugeValue, float64(s.OutstandingDelayed))
}
