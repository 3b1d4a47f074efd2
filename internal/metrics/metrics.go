package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CallStatsProvider exposes the live Call population this process is
// currently driving, queried at scrape time rather than pushed on every
// state change, the same pull-collector shape the teacher used for
// flowpbx_active_calls.
type CallStatsProvider interface {
	ActiveCallCount() int
	ActiveForkBranchCount() int
}

// Collector is a prometheus.Collector for the forking engine. Every
// metric is a scrape-time snapshot (Collect queries CallStats) except the
// counters, which the engine increments as events occur and this
// Collector simply reports, grounded on
// flowpbx-flowpbx/internal/metrics/metrics.go's Collector shape.
type Collector struct {
	stats     CallStatsProvider
	startTime time.Time

	forksTotal     *prometheus.CounterVec
	timersFired    *prometheus.CounterVec
	authRetries    prometheus.Counter
	loopDetections prometheus.Counter
	tooManyHops    prometheus.Counter

	activeCallsDesc  *prometheus.Desc
	activeBranchDesc *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a metrics collector. stats may be nil if the
// engine has not yet started accepting calls.
func NewCollector(stats CallStatsProvider, startTime time.Time) *Collector {
	return &Collector{
		stats:     stats,
		startTime: startTime,

		forksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forkcore_fork_outcomes_total",
			Help: "Fork outcomes by result (answered, declined, failed, cancelled).",
		}, []string{"outcome"}),

		timersFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forkcore_timers_fired_total",
			Help: "Proxy-layer timers that fired, by kind.",
		}, []string{"kind"}),

		authRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forkcore_auth_retries_total",
			Help: "Outbound requests resent with credentials after a 401/407 challenge.",
		}),

		loopDetections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forkcore_loop_detections_total",
			Help: "Requests rejected with 482 Loop Detected.",
		}),

		tooManyHops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forkcore_too_many_hops_total",
			Help: "Requests rejected with 483 Too Many Hops.",
		}),

		activeCallsDesc: prometheus.NewDesc(
			"forkcore_active_calls",
			"Number of Call actors currently in flight.",
			nil, nil,
		),
		activeBranchDesc: prometheus.NewDesc(
			"forkcore_active_fork_branches",
			"Number of UAC branches in the current parallel group of every active call, finished branches included.",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"forkcore_uptime_seconds",
			"Seconds since the process started.",
			nil, nil,
		),
	}
}

// ForkOutcome increments the outcome counter for a completed fork
// (answered, declined, failed or cancelled); called by a ForkController,
// once, when it reaches a terminal disposition.
func (c *Collector) ForkOutcome(outcome string) {
	c.forksTotal.WithLabelValues(outcome).Inc()
}

// TimerFired increments the per-kind timer counter; called from the
// TimerService's fire callback.
func (c *Collector) TimerFired(kind string) {
	c.timersFired.WithLabelValues(kind).Inc()
}

func (c *Collector) AuthRetried()  { c.authRetries.Inc() }
func (c *Collector) LoopDetected() { c.loopDetections.Inc() }
func (c *Collector) TooManyHops()  { c.tooManyHops.Inc() }

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.forksTotal.Describe(ch)
	c.timersFired.Describe(ch)
	ch <- c.authRetries.Desc()
	ch <- c.loopDetections.Desc()
	ch <- c.tooManyHops.Desc()
	ch <- c.activeCallsDesc
	ch <- c.activeBranchDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.forksTotal.Collect(ch)
	c.timersFired.Collect(ch)
	ch <- c.authRetries
	ch <- c.loopDetections
	ch <- c.tooManyHops

	if c.stats != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.stats.ActiveCallCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.activeBranchDesc, prometheus.GaugeValue,
			float64(c.stats.ActiveForkBranchCount()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
