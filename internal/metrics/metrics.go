// -----------------------------------------------------------------------
// Metrics Collector - Prometheus instrumentation for the job pipeline
// -----------------------------------------------------------------------

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every Prometheus metric the service emits. Construct
// one at startup and pass it to the components that record into it.
type Collector struct {
	jobsSubmitted prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsCancelled prometheus.Counter
	jobsRetried   prometheus.Counter

	jobsRunning prometheus.Gauge
	queueDepth  prometheus.Gauge

	jobDuration   *prometheus.HistogramVec
	fetchDuration *prometheus.HistogramVec
	fetchErrors   *prometheus.CounterVec

	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	cacheHitRatio *prometheus.GaugeVec

	remoteConnsCreated prometheus.Counter
	remoteConnsClosed  prometheus.Counter
	remotePoolSize     prometheus.Gauge
	remoteOpDuration   *prometheus.HistogramVec
	remoteOpErrors     *prometheus.CounterVec

	callbacks *prometheus.CounterVec
}

// NewCollector builds and registers all metrics. A nil registerer
// falls back to the Prometheus default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "colligo",
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs accepted for execution",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "colligo",
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs that reached COMPLETED",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "colligo",
			Name:      "jobs_failed_total",
			Help:      "Total number of jobs that reached FAILED",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "colligo",
			Name:      "jobs_cancelled_total",
			Help:      "Total number of jobs that reached CANCELLED",
		}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "colligo",
			Name:      "jobs_retried_total",
			Help:      "Total number of retry re-enqueues",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "colligo",
			Name:      "jobs_running",
			Help:      "Number of jobs currently in RUNNING state",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "colligo",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of entries in the priority queue",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "colligo",
			Subsystem: "job",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration from claim to terminal status by scraper variant",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"variant"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "colligo",
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of fetch attempts by scraper variant and outcome",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"variant", "outcome"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "colligo",
			Subsystem: "fetch",
			Name:      "errors_total",
			Help:      "Total fetch failures by error kind",
		}, []string{"kind"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "colligo",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache hits by tier and key prefix",
		}, []string{"tier", "prefix"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "colligo",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache misses by tier and key prefix",
		}, []string{"tier", "prefix"}),
		cacheHitRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "colligo",
			Subsystem: "cache",
			Name:      "hit_ratio",
			Help:      "Hit ratio by tier and key prefix, recomputed periodically",
		}, []string{"tier", "prefix"}),
		remoteConnsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "colligo",
			Subsystem: "remote_cache",
			Name:      "connections_created_total",
			Help:      "Connections opened against the remote cache",
		}),
		remoteConnsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "colligo",
			Subsystem: "remote_cache",
			Name:      "connections_closed_total",
			Help:      "Connections closed against the remote cache",
		}),
		remotePoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "colligo",
			Subsystem: "remote_cache",
			Name:      "pool_size",
			Help:      "Current remote cache connection pool size",
		}),
		remoteOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "colligo",
			Subsystem: "remote_cache",
			Name:      "op_duration_seconds",
			Help:      "Latency of remote cache operations by kind",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"}),
		remoteOpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "colligo",
			Subsystem: "remote_cache",
			Name:      "errors_total",
			Help:      "Remote cache operation failures by kind",
		}, []string{"op"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "colligo",
			Name:      "callbacks_total",
			Help:      "Callback delivery attempts by outcome",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsCancelled,
		c.jobsRetried,
		c.jobsRunning,
		c.queueDepth,
		c.jobDuration,
		c.fetchDuration,
		c.fetchErrors,
		c.cacheHits,
		c.cacheMisses,
		c.cacheHitRatio,
		c.remoteConnsCreated,
		c.remoteConnsClosed,
		c.remotePoolSize,
		c.remoteOpDuration,
		c.remoteOpErrors,
		c.callbacks,
	)

	return c
}

// JobSubmitted records an accepted submission.
func (c *Collector) JobSubmitted() {
	c.jobsSubmitted.Inc()
}

// JobCompleted records a job reaching COMPLETED.
func (c *Collector) JobCompleted() {
	c.jobsCompleted.Inc()
}

// JobFailed records a job reaching FAILED.
func (c *Collector) JobFailed() {
	c.jobsFailed.Inc()
}

// JobCancelled records a job reaching CANCELLED.
func (c *Collector) JobCancelled() {
	c.jobsCancelled.Inc()
}

// JobRetried records a retry re-enqueue.
func (c *Collector) JobRetried() {
	c.jobsRetried.Inc()
}

// RunningInc marks one more job in RUNNING state.
func (c *Collector) RunningInc() {
	c.jobsRunning.Inc()
}

// RunningDec marks one less job in RUNNING state.
func (c *Collector) RunningDec() {
	c.jobsRunning.Dec()
}

// SetQueueDepth reports the current queue depth.
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// ObserveJob records the claim-to-terminal duration of one job.
func (c *Collector) ObserveJob(variant string, seconds float64) {
	c.jobDuration.WithLabelValues(variant).Observe(seconds)
}

// ObserveFetch records one fetch attempt's duration.
func (c *Collector) ObserveFetch(variant string, ok bool, seconds float64) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	c.fetchDuration.WithLabelValues(variant, outcome).Observe(seconds)
}

// FetchError counts a classified fetch failure.
func (c *Collector) FetchError(kind string) {
	c.fetchErrors.WithLabelValues(kind).Inc()
}

// CacheHit counts a hit on the given tier.
func (c *Collector) CacheHit(tier, prefix string) {
	c.cacheHits.WithLabelValues(tier, prefix).Inc()
}

// CacheMiss counts a miss on the given tier.
func (c *Collector) CacheMiss(tier, prefix string) {
	c.cacheMisses.WithLabelValues(tier, prefix).Inc()
}

// SetCacheHitRatio publishes a recomputed hit ratio.
func (c *Collector) SetCacheHitRatio(tier, prefix string, ratio float64) {
	c.cacheHitRatio.WithLabelValues(tier, prefix).Set(ratio)
}

// RemoteConnCreated counts a new remote cache connection.
func (c *Collector) RemoteConnCreated() {
	c.remoteConnsCreated.Inc()
}

// RemoteConnClosed counts a closed remote cache connection.
func (c *Collector) RemoteConnClosed() {
	c.remoteConnsClosed.Inc()
}

// SetRemotePoolSize reports the remote cache pool gauge.
func (c *Collector) SetRemotePoolSize(size int) {
	c.remotePoolSize.Set(float64(size))
}

// ObserveRemoteOp records one remote cache operation's latency.
func (c *Collector) ObserveRemoteOp(op string, seconds float64) {
	c.remoteOpDuration.WithLabelValues(op).Observe(seconds)
}

// RemoteOpError counts a failed remote cache operation.
func (c *Collector) RemoteOpError(op string) {
	c.remoteOpErrors.WithLabelValues(op).Inc()
}

// CallbackDelivered counts a callback attempt by outcome.
func (c *Collector) CallbackDelivered(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	c.callbacks.WithLabelValues(outcome).Inc()
}

// Handler exposes the registry in Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
