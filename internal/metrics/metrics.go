package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for pgmux.
type Collector struct {
	Registry *prometheus.Registry

	requestsTotal  *prometheus.CounterVec
	bytesSent      *prometheus.CounterVec
	bytesReceived  *prometheus.CounterVec
	sessionsActive *prometheus.GaugeVec
	queryDuration  *prometheus.HistogramVec

	poolSize    *prometheus.GaugeVec
	poolInUse   *prometheus.GaugeVec
	poolWaiters *prometheus.GaugeVec
	poolBans    *prometheus.CounterVec

	acquireDuration *prometheus.HistogramVec
	errorsTotal     *prometheus.CounterVec

	shardDispatch  *prometheus.CounterVec
	twoPhaseTotal  *prometheus.CounterVec
	copyRowsTotal  *prometheus.CounterVec
	cancelRequests prometheus.Counter
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times — each call creates an independent registry
// that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgmux_requests_total",
				Help: "Client requests relayed per database",
			},
			[]string{"database"},
		),
		bytesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgmux_bytes_sent_total",
				Help: "Bytes sent to clients per database",
			},
			[]string{"database"},
		),
		bytesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgmux_bytes_received_total",
				Help: "Bytes received from clients per database",
			},
			[]string{"database"},
		),
		sessionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgmux_sessions_active",
				Help: "Connected client sessions per database",
			},
			[]string{"database"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgmux_query_duration_seconds",
				Help:    "Duration of relayed requests in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"database"},
		),
		poolSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgmux_pool_connections",
				Help: "Open server connections per pool",
			},
			[]string{"database", "shard", "role"},
		),
		poolInUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgmux_pool_in_use",
				Help: "Leased server connections per pool",
			},
			[]string{"database", "shard", "role"},
		),
		poolWaiters: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgmux_pool_waiters",
				Help: "Sessions waiting for a server connection per pool",
			},
			[]string{"database", "shard", "role"},
		),
		poolBans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgmux_pool_bans_total",
				Help: "Pool bans by reason",
			},
			[]string{"database", "shard", "role", "reason"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgmux_acquire_duration_seconds",
				Help:    "Time waiting for pool lease acquisition",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"database"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgmux_errors_total",
				Help: "Errors surfaced, by taxonomy kind",
			},
			[]string{"kind"},
		),
		shardDispatch: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgmux_shard_dispatch_total",
				Help: "Statements dispatched per shard",
			},
			[]string{"database", "shard"},
		),
		twoPhaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgmux_two_phase_commits_total",
				Help: "Two-phase commit outcomes",
			},
			[]string{"outcome"},
		),
		copyRowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgmux_copy_rows_total",
				Help: "COPY rows split per shard",
			},
			[]string{"database", "shard"},
		),
		cancelRequests: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pgmux_cancel_requests_total",
				Help: "Cancel requests received from clients",
			},
		),
	}

	reg.MustRegister(
		c.requestsTotal,
		c.bytesSent,
		c.bytesReceived,
		c.sessionsActive,
		c.queryDuration,
		c.poolSize,
		c.poolInUse,
		c.poolWaiters,
		c.poolBans,
		c.acquireDuration,
		c.errorsTotal,
		c.shardDispatch,
		c.twoPhaseTotal,
		c.copyRowsTotal,
		c.cancelRequests,
	)

	return c
}

// Request counts one relayed client request.
func (c *Collector) Request(database string) {
	c.requestsTotal.WithLabelValues(database).Inc()
}

// Traffic accumulates relay byte counts.
func (c *Collector) Traffic(database string, sent, received int) {
	if sent > 0 {
		c.bytesSent.WithLabelValues(database).Add(float64(sent))
	}
	if received > 0 {
		c.bytesReceived.WithLabelValues(database).Add(float64(received))
	}
}

// SessionOpened increments the active session gauge.
func (c *Collector) SessionOpened(database string) {
	c.sessionsActive.WithLabelValues(database).Inc()
}

// SessionClosed decrements the active session gauge.
func (c *Collector) SessionClosed(database string) {
	c.sessionsActive.WithLabelValues(database).Dec()
}

// QueryDuration observes one request round duration.
func (c *Collector) QueryDuration(database string, d time.Duration) {
	c.queryDuration.WithLabelValues(database).Observe(d.Seconds())
}

// UpdatePoolStats updates the pool gauges.
func (c *Collector) UpdatePoolStats(database string, shard int, role string, open, inUse, waiters int) {
	s := strconv.Itoa(shard)
	c.poolSize.WithLabelValues(database, s, role).Set(float64(open))
	c.poolInUse.WithLabelValues(database, s, role).Set(float64(inUse))
	c.poolWaiters.WithLabelValues(database, s, role).Set(float64(waiters))
}

// PoolBanned counts a ban event.
func (c *Collector) PoolBanned(database string, shard int, role, reason string) {
	c.poolBans.WithLabelValues(database, strconv.Itoa(shard), role, reason).Inc()
}

// AcquireDuration observes time spent waiting for a lease.
func (c *Collector) AcquireDuration(database string, d time.Duration) {
	c.acquireDuration.WithLabelValues(database).Observe(d.Seconds())
}

// Error counts a surfaced error by taxonomy kind.
func (c *Collector) Error(kind string) {
	c.errorsTotal.WithLabelValues(kind).Inc()
}

// ShardDispatch counts a statement sent to one shard.
func (c *Collector) ShardDispatch(database string, shard int) {
	c.shardDispatch.WithLabelValues(database, strconv.Itoa(shard)).Inc()
}

// TwoPhase counts a two-phase commit outcome (committed, rolled_back,
// commit_failed, recovered_commit, recovered_rollback).
func (c *Collector) TwoPhase(outcome string) {
	c.twoPhaseTotal.WithLabelValues(outcome).Inc()
}

// CopyRows counts COPY rows forwarded to a shard.
func (c *Collector) CopyRows(database string, shard, n int) {
	c.copyRowsTotal.WithLabelValues(database, strconv.Itoa(shard)).Add(float64(n))
}

// CancelRequest counts a client cancel request.
func (c *Collector) CancelRequest() {
	c.cancelRequests.Inc()
}
