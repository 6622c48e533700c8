// Package metrics exposes Prometheus counters for provider requests and the
// gateway connection, plus an in-process snapshot of the same numbers.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector records request and connection metrics. A nil *Collector is a
// valid no-op.
type Collector struct {
	requests  prometheus.Counter
	successes prometheus.Counter
	failures  prometheus.Counter
	bars      prometheus.Counter
	retries   prometheus.Counter

	connAttempts  prometheus.Counter
	connFailures  prometheus.Counter
	connected     prometheus.Gauge
	operations    *prometheus.CounterVec
	healthFailure prometheus.Counter

	nRequests, nSuccesses, nFailures, nBars, nRetries atomic.Int64
}

// Snapshot is a point-in-time copy of the request counters.
type Snapshot struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Bars      int64 `json:"bars"`
	Retries   int64 `json:"retries"`
}

// New creates a Collector and registers it with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "histfill", Name: "provider_requests_total",
			Help: "Historical data requests sent to the provider.",
		}),
		successes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "histfill", Name: "provider_requests_succeeded_total",
			Help: "Historical data requests that returned data.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "histfill", Name: "provider_requests_failed_total",
			Help: "Historical data requests that failed after retries.",
		}),
		bars: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "histfill", Name: "bars_fetched_total",
			Help: "Bars received from the provider.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "histfill", Name: "provider_retries_total",
			Help: "Retried provider requests.",
		}),
		connAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "histfill", Subsystem: "gateway", Name: "connect_attempts_total",
			Help: "Gateway connection attempts.",
		}),
		connFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "histfill", Subsystem: "gateway", Name: "connect_failures_total",
			Help: "Failed gateway connection attempts.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "histfill", Subsystem: "gateway", Name: "connected",
			Help: "1 while a gateway session is live.",
		}),
		healthFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "histfill", Subsystem: "gateway", Name: "health_check_failures_total",
			Help: "Failed gateway health checks.",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "histfill", Name: "operations_total",
			Help: "Acquisition operations by terminal status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(c.requests, c.successes, c.failures, c.bars, c.retries,
			c.connAttempts, c.connFailures, c.connected, c.healthFailure, c.operations)
	}
	return c
}

func (c *Collector) RequestStarted() {
	if c == nil {
		return
	}
	c.requests.Inc()
	c.nRequests.Add(1)
}

func (c *Collector) RequestSucceeded(bars int) {
	if c == nil {
		return
	}
	c.successes.Inc()
	c.bars.Add(float64(bars))
	c.nSuccesses.Add(1)
	c.nBars.Add(int64(bars))
}

func (c *Collector) RequestFailed() {
	if c == nil {
		return
	}
	c.failures.Inc()
	c.nFailures.Add(1)
}

func (c *Collector) RequestRetried() {
	if c == nil {
		return
	}
	c.retries.Inc()
	c.nRetries.Add(1)
}

func (c *Collector) ConnectAttempt() {
	if c == nil {
		return
	}
	c.connAttempts.Inc()
}

func (c *Collector) ConnectFailed() {
	if c == nil {
		return
	}
	c.connFailures.Inc()
}

func (c *Collector) HealthCheckFailed() {
	if c == nil {
		return
	}
	c.healthFailure.Inc()
}

func (c *Collector) SetConnected(up bool) {
	if c == nil {
		return
	}
	if up {
		c.connected.Set(1)
	} else {
		c.connected.Set(0)
	}
}

// OperationFinished counts an operation reaching a terminal status.
func (c *Collector) OperationFinished(status string) {
	if c == nil {
		return
	}
	c.operations.WithLabelValues(status).Inc()
}

// Snapshot returns the request counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	return Snapshot{
		Requests:  c.nRequests.Load(),
		Successes: c.nSuccesses.Load(),
		Failures:  c.nFailures.Load(),
		Bars:      c.nBars.Load(),
		Retries:   c.nRetries.Load(),
	}
}
