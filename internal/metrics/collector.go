// Package metrics adapts the Prometheus collector idiom the teacher
// uses for BFD session/packet counters to nsld's request-dispatch and
// directory-session domain: requests per opcode, search/bind
// latencies, per-URI failure counts, and worker session state.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "nsld"
	subsystem = "directory"
)

// Label names.
const (
	labelOpcode = "opcode"
	labelResult = "result"
	labelOp     = "op"
	labelURI    = "uri"
)

// Collector holds every Prometheus metric nsld exposes.
//
//   - Requests counts dispatched requests per opcode and result.
//   - OperationLatency records bind/search latency histograms.
//   - URIFailures counts failed connection attempts per configured URI.
//   - SessionsOpen tracks the number of worker sessions currently
//     holding a live LDAP connection.
//   - InvalidationPasses counts cache-invalidation passes run by the
//     invalidator, labeled by outcome.
type Collector struct {
	Requests           *prometheus.CounterVec
	OperationLatency   *prometheus.HistogramVec
	URIFailures        *prometheus.CounterVec
	SessionsOpen       prometheus.Gauge
	InvalidationPasses *prometheus.CounterVec
}

// NewCollector creates a Collector with every metric registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Requests,
		c.OperationLatency,
		c.URIFailures,
		c.SessionsOpen,
		c.InvalidationPasses,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Total requests dispatched, by opcode and result.",
		}, []string{labelOpcode, labelResult}),

		OperationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operation_latency_seconds",
			Help:      "Latency of directory operations (bind, search) against the remote LDAP server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{labelOp}),

		URIFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "uri_failures_total",
			Help:      "Total connection/bind failures per configured directory URI.",
		}, []string{labelURI}),

		SessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_open",
			Help:      "Number of worker sessions currently holding a live LDAP connection.",
		}),

		InvalidationPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "invalidation_passes_total",
			Help:      "Total cache-invalidation passes run by the invalidator, by outcome.",
		}, []string{labelResult}),
	}
}

// IncRequest increments the request counter for opcode and result
// (e.g. "ok", "unavail", "notfound").
func (c *Collector) IncRequest(opcode, result string) {
	c.Requests.WithLabelValues(opcode, result).Inc()
}

// ObserveOperationLatency records how long a directory operation
// (e.g. "bind", "search") took.
func (c *Collector) ObserveOperationLatency(op string, d time.Duration) {
	c.OperationLatency.WithLabelValues(op).Observe(d.Seconds())
}

// IncURIFailure increments the failure counter for a configured URI.
func (c *Collector) IncURIFailure(uri string) {
	c.URIFailures.WithLabelValues(uri).Inc()
}

// SessionOpened increments the open-sessions gauge.
func (c *Collector) SessionOpened() {
	c.SessionsOpen.Inc()
}

// SessionClosed decrements the open-sessions gauge.
func (c *Collector) SessionClosed() {
	c.SessionsOpen.Dec()
}

// IncInvalidationPass increments the invalidation-pass counter for the
// given outcome ("ok" or "error").
func (c *Collector) IncInvalidationPass(result string) {
	c.InvalidationPasses.WithLabelValues(result).Inc()
}
