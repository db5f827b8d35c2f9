// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpclistener

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/juju/eventstream/rpc"
)

const metricsNamespace = "eventstream"

// Collector is a prometheus.Collector that collects metrics about the
// connections served by the listener. It is the rpc.Observer of every
// connection.
type Collector struct {
	connectionCount   prometheus.Gauge
	connectionErrors  prometheus.Counter
	handshakes        *prometheus.CounterVec
	continuationCount *prometheus.GaugeVec
	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		connectionCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "connection_count",
				Help:      "The number of open connections.",
			},
		),
		connectionErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "connection_errors_total",
				Help:      "The number of connections closed by an error.",
			},
		),
		handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "handshakes_total",
				Help:      "The number of completed handshakes by result.",
			}, []string{"result"},
		),
		continuationCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "continuation_count",
				Help:      "The number of open continuations by operation.",
			}, []string{"operation"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "The number of requests served by operation and outcome.",
			}, []string{"operation", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "request_duration_seconds",
				Help:      "The time taken to respond to a request.",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
			}, []string{"operation"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.connectionCount.Describe(ch)
	c.connectionErrors.Describe(ch)
	c.handshakes.Describe(ch)
	c.continuationCount.Describe(ch)
	c.requests.Describe(ch)
	c.requestDuration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.connectionCount.Collect(ch)
	c.connectionErrors.Collect(ch)
	c.handshakes.Collect(ch)
	c.continuationCount.Collect(ch)
	c.requests.Collect(ch)
	c.requestDuration.Collect(ch)
}

// connectionOpened is called by the worker for every accepted transport.
func (c *Collector) connectionOpened() {
	c.connectionCount.Inc()
}

// HandshakeCompleted is part of the rpc.Observer interface.
func (c *Collector) HandshakeCompleted(accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	c.handshakes.WithLabelValues(result).Inc()
}

// ContinuationOpened is part of the rpc.Observer interface.
func (c *Collector) ContinuationOpened(operation string) {
	c.continuationCount.WithLabelValues(operation).Inc()
}

// ContinuationClosed is part of the rpc.Observer interface.
func (c *Collector) ContinuationClosed(operation string) {
	c.continuationCount.WithLabelValues(operation).Dec()
}

// RequestServed is part of the rpc.Observer interface.
func (c *Collector) RequestServed(operation string, outcome rpc.Outcome, duration time.Duration) {
	c.requests.WithLabelValues(operation, string(outcome)).Inc()
	c.requestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ConnectionClosed is part of the rpc.Observer interface.
func (c *Collector) ConnectionClosed(err error) {
	c.connectionCount.Dec()
	if err != nil {
		c.connectionErrors.Inc()
	}
}

var _ rpc.Observer = (*Collector)(nil)
