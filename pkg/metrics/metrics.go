// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package metrics exposes Prometheus instrumentation for the token manager
// and the forwarding pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "oauth2_cc_proxy"

// Token exchange outcomes.
const (
	ExchangeSuccess  = "success"
	ExchangeRejected = "rejected"
	ExchangeFailed   = "failed"
)

// Collector owns a private registry so tests and multiple instances never
// collide on the global one. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	exchanges       *prometheus.CounterVec
	cacheHits       prometheus.Counter
	requests        *prometheus.CounterVec
	upstreamLatency prometheus.Histogram
}

// New creates a Collector and registers all metrics with a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		exchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_exchanges_total",
				Help:      "Client-credentials exchanges against the token endpoint by result.",
			},
			[]string{"result"},
		),
		cacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_cache_hits_total",
				Help:      "Token requests served from the cache without an exchange.",
			},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxied_requests_total",
				Help:      "Inbound requests by response status code.",
			},
			[]string{"code"},
		),
		upstreamLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_latency_seconds",
				Help:      "Time until upstream response headers arrive.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
	}

	c.registry.MustRegister(
		c.exchanges,
		c.cacheHits,
		c.requests,
		c.upstreamLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// RecordExchange counts a token exchange with one of the Exchange* results.
func (c *Collector) RecordExchange(result string) {
	if c == nil {
		return
	}
	c.exchanges.WithLabelValues(result).Inc()
}

// RecordCacheHit counts a token served from the cache.
func (c *Collector) RecordCacheHit() {
	if c == nil {
		return
	}
	c.cacheHits.Inc()
}

// RecordRequest counts an inbound request by the status returned to the caller.
func (c *Collector) RecordRequest(status int) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(strconv.Itoa(status)).Inc()
}

// ObserveUpstream records the latency of an upstream round trip.
func (c *Collector) ObserveUpstream(d time.Duration) {
	if c == nil {
		return
	}
	c.upstreamLatency.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
