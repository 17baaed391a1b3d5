// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters shared by the adapters.
type Metrics struct {
	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec
	upstreamRequests *prometheus.CounterVec
	downloads        *prometheus.CounterVec
}

// NewMetrics registers the adapter counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_cache_hits_total",
			Help: "Cache hits served per ecosystem.",
		}, []string{"ecosystem"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_cache_misses_total",
			Help: "Cache misses per ecosystem.",
		}, []string{"ecosystem"}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_upstream_requests_total",
			Help: "Upstream fetches issued per ecosystem.",
		}, []string{"ecosystem"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_downloads_total",
			Help: "Downloads served per ecosystem.",
		}, []string{"ecosystem"}),
	}
	if reg != nil {
		reg.MustRegister(m.cacheHits, m.cacheMisses, m.upstreamRequests, m.downloads)
	}
	return m
}

func (m *Metrics) CacheHit(eco string) {
	if m != nil {
		m.cacheHits.WithLabelValues(eco).Inc()
	}
}

func (m *Metrics) CacheMiss(eco string) {
	if m != nil {
		m.cacheMisses.WithLabelValues(eco).Inc()
	}
}

func (m *Metrics) UpstreamRequest(eco string) {
	if m != nil {
		m.upstreamRequests.WithLabelValues(eco).Inc()
	}
}

func (m *Metrics) Download(eco string) {
	if m != nil {
		m.downloads.WithLabelValues(eco).Inc()
	}
}
