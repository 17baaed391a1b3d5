// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package health probes configured upstreams and drives failover between
// them.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HEXIkx/mirror-server/internal/config"
	"github.com/HEXIkx/mirror-server/internal/fetcher"
)

// Status classification of one probe.
type Status string

const (
	Healthy   Status = "healthy"   // 2xx/3xx within the slow threshold
	Degraded  Status = "degraded"  // 4xx, or responsive but slow
	Unhealthy Status = "unhealthy" // connection error or 5xx
)

// SourceStats is the rolling per-upstream probe record.
type SourceStats struct {
	Ecosystem           string        `json:"ecosystem"`
	Name                string        `json:"name"`
	URL                 string        `json:"url"`
	Status              Status        `json:"status"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalChecks         int64         `json:"total_checks"`
	TotalSuccesses      int64         `json:"total_successes"`
	SuccessRate         float64       `json:"success_rate"`
	AvgResponseTime     time.Duration `json:"avg_response_time_ms"`
	LastChecked         time.Time     `json:"last_checked"`
	LastError           string        `json:"last_error,omitempty"`
}

// Swap is one failover history entry.
type Swap struct {
	Timestamp  time.Time `json:"timestamp"`
	MirrorType string    `json:"mirror_type"`
	OldSource  string    `json:"old_source"`
	NewSource  string    `json:"new_source"`
	Reason     string    `json:"reason"`
}

// Checker probes each configured (ecosystem, upstream) pair and promotes the
// next healthy source after repeated failures. Promotion is one-way: a
// recovered source is not automatically demoted back in; re-evaluation
// happens on manual trigger or restart.
type Checker struct {
	fetcher *fetcher.Fetcher
	log     *zap.Logger

	mu      sync.Mutex
	cfg     config.HealthConfig
	mirrors map[string]config.MirrorConfig
	stats   map[string]*SourceStats // key: ecosystem + "/" + name
	active  map[string]int          // ecosystem -> index into Upstreams
	history []Swap
}

// NewChecker builds a Checker over the configured mirrors.
func NewChecker(f *fetcher.Fetcher, cfg config.HealthConfig, mirrors map[string]config.MirrorConfig, log *zap.Logger) *Checker {
	c := &Checker{
		fetcher: f,
		log:     log,
		cfg:     cfg,
		mirrors: mirrors,
		stats:   map[string]*SourceStats{},
		active:  map[string]int{},
	}
	for eco, m := range mirrors {
		c.active[eco] = 0
		for _, up := range m.Upstreams {
			c.stats[eco+"/"+up.Name] = &SourceStats{
				Ecosystem: eco,
				Name:      up.Name,
				URL:       up.URL,
				Status:    Healthy,
			}
		}
	}
	return c
}

// Reconfigure swaps the mirror set, preserving stats for surviving sources.
func (c *Checker) Reconfigure(mirrors map[string]config.MirrorConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mirrors = mirrors
	for eco, m := range mirrors {
		if _, ok := c.active[eco]; !ok {
			c.active[eco] = 0
		}
		for _, up := range m.Upstreams {
			if _, ok := c.stats[eco+"/"+up.Name]; !ok {
				c.stats[eco+"/"+up.Name] = &SourceStats{Ecosystem: eco, Name: up.Name, URL: up.URL, Status: Healthy}
			}
		}
	}
}

// Run probes all sources at the configured interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.IntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckAll(ctx)
		}
	}
}

// CheckAll probes every configured source once.
func (c *Checker) CheckAll(ctx context.Context) {
	c.mu.Lock()
	type probe struct{ eco, name, url string }
	var probes []probe
	for eco, m := range c.mirrors {
		for _, up := range m.Upstreams {
			probes = append(probes, probe{eco, up.Name, up.URL})
		}
	}
	c.mu.Unlock()
	for _, p := range probes {
		c.checkOne(ctx, p.eco, p.name, p.url)
	}
}

// CheckSource probes one named source immediately; returns false if unknown.
func (c *Checker) CheckSource(ctx context.Context, ecosystem, name string) bool {
	c.mu.Lock()
	m, ok := c.mirrors[ecosystem]
	var url string
	if ok {
		ok = false
		for _, up := range m.Upstreams {
			if up.Name == name {
				url, ok = up.URL, true
				break
			}
		}
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.checkOne(ctx, ecosystem, name, url)
	return true
}

func (c *Checker) checkOne(ctx context.Context, eco, name, url string) {
	timeout := time.Duration(c.cfg.TimeoutSecs) * time.Second
	status, elapsed, err := c.fetcher.Head(ctx, url, timeout)

	var st Status
	var errMsg string
	switch {
	case err != nil:
		st = Unhealthy
		errMsg = err.Error()
	case status >= 500:
		st = Unhealthy
		errMsg = "server error"
	case status >= 400:
		st = Degraded
	case c.cfg.SlowMillis > 0 && elapsed > time.Duration(c.cfg.SlowMillis)*time.Millisecond:
		st = Degraded
	default:
		st = Healthy
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stats[eco+"/"+name]
	if !ok {
		return
	}
	s.TotalChecks++
	s.Status = st
	s.LastChecked = time.Now()
	s.LastError = errMsg
	if st == Unhealthy {
		s.ConsecutiveFailures++
	} else {
		s.TotalSuccesses++
		s.ConsecutiveFailures = 0
		// Rolling average over successful probes.
		n := time.Duration(s.TotalSuccesses)
		s.AvgResponseTime = (s.AvgResponseTime*(n-1) + elapsed) / n
	}
	s.SuccessRate = float64(s.TotalSuccesses) / float64(s.TotalChecks)

	threshold := c.cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	if st == Unhealthy && s.ConsecutiveFailures >= threshold {
		c.failoverLocked(eco, name, "consecutive failures")
	}
}

// failoverLocked promotes the next healthy source after failed. c.mu held.
func (c *Checker) failoverLocked(eco, failed, reason string) {
	m, ok := c.mirrors[eco]
	if !ok || len(m.Upstreams) < 2 {
		return
	}
	idx := c.active[eco]
	if m.Upstreams[idx].Name != failed {
		// Not the active source; nothing to do.
		return
	}
	for off := 1; off < len(m.Upstreams); off++ {
		cand := (idx + off) % len(m.Upstreams)
		cs := c.stats[eco+"/"+m.Upstreams[cand].Name]
		if cs != nil && cs.Status != Unhealthy {
			c.active[eco] = cand
			swap := Swap{
				Timestamp:  time.Now(),
				MirrorType: eco,
				OldSource:  failed,
				NewSource:  m.Upstreams[cand].Name,
				Reason:     reason,
			}
			c.history = append(c.history, swap)
			c.log.Warn("upstream failover",
				zap.String("ecosystem", eco),
				zap.String("old", swap.OldSource),
				zap.String("new", swap.NewSource),
				zap.String("reason", reason))
			return
		}
	}
}

// Failover forces promotion of the next healthy source for an ecosystem.
func (c *Checker) Failover(eco, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.mirrors[eco]
	if !ok || len(m.Upstreams) < 2 {
		return false
	}
	before := c.active[eco]
	c.failoverLocked(eco, m.Upstreams[before].Name, reason)
	return c.active[eco] != before
}

// ResetActive re-evaluates priority order for an ecosystem (manual trigger).
func (c *Checker) ResetActive(eco string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[eco] = 0
}

// ActiveUpstream returns the current active upstream for an ecosystem.
func (c *Checker) ActiveUpstream(eco string) (config.UpstreamConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.mirrors[eco]
	if !ok || len(m.Upstreams) == 0 {
		return config.UpstreamConfig{}, false
	}
	idx := c.active[eco]
	if idx >= len(m.Upstreams) {
		idx = 0
	}
	return m.Upstreams[idx], true
}

// Upstreams returns the ordered upstream list for an ecosystem starting at
// the active source, for adapters that try mirrors in order.
func (c *Checker) Upstreams(eco string) []config.UpstreamConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.mirrors[eco]
	if !ok {
		return nil
	}
	idx := c.active[eco]
	out := make([]config.UpstreamConfig, 0, len(m.Upstreams))
	for off := 0; off < len(m.Upstreams); off++ {
		out = append(out, m.Upstreams[(idx+off)%len(m.Upstreams)])
	}
	return out
}

// Stats snapshots all source statistics.
func (c *Checker) Stats() []SourceStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SourceStats, 0, len(c.stats))
	for _, s := range c.stats {
		out = append(out, *s)
	}
	return out
}

// History returns the failover swap log, oldest first.
func (c *Checker) History() []Swap {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Swap, len(c.history))
	copy(out, c.history)
	return out
}
