// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/HEXIkx/mirror-server/internal/config"
	"github.com/HEXIkx/mirror-server/internal/fetcher"
)

func TestFailoverAfterConsecutiveFailures(t *testing.T) {
	var u1Healthy atomic.Bool
	u1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !u1Healthy.Load() {
			http.Error(w, "down", http.StatusInternalServerError)
		}
	}))
	defer u1.Close()
	u2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer u2.Close()
	u1Healthy.Store(true)

	mirrors := map[string]config.MirrorConfig{
		"pypi": {Enabled: true, Upstreams: []config.UpstreamConfig{
			{Name: "U1", URL: u1.URL},
			{Name: "U2", URL: u2.URL},
		}},
	}
	f := fetcher.New(http.DefaultClient, "test", zap.NewNop())
	c := NewChecker(f, config.HealthConfig{TimeoutSecs: 2, FailureThreshold: 3}, mirrors, zap.NewNop())

	if up, _ := c.ActiveUpstream("pypi"); up.Name != "U1" {
		t.Fatalf("initial active = %s, want U1", up.Name)
	}

	u1Healthy.Store(false)
	for i := 0; i < 3; i++ {
		c.CheckAll(context.Background())
	}

	up, ok := c.ActiveUpstream("pypi")
	if !ok || up.Name != "U2" {
		t.Fatalf("active after failures = %s, want U2", up.Name)
	}
	hist := c.History()
	if len(hist) != 1 || hist[0].OldSource != "U1" || hist[0].NewSource != "U2" {
		t.Fatalf("history = %+v", hist)
	}
	var u1Stats *SourceStats
	for _, s := range c.Stats() {
		if s.Name == "U1" {
			s := s
			u1Stats = &s
		}
	}
	if u1Stats == nil || u1Stats.ConsecutiveFailures != 3 {
		t.Fatalf("U1 stats = %+v", u1Stats)
	}

	// Recovery does not demote automatically.
	u1Healthy.Store(true)
	c.CheckAll(context.Background())
	if up, _ := c.ActiveUpstream("pypi"); up.Name != "U2" {
		t.Fatalf("active after recovery = %s, want U2 (no auto demotion)", up.Name)
	}
	// Manual reset re-evaluates priority.
	c.ResetActive("pypi")
	if up, _ := c.ActiveUpstream("pypi"); up.Name != "U1" {
		t.Fatalf("active after reset = %s, want U1", up.Name)
	}
}

func TestClassification(t *testing.T) {
	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer notFound.Close()
	mirrors := map[string]config.MirrorConfig{
		"npm": {Upstreams: []config.UpstreamConfig{{Name: "A", URL: notFound.URL}}},
	}
	f := fetcher.New(http.DefaultClient, "test", zap.NewNop())
	c := NewChecker(f, config.HealthConfig{TimeoutSecs: 2, FailureThreshold: 3}, mirrors, zap.NewNop())
	c.CheckAll(context.Background())
	stats := c.Stats()
	if len(stats) != 1 || stats[0].Status != Degraded {
		t.Fatalf("stats = %+v, want degraded", stats)
	}
	if stats[0].SuccessRate != 1 {
		t.Errorf("success rate = %v, want 1 (4xx counts as responsive)", stats[0].SuccessRate)
	}
}

func TestUpstreamsOrderedFromActive(t *testing.T) {
	mirrors := map[string]config.MirrorConfig{
		"apt": {Upstreams: []config.UpstreamConfig{
			{Name: "A", URL: "http://a"}, {Name: "B", URL: "http://b"}, {Name: "C", URL: "http://c"},
		}},
	}
	f := fetcher.New(http.DefaultClient, "test", zap.NewNop())
	c := NewChecker(f, config.HealthConfig{}, mirrors, zap.NewNop())
	c.active["apt"] = 1
	ups := c.Upstreams("apt")
	want := []string{"B", "C", "A"}
	for i, u := range ups {
		if u.Name != want[i] {
			t.Fatalf("upstreams[%d] = %s, want %s", i, u.Name, want[i])
		}
	}
}
