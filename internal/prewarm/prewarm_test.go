// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package prewarm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRunCountsOutcomes(t *testing.T) {
	var attempts sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/simple/"):
			w.Write([]byte("ok"))
		case r.URL.Path == "/packages/flaky.whl":
			// Fails once, succeeds on retry.
			n, _ := attempts.LoadOrStore("flaky", new(atomic.Int64))
			if n.(*atomic.Int64).Add(1) == 1 {
				http.Error(w, "boom", http.StatusBadGateway)
				return
			}
			w.Write([]byte("whl"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := New(http.DefaultClient, srv.URL, 4, 2, zap.NewNop())
	sum, err := p.Run(context.Background(), []Target{
		{Ecosystem: "pypi", Priority: PriorityHigh, Items: []string{
			"/simple/flask/", "/simple/requests/", "/packages/flaky.whl", "/missing",
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Total != 4 || sum.Success != 3 || sum.Failed != 1 || sum.Skipped != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(p.History()) != 1 {
		t.Errorf("history size = %d, want 1", len(p.History()))
	}
}

func TestLimitSkipsExtraItems(t *testing.T) {
	var served atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	p := New(http.DefaultClient, srv.URL, 2, 1, zap.NewNop())
	sum, err := p.Run(context.Background(), []Target{
		{Ecosystem: "npm", Priority: PriorityLow, Limit: 2, Items: []string{"/a", "/b", "/c", "/d"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Success != 2 || sum.Skipped != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	if served.Load() != 2 {
		t.Errorf("server saw %d requests, want 2", served.Load())
	}
}

func TestPriorityOrdering(t *testing.T) {
	items := expand([]Target{
		{Ecosystem: "a", Priority: PriorityLow, Items: []string{"low1"}},
		{Ecosystem: "b", Priority: PriorityCritical, Items: []string{"crit1"}},
		{Ecosystem: "c", Priority: "bogus", Items: []string{"med1"}},
		{Ecosystem: "d", Priority: PriorityHigh, Items: []string{"high1"}},
	})
	got := make([]string, len(items))
	for i, it := range items {
		got[i] = it.Path
	}
	want := []string{"crit1", "high1", "med1", "low1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestSingleRunAtATime(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()

	p := New(http.DefaultClient, srv.URL, 1, 1, zap.NewNop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(context.Background(), []Target{{Items: []string{"/x"}}})
	}()
	for !p.Running() {
		time.Sleep(time.Millisecond)
	}
	if _, err := p.Run(context.Background(), nil); err == nil {
		t.Error("concurrent run accepted")
	}
	close(block)
	<-done
}
