// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package prewarm proactively fills the cache from curated item lists by
// requesting the server's own adapter URLs.
package prewarm

import (
	"context"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HEXIkx/mirror-server/internal/httpx"
)

// Priorities, highest first.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

var priorityRank = map[string]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
}

// Target is one prewarm request: a set of adapter paths for an ecosystem.
type Target struct {
	Ecosystem string   `json:"ecosystem"`
	Items     []string `json:"items"`
	Priority  string   `json:"priority"`
	Limit     int      `json:"limit"` // 0 = no cap; extra items are skipped
}

// Item statuses.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Item is one prewarm unit and its outcome.
type Item struct {
	Ecosystem      string `json:"ecosystem"`
	Path           string `json:"path"`
	Priority       string `json:"priority"`
	Status         string `json:"status"`
	Attempts       int    `json:"attempts"`
	ResponseTimeMS int64  `json:"response_time_ms"`
	SizeBytes      int64  `json:"size_bytes"`
	Error          string `json:"error,omitempty"`
}

// Summary is the outcome of one run.
type Summary struct {
	StartedAt      time.Time `json:"started_at"`
	Total          int       `json:"total"`
	Success        int       `json:"success"`
	Failed         int       `json:"failed"`
	Skipped        int       `json:"skipped"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
}

const historySize = 20

// Prewarmer runs prewarm batches against the server's own listen address.
type Prewarmer struct {
	client      httpx.BasicClient
	baseURL     string
	batchSize   int
	maxAttempts int
	log         *zap.Logger

	mu      sync.Mutex
	running bool
	history []Summary
}

func New(client httpx.BasicClient, baseURL string, batchSize, maxAttempts int, log *zap.Logger) *Prewarmer {
	if batchSize <= 0 {
		batchSize = 8
	}
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	return &Prewarmer{
		client:      client,
		baseURL:     baseURL,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// Run processes the targets and returns the run summary. One run at a time.
func (p *Prewarmer) Run(ctx context.Context, targets []Target) (*Summary, error) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil, errors.New("a prewarm run is already in progress")
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	items := expand(targets)
	start := time.Now()
	sum := &Summary{StartedAt: start, Total: len(items)}

	work := make([]*Item, 0, len(items))
	for _, it := range items {
		if it.Status == StatusSkipped {
			sum.Skipped++
			continue
		}
		work = append(work, it)
	}

	// Failed items get requeued once; loop until nothing is retriable.
	for len(work) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.batchSize)
		for _, it := range work {
			it := it
			g.Go(func() error {
				p.fetchOne(gctx, it)
				return nil
			})
		}
		_ = g.Wait()

		var retry []*Item
		for _, it := range work {
			if it.Status == StatusFailed && it.Attempts < p.maxAttempts {
				retry = append(retry, it)
			}
		}
		work = retry
	}

	for _, it := range items {
		switch it.Status {
		case StatusSuccess:
			sum.Success++
		case StatusFailed:
			sum.Failed++
		}
	}
	sum.ElapsedSeconds = time.Since(start).Seconds()

	p.mu.Lock()
	p.history = append(p.history, *sum)
	if len(p.history) > historySize {
		p.history = p.history[len(p.history)-historySize:]
	}
	p.mu.Unlock()

	p.log.Info("prewarm run finished",
		zap.Int("total", sum.Total), zap.Int("success", sum.Success),
		zap.Int("failed", sum.Failed), zap.Int("skipped", sum.Skipped))
	return sum, nil
}

// expand flattens targets into items ordered by priority; items beyond a
// target's limit are marked skipped up front.
func expand(targets []Target) []*Item {
	var items []*Item
	for _, t := range targets {
		prio := t.Priority
		if _, ok := priorityRank[prio]; !ok {
			prio = PriorityMedium
		}
		for i, path := range t.Items {
			status := StatusPending
			if t.Limit > 0 && i >= t.Limit {
				status = StatusSkipped
			}
			items = append(items, &Item{
				Ecosystem: t.Ecosystem,
				Path:      path,
				Priority:  prio,
				Status:    status,
			})
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return priorityRank[items[i].Priority] < priorityRank[items[j].Priority]
	})
	return items
}

// fetchOne issues one unconditional GET through the server's own adapter URL
// so the cache fills via the normal request path.
func (p *Prewarmer) fetchOne(ctx context.Context, it *Item) {
	it.Attempts++
	url := p.baseURL + "/" + trimSlash(it.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		it.Status, it.Error = StatusFailed, err.Error()
		return
	}
	start := time.Now()
	resp, err := p.client.Do(req)
	it.ResponseTimeMS = time.Since(start).Milliseconds()
	if err != nil {
		it.Status, it.Error = StatusFailed, err.Error()
		return
	}
	n, _ := io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	it.SizeBytes = n
	if resp.StatusCode >= 400 {
		it.Status, it.Error = StatusFailed, resp.Status
		return
	}
	it.Status, it.Error = StatusSuccess, ""
}

// History returns the most recent run summaries, oldest first.
func (p *Prewarmer) History() []Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Summary, len(p.history))
	copy(out, p.history)
	return out
}

// Running reports whether a run is in progress.
func (p *Prewarmer) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func trimSlash(s string) string {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	return s
}
