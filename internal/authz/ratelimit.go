// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"sync"
	"time"
)

// RateLimiter bounds requests per identifier per minute using a timestamp
// deque per client. Stale entries are purged on access.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	clients map[string][]time.Time
}

// NewRateLimiter allows limit requests per minute per identifier.
// limit <= 0 disables limiting.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  time.Minute,
		now:     time.Now,
		clients: map[string][]time.Time{},
	}
}

// Allow reports whether another request from id fits in the window, recording
// it if so.
func (rl *RateLimiter) Allow(id string) bool {
	if rl.limit <= 0 {
		return true
	}
	now := rl.now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	q := rl.clients[id]
	keep := q[:0]
	for _, t := range q {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	if len(keep) >= rl.limit {
		rl.clients[id] = keep
		return false
	}
	rl.clients[id] = append(keep, now)
	return true
}
