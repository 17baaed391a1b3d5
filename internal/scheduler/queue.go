// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"sync"

	"github.com/HEXIkx/mirror-server/internal/metadb"
)

// Queue buffers request-path filesystem events until the sync loop commits
// them to the metadata store. Single consumer, many producers.
type Queue struct {
	mu      sync.Mutex
	adds    []*metadb.FileRecord
	updates []*metadb.FileRecord
	deletes []string
}

func NewQueue() *Queue { return &Queue{} }

func (q *Queue) Add(rec *metadb.FileRecord) {
	q.mu.Lock()
	q.adds = append(q.adds, rec)
	q.mu.Unlock()
}

func (q *Queue) Update(rec *metadb.FileRecord) {
	q.mu.Lock()
	q.updates = append(q.updates, rec)
	q.mu.Unlock()
}

func (q *Queue) Delete(path string) {
	q.mu.Lock()
	q.deletes = append(q.deletes, path)
	q.mu.Unlock()
}

// Drain atomically takes everything queued so far.
func (q *Queue) Drain() (adds, updates []*metadb.FileRecord, deletes []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	adds, updates, deletes = q.adds, q.updates, q.deletes
	q.adds, q.updates, q.deletes = nil, nil, nil
	return adds, updates, deletes
}

// Len reports the total queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.adds) + len(q.updates) + len(q.deletes)
}
