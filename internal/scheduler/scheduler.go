// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler runs the background loops: the sync loop draining
// request-path queues into the metadata store, the scan loop reconciling the
// filesystem with the store, and per-source scheduled syncs driven by cron
// expressions or simple intervals.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HEXIkx/mirror-server/internal/config"
	"github.com/HEXIkx/mirror-server/internal/metadb"
)

// ItemFunc syncs one item of a source; typically a GET through the server's
// own adapter so the cache fills via the normal path.
type ItemFunc func(ctx context.Context, source, item string) error

// Progress is the per-source sync status surface.
type Progress struct {
	Status      string    `json:"status"` // idle, pending, running, completed, failed
	SyncID      string    `json:"sync_id,omitempty"`
	TotalFiles  int64     `json:"total_files"`
	SyncedFiles int64     `json:"synced_files"`
	FailedFiles int64     `json:"failed_files"`
	IsTemp      bool      `json:"is_temp_sync"`
	LastSync    time.Time `json:"last_sync,omitempty"`
	NextSync    time.Time `json:"next_sync,omitempty"`
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type task struct {
	schedule cron.Schedule // nil when interval-driven
	interval time.Duration
	next     time.Time
	running  bool
	stop     chan struct{} // non-nil while running
	progress Progress
}

// Scheduler owns the background loops and per-source sync state.
type Scheduler struct {
	db     *metadb.DB
	cfg    func() *config.Config
	queue  *Queue
	itemFn ItemFunc
	log    *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	tasks map[string]*task
}

func New(db *metadb.DB, cfg func() *config.Config, queue *Queue, itemFn ItemFunc, log *zap.Logger) *Scheduler {
	return &Scheduler{
		db:     db,
		cfg:    cfg,
		queue:  queue,
		itemFn: itemFn,
		log:    log,
		now:    time.Now,
		tasks:  map[string]*task{},
	}
}

// Run drives all loops until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { s.syncLoop(ctx); return nil })
	g.Go(func() error { s.scanLoop(ctx); return nil })
	g.Go(func() error { s.tickLoop(ctx); return nil })
	return g.Wait()
}

// syncLoop drains the pending queues into the metadata store at every tick.
func (s *Scheduler) syncLoop(ctx context.Context) {
	for {
		interval := time.Duration(s.cfg().Sync.IntervalSecs) * time.Second
		if interval <= 0 {
			interval = 10 * time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			s.DrainOnce()
		}
	}
}

// DrainOnce commits one batch of queued operations. Upserted records land
// pending and flip to synced in one transaction once the batch is written.
func (s *Scheduler) DrainOnce() {
	adds, updates, deletes := s.queue.Drain()
	var synced []string
	for _, rec := range append(adds, updates...) {
		rec.SyncStatus = metadb.SyncPending
		if err := s.db.UpsertFile(rec); err != nil {
			s.log.Warn("sync upsert failed", zap.String("path", rec.Path), zap.Error(err))
			continue
		}
		synced = append(synced, rec.Path)
	}
	if len(synced) > 0 {
		if err := s.db.MarkSynced(synced, metadb.SyncSynced); err != nil {
			s.log.Warn("marking batch synced failed", zap.Error(err))
		}
	}
	for _, p := range deletes {
		if err := s.db.SoftDeleteFile(p); err != nil {
			s.log.Warn("sync delete failed", zap.String("path", p), zap.Error(err))
		}
	}
}

// tickLoop evaluates per-source schedules once a second. A task already
// running skips its tick; there is never more than one run per source.
func (s *Scheduler) tickLoop(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	sources := s.cfg().Sync.Sources
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, src := range sources {
		if !src.Enabled {
			continue
		}
		tk := s.tasks[name]
		if tk == nil {
			tk = &task{progress: Progress{Status: "idle"}}
			if err := s.configure(tk, src); err != nil {
				s.log.Warn("bad sync schedule", zap.String("source", name), zap.Error(err))
				continue
			}
			tk.next = tk.nextAfter(now)
			s.tasks[name] = tk
			continue // first firing happens a full period after startup
		}
		if tk.running || tk.next.IsZero() || now.Before(tk.next) {
			continue
		}
		tk.next = tk.nextAfter(now)
		s.launchLocked(ctx, name, tk, src.Items, false)
	}
}

func (s *Scheduler) configure(tk *task, src config.SyncSource) error {
	if src.Cron != "" {
		sched, err := cronParser.Parse(src.Cron)
		if err != nil {
			return errors.Wrapf(err, "parsing cron %q", src.Cron)
		}
		tk.schedule = sched
		return nil
	}
	if src.Interval > 0 {
		tk.interval = time.Duration(src.Interval) * time.Second
		return nil
	}
	return errors.New("source has neither cron nor interval")
}

func (tk *task) nextAfter(now time.Time) time.Time {
	if tk.schedule != nil {
		return tk.schedule.Next(now)
	}
	if tk.interval > 0 {
		return now.Add(tk.interval)
	}
	return time.Time{}
}

// launchLocked starts a run for name; caller holds mu.
func (s *Scheduler) launchLocked(ctx context.Context, name string, tk *task, items []string, isTemp bool) {
	tk.running = true
	tk.stop = make(chan struct{})
	tk.progress = Progress{
		Status:     metadb.RunPending,
		TotalFiles: int64(len(items)),
		IsTemp:     isTemp,
		NextSync:   tk.next,
	}
	go s.runSource(ctx, name, tk, items, isTemp)
}

// runSource executes one sync run and keeps both the DB record and in-memory
// progress current.
func (s *Scheduler) runSource(ctx context.Context, name string, tk *task, items []string, isTemp bool) {
	finish := func(failed bool, msg string) {
		s.mu.Lock()
		tk.running = false
		tk.stop = nil
		tk.progress.LastSync = s.now()
		if failed {
			tk.progress.Status = metadb.RunFailed
		} else {
			tk.progress.Status = metadb.RunCompleted
		}
		s.mu.Unlock()
		_ = msg
	}

	syncID, err := s.db.CreateSyncRun("mirror", name, isTemp)
	if err != nil {
		s.log.Error("creating sync run", zap.String("source", name), zap.Error(err))
		finish(true, err.Error())
		return
	}
	s.mu.Lock()
	tk.progress.SyncID = syncID
	tk.progress.Status = metadb.RunRunning
	stop := tk.stop
	s.mu.Unlock()

	if err := s.db.StartSyncRun(syncID, int64(len(items)), 0); err != nil {
		s.log.Error("starting sync run", zap.String("sync_id", syncID), zap.Error(err))
	}

	var synced, failed int64
	for _, item := range items {
		select {
		case <-ctx.Done():
			_ = s.db.CompleteSyncRun(syncID, true, "cancelled")
			finish(true, "cancelled")
			return
		case <-stop:
			_ = s.db.CompleteSyncRun(syncID, true, "stopped")
			finish(true, "stopped")
			return
		default:
		}
		if err := s.itemFn(ctx, name, item); err != nil {
			failed++
			s.log.Warn("sync item failed",
				zap.String("source", name), zap.String("item", item), zap.Error(err))
		} else {
			synced++
		}
		s.mu.Lock()
		tk.progress.SyncedFiles, tk.progress.FailedFiles = synced, failed
		s.mu.Unlock()
		_ = s.db.ProgressSyncRun(syncID, synced, failed, 0)
	}
	errMsg := ""
	if failed > 0 {
		errMsg = "some items failed"
	}
	if err := s.db.CompleteSyncRun(syncID, failed > 0 && synced == 0, errMsg); err != nil {
		s.log.Error("completing sync run", zap.String("sync_id", syncID), zap.Error(err))
	}
	finish(failed > 0 && synced == 0, errMsg)
}

// StartSource triggers a source's sync now, outside its schedule.
func (s *Scheduler) StartSource(ctx context.Context, name string) error {
	src, ok := s.cfg().Sync.Sources[name]
	if !ok {
		return errors.Errorf("unknown sync source %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tk := s.tasks[name]
	if tk == nil {
		tk = &task{progress: Progress{Status: "idle"}}
		s.tasks[name] = tk
	}
	if tk.running {
		return errors.Errorf("sync for %q already running", name)
	}
	s.launchLocked(ctx, name, tk, src.Items, false)
	return nil
}

// StopSource asks a running sync to stop after the current item.
func (s *Scheduler) StopSource(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tk := s.tasks[name]
	if tk == nil || !tk.running {
		return errors.Errorf("no sync running for %q", name)
	}
	close(tk.stop)
	return nil
}

// SyncPackages runs an ad-hoc item list under the source's status slot,
// flagged as a temp sync.
func (s *Scheduler) SyncPackages(ctx context.Context, source string, items []string) error {
	if len(items) == 0 {
		return errors.New("no items to sync")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tk := s.tasks[source]
	if tk == nil {
		tk = &task{progress: Progress{Status: "idle"}}
		s.tasks[source] = tk
	}
	if tk.running {
		return errors.Errorf("sync for %q already running", source)
	}
	s.launchLocked(ctx, source, tk, items, true)
	return nil
}

// SourceStatus reports one source's progress.
func (s *Scheduler) SourceStatus(name string) (Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tk, ok := s.tasks[name]
	if !ok {
		return Progress{}, false
	}
	p := tk.progress
	p.NextSync = tk.next
	return p, true
}

// AllStatus reports every known source.
func (s *Scheduler) AllStatus() map[string]Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Progress, len(s.tasks))
	for name, tk := range s.tasks {
		p := tk.progress
		p.NextSync = tk.next
		out[name] = p
	}
	return out
}
