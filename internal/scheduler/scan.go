// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"database/sql"
	"io/fs"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/HEXIkx/mirror-server/internal/metadb"
)

// scanLoop reconciles the filesystem with the metadata store at the
// configured interval.
func (s *Scheduler) scanLoop(ctx context.Context) {
	for {
		interval := time.Duration(s.cfg().Sync.ScanIntervalSecs) * time.Second
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			added, removed, err := s.ScanOnce()
			if err != nil {
				s.log.Warn("scan failed", zap.Error(err))
				continue
			}
			if added+removed > 0 {
				s.log.Info("scan reconciled",
					zap.Int("added", added), zap.Int("removed", removed))
			}
		}
	}
}

// ScanOnce walks the base directory, computes the set difference against live
// file records, and applies add and delete events. Cache bookkeeping files
// are invisible to the scan.
func (s *Scheduler) ScanOnce() (added, removed int, err error) {
	base := s.cfg().BaseDir
	live, err := s.db.LivePaths()
	if err != nil {
		return 0, 0, err
	}

	onDisk := map[string]struct{}{}
	walkErr := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if skipPath(rel) {
			return nil
		}
		onDisk[rel] = struct{}{}
		if _, known := live[rel]; known {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rec := &metadb.FileRecord{
			Path:       rel,
			Name:       d.Name(),
			Size:       info.Size(),
			SyncStatus: metadb.SyncSynced,
		}
		if mt := mime.TypeByExtension(filepath.Ext(rel)); mt != "" {
			rec.MimeType = sql.NullString{String: mt, Valid: true}
		}
		if uerr := s.db.UpsertFile(rec); uerr != nil {
			s.log.Warn("scan add failed", zap.String("path", rel), zap.Error(uerr))
			return nil
		}
		added++
		return nil
	})
	if walkErr != nil {
		return added, removed, walkErr
	}

	for p := range live {
		if _, ok := onDisk[p]; ok {
			continue
		}
		if derr := s.db.SoftDeleteFile(p); derr != nil {
			s.log.Warn("scan delete failed", zap.String("path", p), zap.Error(derr))
			continue
		}
		removed++
	}

	// Soft-deleted records are kept for a month as an audit trail.
	if _, perr := s.db.PurgeDeleted(time.Now().Add(-30 * 24 * time.Hour).Unix()); perr != nil {
		s.log.Warn("purging deleted records failed", zap.Error(perr))
	}
	return added, removed, nil
}

// skipPath hides cache sidecars, temp files, and server bookkeeping from the
// scanner.
func skipPath(rel string) bool {
	name := rel[strings.LastIndex(rel, "/")+1:]
	switch {
	case strings.HasSuffix(name, ".meta"),
		strings.Contains(name, ".tmp."),
		strings.HasSuffix(name, ".log"),
		strings.HasSuffix(name, ".db"),
		strings.HasSuffix(name, ".db-wal"),
		strings.HasSuffix(name, ".db-shm"),
		strings.HasPrefix(name, "."):
		return true
	}
	return false
}
