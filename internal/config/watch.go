// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the configuration whenever the settings file changes on disk.
// Events are debounced since editors commonly emit write bursts.
func (m *Manager) Watch(ctx context.Context, log *zap.Logger) error {
	if m.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: renames over the file (atomic save) would drop a
	// watch on the file itself.
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		w.Close()
		return err
	}
	go func() {
		defer w.Close()
		var pending *time.Timer
		target := filepath.Clean(m.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(250*time.Millisecond, func() {
					if err := m.Reload(); err != nil {
						log.Warn("config reload failed", zap.Error(err))
					} else {
						log.Info("config reloaded", zap.String("path", m.path))
					}
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
