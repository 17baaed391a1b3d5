// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package store implements the content-addressed cache store.
//
// Each payload file is accompanied by a JSON sidecar (<payload>.meta)
// recording when it was cached, when it expires, and its size. The sidecar
// exists iff the payload exists; lookups treat a missing or corrupt sidecar
// as a miss.
package store

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const metaSuffix = ".meta"

// Meta is the on-disk sidecar format.
type Meta struct {
	CachedAt    int64  `json:"cached_at"`
	Expires     int64  `json:"expires"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
	URL         string `json:"url,omitempty"`
}

// ErrMiss is returned by Lookup when the key is absent, corrupt, or expired.
var ErrMiss = errors.New("cache miss")

// Entry is the result of a successful Lookup.
type Entry struct {
	Bytes       []byte
	ContentType string
	Age         time.Duration
}

// Store is a filesystem-backed cache rooted at a base directory.
type Store struct {
	base string
	log  *zap.Logger
	now  func() time.Time
}

// New creates a Store rooted at base, creating the directory if needed.
func New(base string, log *zap.Logger) (*Store, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating store root")
	}
	return &Store{base: abs, log: log, now: time.Now}, nil
}

// Base returns the absolute store root.
func (s *Store) Base() string { return s.base }

// resolve maps a cache key to an absolute payload path, rejecting traversal.
// Keys containing a slash are treated as ecosystem-native relative paths;
// flat keys are fanned out under the first two characters.
func (s *Store) resolve(key string) (string, error) {
	rel := key
	if !strings.Contains(key, "/") {
		if len(key) < 2 {
			return "", errors.Errorf("key too short: %q", key)
		}
		rel = filepath.Join(key[:2], key)
	}
	p := filepath.Join(s.base, filepath.FromSlash(rel))
	p = filepath.Clean(p)
	if p != s.base && !strings.HasPrefix(p, s.base+string(filepath.Separator)) {
		return "", errors.Errorf("path escapes store root: %q", key)
	}
	return p, nil
}

// Lookup returns the cached entry for key, or ErrMiss.
// Expired entries are reported as misses but left on disk for the sweeper.
func (s *Store) Lookup(key string) (*Entry, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	meta, err := readMeta(p + metaSuffix)
	if err != nil {
		return nil, ErrMiss
	}
	now := s.now().Unix()
	if now >= meta.Expires {
		return nil, ErrMiss
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, ErrMiss
	}
	if int64(len(b)) != meta.Size {
		// Sidecar and payload disagree; treat as corrupt.
		return nil, ErrMiss
	}
	return &Entry{
		Bytes:       b,
		ContentType: meta.ContentType,
		Age:         time.Duration(now-meta.CachedAt) * time.Second,
	}, nil
}

// Path returns the payload path for key if it is present and fresh.
// Used by handlers that stream large payloads instead of buffering them.
func (s *Store) Path(key string) (string, error) {
	p, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	meta, err := readMeta(p + metaSuffix)
	if err != nil {
		return "", ErrMiss
	}
	if s.now().Unix() >= meta.Expires {
		return "", ErrMiss
	}
	return p, nil
}

// Put atomically writes the payload and its sidecar.
// The payload lands via temp file + rename before the sidecar is written, so
// a crash never leaves a sidecar referencing a missing payload.
func (s *Store) Put(key string, b []byte, contentType string, ttl time.Duration) error {
	p, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrap(err, "creating cache directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), filepath.Base(p)+".tmp.*")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	cleanup := func() { tmp.Close(); os.Remove(tmp.Name()) }
	if _, err := tmp.Write(b); err != nil {
		cleanup()
		return errors.Wrap(err, "writing payload")
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return errors.Wrap(err, "syncing payload")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "publishing payload")
	}
	now := s.now()
	meta := Meta{
		CachedAt:    now.Unix(),
		Expires:     now.Add(ttl).Unix(),
		Size:        int64(len(b)),
		ContentType: contentType,
	}
	if ttl <= 0 {
		// "Forever": content-addressed artifacts never go stale.
		meta.Expires = now.AddDate(100, 0, 0).Unix()
	}
	mb, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := os.WriteFile(p+metaSuffix, mb, 0o644); err != nil {
		// Roll back so the sidecar-iff-payload invariant holds.
		os.Remove(p)
		return errors.Wrap(err, "writing sidecar")
	}
	return nil
}

// Evict removes the payload and sidecar for key.
func (s *Store) Evict(key string) error {
	p, err := s.resolve(key)
	if err != nil {
		return err
	}
	err1 := os.Remove(p + metaSuffix)
	err2 := os.Remove(p)
	if err2 != nil && !os.IsNotExist(err2) {
		return err2
	}
	if err1 != nil && !os.IsNotExist(err1) {
		return err1
	}
	return nil
}

// Stats walks the store and returns payload count and total bytes.
// Sidecars and temp files are not counted.
func (s *Store) Stats() (files int, bytes int64) {
	_ = filepath.WalkDir(s.base, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, metaSuffix) || strings.Contains(name, ".tmp.") {
			return nil
		}
		if info, err := d.Info(); err == nil {
			files++
			bytes += info.Size()
		}
		return nil
	})
	return files, bytes
}

// StatsUnder counts payloads and bytes under a relative prefix.
func (s *Store) StatsUnder(prefix string) (files int, bytes int64) {
	root := filepath.Join(s.base, filepath.FromSlash(prefix))
	root = filepath.Clean(root)
	if root != s.base && !strings.HasPrefix(root, s.base+string(filepath.Separator)) {
		return 0, 0
	}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, metaSuffix) || strings.Contains(name, ".tmp.") {
			return nil
		}
		if info, err := d.Info(); err == nil {
			files++
			bytes += info.Size()
		}
		return nil
	})
	return files, bytes
}

// Sweep removes expired entries and orphan temp files left by crashed writes.
// Returns the number of payloads removed.
func (s *Store) Sweep() int {
	removed := 0
	now := s.now().Unix()
	_ = filepath.WalkDir(s.base, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.Contains(name, ".tmp.") {
			if os.Remove(path) == nil {
				s.log.Debug("removed orphan temp file", zap.String("path", path))
			}
			return nil
		}
		if !strings.HasSuffix(name, metaSuffix) {
			// Orphan payload without sidecar: the invariant says it should not
			// exist, so reclaim it.
			if _, err := os.Stat(path + metaSuffix); os.IsNotExist(err) {
				if os.Remove(path) == nil {
					removed++
				}
			}
			return nil
		}
		meta, err := readMeta(path)
		payload := strings.TrimSuffix(path, metaSuffix)
		if err != nil || now >= meta.Expires {
			os.Remove(path)
			if os.Remove(payload) == nil {
				removed++
			}
		}
		return nil
	})
	if removed > 0 {
		s.log.Info("cache sweep complete", zap.Int("removed", removed))
	}
	return removed
}

// Clean removes every cached entry under the given relative prefix
// ("" clears the whole store). Returns payloads removed.
func (s *Store) Clean(prefix string) (int, error) {
	root := s.base
	if prefix != "" {
		p, err := s.resolve(prefix)
		if err != nil {
			return 0, err
		}
		root = p
	}
	removed := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), metaSuffix) {
			payload := strings.TrimSuffix(path, metaSuffix)
			os.Remove(path)
			if os.Remove(payload) == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return removed, err
	}
	return removed, nil
}

func readMeta(path string) (*Meta, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m.Expires <= m.CachedAt {
		return nil, errors.New("invalid sidecar")
	}
	return &m, nil
}
