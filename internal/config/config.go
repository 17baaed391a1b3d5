// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and serves the typed server configuration.
//
// The effective configuration is a deep merge of built-in defaults, the
// settings file (JSON or TOML), and the DB_* environment overlay. The merged
// record is immutable; Reload builds a fresh record and swaps it atomically.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the effective, merged server configuration.
type Config struct {
	Listen           string `json:"listen"`
	BaseDir          string `json:"base_dir"`
	AccessLog        string `json:"access_log"`
	EnableDirListing bool   `json:"enable_dir_listing"`
	MaxUploadSize    int64  `json:"max_upload_size"`
	GracefulTimeout  int    `json:"graceful_timeout"`
	SessionSecret    string `json:"session_secret"`
	TokenSecret      string `json:"token_secret"`

	DB      DBConfig                `json:"db"`
	Auth    AuthConfig              `json:"auth"`
	Mirrors map[string]MirrorConfig `json:"mirrors"`
	Sync    SyncConfig              `json:"sync"`
	Health  HealthConfig            `json:"health"`
	Prewarm PrewarmConfig           `json:"prewarm"`
	Monitor MonitorConfig           `json:"monitor"`
	Cache   CacheConfig             `json:"cache"`
}

// DBConfig selects and parameterises the metadata store backend.
type DBConfig struct {
	Type        string `json:"type"` // sqlite or postgres
	Path        string `json:"path"` // sqlite file
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Name        string `json:"name"`
	User        string `json:"user"`
	Pass        string `json:"pass"`
	ConnStr     string `json:"conn_str"` // overrides the individual fields
	TablePrefix string `json:"table_prefix"`
	PoolSize    int    `json:"pool_size"`
	RecycleSecs int    `json:"recycle_secs"`
}

// AuthConfig configures the router auth gate.
type AuthConfig struct {
	Enabled        bool     `json:"enabled"`
	StaticUser     string   `json:"static_user"`
	StaticPass     string   `json:"static_pass"`
	APIKeys        []string `json:"api_keys"`
	SessionCookie  string   `json:"session_cookie"`
	SessionTTLSecs int      `json:"session_ttl_secs"`
	AllowedIPs     []string `json:"allowed_ips"`
	RateLimit      int      `json:"rate_limit"` // requests per minute per client, 0 = off
	LockThreshold  int      `json:"lock_threshold"`
	LockSecs       int      `json:"lock_secs"`
}

// MirrorConfig describes one ecosystem and its ordered upstreams.
type MirrorConfig struct {
	Enabled   bool             `json:"enabled"`
	Upstreams []UpstreamConfig `json:"upstreams"`
	TTLSecs   int              `json:"ttl_secs"`          // index/metadata TTL
	BlobTTL   int              `json:"blob_ttl_secs"`     // artifact TTL, 0 = forever
	Username  string           `json:"username,omitempty"`
	Password  string           `json:"password,omitempty"`
}

// UpstreamConfig is one upstream base URL in priority order.
type UpstreamConfig struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type SyncConfig struct {
	IntervalSecs     int                   `json:"interval_secs"`
	ScanIntervalSecs int                   `json:"scan_interval_secs"`
	Sources          map[string]SyncSource `json:"sources"`
}

// SyncSource is a scheduled bulk pull of one upstream source.
type SyncSource struct {
	Cron     string   `json:"cron,omitempty"`     // five-field cron spec
	Interval int      `json:"interval_secs,omitempty"`
	Items    []string `json:"items,omitempty"`
	Enabled  bool     `json:"enabled"`
}

type HealthConfig struct {
	IntervalSecs     int `json:"interval_secs"`
	TimeoutSecs      int `json:"timeout_secs"`
	FailureThreshold int `json:"failure_threshold"`
	SlowMillis       int `json:"slow_millis"`
}

type PrewarmConfig struct {
	BatchSize   int `json:"batch_size"`
	MaxAttempts int `json:"max_attempts"`
}

type MonitorConfig struct {
	IntervalSecs int `json:"interval_secs"`
	RetentionHrs int `json:"retention_hrs"`
}

type CacheConfig struct {
	DefaultTTLSecs  int `json:"default_ttl_secs"`
	SweepSecs       int `json:"sweep_secs"`
	FetchTimeout    int `json:"fetch_timeout_secs"`
	ArtifactTimeout int `json:"artifact_timeout_secs"`
}

// Defaults returns the built-in configuration as a mergeable map.
func Defaults() map[string]any {
	return map[string]any{
		"listen":             ":8080",
		"base_dir":           "./data",
		"access_log":         "./data/access.log",
		"enable_dir_listing": true,
		"max_upload_size":    int64(1 << 30),
		"graceful_timeout":   30,
		"session_secret":     "",
		"token_secret":       "",
		"db": map[string]any{
			"type":         "sqlite",
			"path":         "./data/mirror.db",
			"table_prefix": "",
			"pool_size":    10,
			"recycle_secs": 3600,
		},
		"auth": map[string]any{
			"enabled":          true,
			"session_cookie":   "mirror_session",
			"session_ttl_secs": 86400,
			"rate_limit":       0,
			"lock_threshold":   5,
			"lock_secs":        900,
		},
		"mirrors": map[string]any{},
		"sync": map[string]any{
			"interval_secs":      10,
			"scan_interval_secs": 300,
		},
		"health": map[string]any{
			"interval_secs":     60,
			"timeout_secs":      10,
			"failure_threshold": 3,
			"slow_millis":       5000,
		},
		"prewarm": map[string]any{
			"batch_size":   8,
			"max_attempts": 2,
		},
		"monitor": map[string]any{
			"interval_secs": 60,
			"retention_hrs": 72,
		},
		"cache": map[string]any{
			"default_ttl_secs":      1800,
			"sweep_secs":            600,
			"fetch_timeout_secs":    30,
			"artifact_timeout_secs": 120,
		},
	}
}

// DeepMerge merges src into dst recursively. Nested maps merge key-wise; any
// other value in src replaces the value in dst. dst is modified and returned.
func DeepMerge(dst, src map[string]any) map[string]any {
	for k, sv := range src {
		if sm, ok := sv.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				dst[k] = DeepMerge(dm, sm)
				continue
			}
		}
		dst[k] = sv
	}
	return dst
}

// envOverlay maps DB_* environment variables onto the db section.
func envOverlay(raw map[string]any) {
	db, _ := raw["db"].(map[string]any)
	if db == nil {
		db = map[string]any{}
		raw["db"] = db
	}
	for env, key := range map[string]string{
		"DB_TYPE":         "type",
		"DB_PATH":         "path",
		"DB_HOST":         "host",
		"DB_NAME":         "name",
		"DB_USER":         "user",
		"DB_PASS":         "pass",
		"DB_CONN_STR":     "conn_str",
		"DB_TABLE_PREFIX": "table_prefix",
	} {
		if v := os.Getenv(env); v != "" {
			db[key] = v
		}
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			db["port"] = n
		}
	}
}

func decode(raw map[string]any) (*Config, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.Wrap(err, "encoding merged config")
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrap(err, "decoding merged config")
	}
	return &cfg, nil
}

func readFile(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := map[string]any{}
	if strings.HasSuffix(path, ".toml") {
		if err := toml.Unmarshal(b, &raw); err != nil {
			return nil, errors.Wrap(err, "parsing toml config")
		}
		return raw, nil
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, errors.Wrap(err, "parsing json config")
	}
	return raw, nil
}

// Change records one applied configuration mutation for the change log.
type Change struct {
	Time   time.Time      `json:"time"`
	Source string         `json:"source"` // file, api, reload
	Keys   []string       `json:"keys"`
}

// Manager owns the current Config and its persistence.
type Manager struct {
	path    string
	current atomic.Pointer[Config]

	mu      sync.Mutex // guards raw, changes, and file writes
	raw     map[string]any
	changes []Change
}

// Load builds a Manager from the settings file at path. A missing file is not
// an error; defaults plus environment apply.
func Load(path string) (*Manager, error) {
	m := &Manager{path: path}
	if err := m.reloadLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) reloadLocked() error {
	raw := Defaults()
	if m.path != "" {
		if fileRaw, err := readFile(m.path); err == nil {
			raw = DeepMerge(raw, fileRaw)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	envOverlay(raw)
	cfg, err := decode(raw)
	if err != nil {
		return err
	}
	m.raw = raw
	m.current.Store(cfg)
	return nil
}

// Get returns the current immutable configuration record.
func (m *Manager) Get() *Config {
	return m.current.Load()
}

// Path returns the settings file path.
func (m *Manager) Path() string { return m.path }

// Reload re-reads the settings file and swaps the record atomically.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.reloadLocked(); err != nil {
		return err
	}
	m.changes = append(m.changes, Change{Time: time.Now(), Source: "reload"})
	return nil
}

// Update deep-merges patch into the persisted settings and swaps the record.
func (m *Manager) Update(patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	persisted := map[string]any{}
	if m.path != "" {
		if fileRaw, err := readFile(m.path); err == nil {
			persisted = fileRaw
		}
	}
	persisted = DeepMerge(persisted, patch)
	if m.path != "" {
		if err := writeFileAtomic(m.path, persisted); err != nil {
			return err
		}
	}
	raw := DeepMerge(Defaults(), persisted)
	envOverlay(raw)
	cfg, err := decode(raw)
	if err != nil {
		return err
	}
	m.raw = raw
	m.current.Store(cfg)
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	m.changes = append(m.changes, Change{Time: time.Now(), Source: "api", Keys: keys})
	return nil
}

// Changes returns the applied change log, most recent last.
func (m *Manager) Changes() []Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Change, len(m.changes))
	copy(out, m.changes)
	return out
}

// Raw returns a copy of the merged configuration map.
func (m *Manager) Raw() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, _ := json.Marshal(m.raw)
	out := map[string]any{}
	_ = json.Unmarshal(b, &out)
	return out
}

func writeFileAtomic(path string, obj map[string]any) error {
	b, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding settings")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
