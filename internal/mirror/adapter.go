// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package mirror implements the per-ecosystem protocol adapters.
//
// Every adapter translates a client request into a cache key and an upstream
// URL, serves hits from the content store, and fills misses through the
// single-flight fetcher. Adapters differ only in URL grammar, content-type
// conventions, link rewriting, and freshness policy.
package mirror

import (
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/HEXIkx/mirror-server/internal/config"
	"github.com/HEXIkx/mirror-server/internal/fetcher"
	"github.com/HEXIkx/mirror-server/internal/health"
	"github.com/HEXIkx/mirror-server/internal/metadb"
	"github.com/HEXIkx/mirror-server/internal/store"
)

// Adapter is one ecosystem's protocol translator.
type Adapter interface {
	// Name is the ecosystem identifier (also the store prefix).
	Name() string
	// Handle serves one request. subpath is the request path with the
	// ecosystem prefix stripped and no leading slash.
	Handle(w http.ResponseWriter, r *http.Request, subpath string) error
	// CacheStats reports cached file count and bytes for this ecosystem.
	CacheStats() (files int, bytes int64)
}

// herror carries an HTTP status alongside an error.
type herror struct {
	error
	status int
}

// Status extracts the HTTP status for an adapter error, defaulting to 500.
func Status(err error) int {
	if he, ok := err.(herror); ok {
		return he.status
	}
	return http.StatusInternalServerError
}

// NotFoundf builds a 404 adapter error.
func NotFoundf(format string, args ...any) error {
	return herror{errors.Errorf(format, args...), http.StatusNotFound}
}

// BadRequestf builds a 400 adapter error.
func BadRequestf(format string, args ...any) error {
	return herror{errors.Errorf(format, args...), http.StatusBadRequest}
}

// Deps bundles the collaborators shared by all adapters.
type Deps struct {
	Store   *store.Store
	Fetcher *fetcher.Fetcher
	Health  *health.Checker
	DB      *metadb.DB
	Metrics *Metrics
	Log     *zap.Logger
	Config  func() *config.Config
}

// base provides the cache-or-fetch discipline shared by the adapters.
type base struct {
	deps Deps
	eco  string

	// retryNotFound consults the remaining upstreams on a 404 instead of
	// trusting the first answer. OS archive mirrors lag each other;
	// registries and content-addressed stores do not.
	retryNotFound bool
}

func (b *base) Name() string { return b.eco }

func (b *base) CacheStats() (int, int64) {
	return b.deps.Store.StatsUnder(b.eco)
}

func (b *base) mirrorConfig() config.MirrorConfig {
	cfg := b.deps.Config()
	return cfg.Mirrors[b.eco]
}

// ttl returns the index TTL for this ecosystem.
func (b *base) ttl() time.Duration {
	m := b.mirrorConfig()
	if m.TTLSecs > 0 {
		return time.Duration(m.TTLSecs) * time.Second
	}
	if d := b.deps.Config().Cache.DefaultTTLSecs; d > 0 {
		return time.Duration(d) * time.Second
	}
	return 30 * time.Minute
}

// blobTTL returns the artifact TTL; zero means cache forever.
func (b *base) blobTTL() time.Duration {
	m := b.mirrorConfig()
	return time.Duration(m.BlobTTL) * time.Second
}

// upstreams returns the upstream list in failover order.
func (b *base) upstreams() []config.UpstreamConfig {
	if b.deps.Health != nil {
		if ups := b.deps.Health.Upstreams(b.eco); len(ups) > 0 {
			return ups
		}
	}
	return b.mirrorConfig().Upstreams
}

func (b *base) fetchTimeout(artifact bool) time.Duration {
	c := b.deps.Config().Cache
	if artifact {
		if c.ArtifactTimeout > 0 {
			return time.Duration(c.ArtifactTimeout) * time.Second
		}
		return 120 * time.Second
	}
	if c.FetchTimeout > 0 {
		return time.Duration(c.FetchTimeout) * time.Second
	}
	return 30 * time.Second
}

// key builds a store key under the ecosystem prefix.
func (b *base) key(parts ...string) string {
	k := b.eco
	for _, p := range parts {
		k += "/" + p
	}
	return k
}

// transform rewrites a fetched upstream body before it is cached and served.
// It returns the final bytes and content type.
type transform func(res *fetcher.Result) ([]byte, string, error)

// cachedOrFetch serves key from the store, or fetches subpath from the first
// responsive upstream and caches the result.
func (b *base) cachedOrFetch(r *http.Request, key, subpath string, opts fetcher.Options, ttl time.Duration) (*store.Entry, error) {
	urls := make([]string, 0, 2)
	for _, up := range b.upstreams() {
		urls = append(urls, joinURL(up.URL, subpath))
	}
	return b.fill(r, key, urls, opts, ttl, nil)
}

// fill serves key from the store, or tries each candidate URL in order,
// applies the optional transform, caches the result, and returns it. Error
// responses are never cached; a failed cache write never fails the response.
func (b *base) fill(r *http.Request, key string, urls []string, opts fetcher.Options, ttl time.Duration, tf transform) (*store.Entry, error) {
	if e, err := b.deps.Store.Lookup(key); err == nil {
		b.deps.Metrics.CacheHit(b.eco)
		if b.deps.DB != nil {
			_ = b.deps.DB.RecordCacheHit(key)
		}
		return e, nil
	}
	b.deps.Metrics.CacheMiss(b.eco)

	if len(urls) == 0 {
		return nil, herror{errors.Errorf("no upstream configured for %s", b.eco), http.StatusBadGateway}
	}
	var lastErr error
	for i, url := range urls {
		b.deps.Metrics.UpstreamRequest(b.eco)
		res, err := b.deps.Fetcher.Fetch(r.Context(), url, opts)
		if err != nil {
			if fetcher.IsNotFound(err) {
				if b.retryNotFound && i < len(urls)-1 {
					lastErr = err
					continue
				}
				return nil, herror{err, http.StatusNotFound}
			}
			lastErr = err
			continue
		}
		body, contentType := res.Body, res.ContentType
		if tf != nil {
			body, contentType, err = tf(res)
			if err != nil {
				lastErr = err
				continue
			}
		}
		b.store(key, body, contentType, ttl)
		return &store.Entry{Bytes: body, ContentType: contentType}, nil
	}
	return nil, herror{errors.Wrapf(lastErr, "all upstreams failed for %s", b.eco), http.StatusBadGateway}
}

// store caches a successful upstream response; failure is logged and
// swallowed.
func (b *base) store(key string, body []byte, contentType string, ttl time.Duration) {
	if err := b.deps.Store.Put(key, body, contentType, ttl); err != nil {
		b.deps.Log.Warn("cache write failed",
			zap.String("key", key), zap.Error(err))
		return
	}
	if b.deps.DB != nil {
		_ = b.deps.DB.UpsertCacheRecord(&metadb.CacheRecord{
			CacheKey:  key,
			CacheType: b.eco,
			FileSize:  int64(len(body)),
		})
	}
}

// serve writes an entry to the client with the given content type, recording
// the download unless isListing.
func (b *base) serve(w http.ResponseWriter, r *http.Request, e *store.Entry, contentType string, isListing bool) {
	start := time.Now()
	if contentType == "" {
		contentType = e.ContentType
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(e.Bytes)))
	_, werr := w.Write(e.Bytes)
	if !isListing {
		b.recordDownload(r, int64(len(e.Bytes)), time.Since(start), werr == nil, "")
	}
}

func (b *base) recordDownload(r *http.Request, size int64, dur time.Duration, success bool, errMsg string) {
	b.deps.Metrics.Download(b.eco)
	if b.deps.DB == nil {
		return
	}
	rec := &metadb.DownloadRecord{
		FilePath:   r.URL.Path,
		FileSize:   size,
		DurationMS: dur.Milliseconds(),
		Success:    success,
	}
	rec.ClientIP.String, rec.ClientIP.Valid = clientIP(r), true
	rec.UserAgent.String, rec.UserAgent.Valid = r.UserAgent(), r.UserAgent() != ""
	rec.ErrorMessage.String, rec.ErrorMessage.Valid = errMsg, errMsg != ""
	if err := b.deps.DB.RecordDownload(rec); err != nil {
		b.deps.Log.Warn("download record failed", zap.Error(err))
	}
	_ = b.deps.DB.TouchAccess(r.URL.Path)
}
