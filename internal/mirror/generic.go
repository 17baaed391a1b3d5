// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"net/http"
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/HEXIkx/mirror-server/internal/fetcher"
	"github.com/HEXIkx/mirror-server/internal/urlx"
)

// contentTypes maps known artifact extensions; anything else is served as an
// opaque byte stream.
var contentTypes = map[string]string{
	".jar":    "application/java-archive",
	".pom":    "application/xml",
	".xml":    "application/xml",
	".json":   "application/json",
	".whl":    "application/octet-stream",
	".crate":  "application/octet-stream",
	".nupkg":  "application/zip",
	".zip":    "application/zip",
	".gz":     "application/gzip",
	".tgz":    "application/gzip",
	".xz":     "application/x-xz",
	".zst":    "application/zstd",
	".bz2":    "application/x-bzip2",
	".deb":    "application/vnd.debian.binary-package",
	".rpm":    "application/x-rpm",
	".txt":    "text/plain; charset=utf-8",
	".html":   "text/html; charset=utf-8",
	".sig":    "application/pgp-signature",
	".asc":    "application/pgp-signature",
	".sha256": "text/plain; charset=utf-8",
	".md5":    "text/plain; charset=utf-8",
}

// Generic proxies any ecosystem that needs no link rewriting (Maven, Cargo,
// NuGet, CRAN, and the like): cached-file-first at the requested path, else a
// plain passthrough of base + subpath. Range requests bypass the cache and
// relay the upstream partial response.
type Generic struct {
	base
}

var _ Adapter = &Generic{}

// NewGeneric builds a pass-through adapter named after its ecosystem.
func NewGeneric(deps Deps, eco string) *Generic {
	return &Generic{base{deps: deps, eco: eco}}
}

func (g *Generic) Handle(w http.ResponseWriter, r *http.Request, subpath string) error {
	subpath = strings.Trim(subpath, "/")
	if subpath == "" {
		return BadRequestf("empty path")
	}
	for _, seg := range strings.Split(subpath, "/") {
		if !urlx.SafeSegment(seg) {
			return BadRequestf("bad path %q", subpath)
		}
	}
	contentType := contentTypes[strings.ToLower(path.Ext(subpath))]

	if rng := r.Header.Get("Range"); rng != "" {
		return g.relayRange(w, r, subpath, rng, contentType)
	}

	e, err := g.cachedOrFetch(r, g.key(subpath), subpath,
		fetcher.Options{Timeout: g.fetchTimeout(true)}, g.blobTTL())
	if err != nil {
		return err
	}
	g.serve(w, r, e, contentType, false)
	return nil
}

// relayRange forwards a ranged request upstream without touching the cache;
// partial bodies are never stored.
func (g *Generic) relayRange(w http.ResponseWriter, r *http.Request, subpath, rng, contentType string) error {
	ups := g.upstreams()
	if len(ups) == 0 {
		return herror{errors.Errorf("no upstream configured for %s", g.eco), http.StatusBadGateway}
	}
	var lastErr error
	for _, up := range ups {
		g.deps.Metrics.UpstreamRequest(g.eco)
		res, err := g.deps.Fetcher.Fetch(r.Context(), joinURL(up.URL, subpath),
			fetcher.Options{Timeout: g.fetchTimeout(true), Range: rng})
		if err != nil {
			if fetcher.IsNotFound(err) {
				return herror{err, http.StatusNotFound}
			}
			lastErr = err
			continue
		}
		if contentType == "" {
			contentType = res.ContentType
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		if cr := res.Header.Get("Content-Range"); cr != "" {
			w.Header().Set("Content-Range", cr)
		}
		w.WriteHeader(res.Status)
		_, werr := w.Write(res.Body)
		g.recordDownload(r, int64(len(res.Body)), 0, werr == nil, "")
		return nil
	}
	return herror{errors.Wrapf(lastErr, "all upstreams failed for %s", g.eco), http.StatusBadGateway}
}
