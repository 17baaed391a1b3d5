// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"

	"github.com/HEXIkx/mirror-server/internal/fetcher"
	"github.com/HEXIkx/mirror-server/internal/store"
)

const inReleaseBanner = "# Synthesized InRelease: generated from the cached Release file; this copy is NOT cryptographically signed.\n"

// APT mirrors Debian/Ubuntu archives: dists/ index files and pool/ packages.
// Uncompressed Packages requests are satisfied by decompressing the upstream
// Packages.gz (or .xz); a missing upstream InRelease is synthesised from the
// cached Release with an explicit unsigned banner.
type APT struct {
	base
}

var _ Adapter = &APT{}

func NewAPT(deps Deps) *APT {
	return &APT{base{deps: deps, eco: "apt", retryNotFound: true}}
}

func (a *APT) Handle(w http.ResponseWriter, r *http.Request, subpath string) error {
	subpath = strings.Trim(subpath, "/")
	if subpath == "" || strings.Contains(subpath, "..") {
		return BadRequestf("bad archive path %q", subpath)
	}
	name := subpath[strings.LastIndex(subpath, "/")+1:]
	switch {
	case name == "InRelease":
		return a.handleInRelease(w, r, subpath)
	case name == "Packages":
		return a.handlePackagesPlain(w, r, subpath)
	case isDebArtifact(subpath):
		e, err := a.cachedOrFetch(r, a.key(subpath), subpath,
			fetcher.Options{Timeout: a.fetchTimeout(true)}, a.blobTTL())
		if err != nil {
			return err
		}
		a.serve(w, r, e, "application/vnd.debian.binary-package", false)
		return nil
	}
	// Release, Release.gpg, Packages.gz/.xz, Sources, translations, and
	// anything else under dists/ pass through with the index TTL.
	e, err := a.cachedOrFetch(r, a.key(subpath), subpath,
		fetcher.Options{Timeout: a.fetchTimeout(false)}, a.ttl())
	if err != nil {
		return err
	}
	a.serve(w, r, e, "", false)
	return nil
}

// handleInRelease prefers the upstream InRelease; when every upstream says
// 404, it degrades to an unsigned copy built from the Release file.
func (a *APT) handleInRelease(w http.ResponseWriter, r *http.Request, subpath string) error {
	key := a.key(subpath)
	e, err := a.cachedOrFetch(r, key, subpath, fetcher.Options{Timeout: a.fetchTimeout(false)}, a.ttl())
	if err == nil {
		a.serve(w, r, e, "text/plain; charset=utf-8", false)
		return nil
	}
	if Status(err) != http.StatusNotFound {
		return err
	}
	releasePath := strings.TrimSuffix(subpath, "InRelease") + "Release"
	rel, err := a.cachedOrFetch(r, a.key(releasePath), releasePath,
		fetcher.Options{Timeout: a.fetchTimeout(false)}, a.ttl())
	if err != nil {
		return err
	}
	synth := append([]byte(inReleaseBanner), rel.Bytes...)
	a.store(key, synth, "text/plain; charset=utf-8", a.ttl())
	a.serve(w, r, &store.Entry{Bytes: synth}, "text/plain; charset=utf-8", false)
	return nil
}

// handlePackagesPlain serves an uncompressed Packages file by fetching the
// compressed upstream variant and expanding it.
func (a *APT) handlePackagesPlain(w http.ResponseWriter, r *http.Request, subpath string) error {
	key := a.key(subpath)
	opts := fetcher.Options{Timeout: a.fetchTimeout(false)}
	e, err := a.fillFrom(r, key, subpath+".gz", opts, gunzip)
	if Status(err) == http.StatusNotFound {
		e, err = a.fillFrom(r, key, subpath+".xz", opts, unxz)
	}
	if err != nil {
		return err
	}
	a.serve(w, r, e, "text/plain; charset=utf-8", false)
	return nil
}

func (a *APT) fillFrom(r *http.Request, key, subpath string, opts fetcher.Options, expand func([]byte) ([]byte, error)) (*store.Entry, error) {
	urls := make([]string, 0, 2)
	for _, up := range a.upstreams() {
		urls = append(urls, joinURL(up.URL, subpath))
	}
	return a.fill(r, key, urls, opts, a.ttl(), func(res *fetcher.Result) ([]byte, string, error) {
		plain, err := expand(res.Body)
		if err != nil {
			return nil, "", errors.Wrapf(err, "expanding %s", subpath)
		}
		return plain, "text/plain; charset=utf-8", nil
	})
}

func isDebArtifact(p string) bool {
	if strings.Contains(p, "/pool/") || strings.HasPrefix(p, "pool/") {
		return true
	}
	for _, ext := range []string{".deb", ".udeb", ".ddeb", ".dsc", ".orig.tar.gz", ".debian.tar.xz"} {
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	return false
}

func gunzip(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func unxz(b []byte) ([]byte, error) {
	xr, err := xz.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(xr)
}
