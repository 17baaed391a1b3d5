// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"encoding/xml"
	"net/http"
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/HEXIkx/mirror-server/internal/fetcher"
)

// YUM mirrors RPM repositories. repomd.xml is the repository index; the
// databases it names carry checksum-prefixed filenames, so a request for
// "primary", "filelists", or "other" is resolved through repomd.xml before
// hitting the upstream.
type YUM struct {
	base
}

var _ Adapter = &YUM{}

func NewYUM(deps Deps) *YUM {
	return &YUM{base{deps: deps, eco: "yum", retryNotFound: true}}
}

// repomd models the subset of repomd.xml needed to resolve database hrefs.
type repomd struct {
	Data []struct {
		Type     string `xml:"type,attr"`
		Location struct {
			Href string `xml:"href,attr"`
		} `xml:"location"`
	} `xml:"data"`
}

func (y *YUM) Handle(w http.ResponseWriter, r *http.Request, subpath string) error {
	subpath = strings.Trim(subpath, "/")
	if subpath == "" || strings.Contains(subpath, "..") {
		return BadRequestf("bad repo path %q", subpath)
	}
	name := path.Base(subpath)
	switch {
	case name == "repomd.xml" || name == "repomd.xml.asc" || name == "repomd.xml.key":
		e, err := y.cachedOrFetch(r, y.key(subpath), subpath,
			fetcher.Options{Timeout: y.fetchTimeout(false)}, y.ttl())
		if err != nil {
			return err
		}
		y.serve(w, r, e, "application/xml", false)
		return nil
	case strings.Contains(subpath, "/repodata/"):
		return y.handleDatabase(w, r, subpath)
	}
	// Package payloads (.rpm and friends) are immutable.
	e, err := y.cachedOrFetch(r, y.key(subpath), subpath,
		fetcher.Options{Timeout: y.fetchTimeout(true)}, y.blobTTL())
	if err != nil {
		return err
	}
	y.serve(w, r, e, "application/x-rpm", false)
	return nil
}

// handleDatabase resolves a repodata request through repomd.xml. The request
// names the database kind (its filename contains "primary", "filelists", or
// "other"); the actual upstream filename carries a checksum prefix.
func (y *YUM) handleDatabase(w http.ResponseWriter, r *http.Request, subpath string) error {
	repoRoot := subpath[:strings.Index(subpath, "/repodata/")]
	kind := databaseKind(path.Base(subpath))
	if kind == "" {
		// Checksum-named file requested directly; plain passthrough.
		e, err := y.cachedOrFetch(r, y.key(subpath), subpath,
			fetcher.Options{Timeout: y.fetchTimeout(false)}, y.ttl())
		if err != nil {
			return err
		}
		y.serve(w, r, e, "", false)
		return nil
	}

	md, err := y.loadRepomd(r, repoRoot)
	if err != nil {
		return err
	}
	href := ""
	for _, d := range md.Data {
		if d.Type == kind {
			href = d.Location.Href
			break
		}
	}
	if href == "" {
		return NotFoundf("repomd.xml has no %q database", kind)
	}
	resolved := repoRoot + "/" + strings.TrimPrefix(href, "/")
	e, err := y.cachedOrFetch(r, y.key(resolved), resolved,
		fetcher.Options{Timeout: y.fetchTimeout(false)}, y.ttl())
	if err != nil {
		return err
	}
	y.serve(w, r, e, "", false)
	return nil
}

func (y *YUM) loadRepomd(r *http.Request, repoRoot string) (*repomd, error) {
	sub := repoRoot + "/repodata/repomd.xml"
	e, err := y.cachedOrFetch(r, y.key(sub), sub,
		fetcher.Options{Timeout: y.fetchTimeout(false)}, y.ttl())
	if err != nil {
		return nil, err
	}
	var md repomd
	if err := xml.Unmarshal(e.Bytes, &md); err != nil {
		return nil, herror{errors.Wrap(err, "parsing repomd.xml"), http.StatusBadGateway}
	}
	return &md, nil
}

// databaseKind maps a requested repodata filename to its repomd data type.
// Checksum-prefixed filenames return "" (they are addressed directly).
func databaseKind(name string) string {
	trimmed := name
	for _, ext := range []string{".gz", ".xz", ".bz2", ".zst", ".xml", ".sqlite"} {
		trimmed = strings.TrimSuffix(trimmed, ext)
	}
	switch trimmed {
	case "primary", "filelists", "other", "primary_db", "filelists_db", "other_db":
		return trimmed
	}
	return ""
}
