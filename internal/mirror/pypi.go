// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/HEXIkx/mirror-server/internal/fetcher"
)

const simpleV1JSON = "application/vnd.pypi.simple.v1+json"

// PyPI mirrors the Python package index: /simple/ indexes, /packages/
// artifacts, and the per-project JSON API. Index pages are rewritten so every
// artifact link points back at this server.
type PyPI struct {
	base
}

var _ Adapter = &PyPI{}

func NewPyPI(deps Deps) *PyPI {
	return &PyPI{base{deps: deps, eco: "pypi"}}
}

func (p *PyPI) Handle(w http.ResponseWriter, r *http.Request, subpath string) error {
	segs := strings.SplitN(subpath, "/", 2)
	switch segs[0] {
	case "simple":
		rest := ""
		if len(segs) == 2 {
			rest = segs[1]
		}
		return p.handleSimple(w, r, strings.Trim(rest, "/"))
	case "packages":
		if len(segs) != 2 || segs[1] == "" {
			return NotFoundf("missing artifact path")
		}
		return p.handleArtifact(w, r, subpath)
	case "pypi", "web":
		parts := strings.Split(subpath, "/")
		if len(parts) != 3 || parts[2] != "json" {
			return NotFoundf("unknown pypi path %q", subpath)
		}
		return p.handleProjectJSON(w, r, parts[1])
	}
	return NotFoundf("unknown pypi path %q", subpath)
}

// handleSimple serves the root index (pkg == "") or a per-package index,
// negotiating HTML vs PEP 691 JSON on the Accept header.
func (p *PyPI) handleSimple(w http.ResponseWriter, r *http.Request, pkg string) error {
	wantJSON := strings.Contains(r.Header.Get("Accept"), simpleV1JSON)

	name := pkg
	if name == "" {
		name = "_root"
	}
	contentType := "text/html; charset=utf-8"
	accept := "text/html"
	if wantJSON {
		name += ".v1.json"
		contentType = simpleV1JSON
		accept = simpleV1JSON
	}
	key := p.key("simple", name)

	urls := make([]string, 0, 2)
	for _, up := range p.upstreams() {
		u := joinURL(simpleBase(up.URL), pkg)
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		urls = append(urls, u)
	}
	opts := fetcher.Options{Timeout: p.fetchTimeout(false), Accept: accept}
	e, err := p.fill(r, key, urls, opts, p.ttl(), func(res *fetcher.Result) ([]byte, string, error) {
		if wantJSON {
			body, err := rewriteURLFields(res.Body)
			return body, contentType, err
		}
		return rewritePyPIHTML(res.Body), contentType, nil
	})
	if err != nil {
		return err
	}
	p.serve(w, r, e, contentType, true)
	return nil
}

func (p *PyPI) handleArtifact(w http.ResponseWriter, r *http.Request, subpath string) error {
	key := p.key(subpath)
	urls := make([]string, 0, 2)
	for _, up := range p.upstreams() {
		urls = append(urls, joinURL(filesBase(up.URL), subpath))
	}
	opts := fetcher.Options{Timeout: p.fetchTimeout(true)}
	e, err := p.fill(r, key, urls, opts, p.blobTTL(), nil)
	if err != nil {
		return err
	}
	p.serve(w, r, e, "", false)
	return nil
}

func (p *PyPI) handleProjectJSON(w http.ResponseWriter, r *http.Request, pkg string) error {
	key := p.key("web", pkg+".json")
	urls := make([]string, 0, 2)
	for _, up := range p.upstreams() {
		site := strings.TrimSuffix(strings.TrimRight(up.URL, "/"), "/simple")
		urls = append(urls, joinURL(site, "pypi/"+pkg+"/json"))
	}
	opts := fetcher.Options{Timeout: p.fetchTimeout(false), Accept: "application/json"}
	e, err := p.fill(r, key, urls, opts, p.ttl(), func(res *fetcher.Result) ([]byte, string, error) {
		body, err := rewriteURLFields(res.Body)
		return body, "application/json", err
	})
	if err != nil {
		return err
	}
	p.serve(w, r, e, "application/json", true)
	return nil
}

// simpleBase normalises an upstream base to its /simple root.
func simpleBase(upstream string) string {
	u := strings.TrimRight(upstream, "/")
	if strings.HasSuffix(u, "/simple") {
		return u
	}
	return u + "/simple"
}

// filesBase normalises an upstream base to its artifact root. The canonical
// index hosts artifacts on a separate domain.
func filesBase(upstream string) string {
	u := strings.TrimSuffix(strings.TrimRight(upstream, "/"), "/simple")
	if parsed, err := url.Parse(u); err == nil && parsed.Host == "pypi.org" {
		return "https://files.pythonhosted.org"
	}
	return u
}

var hrefRE = regexp.MustCompile(`href="([^"]+)"`)

// rewritePyPIHTML rewrites every artifact href in an index page to a local
// /packages/ path, adding an #egg fragment derived from the filename when the
// upstream link carries none.
func rewritePyPIHTML(body []byte) []byte {
	return hrefRE.ReplaceAllFunc(body, func(m []byte) []byte {
		raw := string(m[len(`href="`) : len(m)-1])
		return []byte(`href="` + rewriteArtifactURL(raw, true) + `"`)
	})
}

// rewriteArtifactURL maps an upstream artifact URL (absolute or relative) to
// the local /packages/ path. Non-artifact URLs pass through; absolute /simple/
// links are made local. html selects HTML fragment rules (keep or synthesise
// #egg) vs JSON rules (strip fragments).
func rewriteArtifactURL(raw string, html bool) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	idx := strings.Index(u.Path, "/packages/")
	if idx < 0 {
		if u.IsAbs() {
			if si := strings.Index(u.Path, "/simple/"); si >= 0 {
				return u.Path[si:]
			}
		}
		return raw
	}
	local := u.Path[idx:]
	if !html {
		return local
	}
	frag := u.Fragment
	if !strings.HasPrefix(frag, "egg=") {
		if egg := eggFragment(path.Base(local)); egg != "" {
			frag = "egg=" + egg
		}
	}
	if frag == "" {
		return local
	}
	return local + "#" + frag
}

// eggFragment derives <name>-<version> from a wheel or sdist filename.
func eggFragment(filename string) string {
	switch {
	case strings.HasSuffix(filename, ".whl"):
		parts := strings.SplitN(filename, "-", 3)
		if len(parts) >= 2 {
			return parts[0] + "-" + parts[1]
		}
	case strings.HasSuffix(filename, ".tar.gz"):
		return strings.TrimSuffix(filename, ".tar.gz")
	case strings.HasSuffix(filename, ".zip"):
		return strings.TrimSuffix(filename, ".zip")
	}
	return ""
}

// rewriteURLFields rewrites every "url" field in a JSON document (PEP 691
// file lists and the per-project JSON API share this shape) to a local
// /packages/ path with fragments stripped.
func rewriteURLFields(body []byte) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errors.Wrap(err, "parsing upstream json")
	}
	walkURLFields(doc)
	return json.Marshal(doc)
}

func walkURLFields(v any) {
	switch t := v.(type) {
	case map[string]any:
		if s, ok := t["url"].(string); ok {
			t["url"] = rewriteArtifactURL(s, false)
		}
		for _, child := range t {
			walkURLFields(child)
		}
	case []any:
		for _, child := range t {
			walkURLFields(child)
		}
	}
}
