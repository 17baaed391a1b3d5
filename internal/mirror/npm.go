// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/HEXIkx/mirror-server/internal/fetcher"
)

// NPM mirrors the node registry: package metadata documents and tarballs.
// Scoped names keep their @scope/ prefix in both URLs and cache keys.
// Metadata documents are rewritten so dist.tarball URLs point back at this
// server under pathPrefix.
type NPM struct {
	base
	pathPrefix string
}

var _ Adapter = &NPM{}

func NewNPM(deps Deps, pathPrefix string) *NPM {
	return &NPM{base: base{deps: deps, eco: "npm"}, pathPrefix: strings.TrimRight(pathPrefix, "/")}
}

func (n *NPM) Handle(w http.ResponseWriter, r *http.Request, subpath string) error {
	subpath = strings.Trim(subpath, "/")
	if subpath == "" {
		return BadRequestf("missing package name")
	}
	if i := strings.Index(subpath, "/-/"); i >= 0 {
		return n.handleTarball(w, r, subpath[:i], subpath[i+len("/-/"):])
	}
	pkg, version := splitNPMPath(subpath)
	if pkg == "" {
		return BadRequestf("bad package path %q", subpath)
	}
	return n.handleMetadata(w, r, pkg, version)
}

// splitNPMPath separates "<pkg>[/<version>]", where a scoped pkg is
// "@scope/name".
func splitNPMPath(p string) (pkg, version string) {
	segs := strings.Split(p, "/")
	want := 1
	if strings.HasPrefix(p, "@") {
		want = 2
	}
	if len(segs) < want || len(segs) > want+1 {
		return "", ""
	}
	pkg = strings.Join(segs[:want], "/")
	if len(segs) == want+1 {
		version = segs[want]
	}
	return pkg, version
}

func (n *NPM) handleMetadata(w http.ResponseWriter, r *http.Request, pkg, version string) error {
	ver := version
	if ver == "" {
		ver = "latest"
	}
	key := n.key("package", pkg, ver)
	sub := pkg
	if version != "" {
		sub += "/" + version
	}
	urls := make([]string, 0, 2)
	for _, up := range n.upstreams() {
		urls = append(urls, joinURL(up.URL, sub))
	}
	opts := fetcher.Options{Timeout: n.fetchTimeout(false), Accept: "application/json"}
	e, err := n.fill(r, key, urls, opts, n.ttl(), func(res *fetcher.Result) ([]byte, string, error) {
		body, err := n.rewriteTarballs(res.Body)
		return body, "application/json", err
	})
	if err != nil {
		return err
	}
	n.serve(w, r, e, "application/json", true)
	return nil
}

func (n *NPM) handleTarball(w http.ResponseWriter, r *http.Request, pkg, filename string) error {
	key := n.key("tarball", pkg, filename)
	sub := pkg + "/-/" + filename
	urls := make([]string, 0, 2)
	for _, up := range n.upstreams() {
		urls = append(urls, joinURL(up.URL, sub))
	}
	opts := fetcher.Options{Timeout: n.fetchTimeout(true)}
	e, err := n.fill(r, key, urls, opts, n.blobTTL(), nil)
	if err != nil {
		return err
	}
	n.serve(w, r, e, "application/octet-stream", false)
	return nil
}

// rewriteTarballs rewrites every dist.tarball URL in a registry metadata
// document to a local path.
func (n *NPM) rewriteTarballs(body []byte) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errors.Wrap(err, "parsing registry metadata")
	}
	n.walkTarballs(doc)
	return json.Marshal(doc)
}

func (n *NPM) walkTarballs(v any) {
	switch t := v.(type) {
	case map[string]any:
		if s, ok := t["tarball"].(string); ok {
			t["tarball"] = n.localTarballURL(s)
		}
		for _, child := range t {
			n.walkTarballs(child)
		}
	case []any:
		for _, child := range t {
			n.walkTarballs(child)
		}
	}
}

func (n *NPM) localTarballURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || !strings.Contains(u.Path, "/-/") {
		return raw
	}
	return n.pathPrefix + u.Path
}
