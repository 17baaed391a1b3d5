// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/HEXIkx/mirror-server/internal/fetcher"
	"github.com/HEXIkx/mirror-server/internal/store"
)

// GoProxy mirrors the Go module proxy protocol: @v/list, version .info, .mod
// and .zip payloads, and @latest. Two extensions: @list reports the module's
// direct dependencies parsed from its go.mod, and a missing .sum answers an
// empty 200 (absence of a checksum is a valid state).
type GoProxy struct {
	base
}

var _ Adapter = &GoProxy{}

func NewGoProxy(deps Deps) *GoProxy {
	return &GoProxy{base{deps: deps, eco: "goproxy"}}
}

func (g *GoProxy) Handle(w http.ResponseWriter, r *http.Request, subpath string) error {
	subpath = strings.Trim(subpath, "/")
	switch {
	case strings.HasSuffix(subpath, "/@latest"):
		mod := strings.TrimSuffix(subpath, "/@latest")
		return g.passthrough(w, r, subpath, g.key(mod, "@latest"), "application/json", g.ttl(), false)
	case strings.HasSuffix(subpath, "/@list"), strings.HasSuffix(subpath, "/@all"):
		mod := subpath[:strings.LastIndex(subpath, "/@")]
		return g.handleDeps(w, r, mod)
	}
	i := strings.Index(subpath, "/@v/")
	if i < 0 {
		return NotFoundf("unknown proxy path %q", subpath)
	}
	mod, file := subpath[:i], subpath[i+len("/@v/"):]
	if mod == "" || file == "" {
		return BadRequestf("bad proxy path %q", subpath)
	}
	key := g.key(mod, "@v", file)
	switch {
	case file == "list":
		return g.passthrough(w, r, subpath, key, "text/plain; charset=utf-8", g.ttl(), false)
	case strings.HasSuffix(file, ".info"):
		return g.passthrough(w, r, subpath, key, "application/json", g.ttl(), false)
	case strings.HasSuffix(file, ".mod"):
		return g.passthrough(w, r, subpath, key, "text/plain; charset=utf-8", g.ttl(), false)
	case strings.HasSuffix(file, ".zip"):
		return g.passthrough(w, r, subpath, key, "application/zip", g.blobTTL(), true)
	case strings.HasSuffix(file, ".sum"):
		e, err := g.fetchEntry(r, subpath, key, g.ttl(), false)
		if Status(err) == http.StatusNotFound {
			// No recorded checksum is a valid answer.
			e, err = &store.Entry{Bytes: nil}, nil
		}
		if err != nil {
			return err
		}
		g.serve(w, r, e, "text/plain; charset=utf-8", false)
		return nil
	}
	return NotFoundf("unknown proxy file %q", file)
}

func (g *GoProxy) passthrough(w http.ResponseWriter, r *http.Request, subpath, key, contentType string, ttl time.Duration, artifact bool) error {
	e, err := g.fetchEntry(r, subpath, key, ttl, artifact)
	if err != nil {
		return err
	}
	g.serve(w, r, e, contentType, false)
	return nil
}

func (g *GoProxy) fetchEntry(r *http.Request, subpath, key string, ttl time.Duration, artifact bool) (*store.Entry, error) {
	return g.cachedOrFetch(r, key, subpath,
		fetcher.Options{Timeout: g.fetchTimeout(artifact)}, ttl)
}

// handleDeps answers @list/@all with the module's direct dependencies,
// resolved by fetching @latest and parsing the corresponding go.mod.
func (g *GoProxy) handleDeps(w http.ResponseWriter, r *http.Request, mod string) error {
	latest, err := g.fetchEntry(r, mod+"/@latest", g.key(mod, "@latest"), g.ttl(), false)
	if err != nil {
		return err
	}
	var info struct {
		Version string `json:"Version"`
	}
	if err := json.Unmarshal(latest.Bytes, &info); err != nil || info.Version == "" {
		return herror{errors.New("bad @latest document"), http.StatusBadGateway}
	}
	modFile := mod + "/@v/" + info.Version + ".mod"
	gomod, err := g.fetchEntry(r, modFile, g.key(mod, "@v", info.Version+".mod"), g.ttl(), false)
	if err != nil {
		return err
	}
	deps := parseRequires(gomod.Bytes)
	body := strings.Join(deps, "\n")
	if body != "" {
		body += "\n"
	}
	g.serve(w, r, &store.Entry{Bytes: []byte(body)}, "text/plain; charset=utf-8", true)
	return nil
}

// parseRequires extracts "module version" pairs from a go.mod, handling both
// grouped require blocks and inline require lines.
func parseRequires(gomod []byte) []string {
	var out []string
	inBlock := false
	sc := bufio.NewScanner(bytes.NewReader(gomod))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if i := strings.Index(line, "//"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		switch {
		case line == "":
			continue
		case inBlock:
			if line == ")" {
				inBlock = false
				continue
			}
			if f := strings.Fields(line); len(f) >= 2 {
				out = append(out, f[0]+" "+f[1])
			}
		case line == "require (":
			inBlock = true
		case strings.HasPrefix(line, "require "):
			if f := strings.Fields(strings.TrimPrefix(line, "require ")); len(f) >= 2 {
				out = append(out, f[0]+" "+f[1])
			}
		}
	}
	return out
}
