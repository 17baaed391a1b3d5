// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/HEXIkx/mirror-server/internal/config"
	"github.com/HEXIkx/mirror-server/internal/fetcher"
	"github.com/HEXIkx/mirror-server/internal/httpx/httpxtest"
	"github.com/HEXIkx/mirror-server/internal/store"
)

func testDeps(t *testing.T, client *httpxtest.MockClient, mirrors map[string]config.MirrorConfig) Deps {
	t.Helper()
	st, err := store.New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		Mirrors: mirrors,
		Cache:   config.CacheConfig{DefaultTTLSecs: 1800},
	}
	return Deps{
		Store:   st,
		Fetcher: fetcher.NewWithClient(client, zap.NewNop()),
		Metrics: NewMetrics(prometheus.NewRegistry()),
		Log:     zap.NewNop(),
		Config:  func() *config.Config { return cfg },
	}
}

func upstream(eco, url string) map[string]config.MirrorConfig {
	return map[string]config.MirrorConfig{
		eco: {Enabled: true, Upstreams: []config.UpstreamConfig{{Name: "primary", URL: url}}},
	}
}

func TestPyPISimpleRewritesLinks(t *testing.T) {
	upstreamHTML := `<html><body>` +
		`<a href="../../packages/ec/f9/7f9263a155e0/flask-3.1.2-py3-none-any.whl">flask-3.1.2-py3-none-any.whl</a>` +
		`<a href="https://files.pythonhosted.org/packages/aa/bb/cc00/flask-3.1.2.tar.gz#sha256=deadbeef">flask-3.1.2.tar.gz</a>` +
		`</body></html>`
	client := &httpxtest.MockClient{
		Calls: []httpxtest.Call{{
			URL: "https://pypi.org/simple/flask/",
			Response: &http.Response{
				StatusCode: 200,
				Header:     http.Header{"Content-Type": []string{"text/html"}},
				Body:       httpxtest.Body(upstreamHTML),
			},
		}},
		URLValidator: httpxtest.NewURLValidator(t),
	}
	p := NewPyPI(testDeps(t, client, upstream("pypi", "https://pypi.org")))

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/simple/flask/", nil)
	r.Header.Set("Accept", "text/html")
	if err := p.Handle(w, r, "simple/flask/"); err != nil {
		t.Fatal(err)
	}
	got := w.Body.String()
	for _, want := range []string{
		`href="/packages/ec/f9/7f9263a155e0/flask-3.1.2-py3-none-any.whl#egg=flask-3.1.2"`,
		`href="/packages/aa/bb/cc00/flask-3.1.2.tar.gz#egg=flask-3.1.2"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("rewritten index missing %s\ngot: %s", want, got)
		}
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
}

func TestPyPIArtifactColdThenHot(t *testing.T) {
	payload := "wheel-bytes"
	client := &httpxtest.MockClient{
		Calls: []httpxtest.Call{{
			URL: "https://files.pythonhosted.org/packages/ec/f9/7f9263a155e0/flask-3.1.2-py3-none-any.whl",
			Response: &http.Response{
				StatusCode: 200,
				Header:     http.Header{"Content-Type": []string{"application/octet-stream"}},
				Body:       httpxtest.Body(payload),
			},
		}},
		URLValidator: httpxtest.NewURLValidator(t),
	}
	p := NewPyPI(testDeps(t, client, upstream("pypi", "https://pypi.org/simple")))

	sub := "packages/ec/f9/7f9263a155e0/flask-3.1.2-py3-none-any.whl"
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		if err := p.Handle(w, httptest.NewRequest("GET", "/"+sub, nil), sub); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if w.Body.String() != payload {
			t.Fatalf("request %d body = %q, want %q", i, w.Body.String(), payload)
		}
	}
	if client.CallCount() != 1 {
		t.Errorf("upstream calls = %d, want 1 (second request must hit the cache)", client.CallCount())
	}
}

func TestPyPISimpleJSONStripsFragments(t *testing.T) {
	doc := map[string]any{
		"name": "flask",
		"files": []any{map[string]any{
			"filename": "flask-3.1.2.tar.gz",
			"url":      "https://files.pythonhosted.org/packages/aa/bb/cc00/flask-3.1.2.tar.gz#sha256=deadbeef",
			"hashes":   map[string]any{"sha256": "deadbeef"},
		}},
	}
	raw, _ := json.Marshal(doc)
	client := &httpxtest.MockClient{
		Calls: []httpxtest.Call{{
			URL: "https://pypi.org/simple/flask/",
			Response: &http.Response{
				StatusCode: 200,
				Header:     http.Header{"Content-Type": []string{simpleV1JSON}},
				Body:       httpxtest.Body(string(raw)),
			},
		}},
		URLValidator: httpxtest.NewURLValidator(t),
	}
	p := NewPyPI(testDeps(t, client, upstream("pypi", "https://pypi.org")))

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/simple/flask/", nil)
	r.Header.Set("Accept", simpleV1JSON)
	if err := p.Handle(w, r, "simple/flask/"); err != nil {
		t.Fatal(err)
	}
	var got struct {
		Files []struct {
			URL    string            `json:"url"`
			Hashes map[string]string `json:"hashes"`
		} `json:"files"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if want := "/packages/aa/bb/cc00/flask-3.1.2.tar.gz"; got.Files[0].URL != want {
		t.Errorf("url = %q, want %q", got.Files[0].URL, want)
	}
	if got.Files[0].Hashes["sha256"] != "deadbeef" {
		t.Errorf("hashes dropped: %+v", got.Files[0].Hashes)
	}
}

func TestDockerManifestDigest(t *testing.T) {
	manifest := `{"schemaVersion":2,"mediaType":"` + manifestV2 + `"}`
	client := &httpxtest.MockClient{
		Calls: []httpxtest.Call{{
			URL: "https://registry-1.docker.io/v2/library/alpine/manifests/latest",
			Response: &http.Response{
				StatusCode: 200,
				Header:     http.Header{"Content-Type": []string{manifestV2}},
				Body:       httpxtest.Body(manifest),
			},
		}},
		URLValidator: httpxtest.NewURLValidator(t),
	}
	d := NewDocker(testDeps(t, client, upstream("docker", "https://registry-1.docker.io")))

	w := httptest.NewRecorder()
	sub := "library/alpine/manifests/latest"
	if err := d.Handle(w, httptest.NewRequest("GET", "/v2/"+sub, nil), sub); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256([]byte(manifest))
	want := "sha256:" + hex.EncodeToString(sum[:])
	if got := w.Header().Get("Docker-Content-Digest"); got != want {
		t.Errorf("Docker-Content-Digest = %q, want %q", got, want)
	}
}

func TestDockerTokenShape(t *testing.T) {
	d := NewDocker(testDeps(t, &httpxtest.MockClient{SkipURLValidation: true}, upstream("docker", "https://registry-1.docker.io")))
	w := httptest.NewRecorder()
	if err := d.Handle(w, httptest.NewRequest("GET", "/v2/token", nil), "token"); err != nil {
		t.Fatal(err)
	}
	var got struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	// <uuid>-<32 hex chars>
	i := strings.LastIndex(got.Token, "-")
	if i < 0 || len(got.Token[i+1:]) != 32 {
		t.Errorf("token = %q, want uuid-<32 hex> shape", got.Token)
	}
	if got.ExpiresIn <= 0 {
		t.Errorf("expires_in = %d, want > 0", got.ExpiresIn)
	}
}

func TestDockerUpstreamCredentials(t *testing.T) {
	mirrors := map[string]config.MirrorConfig{
		"docker": {
			Enabled:   true,
			Username:  "bot",
			Password:  "hunter2",
			Upstreams: []config.UpstreamConfig{{Name: "primary", URL: "https://registry.example"}},
		},
	}
	d := NewDocker(testDeps(t, &httpxtest.MockClient{SkipURLValidation: true}, mirrors))

	o := d.opts(false, manifestV2)
	if o.Credentials == nil || o.Credentials.Username != "bot" || o.Credentials.Password != "hunter2" {
		t.Errorf("opts credentials = %+v, want configured registry credentials", o.Credentials)
	}

	// No configured username means anonymous upstream access.
	anon := NewDocker(testDeps(t, &httpxtest.MockClient{SkipURLValidation: true},
		upstream("docker", "https://registry.example")))
	if o := anon.opts(false, ""); o.Credentials != nil {
		t.Errorf("opts credentials = %+v, want nil", o.Credentials)
	}
}

func TestAPTSynthesisedInRelease(t *testing.T) {
	release := "Origin: Ubuntu\nSuite: jammy\n"
	client := &httpxtest.MockClient{
		Calls: []httpxtest.Call{
			{
				URL:      "http://archive.ubuntu.com/ubuntu/dists/jammy/InRelease",
				Response: &http.Response{StatusCode: 404, Body: httpxtest.Body("")},
			},
			{
				URL: "http://archive.ubuntu.com/ubuntu/dists/jammy/Release",
				Response: &http.Response{
					StatusCode: 200,
					Header:     http.Header{"Content-Type": []string{"text/plain"}},
					Body:       httpxtest.Body(release),
				},
			},
		},
		URLValidator: httpxtest.NewURLValidator(t),
	}
	a := NewAPT(testDeps(t, client, upstream("apt", "http://archive.ubuntu.com")))

	w := httptest.NewRecorder()
	sub := "ubuntu/dists/jammy/InRelease"
	if err := a.Handle(w, httptest.NewRequest("GET", "/"+sub, nil), sub); err != nil {
		t.Fatal(err)
	}
	body := w.Body.String()
	if !strings.HasPrefix(body, "#") {
		t.Errorf("synthesised InRelease must start with a comment line, got %q", body[:min(len(body), 40)])
	}
	if !strings.HasSuffix(body, release) {
		t.Errorf("synthesised InRelease must end with the Release bytes")
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
}

func TestAPTNotFoundTriesNextMirror(t *testing.T) {
	release := "Origin: Ubuntu\nSuite: jammy\n"
	client := &httpxtest.MockClient{
		Calls: []httpxtest.Call{
			{
				URL:      "http://stale.example/ubuntu/dists/jammy/Release",
				Response: &http.Response{StatusCode: 404, Body: httpxtest.Body("")},
			},
			{
				URL: "http://fresh.example/ubuntu/dists/jammy/Release",
				Response: &http.Response{
					StatusCode: 200,
					Header:     http.Header{"Content-Type": []string{"text/plain"}},
					Body:       httpxtest.Body(release),
				},
			},
		},
		URLValidator: httpxtest.NewURLValidator(t),
	}
	mirrors := map[string]config.MirrorConfig{
		"apt": {Enabled: true, Upstreams: []config.UpstreamConfig{
			{Name: "stale", URL: "http://stale.example"},
			{Name: "fresh", URL: "http://fresh.example"},
		}},
	}
	a := NewAPT(testDeps(t, client, mirrors))

	w := httptest.NewRecorder()
	sub := "ubuntu/dists/jammy/Release"
	if err := a.Handle(w, httptest.NewRequest("GET", "/"+sub, nil), sub); err != nil {
		t.Fatalf("a lagging mirror's 404 must fall through: %v", err)
	}
	if w.Body.String() != release {
		t.Errorf("body = %q, want the second mirror's Release", w.Body.String())
	}
}

func TestAPTPackagesDecompressed(t *testing.T) {
	plain := "Package: curl\nVersion: 8.5.0\n"
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(plain))
	zw.Close()
	client := &httpxtest.MockClient{
		Calls: []httpxtest.Call{{
			URL: "http://archive.ubuntu.com/ubuntu/dists/jammy/main/binary-amd64/Packages.gz",
			Response: &http.Response{
				StatusCode: 200,
				Header:     http.Header{"Content-Type": []string{"application/gzip"}},
				Body:       httpxtest.Body(buf.String()),
			},
		}},
		URLValidator: httpxtest.NewURLValidator(t),
	}
	a := NewAPT(testDeps(t, client, upstream("apt", "http://archive.ubuntu.com")))

	w := httptest.NewRecorder()
	sub := "ubuntu/dists/jammy/main/binary-amd64/Packages"
	if err := a.Handle(w, httptest.NewRequest("GET", "/"+sub, nil), sub); err != nil {
		t.Fatal(err)
	}
	if w.Body.String() != plain {
		t.Errorf("body = %q, want decompressed %q", w.Body.String(), plain)
	}
}

func TestYUMDatabaseResolvedThroughRepomd(t *testing.T) {
	repomdXML := `<?xml version="1.0"?>
<repomd xmlns="http://linux.duke.edu/metadata/repo">
  <data type="primary"><location href="repodata/abc123-primary.xml.gz"/></data>
  <data type="filelists"><location href="repodata/def456-filelists.xml.gz"/></data>
</repomd>`
	client := &httpxtest.MockClient{
		Calls: []httpxtest.Call{
			{
				URL: "https://dl.rockylinux.org/rocky/9/BaseOS/x86_64/os/repodata/repomd.xml",
				Response: &http.Response{
					StatusCode: 200,
					Header:     http.Header{"Content-Type": []string{"application/xml"}},
					Body:       httpxtest.Body(repomdXML),
				},
			},
			{
				URL: "https://dl.rockylinux.org/rocky/9/BaseOS/x86_64/os/repodata/abc123-primary.xml.gz",
				Response: &http.Response{
					StatusCode: 200,
					Header:     http.Header{"Content-Type": []string{"application/gzip"}},
					Body:       httpxtest.Body("primary-db-bytes"),
				},
			},
		},
		URLValidator: httpxtest.NewURLValidator(t),
	}
	y := NewYUM(testDeps(t, client, upstream("yum", "https://dl.rockylinux.org")))

	w := httptest.NewRecorder()
	sub := "rocky/9/BaseOS/x86_64/os/repodata/primary.xml.gz"
	if err := y.Handle(w, httptest.NewRequest("GET", "/"+sub, nil), sub); err != nil {
		t.Fatal(err)
	}
	if w.Body.String() != "primary-db-bytes" {
		t.Errorf("body = %q, want resolved database bytes", w.Body.String())
	}
}

func TestNPMMetadataRewritesTarballs(t *testing.T) {
	doc := map[string]any{
		"name": "left-pad",
		"versions": map[string]any{
			"1.3.0": map[string]any{
				"dist": map[string]any{
					"tarball": "https://registry.npmjs.org/left-pad/-/left-pad-1.3.0.tgz",
				},
			},
		},
	}
	raw, _ := json.Marshal(doc)
	client := &httpxtest.MockClient{
		Calls: []httpxtest.Call{{
			URL: "https://registry.npmjs.org/left-pad",
			Response: &http.Response{
				StatusCode: 200,
				Header:     http.Header{"Content-Type": []string{"application/json"}},
				Body:       httpxtest.Body(string(raw)),
			},
		}},
		URLValidator: httpxtest.NewURLValidator(t),
	}
	n := NewNPM(testDeps(t, client, upstream("npm", "https://registry.npmjs.org")), "/npm")

	w := httptest.NewRecorder()
	if err := n.Handle(w, httptest.NewRequest("GET", "/npm/left-pad", nil), "left-pad"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(w.Body.String(), `"tarball":"/npm/left-pad/-/left-pad-1.3.0.tgz"`) {
		t.Errorf("tarball URL not rewritten: %s", w.Body.String())
	}
}

func TestNPMScopedPackagePath(t *testing.T) {
	pkg, ver := splitNPMPath("@types/node/20.1.0")
	if pkg != "@types/node" || ver != "20.1.0" {
		t.Errorf("splitNPMPath = (%q, %q), want (@types/node, 20.1.0)", pkg, ver)
	}
	pkg, ver = splitNPMPath("lodash")
	if pkg != "lodash" || ver != "" {
		t.Errorf("splitNPMPath = (%q, %q), want (lodash, \"\")", pkg, ver)
	}
	if pkg, _ := splitNPMPath("a/b/c/d"); pkg != "" {
		t.Errorf("splitNPMPath(a/b/c/d) = %q, want rejection", pkg)
	}
}

func TestGoProxySumMissingIsEmptyOK(t *testing.T) {
	client := &httpxtest.MockClient{
		Calls: []httpxtest.Call{{
			URL:      "https://proxy.golang.org/github.com/pkg/errors/@v/v0.9.1.sum",
			Response: &http.Response{StatusCode: 404, Body: httpxtest.Body("")},
		}},
		URLValidator: httpxtest.NewURLValidator(t),
	}
	g := NewGoProxy(testDeps(t, client, upstream("goproxy", "https://proxy.golang.org")))

	w := httptest.NewRecorder()
	sub := "github.com/pkg/errors/@v/v0.9.1.sum"
	if err := g.Handle(w, httptest.NewRequest("GET", "/"+sub, nil), sub); err != nil {
		t.Fatal(err)
	}
	if w.Code != 200 || w.Body.Len() != 0 {
		t.Errorf("missing .sum: got status %d body %q, want empty 200", w.Code, w.Body.String())
	}
}

func TestGoProxyDependencyList(t *testing.T) {
	gomod := `module example.com/demo

go 1.24

require (
	github.com/pkg/errors v0.9.1
	go.uber.org/zap v1.27.0 // indirect
)

require github.com/google/uuid v1.6.0
`
	client := &httpxtest.MockClient{
		Calls: []httpxtest.Call{
			{
				URL: "https://proxy.golang.org/example.com/demo/@latest",
				Response: &http.Response{
					StatusCode: 200,
					Header:     http.Header{"Content-Type": []string{"application/json"}},
					Body:       httpxtest.Body(`{"Version":"v1.2.3","Time":"2025-01-01T00:00:00Z"}`),
				},
			},
			{
				URL: "https://proxy.golang.org/example.com/demo/@v/v1.2.3.mod",
				Response: &http.Response{
					StatusCode: 200,
					Header:     http.Header{"Content-Type": []string{"text/plain"}},
					Body:       httpxtest.Body(gomod),
				},
			},
		},
		URLValidator: httpxtest.NewURLValidator(t),
	}
	g := NewGoProxy(testDeps(t, client, upstream("goproxy", "https://proxy.golang.org")))

	w := httptest.NewRecorder()
	sub := "example.com/demo/@list"
	if err := g.Handle(w, httptest.NewRequest("GET", "/"+sub, nil), sub); err != nil {
		t.Fatal(err)
	}
	want := "github.com/pkg/errors v0.9.1\ngo.uber.org/zap v1.27.0\ngithub.com/google/uuid v1.6.0\n"
	if w.Body.String() != want {
		t.Errorf("dependency list = %q, want %q", w.Body.String(), want)
	}
}

func TestGenericRangeBypassesCache(t *testing.T) {
	client := &httpxtest.MockClient{
		Calls: []httpxtest.Call{{
			URL: "https://repo.maven.apache.org/maven2/junit/junit/4.13.2/junit-4.13.2.jar",
			Response: &http.Response{
				StatusCode: 206,
				Header: http.Header{
					"Content-Type":  []string{"application/java-archive"},
					"Content-Range": []string{"bytes 0-0/384581"},
				},
				Body: httpxtest.Body("P"),
			},
		}},
		URLValidator: httpxtest.NewURLValidator(t),
	}
	deps := testDeps(t, client, upstream("maven", "https://repo.maven.apache.org"))
	g := NewGeneric(deps, "maven")

	w := httptest.NewRecorder()
	sub := "maven2/junit/junit/4.13.2/junit-4.13.2.jar"
	r := httptest.NewRequest("GET", "/"+sub, nil)
	r.Header.Set("Range", "bytes=0-0")
	if err := g.Handle(w, r, sub); err != nil {
		t.Fatal(err)
	}
	if w.Code != 206 {
		t.Errorf("status = %d, want 206", w.Code)
	}
	if got := w.Header().Get("Content-Range"); got != "bytes 0-0/384581" {
		t.Errorf("Content-Range = %q", got)
	}
	// Partial body must not have been cached.
	if _, err := deps.Store.Lookup("maven/" + sub); err == nil {
		t.Error("partial response was cached")
	}
}

func TestGenericUpstreamErrorIsBadGateway(t *testing.T) {
	client := &httpxtest.MockClient{
		Calls: []httpxtest.Call{{
			URL:      "https://crates.io/api/v1/crates/serde/1.0.0/download",
			Response: &http.Response{StatusCode: 500, Body: httpxtest.Body("boom")},
		}},
		URLValidator: httpxtest.NewURLValidator(t),
	}
	g := NewGeneric(testDeps(t, client, upstream("cargo", "https://crates.io")), "cargo")

	sub := "api/v1/crates/serde/1.0.0/download"
	err := g.Handle(httptest.NewRecorder(), httptest.NewRequest("GET", "/"+sub, nil), sub)
	if err == nil || Status(err) != http.StatusBadGateway {
		t.Fatalf("err = %v (status %d), want 502", err, Status(err))
	}
	// Nothing is cached for a failed fetch.
	if _, lerr := g.deps.Store.Lookup("cargo/" + sub); lerr == nil {
		t.Error("error response was cached")
	}
}
