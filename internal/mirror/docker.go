// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HEXIkx/mirror-server/internal/fetcher"
)

const manifestV2 = "application/vnd.docker.distribution.manifest.v2+json"

// Docker is a pull-through cache for the Registry v2 API: tag lists,
// manifests, and content-addressed blobs. Image names may contain slashes.
type Docker struct {
	base
	tokenTTL time.Duration
}

var _ Adapter = &Docker{}

func NewDocker(deps Deps) *Docker {
	return &Docker{base: base{deps: deps, eco: "docker"}, tokenTTL: 5 * time.Minute}
}

func (d *Docker) Handle(w http.ResponseWriter, r *http.Request, subpath string) error {
	subpath = strings.Trim(subpath, "/")
	if subpath == "" {
		// API version check.
		w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{}"))
		return nil
	}
	if subpath == "token" {
		return d.handleToken(w, r)
	}
	segs := strings.Split(subpath, "/")
	n := len(segs)
	switch {
	case n >= 3 && segs[n-2] == "tags" && segs[n-1] == "list":
		return d.handleTags(w, r, strings.Join(segs[:n-2], "/"))
	case n >= 3 && segs[n-2] == "manifests":
		return d.handleManifest(w, r, strings.Join(segs[:n-2], "/"), segs[n-1])
	case n >= 3 && segs[n-2] == "blobs":
		return d.handleBlob(w, r, strings.Join(segs[:n-2], "/"), segs[n-1])
	}
	return NotFoundf("unknown registry path %q", subpath)
}

// handleToken mints a short-lived opaque token. Upstream calls never carry
// this token; configured upstream credentials go out as Basic auth instead.
func (d *Docker) handleToken(w http.ResponseWriter, r *http.Request) error {
	issued := time.Now().UTC()
	id := uuid.New().String()
	mac := hmac.New(sha256.New, []byte(d.deps.Config().TokenSecret))
	mac.Write([]byte(id + ":" + issued.Format(time.RFC3339)))
	token := id + "-" + hex.EncodeToString(mac.Sum(nil))[:32]

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(map[string]any{
		"token":      token,
		"expires_in": int(d.tokenTTL.Seconds()),
		"issued_at":  issued.Format(time.RFC3339),
	})
}

func (d *Docker) handleTags(w http.ResponseWriter, r *http.Request, image string) error {
	key := d.key("tags", image)
	e, err := d.fill(r, key, d.registryURLs(image+"/tags/list"), d.opts(false, ""), d.ttl(), nil)
	if err != nil {
		return err
	}
	d.serve(w, r, e, "application/json", true)
	return nil
}

func (d *Docker) handleManifest(w http.ResponseWriter, r *http.Request, image, ref string) error {
	key := d.key("manifests", image, ref)
	e, err := d.fill(r, key, d.registryURLs(image+"/manifests/"+ref), d.opts(false, manifestV2), d.ttl(), nil)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(e.Bytes)
	w.Header().Set("Docker-Content-Digest", "sha256:"+hex.EncodeToString(sum[:]))
	d.serve(w, r, e, manifestV2, false)
	return nil
}

func (d *Docker) handleBlob(w http.ResponseWriter, r *http.Request, image, digest string) error {
	if !strings.HasPrefix(digest, "sha256:") {
		return BadRequestf("unsupported digest %q", digest)
	}
	key := d.key("blobs", strings.TrimPrefix(digest, "sha256:"))
	e, err := d.fill(r, key, d.registryURLs(image+"/blobs/"+digest), d.opts(true, ""), d.blobTTL(), nil)
	if err != nil {
		return err
	}
	w.Header().Set("Docker-Content-Digest", digest)
	d.serve(w, r, e, "application/octet-stream", false)
	return nil
}

// registryURLs builds the candidate upstream URLs for a /v2/ suffix.
func (d *Docker) registryURLs(suffix string) []string {
	urls := make([]string, 0, 2)
	for _, up := range d.upstreams() {
		b := strings.TrimRight(up.URL, "/")
		if !strings.HasSuffix(b, "/v2") {
			b += "/v2"
		}
		urls = append(urls, b+"/"+suffix)
	}
	return urls
}

func (d *Docker) opts(artifact bool, accept string) fetcher.Options {
	o := fetcher.Options{Timeout: d.fetchTimeout(artifact), Accept: accept}
	if m := d.mirrorConfig(); m.Username != "" {
		o.Credentials = &fetcher.Credentials{Username: m.Username, Password: m.Password}
	}
	return o
}
