// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"html"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/HEXIkx/mirror-server/internal/metadb"
)

// resolveUnderBase maps a request path to an absolute path inside the base
// directory, rejecting traversal. The match is case-preserving.
func (s *Server) resolveUnderBase(reqPath string) (string, bool) {
	base, err := filepath.Abs(s.cfg().BaseDir)
	if err != nil {
		return "", false
	}
	p := filepath.Join(base, filepath.FromSlash(strings.TrimPrefix(reqPath, "/")))
	p = filepath.Clean(p)
	if p != base && !strings.HasPrefix(p, base+string(filepath.Separator)) {
		return "", false
	}
	return p, true
}

// serveTree handles GET against the static file tree: directory listings and
// range-capable file downloads.
func (s *Server) serveTree(w http.ResponseWriter, r *http.Request) {
	p, ok := s.resolveUnderBase(r.URL.Path)
	if !ok {
		listingErrorPage(w, http.StatusBadRequest)
		return
	}
	info, err := os.Stat(p)
	if err != nil {
		listingErrorPage(w, http.StatusNotFound)
		return
	}
	if info.IsDir() {
		if !s.cfg().EnableDirListing {
			listingErrorPage(w, http.StatusForbidden)
			return
		}
		s.serveListing(w, r, p)
		return
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsPermission(err) {
			listingErrorPage(w, http.StatusForbidden)
			return
		}
		listingErrorPage(w, http.StatusNotFound)
		return
	}
	defer f.Close()

	// ServeContent covers Range semantics: 206 with Content-Range on
	// partial reads, 416 when the start is past EOF.
	rec := &statusRecorder{ResponseWriter: w}
	http.ServeContent(rec, r, info.Name(), info.ModTime(), f)
	// Conditional 304s and unsatisfiable ranges move no payload and are not
	// downloads.
	if rec.status == http.StatusOK || rec.status == http.StatusPartialContent {
		s.recordTreeDownload(r, info.Size())
	}
}

func (s *Server) recordTreeDownload(r *http.Request, size int64) {
	if s.db == nil {
		return
	}
	rec := &metadb.DownloadRecord{FilePath: strings.TrimPrefix(r.URL.Path, "/"), FileSize: size, Success: true}
	rec.ClientIP.String, rec.ClientIP.Valid = clientIP(r), true
	rec.UserAgent.String, rec.UserAgent.Valid = r.UserAgent(), r.UserAgent() != ""
	if err := s.db.RecordDownload(rec); err != nil {
		s.log.Warn("download record failed", zap.Error(err))
	}
	_ = s.db.TouchAccess(rec.FilePath)
}

// servePreview serves a file inline for in-browser viewing; listings never
// apply here and previews do not count as downloads.
func (s *Server) servePreview(w http.ResponseWriter, r *http.Request, rel string) {
	p, ok := s.resolveUnderBase(rel)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad path")
		return
	}
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	f, err := os.Open(p)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	defer f.Close()
	w.Header().Set("Content-Disposition", "inline")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// serveListing renders the HTML directory index: directories first, then
// files, each group ascending by name case-insensitively.
func (s *Server) serveListing(w http.ResponseWriter, r *http.Request, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		listingErrorPage(w, http.StatusInternalServerError)
		return
	}
	visible := entries[:0]
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".meta") || strings.Contains(name, ".tmp.") {
			continue
		}
		visible = append(visible, e)
	}
	sort.SliceStable(visible, func(i, j int) bool {
		di, dj := visible[i].IsDir(), visible[j].IsDir()
		if di != dj {
			return di
		}
		return strings.ToLower(visible[i].Name()) < strings.ToLower(visible[j].Name())
	})

	urlPath := r.URL.Path
	if !strings.HasSuffix(urlPath, "/") {
		urlPath += "/"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!DOCTYPE html><html><head><title>Index of %s</title></head><body>\n", html.EscapeString(urlPath))
	fmt.Fprintf(w, "<h1>Index of %s</h1><ul>\n", html.EscapeString(urlPath))
	if urlPath != "/" {
		fmt.Fprint(w, `<li><a href="../">../</a></li>`+"\n")
	}
	for _, e := range visible {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		fmt.Fprintf(w, `<li><a href="%s">%s</a></li>`+"\n",
			html.EscapeString(urlPath+name), html.EscapeString(name))
	}
	fmt.Fprint(w, "</ul></body></html>\n")
}
