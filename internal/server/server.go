// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package server wires the HTTP surface: middleware chain, ecosystem adapter
// dispatch, the static file tree, and the mounted control API.
package server

import (
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/HEXIkx/mirror-server/internal/authz"
	"github.com/HEXIkx/mirror-server/internal/config"
	"github.com/HEXIkx/mirror-server/internal/lifecycle"
	"github.com/HEXIkx/mirror-server/internal/metadb"
	"github.com/HEXIkx/mirror-server/internal/mirror"
	"github.com/HEXIkx/mirror-server/internal/store"
)

// Options collects the collaborators the router dispatches to.
type Options struct {
	Config   *config.Manager
	Store    *store.Store
	DB       *metadb.DB
	Gate     *authz.Gate
	Limiter  *authz.RateLimiter
	Life     *lifecycle.Manager
	API      http.Handler
	Adapters []mirror.Adapter
	Log      *zap.Logger
}

// Server is the HTTP front end.
type Server struct {
	cfg      func() *config.Config
	store    *store.Store
	db       *metadb.DB
	gate     *authz.Gate
	limiter  *authz.RateLimiter
	life     *lifecycle.Manager
	api      http.Handler
	adapters map[string]mirror.Adapter
	access   *accessLogger
	log      *zap.Logger

	ipMu     sync.Mutex
	ipFor    *config.Config
	ipCached *authz.IPList

	router http.Handler
}

// Well-known first path segments per adapter. Everything else falls through
// to a same-named generic adapter or the static file tree.
var adapterSegments = map[string]string{
	"simple":   "pypi",
	"packages": "pypi",
	"pypi":     "pypi",
	"web":      "pypi",
	"v2":       "docker",
	"npm":      "npm",
	"apt":      "apt",
	"yum":      "yum",
	"go":       "goproxy",
}

func New(opts Options) *Server {
	s := &Server{
		cfg:      opts.Config.Get,
		store:    opts.Store,
		db:       opts.DB,
		gate:     opts.Gate,
		limiter:  opts.Limiter,
		life:     opts.Life,
		api:      opts.API,
		adapters: map[string]mirror.Adapter{},
		access:   newAccessLogger(opts.Config.Get().AccessLog, opts.Log),
		log:      opts.Log,
	}
	for _, a := range opts.Adapters {
		s.adapters[a.Name()] = a
	}

	r := chi.NewRouter()
	r.Use(s.access.middleware)
	r.Use(s.life.CountRequests)
	r.Use(s.guard)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "HEAD"},
		AllowedHeaders: []string{"*"},
	}))
	if s.api != nil {
		r.Mount("/api", s.api)
	}
	r.HandleFunc("/*", s.dispatch)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close releases the access log.
func (s *Server) Close() { s.access.Close() }

// ipList caches the parsed allow-list per config generation.
func (s *Server) ipList() *authz.IPList {
	cfg := s.cfg()
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	if s.ipFor != cfg {
		s.ipCached = authz.NewIPList(cfg.Auth.AllowedIPs)
		s.ipFor = cfg
	}
	return s.ipCached
}

// dispatch routes on the first path segment, lowercased for matching only;
// the subpath handed to adapters and the file tree preserves case.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method %s not allowed", r.Method)
		return
	}
	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	seg := strings.ToLower(trimmed)
	if i := strings.Index(seg, "/"); i >= 0 {
		seg = seg[:i]
	}

	if seg == "file" {
		rest := ""
		if i := strings.Index(trimmed, "/"); i >= 0 {
			rest = trimmed[i+1:]
		}
		s.servePreview(w, r, rest)
		return
	}

	eco, known := adapterSegments[seg]
	if !known {
		eco = seg
	}
	a, ok := s.adapters[eco]
	if !ok || !s.mirrorEnabled(eco) {
		s.serveTree(w, r)
		return
	}

	// The pypi adapter parses the full grammar (its prefix is part of the
	// protocol); every other adapter sees the path after its own segment.
	sub := trimmed
	if eco != "pypi" {
		sub = ""
		if i := strings.Index(trimmed, "/"); i >= 0 {
			sub = trimmed[i+1:]
		}
	}
	if err := a.Handle(w, r, sub); err != nil {
		s.adapterError(w, r, err)
	}
}

func (s *Server) mirrorEnabled(eco string) bool {
	m, ok := s.cfg().Mirrors[eco]
	return ok && m.Enabled
}
