// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package api implements the control API mounted under /api. The /v2 tree is
// a superset of /v1; handlers are shared and registered per version.
package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/HEXIkx/mirror-server/internal/authz"
	"github.com/HEXIkx/mirror-server/internal/config"
	"github.com/HEXIkx/mirror-server/internal/health"
	"github.com/HEXIkx/mirror-server/internal/lifecycle"
	"github.com/HEXIkx/mirror-server/internal/metadb"
	"github.com/HEXIkx/mirror-server/internal/mirror"
	"github.com/HEXIkx/mirror-server/internal/monitor"
	"github.com/HEXIkx/mirror-server/internal/prewarm"
	"github.com/HEXIkx/mirror-server/internal/scheduler"
	"github.com/HEXIkx/mirror-server/internal/store"
)

// Deps bundles everything the control API operates on.
type Deps struct {
	Config   *config.Manager
	Store    *store.Store
	DB       *metadb.DB
	Health   *health.Checker
	Sched    *scheduler.Scheduler
	Queue    *scheduler.Queue
	Prewarm  *prewarm.Prewarmer
	Monitor  *monitor.Sampler
	Life     *lifecycle.Manager
	Gate     *authz.Gate
	Notifier *Notifier
	Adapters []mirror.Adapter
	Gatherer prometheus.Gatherer
	Version  string
	Log      *zap.Logger
}

type api struct {
	Deps
	started time.Time
}

// New builds the /api router.
func New(deps Deps) http.Handler {
	a := &api{Deps: deps, started: time.Now()}
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) { a.routes(r, false) })
	r.Route("/v2", func(r chi.Router) { a.routes(r, true) })
	return r
}

// routes registers one version tree. v2 carries the full surface; v1 keeps
// the original compact set for older clients.
func (a *api) routes(r chi.Router, v2 bool) {
	protected := a.Gate.Middleware(clientIP, func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusUnauthorized, "authentication required")
	})

	// Public, read-only.
	r.Get("/server/info", a.serverInfo)
	r.Get("/health", a.healthSummary)
	r.Get("/health/sources", a.healthSources)
	r.Get("/files", a.listFiles)
	r.Get("/cache/stats", a.cacheStats)
	r.Get("/cache/usage", a.cacheUsage)
	r.Get("/sync/sources", a.syncSources)
	r.Post("/user/login", a.login)

	if v2 {
		r.Get("/monitor/realtime", a.monitorRealtime)
		r.Get("/monitor/history", a.monitorHistory)
		r.Get("/stats/downloads", a.downloadStats)
		r.Get("/metrics", promhttp.HandlerFor(a.Gatherer, promhttp.HandlerOpts{}).ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(protected)

		r.Post("/files", a.createFile)
		r.Delete("/files", a.deleteFile)
		r.Post("/upload", a.upload)
		r.Put("/user/password", a.changePassword)

		r.Post("/sync/{source}/start", a.syncStart)
		r.Post("/sync/{source}/stop", a.syncStop)
		r.Get("/sync/{source}/status", a.syncStatus)
		r.Get("/sync/{source}/history", a.syncHistory)
		r.Post("/sync/packages", a.syncPackages)

		r.Post("/cache/clean", a.cacheClean)

		if !v2 {
			return
		}
		r.Get("/mirrors", a.listMirrors)
		r.Post("/mirrors", a.upsertMirror)
		r.Put("/mirrors/{name}", a.upsertMirror)
		r.Delete("/mirrors/{name}", a.deleteMirror)
		r.Post("/mirrors/{name}/enable", a.enableMirror)
		r.Post("/mirrors/{name}/refresh", a.refreshMirror)

		r.Post("/cache/prewarm", a.cachePrewarm)
		r.Get("/cache/prewarm/history", a.prewarmHistory)

		r.Post("/health/check/{name}", a.healthCheck)
		r.Get("/health/failover", a.failoverHistory)
		r.Post("/health/failover/{type}", a.failoverNow)

		r.Post("/user", a.createUser)
		r.Get("/user/logins", a.loginHistory)
		r.Get("/user/apikeys", a.listAPIKeys)
		r.Post("/user/apikeys", a.createAPIKey)
		r.Delete("/user/apikeys/{id}", a.revokeAPIKey)

		r.Get("/webhooks", a.listWebhooks)
		r.Post("/webhooks", a.createWebhook)
		r.Get("/webhooks/{id}", a.getWebhook)
		r.Put("/webhooks/{id}", a.updateWebhook)
		r.Delete("/webhooks/{id}", a.deleteWebhook)
		r.Post("/webhooks/{id}/test", a.testWebhook)
		r.Get("/webhooks/{id}/deliveries", a.webhookDeliveries)
		r.Get("/webhooks/{id}/stats", a.webhookStats)

		r.Get("/config", a.getConfig)
		r.Put("/config", a.putConfig)
		r.Post("/config/reload", a.reloadConfig)
		r.Get("/config/changes", a.configChanges)

		r.Get("/server/restart/pending", a.restartPending)
		r.Get("/server/restart/history", a.restartHistory)
		r.Get("/server/restart/config", a.restartConfig)
		r.Post("/server/restart", a.restartRequest)
		r.Post("/server/restart/confirm", a.restartConfirm)
		r.Post("/server/restart/cancel", a.restartCancel)
		r.Post("/server/restart/immediate", a.restartImmediate)
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{"error": fmt.Sprintf(format, args...)})
}

// readJSON decodes a bounded request body.
func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}

func (a *api) serverInfo(w http.ResponseWriter, r *http.Request) {
	files, bytes := a.Store.Stats()
	tracked, _ := a.DB.FileCount()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":             "mirror-server",
		"version":          a.Version,
		"state":            a.Life.State(),
		"uptime_secs":      int64(time.Since(a.started).Seconds()),
		"pending_requests": a.Life.Pending(),
		"cached_files":     files,
		"cached_bytes":     bytes,
		"tracked_files":    tracked,
	})
}

func (a *api) monitorRealtime(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Monitor.Realtime(r.Context()))
}

func (a *api) monitorHistory(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if h := r.URL.Query().Get("hours"); h != "" {
		fmt.Sscanf(h, "%d", &hours)
	}
	if hours <= 0 || hours > 24*30 {
		hours = 24
	}
	to := time.Now()
	samples, err := a.Monitor.Range(to.Add(-time.Duration(hours)*time.Hour), to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading monitor history: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hours": hours, "samples": samples})
}
