// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/HEXIkx/mirror-server/internal/config"
	"github.com/HEXIkx/mirror-server/internal/prewarm"
)

// --- mirrors ---

func (a *api) listMirrors(w http.ResponseWriter, r *http.Request) {
	cfg := a.Config.Get()
	type entry struct {
		Name      string                  `json:"name"`
		Enabled   bool                    `json:"enabled"`
		Upstreams []config.UpstreamConfig `json:"upstreams"`
		Active    string                  `json:"active_upstream,omitempty"`
		TTLSecs   int                     `json:"ttl_secs"`
		BlobTTL   int                     `json:"blob_ttl_secs"`
	}
	out := make([]entry, 0, len(cfg.Mirrors))
	for name, m := range cfg.Mirrors {
		e := entry{Name: name, Enabled: m.Enabled, Upstreams: m.Upstreams, TTLSecs: m.TTLSecs, BlobTTL: m.BlobTTL}
		if up, ok := a.Health.ActiveUpstream(name); ok {
			e.Active = up.Name
		}
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"mirrors": out})
}

// upsertMirror creates or patches one mirror's settings in the config file.
func (a *api) upsertMirror(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := readJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "bad request: %v", err)
		return
	}
	name := chi.URLParam(r, "name")
	if name == "" {
		name, _ = patch["name"].(string)
		delete(patch, "name")
	}
	if name == "" {
		writeError(w, http.StatusBadRequest, "mirror name required")
		return
	}
	if err := a.Config.Update(map[string]any{"mirrors": map[string]any{name: patch}}); err != nil {
		writeError(w, http.StatusInternalServerError, "updating config: %v", err)
		return
	}
	a.Health.Reconfigure(a.Config.Get().Mirrors)
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "mirror": a.Config.Get().Mirrors[name]})
}

// deleteMirror disables a mirror and drops its upstreams. Settings merge
// key-wise, so the entry stays in the file as an inert stub.
func (a *api) deleteMirror(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := a.Config.Get().Mirrors[name]; !ok {
		writeError(w, http.StatusNotFound, "unknown mirror %q", name)
		return
	}
	patch := map[string]any{"mirrors": map[string]any{name: map[string]any{
		"enabled":   false,
		"upstreams": []any{},
	}}}
	if err := a.Config.Update(patch); err != nil {
		writeError(w, http.StatusInternalServerError, "updating config: %v", err)
		return
	}
	a.Health.Reconfigure(a.Config.Get().Mirrors)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": name})
}

func (a *api) enableMirror(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := a.Config.Get().Mirrors[name]; !ok {
		writeError(w, http.StatusNotFound, "unknown mirror %q", name)
		return
	}
	enabled := r.URL.Query().Get("enabled") != "false"
	patch := map[string]any{"mirrors": map[string]any{name: map[string]any{"enabled": enabled}}}
	if err := a.Config.Update(patch); err != nil {
		writeError(w, http.StatusInternalServerError, "updating config: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "enabled": enabled})
}

// refreshMirror drops one ecosystem's cached content so the next requests
// refetch from upstream.
func (a *api) refreshMirror(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := a.Config.Get().Mirrors[name]; !ok {
		writeError(w, http.StatusNotFound, "unknown mirror %q", name)
		return
	}
	removed, err := a.Store.Clean(name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cleaning cache: %v", err)
		return
	}
	dropped, _ := a.DB.DeleteCacheRecords(name)
	a.Notifier.Emit(EventCacheCleaned, map[string]any{"mirror": name, "removed": removed})
	writeJSON(w, http.StatusOK, map[string]any{"mirror": name, "removed": removed, "records": dropped})
}

// --- sync ---

func (a *api) syncSources(w http.ResponseWriter, r *http.Request) {
	cfg := a.Config.Get()
	status := a.Sched.AllStatus()
	type entry struct {
		Name     string `json:"name"`
		Enabled  bool   `json:"enabled"`
		Cron     string `json:"cron,omitempty"`
		Interval int    `json:"interval_secs,omitempty"`
		Items    int    `json:"items"`
		Status   any    `json:"status,omitempty"`
	}
	out := make([]entry, 0, len(cfg.Sync.Sources))
	for name, src := range cfg.Sync.Sources {
		e := entry{Name: name, Enabled: src.Enabled, Cron: src.Cron, Interval: src.Interval, Items: len(src.Items)}
		if p, ok := status[name]; ok {
			e.Status = p
		}
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

func (a *api) syncStart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "source")
	// Background context: the sync must outlive this request.
	if err := a.Sched.StartSource(context.Background(), name); err != nil {
		writeError(w, http.StatusConflict, "%v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"source": name, "started": true})
}

func (a *api) syncStop(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "source")
	if err := a.Sched.StopSource(name); err != nil {
		writeError(w, http.StatusConflict, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": name, "stopping": true})
}

func (a *api) syncStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "source")
	p, ok := a.Sched.SourceStatus(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown sync source %q", name)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) syncHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "source")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	runs, err := a.DB.SyncHistory(name, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading sync history: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": name, "runs": runs})
}

func (a *api) syncPackages(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string   `json:"source"`
		Items  []string `json:"items"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request: %v", err)
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "source required")
		return
	}
	if err := a.Sched.SyncPackages(context.Background(), req.Source, req.Items); err != nil {
		writeError(w, http.StatusConflict, "%v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"source": req.Source, "items": len(req.Items)})
}

// downloadStats aggregates the download log: totals, ranking, hourly
// timeline, and the most recent records.
func (a *api) downloadStats(w http.ResponseWriter, r *http.Request) {
	hours, _ := strconv.Atoi(r.URL.Query().Get("hours"))
	if hours <= 0 || hours > 24*30 {
		hours = 24
	}
	now := time.Now()
	from := now.Add(-time.Duration(hours) * time.Hour).Unix()

	total, err := a.DB.DownloadCount(from, now.Unix())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "counting downloads: %v", err)
		return
	}
	top, _ := a.DB.TopDownloads(from, 10)
	timeline, _ := a.DB.DownloadTimeline(from)
	recent, _ := a.DB.RecentDownloads(20)
	writeJSON(w, http.StatusOK, map[string]any{
		"hours":    hours,
		"total":    total,
		"top":      top,
		"timeline": timeline,
		"recent":   recent,
	})
}

// --- cache ---

func (a *api) cacheStats(w http.ResponseWriter, r *http.Request) {
	files, bytes := a.Store.Stats()
	byType, err := a.DB.CacheStatsByType()
	if err != nil {
		a.Log.Warn("cache stats by type failed")
		byType = nil
	}
	perAdapter := map[string]any{}
	for _, ad := range a.Adapters {
		f, b := ad.CacheStats()
		perAdapter[ad.Name()] = map[string]any{"files": f, "bytes": b}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"files":      files,
		"bytes":      bytes,
		"by_type":    byType,
		"ecosystems": perAdapter,
	})
}

func (a *api) cacheUsage(w http.ResponseWriter, r *http.Request) {
	files, bytes := a.Store.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"base_dir": a.Store.Base(),
		"files":    files,
		"bytes":    bytes,
	})
}

// cacheClean sweeps expired entries, or with a prefix drops everything under
// it regardless of freshness.
func (a *api) cacheClean(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prefix string `json:"prefix"`
	}
	_ = readJSON(r, &req) // empty body is a full expired sweep

	var removed int
	if req.Prefix != "" {
		n, err := a.Store.Clean(req.Prefix)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "cleaning cache: %v", err)
			return
		}
		removed = n
		_, _ = a.DB.DeleteCacheRecords(req.Prefix)
	} else {
		removed = a.Store.Sweep()
	}
	a.Notifier.Emit(EventCacheCleaned, map[string]any{"prefix": req.Prefix, "removed": removed})
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (a *api) cachePrewarm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Targets []prewarm.Target `json:"targets"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request: %v", err)
		return
	}
	if len(req.Targets) == 0 {
		writeError(w, http.StatusBadRequest, "no targets")
		return
	}
	if a.Prewarm.Running() {
		writeError(w, http.StatusConflict, "prewarm already running")
		return
	}
	go func() {
		if _, err := a.Prewarm.Run(context.Background(), req.Targets); err != nil {
			a.Log.Warn("prewarm run failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"targets": len(req.Targets), "started": true})
}

func (a *api) prewarmHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running": a.Prewarm.Running(),
		"history": a.Prewarm.History(),
	})
}

// --- health ---

func (a *api) healthSummary(w http.ResponseWriter, r *http.Request) {
	stats := a.Health.Stats()
	healthy, degraded, unhealthy := 0, 0, 0
	for _, s := range stats {
		switch s.Status {
		case "healthy":
			healthy++
		case "degraded":
			degraded++
		default:
			unhealthy++
		}
	}
	overall := "healthy"
	switch {
	case unhealthy > 0 && healthy == 0:
		overall = "unhealthy"
	case unhealthy > 0 || degraded > 0:
		overall = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    overall,
		"healthy":   healthy,
		"degraded":  degraded,
		"unhealthy": unhealthy,
	})
}

func (a *api) healthSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sources": a.Health.Stats()})
}

// healthCheck probes one source immediately. name is "ecosystem/source".
func (a *api) healthCheck(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	eco := r.URL.Query().Get("ecosystem")
	if eco == "" {
		writeError(w, http.StatusBadRequest, "ecosystem query parameter required")
		return
	}
	if !a.Health.CheckSource(r.Context(), eco, name) {
		writeError(w, http.StatusNotFound, "unknown source %s/%s", eco, name)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checked": eco + "/" + name})
}

func (a *api) failoverHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"history": a.Health.History()})
}

// failoverNow forces promotion of the next healthy upstream, or with
// ?reset=true restores priority order.
func (a *api) failoverNow(w http.ResponseWriter, r *http.Request) {
	eco := chi.URLParam(r, "type")
	if r.URL.Query().Get("reset") == "true" {
		a.Health.ResetActive(eco)
		writeJSON(w, http.StatusOK, map[string]any{"mirror": eco, "reset": true})
		return
	}
	if !a.Health.Failover(eco, "manual trigger") {
		writeError(w, http.StatusConflict, "no alternative upstream available for %q", eco)
		return
	}
	up, _ := a.Health.ActiveUpstream(eco)
	a.Notifier.Emit(EventFailover, map[string]any{"mirror": eco, "active": up.Name})
	writeJSON(w, http.StatusOK, map[string]any{"mirror": eco, "active": up.Name})
}
