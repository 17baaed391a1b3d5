// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/HEXIkx/mirror-server/internal/metadb"
)

type webhookRequest struct {
	Name    string   `json:"name"`
	URL     string   `json:"url"`
	Events  []string `json:"events"`
	Secret  *string  `json:"secret"`
	Enabled *bool    `json:"enabled"`
}

func (a *api) listWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := a.DB.ListWebhooks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing webhooks: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": hooks})
}

func (a *api) createWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request: %v", err)
		return
	}
	if req.URL == "" || len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "url and events are required")
		return
	}
	hook := &metadb.Webhook{Name: req.Name, URL: req.URL, Events: req.Events, Enabled: true}
	if req.Secret != nil {
		hook.Secret = sql.NullString{String: *req.Secret, Valid: *req.Secret != ""}
	}
	if req.Enabled != nil {
		hook.Enabled = *req.Enabled
	}
	if err := a.DB.CreateWebhook(hook); err != nil {
		writeError(w, http.StatusInternalServerError, "creating webhook: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, hook)
}

func (a *api) getWebhook(w http.ResponseWriter, r *http.Request) {
	hook, ok := a.loadWebhook(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, hook)
}

func (a *api) updateWebhook(w http.ResponseWriter, r *http.Request) {
	hook, ok := a.loadWebhook(w, r)
	if !ok {
		return
	}
	var req webhookRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request: %v", err)
		return
	}
	if req.Name != "" {
		hook.Name = req.Name
	}
	if req.URL != "" {
		hook.URL = req.URL
	}
	if len(req.Events) > 0 {
		hook.Events = req.Events
	}
	if req.Secret != nil {
		hook.Secret = sql.NullString{String: *req.Secret, Valid: *req.Secret != ""}
	}
	if req.Enabled != nil {
		hook.Enabled = *req.Enabled
	}
	if err := a.DB.UpdateWebhook(hook); err != nil {
		writeError(w, http.StatusInternalServerError, "updating webhook: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, hook)
}

func (a *api) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.DB.DeleteWebhook(id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "unknown webhook %q", id)
			return
		}
		writeError(w, http.StatusInternalServerError, "deleting webhook: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// testWebhook posts a synthetic event synchronously and reports the outcome.
func (a *api) testWebhook(w http.ResponseWriter, r *http.Request) {
	hook, ok := a.loadWebhook(w, r)
	if !ok {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"event":     "webhook.test",
		"timestamp": time.Now().Unix(),
		"data":      map[string]any{"webhook_id": hook.ID},
	})
	start := time.Now()
	status, body, errMsg := a.Notifier.post(r.Context(), job{webhook: *hook, event: "webhook.test", payload: payload})
	result := map[string]any{
		"status_code": status,
		"duration_ms": time.Since(start).Milliseconds(),
		"body":        body,
	}
	if errMsg != "" {
		result["error"] = errMsg
	}
	result["success"] = errMsg == "" && status < 400
	writeJSON(w, http.StatusOK, result)
}

func (a *api) webhookDeliveries(w http.ResponseWriter, r *http.Request) {
	hook, ok := a.loadWebhook(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	deliveries, err := a.DB.ListDeliveries(hook.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing deliveries: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

func (a *api) webhookStats(w http.ResponseWriter, r *http.Request) {
	hook, ok := a.loadWebhook(w, r)
	if !ok {
		return
	}
	stats, err := a.DB.WebhookDeliveryStats(hook.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "delivery stats: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *api) loadWebhook(w http.ResponseWriter, r *http.Request) (*metadb.Webhook, bool) {
	id := chi.URLParam(r, "id")
	hook, err := a.DB.GetWebhook(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "unknown webhook %q", id)
		} else {
			writeError(w, http.StatusInternalServerError, "loading webhook: %v", err)
		}
		return nil, false
	}
	return hook, true
}
