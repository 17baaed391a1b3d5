// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// --- users ---

func (a *api) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request: %v", err)
		return
	}
	cookie, err := a.Gate.Login(req.Username, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	auth := a.Config.Get().Auth
	ttl := time.Duration(auth.SessionTTLSecs) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    cookie,
		Path:     "/",
		Expires:  time.Now().Add(ttl),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"username":   req.Username,
		"token":      cookie,
		"expires_in": int(ttl.Seconds()),
	})
}

func (a *api) changePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string `json:"username"`
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request: %v", err)
		return
	}
	if len(req.NewPassword) < 8 {
		writeError(w, http.StatusBadRequest, "new password must be at least 8 characters")
		return
	}
	auth := a.Config.Get().Auth
	if req.Username == auth.StaticUser {
		writeError(w, http.StatusBadRequest, "the configured static user is managed in settings")
		return
	}
	if _, err := a.DB.VerifyLogin(req.Username, req.OldPassword, clientIP(r), r.UserAgent(),
		auth.LockThreshold, auth.LockSecs); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := a.DB.SetPassword(req.Username, req.NewPassword); err != nil {
		writeError(w, http.StatusInternalServerError, "setting password: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"username": req.Username, "changed": true})
}

func (a *api) createUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
		Email    string `json:"email"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request: %v", err)
		return
	}
	if req.Username == "" || len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "username and a password of at least 8 characters are required")
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}
	u, err := a.DB.CreateUser(req.Username, req.Password, req.Role, req.Email)
	if err != nil {
		writeError(w, http.StatusConflict, "creating user: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (a *api) loginHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	logs, err := a.DB.LoginHistory(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading login history: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logins": logs})
}

func (a *api) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := a.DB.ListAPIKeys()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing api keys: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// createAPIKey mints a key; the plaintext appears in this response only.
func (a *api) createAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string   `json:"name"`
		Level       string   `json:"level"`
		ExpiresAt   int64    `json:"expires_at"`
		AllowedIPs  []string `json:"allowed_ips"`
		Permissions []string `json:"permissions"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request: %v", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	if req.Level == "" {
		req.Level = "user"
	}
	key, plaintext, err := a.DB.CreateAPIKey(req.Name, req.Level, req.ExpiresAt, req.AllowedIPs, req.Permissions)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "creating api key: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": key, "plaintext": plaintext})
}

func (a *api) revokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.DB.RevokeAPIKey(id); err != nil {
		writeError(w, http.StatusNotFound, "revoking api key: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": id})
}

// --- config ---

func (a *api) getConfig(w http.ResponseWriter, r *http.Request) {
	raw := a.Config.Raw()
	// Secrets never leave through the read API.
	delete(raw, "session_secret")
	delete(raw, "token_secret")
	if auth, ok := raw["auth"].(map[string]any); ok {
		delete(auth, "static_pass")
		delete(auth, "api_keys")
	}
	if db, ok := raw["db"].(map[string]any); ok {
		delete(db, "pass")
		delete(db, "conn_str")
	}
	writeJSON(w, http.StatusOK, raw)
}

func (a *api) putConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := readJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "bad request: %v", err)
		return
	}
	if len(patch) == 0 {
		writeError(w, http.StatusBadRequest, "empty patch")
		return
	}
	if err := a.Config.Update(patch); err != nil {
		writeError(w, http.StatusBadRequest, "applying config: %v", err)
		return
	}
	a.Health.Reconfigure(a.Config.Get().Mirrors)
	writeJSON(w, http.StatusOK, map[string]any{"updated": len(patch)})
}

func (a *api) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if err := a.Config.Reload(); err != nil {
		writeError(w, http.StatusInternalServerError, "reloading config: %v", err)
		return
	}
	a.Health.Reconfigure(a.Config.Get().Mirrors)
	writeJSON(w, http.StatusOK, map[string]any{"reloaded": true})
}

func (a *api) configChanges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"changes": a.Config.Changes()})
}

// --- restart ---

type restartRequestBody struct {
	Strategy    string `json:"strategy"`
	TimeoutSecs int    `json:"timeout_secs"`
}

func (a *api) restartRequest(w http.ResponseWriter, r *http.Request) {
	var req restartRequestBody
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request: %v", err)
		return
	}
	pending, err := a.Life.RequestRestart(req.Strategy, req.TimeoutSecs, clientIP(r))
	if err != nil {
		writeError(w, http.StatusConflict, "%v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, pending)
}

func (a *api) restartConfirm(w http.ResponseWriter, r *http.Request) {
	if err := a.Life.ConfirmRestart(); err != nil {
		writeError(w, http.StatusConflict, "%v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"restarting": true})
}

func (a *api) restartCancel(w http.ResponseWriter, r *http.Request) {
	if err := a.Life.CancelRestart(); err != nil {
		writeError(w, http.StatusConflict, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (a *api) restartImmediate(w http.ResponseWriter, r *http.Request) {
	var req restartRequestBody
	_ = readJSON(r, &req)
	if req.Strategy == "" {
		req.Strategy = "immediate"
	}
	if err := a.Life.RestartNow(req.Strategy, req.TimeoutSecs, clientIP(r)); err != nil {
		writeError(w, http.StatusConflict, "%v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"restarting": true})
}

func (a *api) restartPending(w http.ResponseWriter, r *http.Request) {
	pending := a.Life.PendingRestart()
	if pending == nil {
		writeJSON(w, http.StatusOK, map[string]any{"pending": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": true, "request": pending})
}

func (a *api) restartHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"history": a.Life.History()})
}

func (a *api) restartConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"strategies":       []string{"graceful", "immediate", "rolling"},
		"default_strategy": "graceful",
		"graceful_timeout": a.Config.Get().GracefulTimeout,
	})
}
