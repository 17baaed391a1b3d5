// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/HEXIkx/mirror-server/internal/config"
	"github.com/HEXIkx/mirror-server/internal/metadb"
)

// ErrUnauthorized rejects a request with no acceptable credential.
var ErrUnauthorized = errors.New("unauthorized")

// Gate validates the credential schemes accepted on protected endpoints, in
// fixed order: Bearer token, Basic auth, X-API-Key header, session cookie,
// then the ?key query parameter. The first scheme present wins or fails.
type Gate struct {
	db       *metadb.DB
	cfg      func() *config.Config
	sessions *Sessions
	log      *zap.Logger
}

func NewGate(db *metadb.DB, cfg func() *config.Config, sessions *Sessions, log *zap.Logger) *Gate {
	return &Gate{db: db, cfg: cfg, sessions: sessions, log: log}
}

// Sessions exposes the session manager for login handlers.
func (g *Gate) Sessions() *Sessions { return g.sessions }

// Authenticate returns the authenticated identity, or ErrUnauthorized.
func (g *Gate) Authenticate(r *http.Request, clientIP string) (string, error) {
	a := g.cfg().Auth

	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return g.checkToken(auth[7:], clientIP)
	}
	if user, pass, ok := r.BasicAuth(); ok {
		return g.checkBasic(user, pass, clientIP, r.UserAgent())
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return g.checkToken(key, clientIP)
	}
	if a.SessionCookie != "" {
		if c, err := r.Cookie(a.SessionCookie); err == nil {
			if user, err := g.sessions.Validate(c.Value); err == nil {
				return user, nil
			}
			return "", ErrUnauthorized
		}
	}
	if key := r.URL.Query().Get("key"); key != "" {
		return g.checkToken(key, clientIP)
	}
	return "", ErrUnauthorized
}

// Login verifies a username/password pair and mints a session cookie value.
func (g *Gate) Login(username, password, clientIP, userAgent string) (string, error) {
	identity, err := g.checkBasic(username, password, clientIP, userAgent)
	if err != nil {
		return "", err
	}
	return g.sessions.Issue(identity), nil
}

func (g *Gate) checkBasic(user, pass, clientIP, userAgent string) (string, error) {
	a := g.cfg().Auth
	if a.StaticUser != "" &&
		subtle.ConstantTimeCompare([]byte(user), []byte(a.StaticUser)) == 1 &&
		subtle.ConstantTimeCompare([]byte(pass), []byte(a.StaticPass)) == 1 {
		return user, nil
	}
	if g.db == nil {
		return "", ErrUnauthorized
	}
	u, err := g.db.VerifyLogin(user, pass, clientIP, userAgent, a.LockThreshold, a.LockSecs)
	if err != nil {
		g.log.Debug("login rejected", zap.String("user", user), zap.Error(err))
		return "", ErrUnauthorized
	}
	return u.Username, nil
}

func (g *Gate) checkToken(token, clientIP string) (string, error) {
	for _, k := range g.cfg().Auth.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(k)) == 1 {
			return "api-key", nil
		}
	}
	if g.db != nil {
		if key, err := g.db.VerifyAPIKey(token, clientIP); err == nil {
			return key.Name, nil
		}
	}
	return "", ErrUnauthorized
}

// Middleware enforces the gate on a protected subtree. clientIP extracts the
// requester address; onReject writes the 401.
func (g *Gate) Middleware(clientIP func(*http.Request) string, onReject func(http.ResponseWriter, *http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.cfg().Auth.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			if _, err := g.Authenticate(r, clientIP(r)); err != nil {
				w.Header().Set("WWW-Authenticate", "Bearer")
				onReject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PurgeLoop drops expired sessions periodically until stop is closed.
func (g *Gate) PurgeLoop(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if n := g.sessions.Purge(); n > 0 {
				g.log.Debug("purged sessions", zap.Int("count", n))
			}
		}
	}
}
