// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package authz implements the router's auth gate: HMAC-signed sessions,
// credential validation across the supported schemes, client rate limiting,
// and the IP allow-list.
package authz

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrBadSession rejects a cookie that is missing, malformed, expired, or
// carries a wrong signature. Callers never learn which.
var ErrBadSession = errors.New("invalid session")

type session struct {
	userID  string
	expires time.Time
}

// Sessions issues and validates signed session cookies. The cookie value is
// "<session_id>.<ts>.<sig>" where sig is an HMAC-SHA256 over
// "<session_id>.<ts>.<user_id>".
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu   sync.Mutex
	live map[string]session
}

func NewSessions(secret string, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Sessions{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
		live:   map[string]session{},
	}
}

// Issue creates a session for userID and returns the cookie value.
func (s *Sessions) Issue(userID string) string {
	id := uuid.New().String()
	ts := strconv.FormatInt(s.now().Unix(), 10)
	s.mu.Lock()
	s.live[id] = session{userID: userID, expires: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return id + "." + ts + "." + s.sign(id, ts, userID)
}

// Validate checks a cookie value and returns the session's user ID.
func (s *Sessions) Validate(cookie string) (string, error) {
	parts := strings.Split(cookie, ".")
	if len(parts) != 3 {
		return "", ErrBadSession
	}
	id, ts, sig := parts[0], parts[1], parts[2]
	s.mu.Lock()
	sess, ok := s.live[id]
	s.mu.Unlock()
	if !ok || s.now().After(sess.expires) {
		return "", ErrBadSession
	}
	want := s.sign(id, ts, sess.userID)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return "", ErrBadSession
	}
	return sess.userID, nil
}

// Revoke drops a session; validating its cookie afterwards fails.
func (s *Sessions) Revoke(cookie string) {
	if i := strings.Index(cookie, "."); i > 0 {
		s.mu.Lock()
		delete(s.live, cookie[:i])
		s.mu.Unlock()
	}
}

// Purge drops expired sessions and returns how many were removed.
func (s *Sessions) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := s.now()
	for id, sess := range s.live {
		if now.After(sess.expires) {
			delete(s.live, id)
			n++
		}
	}
	return n
}

func (s *Sessions) sign(id, ts, userID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(id + "." + ts + "." + userID))
	return hex.EncodeToString(mac.Sum(nil))
}
