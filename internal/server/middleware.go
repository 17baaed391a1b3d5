// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// clientIP extracts the requester address, honouring X-Forwarded-For.
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

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

// accessLogger appends one line per request to the access log file and
// mirrors it at debug level.
type accessLogger struct {
	log *zap.Logger

	mu   sync.Mutex
	file *os.File
}

func newAccessLogger(path string, log *zap.Logger) *accessLogger {
	al := &accessLogger{log: log}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Warn("opening access log", zap.String("path", path), zap.Error(err))
		} else {
			al.file = f
		}
	}
	return al
}

func (al *accessLogger) Close() {
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.file != nil {
		al.file.Close()
		al.file = nil
	}
}

func (al *accessLogger) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		elapsed := time.Since(start)

		al.mu.Lock()
		if al.file != nil {
			fmt.Fprintf(al.file, "%s %s %q %d %d %dms %q\n",
				start.Format(time.RFC3339), clientIP(r), r.Method+" "+r.URL.RequestURI(),
				rec.status, rec.bytes, elapsed.Milliseconds(), r.UserAgent())
		}
		al.mu.Unlock()

		al.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int64("bytes", rec.bytes),
			zap.Duration("elapsed", elapsed),
			zap.String("client", clientIP(r)))
	})
}

// guard enforces the IP allow-list and the rate limiter before anything else
// sees the request, auth included.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.ipList().Allowed(ip) {
			writeError(w, http.StatusForbidden, "address not allowed")
			return
		}
		if !s.limiter.Allow(ip) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
