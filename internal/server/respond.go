// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/HEXIkx/mirror-server/internal/mirror"
)

// writeJSON emits a JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the standard JSON error envelope.
func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{"error": fmt.Sprintf(format, args...)})
}

// httpStatus maps an error to its response status: adapter errors carry their
// own, a full disk is 507, anything else is 500.
func httpStatus(err error) int {
	if errors.Cause(err) == os.ErrPermission || errors.Is(err, os.ErrPermission) {
		return http.StatusForbidden
	}
	if errors.Is(err, syscall.ENOSPC) {
		return http.StatusInsufficientStorage
	}
	return mirror.Status(err)
}

// adapterError logs and writes an adapter failure.
func (s *Server) adapterError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	if status >= 500 {
		s.log.Warn("request failed",
			zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, "%v", err)
}

// listingErrorPage renders the minimal HTML error page used by the file tree.
func listingErrorPage(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html><html><head><title>%d %s</title></head>
<body><h1>%d %s</h1><p><a href="/">Back to index</a></p></body></html>`,
		status, http.StatusText(status), status, http.StatusText(status))
}
