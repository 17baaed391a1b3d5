// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"net"
	"net/http"
	"strings"
)

// joinURL concatenates an upstream base and a subpath without doubling
// slashes. The subpath may carry a query string.
func joinURL(baseURL, subpath string) string {
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(subpath, "/")
}

// clientIP extracts the requester address, honouring X-Forwarded-For.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
