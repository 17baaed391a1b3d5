// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package urlx provides small URL helpers shared by the mirror adapters.
package urlx

import (
	"net/url"
	"strings"
)

// MustParse will call url.Parse and panic if there is an error, returning on success.
func MustParse(rawURL string) *url.URL {
	if u, err := url.Parse(rawURL); err != nil {
		panic(err)
	} else {
		return u
	}
}

// Join resolves subpath against base, preserving the base path prefix.
func Join(base *url.URL, subpath string) string {
	return base.JoinPath(strings.Split(subpath, "/")...).String()
}

// SafeSegment reports whether a single path segment is free of traversal tokens.
func SafeSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, "/\\")
}
