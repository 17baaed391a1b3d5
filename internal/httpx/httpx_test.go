// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package httpx

import (
	"net/http"
	"testing"
	"time"
)

// recordingClient captures the requests it is handed.
type recordingClient struct {
	reqs []*http.Request
}

func (c *recordingClient) Do(req *http.Request) (*http.Response, error) {
	c.reqs = append(c.reqs, req)
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
}

func TestWithBasicAuthAttachesCredentials(t *testing.T) {
	rc := &recordingClient{}
	client := &WithBasicAuth{BasicClient: rc, Username: "bot", Password: "hunter2"}
	req, _ := http.NewRequest(http.MethodGet, "https://registry.example/v2/", nil)
	if _, err := client.Do(req); err != nil {
		t.Fatal(err)
	}
	user, pass, ok := rc.reqs[0].BasicAuth()
	if !ok || user != "bot" || pass != "hunter2" {
		t.Errorf("BasicAuth = (%q, %q, %v), want (bot, hunter2, true)", user, pass, ok)
	}
}

func TestWithBasicAuthEmptyUsernameSendsNothing(t *testing.T) {
	rc := &recordingClient{}
	client := &WithBasicAuth{BasicClient: rc}
	req, _ := http.NewRequest(http.MethodGet, "https://registry.example/v2/", nil)
	if _, err := client.Do(req); err != nil {
		t.Fatal(err)
	}
	if got := rc.reqs[0].Header.Get("Authorization"); got != "" {
		t.Errorf("Authorization = %q, want unset", got)
	}
}

func TestRateLimitedClientPacesRequests(t *testing.T) {
	rc := &recordingClient{}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	client := &RateLimitedClient{BasicClient: rc, Ticker: ticker}

	start := time.Now()
	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1/item", nil)
		if _, err := client.Do(req); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("three requests took %v, want at least one tick apart each", elapsed)
	}
	if len(rc.reqs) != 3 {
		t.Errorf("requests delivered = %d, want 3", len(rc.reqs))
	}
}
