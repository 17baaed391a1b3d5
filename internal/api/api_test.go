// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/HEXIkx/mirror-server/internal/authz"
	"github.com/HEXIkx/mirror-server/internal/config"
	"github.com/HEXIkx/mirror-server/internal/fetcher"
	"github.com/HEXIkx/mirror-server/internal/health"
	"github.com/HEXIkx/mirror-server/internal/httpx/httpxtest"
	"github.com/HEXIkx/mirror-server/internal/lifecycle"
	"github.com/HEXIkx/mirror-server/internal/metadb"
	"github.com/HEXIkx/mirror-server/internal/monitor"
	"github.com/HEXIkx/mirror-server/internal/prewarm"
	"github.com/HEXIkx/mirror-server/internal/scheduler"
	"github.com/HEXIkx/mirror-server/internal/store"
)

type fixture struct {
	handler http.Handler
	cfg     *config.Manager
	db      *metadb.DB
	st      *store.Store
	queue   *scheduler.Queue
	base    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop()
	dir := t.TempDir()

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	if err := cfg.Update(map[string]any{
		"base_dir":        dir,
		"max_upload_size": int64(1 << 20),
		"auth":            map[string]any{"enabled": false},
	}); err != nil {
		t.Fatalf("config.Update: %v", err)
	}

	db, err := metadb.Open(config.DBConfig{Type: "sqlite", Path: filepath.Join(dir, "meta.db")}, log)
	if err != nil {
		t.Fatalf("metadb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st, err := store.New(dir, log)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	client := &httpxtest.MockClient{SkipURLValidation: true}
	f := fetcher.NewWithClient(client, log)
	checker := health.NewChecker(f, cfg.Get().Health, cfg.Get().Mirrors, log)
	queue := scheduler.NewQueue()
	itemFn := func(ctx context.Context, source, item string) error { return nil }

	handler := New(Deps{
		Config:   cfg,
		Store:    st,
		DB:       db,
		Health:   checker,
		Sched:    scheduler.New(db, cfg.Get, queue, itemFn, log),
		Queue:    queue,
		Prewarm:  prewarm.New(client, "http://localhost", 2, 1, log),
		Monitor:  monitor.New(db, dir, log),
		Life:     lifecycle.NewManager(log),
		Gate:     authz.NewGate(db, cfg.Get, authz.NewSessions("test-secret", 0), log),
		Notifier: NewNotifier(db, client, log),
		Gatherer: prometheus.NewRegistry(),
		Version:  "test",
		Log:      log,
	})
	return &fixture{handler: handler, cfg: cfg, db: db, st: st, queue: queue, base: dir}
}

func (fx *fixture) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	fx.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestServerInfo(t *testing.T) {
	fx := newFixture(t)
	w := fx.do(t, http.MethodGet, "/v2/server/info", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	got := decodeBody(t, w)
	if got["state"] != "running" {
		t.Errorf("state = %v, want running", got["state"])
	}
	if got["version"] != "test" {
		t.Errorf("version = %v, want test", got["version"])
	}
}

func TestUploadAndListRoundTrip(t *testing.T) {
	fx := newFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("path", "uploads")
	fw, _ := mw.CreateFormFile("file", "hello.txt")
	fmt.Fprint(fw, "hello world")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v2/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	fx.handler.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, want 201: %s", w.Code, w.Body.String())
	}

	b, err := os.ReadFile(filepath.Join(fx.base, "uploads", "hello.txt"))
	if err != nil {
		t.Fatalf("reading uploaded file: %v", err)
	}
	if got, want := string(b), "hello world"; got != want {
		t.Errorf("uploaded content = %q, want %q", got, want)
	}

	lw := fx.do(t, http.MethodGet, "/v2/files?prefix=uploads", nil)
	got := decodeBody(t, lw)
	if got["count"].(float64) != 1 {
		t.Errorf("file count = %v, want 1", got["count"])
	}
	if fx.queue.Len() != 1 {
		t.Errorf("queue length = %d, want 1", fx.queue.Len())
	}
}

func TestUploadDuplicateConflicts(t *testing.T) {
	fx := newFixture(t)

	send := func() *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, _ := mw.CreateFormFile("file", "dup.bin")
		fmt.Fprint(fw, "data")
		mw.Close()
		req := httptest.NewRequest(http.MethodPost, "/v2/upload", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		w := httptest.NewRecorder()
		fx.handler.ServeHTTP(w, req)
		return w
	}
	if w := send(); w.Code != http.StatusCreated {
		t.Fatalf("first upload = %d, want 201", w.Code)
	}
	if w := send(); w.Code != http.StatusConflict {
		t.Errorf("second upload = %d, want 409", w.Code)
	}
}

func TestUploadSizeMismatchRollsBack(t *testing.T) {
	fx := newFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("size", "100")
	fw, _ := mw.CreateFormFile("file", "short.bin")
	fmt.Fprint(fw, "only a few bytes")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v2/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	fx.handler.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "size mismatch") {
		t.Errorf("body = %q, want size mismatch message", w.Body.String())
	}
	entries, err := os.ReadDir(fx.base)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), "short.bin") {
			t.Errorf("partial upload left behind: %s", e.Name())
		}
	}
}

func TestUploadTooLargeRejectedEarly(t *testing.T) {
	fx := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v2/upload", bytes.NewReader(make([]byte, 2<<20)))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	req.ContentLength = 2 << 20
	w := httptest.NewRecorder()
	fx.handler.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
}

func TestDeleteFileRemovesAndRecords(t *testing.T) {
	fx := newFixture(t)
	p := filepath.Join(fx.base, "victim.txt")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	w := fx.do(t, http.MethodDelete, "/v2/files?path=victim.txt", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Error("file still exists after delete")
	}
	adds, _, deletes := fx.queue.Drain()
	if len(adds) != 0 || len(deletes) != 1 {
		t.Errorf("queue adds=%d deletes=%d, want 0/1", len(adds), len(deletes))
	}
}

func TestDeleteFileTraversalRejected(t *testing.T) {
	fx := newFixture(t)
	w := fx.do(t, http.MethodDelete, "/v2/files?path=../../etc/passwd", nil)
	if w.Code != http.StatusBadRequest && w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want rejection", w.Code)
	}
}

func TestWebhookCRUD(t *testing.T) {
	fx := newFixture(t)

	body, _ := json.Marshal(map[string]any{
		"name":   "ci",
		"url":    "http://hooks.internal/ci",
		"events": []string{EventFileUploaded},
	})
	w := fx.do(t, http.MethodPost, "/v2/webhooks", bytes.NewReader(body))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	created := decodeBody(t, w)
	id := created["id"].(string)

	w = fx.do(t, http.MethodGet, "/v2/webhooks/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	patch, _ := json.Marshal(map[string]any{"enabled": false})
	w = fx.do(t, http.MethodPut, "/v2/webhooks/"+id, bytes.NewReader(patch))
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w); got["enabled"] != false {
		t.Errorf("enabled = %v, want false", got["enabled"])
	}

	w = fx.do(t, http.MethodDelete, "/v2/webhooks/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = fx.do(t, http.MethodGet, "/v2/webhooks/"+id, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}
}

func TestMirrorLifecycleThroughConfig(t *testing.T) {
	fx := newFixture(t)

	body, _ := json.Marshal(map[string]any{
		"enabled": true,
		"upstreams": []map[string]any{
			{"name": "origin", "url": "https://pypi.org/simple"},
		},
	})
	w := fx.do(t, http.MethodPut, "/v2/mirrors/pypi", bytes.NewReader(body))
	if w.Code != http.StatusOK {
		t.Fatalf("upsert status = %d: %s", w.Code, w.Body.String())
	}
	m, ok := fx.cfg.Get().Mirrors["pypi"]
	if !ok || !m.Enabled || len(m.Upstreams) != 1 {
		t.Fatalf("mirror config not applied: %+v", m)
	}

	w = fx.do(t, http.MethodPost, "/v2/mirrors/pypi/enable?enabled=false", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("disable status = %d", w.Code)
	}
	if fx.cfg.Get().Mirrors["pypi"].Enabled {
		t.Error("mirror still enabled after disable")
	}

	w = fx.do(t, http.MethodGet, "/v2/mirrors", nil)
	got := decodeBody(t, w)
	if got["mirrors"] == nil {
		t.Error("mirrors list missing")
	}
}

func TestRefreshMirrorDropsCache(t *testing.T) {
	fx := newFixture(t)
	body, _ := json.Marshal(map[string]any{"enabled": true})
	if w := fx.do(t, http.MethodPut, "/v2/mirrors/npm", bytes.NewReader(body)); w.Code != http.StatusOK {
		t.Fatalf("upsert status = %d", w.Code)
	}
	if err := fx.st.Put("npm/package/left-pad/latest", []byte("{}"), "application/json", 0); err != nil {
		t.Fatal(err)
	}
	w := fx.do(t, http.MethodPost, "/v2/mirrors/npm/refresh", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d: %s", w.Code, w.Body.String())
	}
	if _, err := fx.st.Lookup("npm/package/left-pad/latest"); err == nil {
		t.Error("cache entry survived refresh")
	}
}

func TestRestartConfirmFlow(t *testing.T) {
	fx := newFixture(t)

	body, _ := json.Marshal(map[string]any{"strategy": "graceful", "timeout_secs": 1})
	w := fx.do(t, http.MethodPost, "/v2/server/restart", bytes.NewReader(body))
	if w.Code != http.StatusAccepted {
		t.Fatalf("request status = %d: %s", w.Code, w.Body.String())
	}

	w = fx.do(t, http.MethodGet, "/v2/server/restart/pending", nil)
	if got := decodeBody(t, w); got["pending"] != true {
		t.Errorf("pending = %v, want true", got["pending"])
	}

	w = fx.do(t, http.MethodPost, "/v2/server/restart/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", w.Code)
	}
	w = fx.do(t, http.MethodGet, "/v2/server/restart/pending", nil)
	if got := decodeBody(t, w); got["pending"] != false {
		t.Errorf("pending after cancel = %v, want false", got["pending"])
	}
}

func TestBadRestartStrategyRejected(t *testing.T) {
	fx := newFixture(t)
	body, _ := json.Marshal(map[string]any{"strategy": "yolo"})
	w := fx.do(t, http.MethodPost, "/v2/server/restart", bytes.NewReader(body))
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestConfigReadMasksSecrets(t *testing.T) {
	fx := newFixture(t)
	if err := fx.cfg.Update(map[string]any{"session_secret": "hush"}); err != nil {
		t.Fatal(err)
	}
	w := fx.do(t, http.MethodGet, "/v2/config", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "hush") {
		t.Error("session secret leaked through config read")
	}
}

func TestConfigPatchApplies(t *testing.T) {
	fx := newFixture(t)
	body, _ := json.Marshal(map[string]any{"enable_dir_listing": false})
	w := fx.do(t, http.MethodPut, "/v2/config", bytes.NewReader(body))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if fx.cfg.Get().EnableDirListing {
		t.Error("patch not applied")
	}
	w = fx.do(t, http.MethodGet, "/v2/config/changes", nil)
	got := decodeBody(t, w)
	if changes := got["changes"].([]any); len(changes) == 0 {
		t.Error("change log empty after patch")
	}
}

func TestV1HasNoV2OnlySurface(t *testing.T) {
	fx := newFixture(t)
	for _, path := range []string{"/v1/webhooks", "/v1/config", "/v1/monitor/realtime", "/v1/metrics"} {
		w := fx.do(t, http.MethodGet, path, nil)
		if w.Code != http.StatusNotFound && w.Code != http.StatusMethodNotAllowed {
			t.Errorf("GET %s = %d, want 404/405", path, w.Code)
		}
	}
	// The shared surface answers on both versions.
	if w := fx.do(t, http.MethodGet, "/v1/server/info", nil); w.Code != http.StatusOK {
		t.Errorf("GET /v1/server/info = %d, want 200", w.Code)
	}
}

func TestSyncUnknownSource(t *testing.T) {
	fx := newFixture(t)
	if w := fx.do(t, http.MethodPost, "/v2/sync/nope/start", nil); w.Code != http.StatusConflict {
		t.Errorf("start unknown = %d, want 409", w.Code)
	}
	if w := fx.do(t, http.MethodGet, "/v2/sync/nope/status", nil); w.Code != http.StatusNotFound {
		t.Errorf("status unknown = %d, want 404", w.Code)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	fx := newFixture(t)

	body, _ := json.Marshal(map[string]any{"name": "ci", "level": "admin"})
	w := fx.do(t, http.MethodPost, "/v2/user/apikeys", bytes.NewReader(body))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	created := decodeBody(t, w)
	if created["plaintext"] == "" || created["plaintext"] == nil {
		t.Fatal("plaintext key missing from create response")
	}
	keyID := created["key"].(map[string]any)["key_id"].(string)

	w = fx.do(t, http.MethodGet, "/v2/user/apikeys", nil)
	got := decodeBody(t, w)
	if keys := got["keys"].([]any); len(keys) != 1 {
		t.Errorf("key count = %d, want 1", len(keys))
	}

	if w := fx.do(t, http.MethodDelete, "/v2/user/apikeys/"+keyID, nil); w.Code != http.StatusOK {
		t.Fatalf("revoke status = %d", w.Code)
	}
	if w := fx.do(t, http.MethodDelete, "/v2/user/apikeys/"+keyID, nil); w.Code != http.StatusNotFound {
		t.Errorf("double revoke status = %d, want 404", w.Code)
	}
}

func TestCreateUserValidation(t *testing.T) {
	fx := newFixture(t)
	body, _ := json.Marshal(map[string]any{"username": "ops", "password": "short"})
	if w := fx.do(t, http.MethodPost, "/v2/user", bytes.NewReader(body)); w.Code != http.StatusBadRequest {
		t.Errorf("weak password status = %d, want 400", w.Code)
	}
	body, _ = json.Marshal(map[string]any{"username": "ops", "password": "longenough"})
	if w := fx.do(t, http.MethodPost, "/v2/user", bytes.NewReader(body)); w.Code != http.StatusCreated {
		t.Errorf("create status = %d, want 201", w.Code)
	}
	if w := fx.do(t, http.MethodPost, "/v2/user", bytes.NewReader(body)); w.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want 409", w.Code)
	}
}

func TestDownloadStatsShape(t *testing.T) {
	fx := newFixture(t)
	w := fx.do(t, http.MethodGet, "/v2/stats/downloads?hours=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got := decodeBody(t, w)
	if got["hours"].(float64) != 1 {
		t.Errorf("hours = %v, want 1", got["hours"])
	}
	if got["total"].(float64) != 0 {
		t.Errorf("total = %v, want 0", got["total"])
	}
}

func TestMetricsExposition(t *testing.T) {
	fx := newFixture(t)
	w := fx.do(t, http.MethodGet, "/v2/metrics", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
