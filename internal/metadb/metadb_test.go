// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package metadb

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/HEXIkx/mirror-server/internal/config"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(config.DBConfig{
		Type: "sqlite",
		Path: filepath.Join(t.TempDir(), "test.db"),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 2; i++ {
		d, err := Open(config.DBConfig{Type: "sqlite", Path: path}, zap.NewNop())
		if err != nil {
			t.Fatalf("Open #%d: %v", i, err)
		}
		d.Close()
	}
}

func TestFileCreateGetDelete(t *testing.T) {
	d := newTestDB(t)
	rec := &FileRecord{Path: "pkgs/flask.whl", Name: "flask.whl", Size: 42}
	if err := d.CreateFile(rec); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	got, err := d.GetFile("pkgs/flask.whl")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Size != 42 || got.SyncStatus != SyncPending {
		t.Errorf("got %+v", got)
	}
	// Live path uniqueness.
	if err := d.CreateFile(&FileRecord{Path: "pkgs/flask.whl", Name: "flask.whl"}); err != ErrDuplicatePath {
		t.Fatalf("duplicate CreateFile = %v, want ErrDuplicatePath", err)
	}
	if err := d.SoftDeleteFile("pkgs/flask.whl"); err != nil {
		t.Fatalf("SoftDeleteFile: %v", err)
	}
	if _, err := d.GetFile("pkgs/flask.whl"); err != sql.ErrNoRows {
		t.Fatalf("GetFile after delete = %v, want ErrNoRows", err)
	}
	// Re-creating the same path after soft delete succeeds.
	if err := d.CreateFile(&FileRecord{Path: "pkgs/flask.whl", Name: "flask.whl", Size: 7}); err != nil {
		t.Fatalf("re-CreateFile: %v", err)
	}
}

func TestSyncRunTransitions(t *testing.T) {
	d := newTestDB(t)
	id, err := d.CreateSyncRun("pypi", "pypi-main", false)
	if err != nil {
		t.Fatalf("CreateSyncRun: %v", err)
	}
	// Completing a pending run is illegal.
	if err := d.CompleteSyncRun(id, false, ""); err == nil {
		t.Fatal("CompleteSyncRun on pending run succeeded")
	}
	if err := d.StartSyncRun(id, 10, 1000); err != nil {
		t.Fatalf("StartSyncRun: %v", err)
	}
	if err := d.ProgressSyncRun(id, 5, 1, 500); err != nil {
		t.Fatalf("ProgressSyncRun: %v", err)
	}
	if err := d.CompleteSyncRun(id, false, ""); err != nil {
		t.Fatalf("CompleteSyncRun: %v", err)
	}
	run, err := d.GetSyncRun(id)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != RunCompleted || run.SyncedFiles != 5 || run.FailedFiles != 1 {
		t.Errorf("run = %+v", run)
	}
	// Terminal states never regress.
	if err := d.StartSyncRun(id, 1, 1); err == nil {
		t.Fatal("StartSyncRun on completed run succeeded")
	}
}

func TestDownloadAggregation(t *testing.T) {
	d := newTestDB(t)
	base := time.Now().Unix()
	for i, p := range []string{"a", "a", "b"} {
		if err := d.RecordDownload(&DownloadRecord{
			FilePath: p, FileSize: 10, DownloadTime: base + int64(i), Success: true,
		}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := d.DownloadCount(base, base+60)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("DownloadCount = %d, want 3", n)
	}
	top, err := d.TopDownloads(base, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 2 || top[0].FilePath != "a" || top[0].Count != 2 {
		t.Errorf("TopDownloads = %+v", top)
	}
}

func TestUserLockout(t *testing.T) {
	d := newTestDB(t)
	if _, err := d.CreateUser("admin", "s3cret", "admin", ""); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := d.VerifyLogin("admin", "s3cret", "1.2.3.4", "test", 3, 900); err != nil {
		t.Fatalf("good login failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := d.VerifyLogin("admin", "wrong", "1.2.3.4", "test", 3, 900); err != ErrBadCredentials {
			t.Fatalf("attempt %d: err = %v, want ErrBadCredentials", i, err)
		}
	}
	// Third consecutive failure set locked_until; even the right password
	// fails fast now.
	if _, err := d.VerifyLogin("admin", "s3cret", "1.2.3.4", "test", 3, 900); err != ErrLocked {
		t.Fatalf("login while locked = %v, want ErrLocked", err)
	}
	logs, err := d.LoginHistory(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 5 {
		t.Errorf("login log count = %d, want 5", len(logs))
	}
	if logs[0].Status != LoginLocked {
		t.Errorf("latest log status = %q, want locked", logs[0].Status)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	d := newTestDB(t)
	k, plaintext, err := d.CreateAPIKey("ci", "admin", 0, nil, []string{"cache.*"})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if plaintext == "" {
		t.Fatal("no plaintext returned")
	}
	got, err := d.VerifyAPIKey(plaintext, "9.9.9.9")
	if err != nil {
		t.Fatalf("VerifyAPIKey: %v", err)
	}
	if got.KeyID != k.KeyID {
		t.Errorf("key id mismatch")
	}
	if !got.Allows("cache.clean") || got.Allows("config.write") {
		t.Errorf("permission glob mismatch: %+v", got.Permissions)
	}
	if err := d.RevokeAPIKey(k.KeyID); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}
	if _, err := d.VerifyAPIKey(plaintext, "9.9.9.9"); err == nil {
		t.Fatal("revoked key still verifies")
	}
}

func TestWebhookDeliveries(t *testing.T) {
	d := newTestDB(t)
	w := &Webhook{Name: "slack", URL: "https://example.com/hook", Events: []string{"sync.completed"}, Enabled: true}
	if err := d.CreateWebhook(w); err != nil {
		t.Fatalf("CreateWebhook: %v", err)
	}
	subs, err := d.WebhooksForEvent("sync.completed")
	if err != nil || len(subs) != 1 {
		t.Fatalf("WebhooksForEvent = %v, %v", subs, err)
	}
	if subs, _ := d.WebhooksForEvent("other.event"); len(subs) != 0 {
		t.Fatal("unsubscribed event matched")
	}
	id, err := d.CreateDelivery(w.ID, "sync.completed")
	if err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}
	if err := d.FinishDelivery(id, DeliverySuccess, 200, "ok", "", 12, 0); err != nil {
		t.Fatalf("FinishDelivery: %v", err)
	}
	stats, err := d.WebhookDeliveryStats(w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 1 || stats.Success != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCacheRecordUpsertAndHits(t *testing.T) {
	d := newTestDB(t)
	rec := &CacheRecord{CacheKey: "simple/flask", CacheType: "pypi", FileSize: 100}
	if err := d.UpsertCacheRecord(rec); err != nil {
		t.Fatalf("UpsertCacheRecord: %v", err)
	}
	rec.FileSize = 200
	if err := d.UpsertCacheRecord(rec); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if err := d.RecordCacheHit("simple/flask"); err != nil {
		t.Fatal(err)
	}
	stats, err := d.CacheStatsByType()
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 || stats[0].Entries != 1 || stats[0].Bytes != 200 || stats[0].Hits != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMonitorSamples(t *testing.T) {
	d := newTestDB(t)
	base := time.Now().Unix()
	if err := d.InsertMonitorSample(&MonitorSample{Timestamp: base, CPUPercent: 10}); err != nil {
		t.Fatal(err)
	}
	if err := d.InsertMonitorSample(&MonitorSample{Timestamp: base - 7200, CPUPercent: 50}); err != nil {
		t.Fatal(err)
	}
	got, err := d.MonitorRange(base-3600, base+3600)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].CPUPercent != 10 {
		t.Errorf("MonitorRange = %+v", got)
	}
	n, err := d.PruneMonitorSamples(base - 3600)
	if err != nil || n != 1 {
		t.Errorf("Prune = %d, %v", n, err)
	}
}
