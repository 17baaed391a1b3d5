// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package metadb

import (
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Sync run status values. Transitions are strictly
// pending -> running -> (completed | failed).
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// SyncRun records one bulk synchronisation.
type SyncRun struct {
	ID           int64          `db:"id" json:"-"`
	SyncID       string         `db:"sync_id" json:"sync_id"`
	SourceType   string         `db:"source_type" json:"source_type"`
	SourceName   string         `db:"source_name" json:"source_name"`
	Status       string         `db:"status" json:"status"`
	TotalFiles   int64          `db:"total_files" json:"total_files"`
	SyncedFiles  int64          `db:"synced_files" json:"synced_files"`
	FailedFiles  int64          `db:"failed_files" json:"failed_files"`
	TotalSize    int64          `db:"total_size" json:"total_size"`
	SyncedSize   int64          `db:"synced_size" json:"synced_size"`
	IsTemp       bool           `db:"is_temp" json:"is_temp_sync"`
	StartedAt    int64          `db:"started_at" json:"started_at"`
	CompletedAt  sql.NullInt64  `db:"completed_at" json:"completed_at,omitempty"`
	ErrorMessage sql.NullString `db:"error_message" json:"error_message,omitempty"`
}

// CreateSyncRun inserts a pending run and returns its sync_id.
func (d *DB) CreateSyncRun(sourceType, sourceName string, isTemp bool) (string, error) {
	id := uuid.NewString()
	_, err := d.Exec(d.q(`INSERT INTO {{p}}sync_runs
		(sync_id, source_type, source_name, status, is_temp, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		id, sourceType, sourceName, RunPending, isTemp, now())
	if err != nil {
		return "", errors.Wrap(err, "creating sync run")
	}
	return id, nil
}

// StartSyncRun transitions pending -> running.
func (d *DB) StartSyncRun(syncID string, totalFiles, totalSize int64) error {
	res, err := d.Exec(d.q(`UPDATE {{p}}sync_runs SET status = ?, total_files = ?, total_size = ?, started_at = ?
		WHERE sync_id = ? AND status = ?`),
		RunRunning, totalFiles, totalSize, now(), syncID, RunPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf("sync run %s not pending", syncID)
	}
	return nil
}

// ProgressSyncRun updates counters on a running run.
func (d *DB) ProgressSyncRun(syncID string, synced, failed, syncedSize int64) error {
	_, err := d.Exec(d.q(`UPDATE {{p}}sync_runs SET synced_files = ?, failed_files = ?, synced_size = ?
		WHERE sync_id = ? AND status = ?`),
		synced, failed, syncedSize, syncID, RunRunning)
	return err
}

// CompleteSyncRun transitions running -> completed|failed. Terminal states
// never regress.
func (d *DB) CompleteSyncRun(syncID string, failed bool, errMsg string) error {
	status := RunCompleted
	var msg sql.NullString
	if failed {
		status = RunFailed
		msg = sql.NullString{String: errMsg, Valid: errMsg != ""}
	}
	res, err := d.Exec(d.q(`UPDATE {{p}}sync_runs SET status = ?, completed_at = ?, error_message = ?
		WHERE sync_id = ? AND status = ?`),
		status, now(), msg, syncID, RunRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf("sync run %s not running", syncID)
	}
	return nil
}

// GetSyncRun fetches one run by sync_id.
func (d *DB) GetSyncRun(syncID string) (*SyncRun, error) {
	var run SyncRun
	if err := d.Get(&run, d.q(`SELECT * FROM {{p}}sync_runs WHERE sync_id = ?`), syncID); err != nil {
		return nil, err
	}
	return &run, nil
}

// SyncHistory lists runs for a source, newest first.
func (d *DB) SyncHistory(sourceName string, limit int) ([]SyncRun, error) {
	var runs []SyncRun
	err := d.Select(&runs, d.q(`SELECT * FROM {{p}}sync_runs WHERE source_name = ?
		ORDER BY started_at DESC, id DESC LIMIT ?`), sourceName, limit)
	return runs, err
}

// LatestSyncRun returns the most recent run for a source, or sql.ErrNoRows.
func (d *DB) LatestSyncRun(sourceName string) (*SyncRun, error) {
	var run SyncRun
	err := d.Get(&run, d.q(`SELECT * FROM {{p}}sync_runs WHERE source_name = ?
		ORDER BY started_at DESC, id DESC LIMIT 1`), sourceName)
	if err != nil {
		return nil, err
	}
	return &run, nil
}
