// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package metadb

import (
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// SyncStatus values for FileRecord.
const (
	SyncPending = "pending"
	SyncSynced  = "synced"
	SyncError   = "error"
)

// ErrDuplicatePath is returned when a live record already holds the path.
var ErrDuplicatePath = errors.New("path already exists")

// FileRecord mirrors one filesystem entry.
type FileRecord struct {
	ID            int64          `db:"id" json:"-"`
	FileID        string         `db:"file_id" json:"file_id"`
	Path          string         `db:"path" json:"path"`
	Name          string         `db:"name" json:"name"`
	Size          int64          `db:"size" json:"size"`
	Hash          sql.NullString `db:"hash" json:"hash,omitempty"`
	MimeType      sql.NullString `db:"mime_type" json:"mime_type,omitempty"`
	IsDir         bool           `db:"is_dir" json:"is_dir"`
	CreatedAt     int64          `db:"created_at" json:"created_at"`
	UpdatedAt     int64          `db:"updated_at" json:"updated_at"`
	LastAccessed  int64          `db:"last_accessed" json:"last_accessed"`
	DownloadCount int64          `db:"download_count" json:"download_count"`
	IsDeleted     bool           `db:"is_deleted" json:"is_deleted"`
	SyncStatus    string         `db:"sync_status" json:"sync_status"`
}

// CreateFile inserts a new live record for path. Duplicate live paths are
// rejected with ErrDuplicatePath.
func (d *DB) CreateFile(rec *FileRecord) error {
	if rec.FileID == "" {
		rec.FileID = uuid.NewString()
	}
	ts := now()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = ts
	}
	rec.UpdatedAt = ts
	if rec.SyncStatus == "" {
		rec.SyncStatus = SyncPending
	}
	_, err := d.Exec(d.q(`INSERT INTO {{p}}files
		(file_id, path, name, size, hash, mime_type, is_dir, created_at, updated_at, last_accessed, download_count, is_deleted, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, FALSE, ?)`),
		rec.FileID, rec.Path, rec.Name, rec.Size, rec.Hash, rec.MimeType, rec.IsDir,
		rec.CreatedAt, rec.UpdatedAt, rec.LastAccessed, rec.SyncStatus)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePath
		}
		return errors.Wrap(err, "inserting file record")
	}
	return nil
}

// UpsertFile inserts path or refreshes the existing live record in place.
func (d *DB) UpsertFile(rec *FileRecord) error {
	err := d.CreateFile(rec)
	if err == ErrDuplicatePath {
		_, err = d.Exec(d.q(`UPDATE {{p}}files SET size = ?, hash = ?, mime_type = ?, updated_at = ?, sync_status = ?
			WHERE path = ? AND NOT is_deleted`),
			rec.Size, rec.Hash, rec.MimeType, now(), rec.SyncStatus, rec.Path)
	}
	return err
}

// GetFile returns the live record at path, or sql.ErrNoRows.
func (d *DB) GetFile(path string) (*FileRecord, error) {
	var rec FileRecord
	err := d.Get(&rec, d.q(`SELECT * FROM {{p}}files WHERE path = ? AND NOT is_deleted`), path)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListFiles returns live records under dir (non-recursive when dir given with
// trailing matching), ordered path ascending.
func (d *DB) ListFiles(prefix string, limit, offset int) ([]FileRecord, error) {
	var recs []FileRecord
	err := d.Select(&recs, d.q(`SELECT * FROM {{p}}files
		WHERE path LIKE ? AND NOT is_deleted ORDER BY path LIMIT ? OFFSET ?`),
		prefix+"%", limit, offset)
	return recs, err
}

// SearchFiles matches live records by name substring.
func (d *DB) SearchFiles(q string, limit int) ([]FileRecord, error) {
	var recs []FileRecord
	err := d.Select(&recs, d.q(`SELECT * FROM {{p}}files
		WHERE name LIKE ? AND NOT is_deleted ORDER BY path LIMIT ?`),
		"%"+q+"%", limit)
	return recs, err
}

// SoftDeleteFile marks the live record at path deleted.
func (d *DB) SoftDeleteFile(path string) error {
	res, err := d.Exec(d.q(`UPDATE {{p}}files SET is_deleted = TRUE, updated_at = ? WHERE path = ? AND NOT is_deleted`), now(), path)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// PurgeDeleted hard-deletes soft-deleted records older than beforeEpoch.
func (d *DB) PurgeDeleted(beforeEpoch int64) (int64, error) {
	res, err := d.Exec(d.q(`DELETE FROM {{p}}files WHERE is_deleted AND updated_at < ?`), beforeEpoch)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TouchAccess bumps last_accessed and the denormalised download counter.
// The download table remains the source of truth for statistics.
func (d *DB) TouchAccess(path string) error {
	_, err := d.Exec(d.q(`UPDATE {{p}}files SET last_accessed = ?, download_count = download_count + 1
		WHERE path = ? AND NOT is_deleted`), now(), path)
	return err
}

// LivePaths returns the set of all live paths, for the scan loop's diff.
func (d *DB) LivePaths() (map[string]struct{}, error) {
	var paths []string
	if err := d.Select(&paths, d.q(`SELECT path FROM {{p}}files WHERE NOT is_deleted`)); err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return set, nil
}

// FileCount returns the number of live records.
func (d *DB) FileCount() (int64, error) {
	var n int64
	err := d.Get(&n, d.q(`SELECT COUNT(*) FROM {{p}}files WHERE NOT is_deleted`))
	return n, err
}

// MarkSynced transitions a batch of paths to the given sync status in one
// transaction.
func (d *DB) MarkSynced(paths []string, status string) error {
	return d.InTx(func(tx *sqlx.Tx) error {
		for _, p := range paths {
			if _, err := tx.Exec(d.q(`UPDATE {{p}}files SET sync_status = ?, updated_at = ? WHERE path = ? AND NOT is_deleted`),
				status, now(), p); err != nil {
				return err
			}
		}
		return nil
	})
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	// sqlite: "UNIQUE constraint failed"; postgres: SQLSTATE 23505.
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "23505") ||
		strings.Contains(msg, "duplicate key")
}
