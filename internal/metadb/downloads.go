// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package metadb

import "database/sql"

// DownloadRecord is one served download. The table is append-only and is the
// source of truth for download statistics; files.download_count is only a
// denormalised convenience counter.
type DownloadRecord struct {
	ID           int64          `db:"id" json:"-"`
	FilePath     string         `db:"file_path" json:"file_path"`
	FileSize     int64          `db:"file_size" json:"file_size"`
	DownloadTime int64          `db:"download_time" json:"download_time"`
	DurationMS   int64          `db:"duration_ms" json:"duration_ms"`
	ClientIP     sql.NullString `db:"client_ip" json:"client_ip,omitempty"`
	UserAgent    sql.NullString `db:"user_agent" json:"user_agent,omitempty"`
	Success      bool           `db:"success" json:"success"`
	ErrorMessage sql.NullString `db:"error_message" json:"error_message,omitempty"`
}

// RecordDownload appends one download record.
func (d *DB) RecordDownload(rec *DownloadRecord) error {
	if rec.DownloadTime == 0 {
		rec.DownloadTime = now()
	}
	_, err := d.Exec(d.q(`INSERT INTO {{p}}downloads
		(file_path, file_size, download_time, duration_ms, client_ip, user_agent, success, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.FilePath, rec.FileSize, rec.DownloadTime, rec.DurationMS,
		rec.ClientIP, rec.UserAgent, rec.Success, rec.ErrorMessage)
	return err
}

// DownloadCount returns the number of downloads in [fromEpoch, toEpoch).
func (d *DB) DownloadCount(fromEpoch, toEpoch int64) (int64, error) {
	var n int64
	err := d.Get(&n, d.q(`SELECT COUNT(*) FROM {{p}}downloads WHERE download_time >= ? AND download_time < ?`),
		fromEpoch, toEpoch)
	return n, err
}

// PathDownloads holds an aggregated per-path download count.
type PathDownloads struct {
	FilePath string `db:"file_path" json:"file_path"`
	Count    int64  `db:"count" json:"count"`
	Bytes    int64  `db:"bytes" json:"bytes"`
}

// TopDownloads ranks paths by successful download count since fromEpoch.
func (d *DB) TopDownloads(fromEpoch int64, limit int) ([]PathDownloads, error) {
	var out []PathDownloads
	err := d.Select(&out, d.q(`SELECT file_path, COUNT(*) AS count, COALESCE(SUM(file_size), 0) AS bytes
		FROM {{p}}downloads WHERE success AND download_time >= ?
		GROUP BY file_path ORDER BY count DESC, file_path LIMIT ?`),
		fromEpoch, limit)
	return out, err
}

// HourlyActivity is one bucket in an activity timeline.
type HourlyActivity struct {
	Hour  int64 `db:"hour" json:"hour"` // bucket start, epoch seconds
	Count int64 `db:"count" json:"count"`
	Bytes int64 `db:"bytes" json:"bytes"`
}

// DownloadTimeline buckets downloads since fromEpoch into hour windows.
func (d *DB) DownloadTimeline(fromEpoch int64) ([]HourlyActivity, error) {
	var out []HourlyActivity
	err := d.Select(&out, d.q(`SELECT (download_time / 3600) * 3600 AS hour,
		COUNT(*) AS count, COALESCE(SUM(file_size), 0) AS bytes
		FROM {{p}}downloads WHERE download_time >= ?
		GROUP BY hour ORDER BY hour`),
		fromEpoch)
	return out, err
}

// RecentDownloads returns the latest records, newest first.
func (d *DB) RecentDownloads(limit int) ([]DownloadRecord, error) {
	var out []DownloadRecord
	err := d.Select(&out, d.q(`SELECT * FROM {{p}}downloads ORDER BY download_time DESC, id DESC LIMIT ?`), limit)
	return out, err
}
