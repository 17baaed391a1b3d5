// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package metadb

import "database/sql"

// CacheRecord is the optional metadata index over content-store entries.
type CacheRecord struct {
	ID        int64          `db:"id" json:"-"`
	CacheKey  string         `db:"cache_key" json:"cache_key"`
	CacheType string         `db:"cache_type" json:"cache_type"`
	FilePath  sql.NullString `db:"file_path" json:"file_path,omitempty"`
	FileSize  int64          `db:"file_size" json:"file_size"`
	FileHash  sql.NullString `db:"file_hash" json:"file_hash,omitempty"`
	Hits      int64          `db:"hits" json:"hits"`
	CreatedAt int64          `db:"created_at" json:"created_at"`
	ExpiresAt sql.NullInt64  `db:"expires_at" json:"expires_at,omitempty"`
	LastHit   sql.NullInt64  `db:"last_hit" json:"last_hit,omitempty"`
}

// UpsertCacheRecord inserts or refreshes the index row for a cache key.
func (d *DB) UpsertCacheRecord(rec *CacheRecord) error {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now()
	}
	res, err := d.Exec(d.q(`UPDATE {{p}}cache_records SET cache_type = ?, file_path = ?, file_size = ?, file_hash = ?, expires_at = ?
		WHERE cache_key = ?`),
		rec.CacheType, rec.FilePath, rec.FileSize, rec.FileHash, rec.ExpiresAt, rec.CacheKey)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = d.Exec(d.q(`INSERT INTO {{p}}cache_records
		(cache_key, cache_type, file_path, file_size, file_hash, hits, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`),
		rec.CacheKey, rec.CacheType, rec.FilePath, rec.FileSize, rec.FileHash, rec.CreatedAt, rec.ExpiresAt)
	if isUniqueViolation(err) {
		return nil
	}
	return err
}

// RecordCacheHit bumps the hit counter for a key.
func (d *DB) RecordCacheHit(cacheKey string) error {
	_, err := d.Exec(d.q(`UPDATE {{p}}cache_records SET hits = hits + 1, last_hit = ? WHERE cache_key = ?`),
		now(), cacheKey)
	return err
}

// CacheRecordsByType summarises the index per cache type.
type CacheTypeStats struct {
	CacheType string `db:"cache_type" json:"cache_type"`
	Entries   int64  `db:"entries" json:"entries"`
	Bytes     int64  `db:"bytes" json:"bytes"`
	Hits      int64  `db:"hits" json:"hits"`
}

// CacheStatsByType aggregates the index per cache type.
func (d *DB) CacheStatsByType() ([]CacheTypeStats, error) {
	var out []CacheTypeStats
	err := d.Select(&out, d.q(`SELECT cache_type, COUNT(*) AS entries,
		COALESCE(SUM(file_size), 0) AS bytes, COALESCE(SUM(hits), 0) AS hits
		FROM {{p}}cache_records GROUP BY cache_type ORDER BY cache_type`))
	return out, err
}

// DeleteCacheRecords removes index rows whose key has the given prefix
// ("" removes all).
func (d *DB) DeleteCacheRecords(prefix string) (int64, error) {
	res, err := d.Exec(d.q(`DELETE FROM {{p}}cache_records WHERE cache_key LIKE ?`), prefix+"%")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
