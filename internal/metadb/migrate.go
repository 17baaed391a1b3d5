// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package metadb

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

// migration is one schema step. Statements run in one transaction and must be
// idempotent; goose records the applied version in {{p}}schema_version.
type migration struct {
	version     int64
	description string
	statements  []string
}

// serial is replaced per dialect in ddl below.
const serial = "{{serial}}"

var migrations = []migration{
	{
		version:     1,
		description: "initial schema: files, downloads, sync runs, cache records",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS {{p}}files (
				id ` + serial + `,
				file_id TEXT NOT NULL UNIQUE,
				path TEXT NOT NULL,
				name TEXT NOT NULL,
				size BIGINT NOT NULL DEFAULT 0,
				hash TEXT,
				mime_type TEXT,
				is_dir BOOLEAN NOT NULL DEFAULT FALSE,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL,
				last_accessed BIGINT NOT NULL DEFAULT 0,
				download_count BIGINT NOT NULL DEFAULT 0,
				is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
				sync_status TEXT NOT NULL DEFAULT 'pending'
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS {{p}}files_live_path ON {{p}}files(path) WHERE NOT is_deleted`,
			`CREATE TABLE IF NOT EXISTS {{p}}downloads (
				id ` + serial + `,
				file_path TEXT NOT NULL,
				file_size BIGINT NOT NULL DEFAULT 0,
				download_time BIGINT NOT NULL,
				duration_ms BIGINT NOT NULL DEFAULT 0,
				client_ip TEXT,
				user_agent TEXT,
				success BOOLEAN NOT NULL DEFAULT TRUE,
				error_message TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS {{p}}downloads_time ON {{p}}downloads(download_time)`,
			`CREATE INDEX IF NOT EXISTS {{p}}downloads_path ON {{p}}downloads(file_path)`,
			`CREATE TABLE IF NOT EXISTS {{p}}sync_runs (
				id ` + serial + `,
				sync_id TEXT NOT NULL UNIQUE,
				source_type TEXT NOT NULL,
				source_name TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				total_files BIGINT NOT NULL DEFAULT 0,
				synced_files BIGINT NOT NULL DEFAULT 0,
				failed_files BIGINT NOT NULL DEFAULT 0,
				total_size BIGINT NOT NULL DEFAULT 0,
				synced_size BIGINT NOT NULL DEFAULT 0,
				is_temp BOOLEAN NOT NULL DEFAULT FALSE,
				started_at BIGINT NOT NULL,
				completed_at BIGINT,
				error_message TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS {{p}}cache_records (
				id ` + serial + `,
				cache_key TEXT NOT NULL UNIQUE,
				cache_type TEXT NOT NULL,
				file_path TEXT,
				file_size BIGINT NOT NULL DEFAULT 0,
				file_hash TEXT,
				hits BIGINT NOT NULL DEFAULT 0,
				created_at BIGINT NOT NULL,
				expires_at BIGINT,
				last_hit BIGINT
			)`,
		},
	},
	{
		version:     2,
		description: "webhooks and deliveries",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS {{p}}webhooks (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				url TEXT NOT NULL,
				events TEXT NOT NULL DEFAULT '[]',
				secret TEXT,
				enabled BOOLEAN NOT NULL DEFAULT TRUE,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS {{p}}webhook_deliveries (
				id ` + serial + `,
				webhook_id TEXT NOT NULL,
				event TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				status_code INT,
				response_body TEXT,
				error_message TEXT,
				duration_ms BIGINT,
				retry_count INT NOT NULL DEFAULT 0,
				created_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS {{p}}deliveries_webhook ON {{p}}webhook_deliveries(webhook_id)`,
		},
	},
	{
		version:     3,
		description: "users, login audit, admin api keys",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS {{p}}users (
				id ` + serial + `,
				username TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				role TEXT NOT NULL DEFAULT 'user',
				email TEXT,
				last_login BIGINT,
				login_count BIGINT NOT NULL DEFAULT 0,
				failed_attempts INT NOT NULL DEFAULT 0,
				locked_until BIGINT,
				enabled BOOLEAN NOT NULL DEFAULT TRUE,
				created_at BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS {{p}}login_logs (
				id ` + serial + `,
				username TEXT NOT NULL,
				ip TEXT,
				user_agent TEXT,
				status TEXT NOT NULL,
				reason TEXT,
				created_at BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS {{p}}api_keys (
				key_id TEXT PRIMARY KEY,
				key_hash TEXT NOT NULL,
				name TEXT NOT NULL,
				level TEXT NOT NULL DEFAULT 'admin',
				created_at BIGINT NOT NULL,
				last_used BIGINT,
				expires_at BIGINT,
				allowed_ips TEXT NOT NULL DEFAULT '[]',
				permissions TEXT NOT NULL DEFAULT '["*"]',
				enabled BOOLEAN NOT NULL DEFAULT TRUE
			)`,
		},
	},
	{
		version:     4,
		description: "monitor samples",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS {{p}}monitor_samples (
				id ` + serial + `,
				timestamp BIGINT NOT NULL,
				cpu_percent REAL NOT NULL DEFAULT 0,
				memory_percent REAL NOT NULL DEFAULT 0,
				disk_percent REAL NOT NULL DEFAULT 0,
				network_rx BIGINT NOT NULL DEFAULT 0,
				network_tx BIGINT NOT NULL DEFAULT 0,
				active_connections INT NOT NULL DEFAULT 0,
				server_uptime BIGINT NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS {{p}}monitor_ts ON {{p}}monitor_samples(timestamp)`,
		},
	},
}

// ddl renders a statement for the active dialect and prefix.
func (d *DB) ddl(stmt string) string {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d.dialect == "postgres" {
		id = "BIGSERIAL PRIMARY KEY"
	}
	stmt = strings.ReplaceAll(stmt, serial, id)
	return strings.ReplaceAll(stmt, "{{p}}", d.prefix)
}

// migrate applies pending migrations strictly in ascending order, each in its
// own transaction, recording versions in the goose-managed version table.
func (d *DB) migrate() error {
	dialect := database.DialectSQLite3
	if d.dialect == "postgres" {
		dialect = database.DialectPostgres
	}
	st, err := database.NewStore(dialect, d.prefix+"schema_version")
	if err != nil {
		return errors.Wrap(err, "creating version store")
	}
	var gms []*goose.Migration
	for _, m := range migrations {
		stmts := m.statements
		version, description := m.version, m.description
		up := &goose.GoFunc{RunTx: func(ctx context.Context, tx *sql.Tx) error {
			for _, stmt := range stmts {
				if _, err := tx.ExecContext(ctx, d.ddl(stmt)); err != nil {
					return errors.Wrapf(err, "migration %d (%s)", version, description)
				}
			}
			return nil
		}}
		gms = append(gms, goose.NewGoMigration(version, up, nil))
	}
	p, err := goose.NewProvider("", d.DB.DB, nil,
		goose.WithStore(st),
		goose.WithGoMigrations(gms...))
	if err != nil {
		return errors.Wrap(err, "creating migration provider")
	}
	if _, err := p.Up(context.Background()); err != nil {
		return errors.Wrap(err, "applying migrations")
	}
	return nil
}
