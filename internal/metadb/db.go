// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package metadb is the relational metadata store.
//
// It is the single writer for all server metadata: file records, download
// records, sync runs, cache records, webhooks, users, login audit, monitor
// samples, and admin API keys. The filesystem owns payload bytes; divergence
// between the two is repaired by the scheduler's scan loop.
//
// Two backends share one schema: an embedded SQLite file and a networked
// PostgreSQL instance. All timestamps are stored as epoch seconds.
package metadb

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/HEXIkx/mirror-server/internal/config"
)

// DB wraps the pooled connection set and the configured table prefix.
type DB struct {
	*sqlx.DB
	dialect string
	prefix  string
	log     *zap.Logger
}

// Open connects to the configured backend, applies pool settings, and runs
// any pending schema migrations.
func Open(cfg config.DBConfig, log *zap.Logger) (*DB, error) {
	var driver, dsn string
	switch cfg.Type {
	case "", "sqlite", "sqlite3":
		driver = "sqlite3"
		dsn = cfg.Path + "?_busy_timeout=5000&_journal_mode=WAL"
	case "postgres", "postgresql":
		driver = "postgres"
		if cfg.ConnStr != "" {
			dsn = cfg.ConnStr
		} else {
			dsn = fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
				cfg.Host, cfg.Port, cfg.Name, cfg.User, cfg.Pass)
		}
	default:
		return nil, errors.Errorf("unknown db type: %q", cfg.Type)
	}
	sdb, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", driver)
	}
	pool := cfg.PoolSize
	if pool <= 0 {
		pool = 10
	}
	sdb.SetMaxOpenConns(pool)
	sdb.SetMaxIdleConns(pool)
	recycle := cfg.RecycleSecs
	if recycle <= 0 {
		recycle = 3600
	}
	sdb.SetConnMaxLifetime(time.Duration(recycle) * time.Second)

	db := &DB{DB: sdb, dialect: driver, prefix: cfg.TablePrefix, log: log}
	if err := db.migrate(); err != nil {
		sdb.Close()
		return nil, errors.Wrap(err, "running migrations")
	}
	return db, nil
}

// table returns the prefixed table name.
func (d *DB) table(name string) string { return d.prefix + name }

// q expands {{p}} placeholders to the table prefix and rebinds parameter
// markers for the active dialect.
func (d *DB) q(query string) string {
	return d.Rebind(strings.ReplaceAll(query, "{{p}}", d.prefix))
}

// InTx runs fn inside a transaction, rolling back on error.
func (d *DB) InTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := d.Beginx()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func now() int64 { return time.Now().Unix() }
