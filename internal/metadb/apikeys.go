// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package metadb

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"path"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// APIKey is an admin key record. Only a one-way hash of the key material is
// stored; the plaintext is returned exactly once at creation.
type APIKey struct {
	KeyID       string         `db:"key_id" json:"key_id"`
	KeyHash     string         `db:"key_hash" json:"-"`
	Name        string         `db:"name" json:"name"`
	Level       string         `db:"level" json:"level"`
	CreatedAt   int64          `db:"created_at" json:"created_at"`
	LastUsed    sql.NullInt64  `db:"last_used" json:"last_used,omitempty"`
	ExpiresAt   sql.NullInt64  `db:"expires_at" json:"expires_at,omitempty"`
	AllowedRaw  string         `db:"allowed_ips" json:"-"`
	PermsRaw    string         `db:"permissions" json:"-"`
	AllowedIPs  []string       `db:"-" json:"allowed_ips"`
	Permissions []string       `db:"-" json:"permissions"`
	Enabled     bool           `db:"enabled" json:"enabled"`
}

func (k *APIKey) decode() {
	k.AllowedIPs, k.Permissions = nil, nil
	_ = json.Unmarshal([]byte(k.AllowedRaw), &k.AllowedIPs)
	_ = json.Unmarshal([]byte(k.PermsRaw), &k.Permissions)
}

// Allows reports whether the key grants the given permission. Permissions are
// glob patterns; "*" grants everything.
func (k *APIKey) Allows(perm string) bool {
	for _, p := range k.Permissions {
		if p == "*" {
			return true
		}
		if ok, _ := path.Match(p, perm); ok {
			return true
		}
	}
	return false
}

func hashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey mints a key and returns (record, plaintext). The plaintext is
// not recoverable afterwards.
func (d *DB) CreateAPIKey(name, level string, expiresAt int64, allowedIPs, permissions []string) (*APIKey, string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	plaintext := "mk_" + hex.EncodeToString(raw)
	if len(permissions) == 0 {
		permissions = []string{"*"}
	}
	ips, _ := json.Marshal(allowedIPs)
	perms, _ := json.Marshal(permissions)
	k := &APIKey{
		KeyID:       uuid.NewString(),
		KeyHash:     hashKey(plaintext),
		Name:        name,
		Level:       level,
		CreatedAt:   now(),
		ExpiresAt:   sql.NullInt64{Int64: expiresAt, Valid: expiresAt > 0},
		AllowedRaw:  string(ips),
		PermsRaw:    string(perms),
		Enabled:     true,
	}
	_, err := d.Exec(d.q(`INSERT INTO {{p}}api_keys
		(key_id, key_hash, name, level, created_at, expires_at, allowed_ips, permissions, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, TRUE)`),
		k.KeyID, k.KeyHash, k.Name, k.Level, k.CreatedAt, k.ExpiresAt, k.AllowedRaw, k.PermsRaw)
	if err != nil {
		return nil, "", errors.Wrap(err, "inserting api key")
	}
	k.decode()
	return k, plaintext, nil
}

// VerifyAPIKey resolves a plaintext key to its enabled, unexpired record.
func (d *DB) VerifyAPIKey(plaintext, clientIP string) (*APIKey, error) {
	var k APIKey
	err := d.Get(&k, d.q(`SELECT * FROM {{p}}api_keys WHERE key_hash = ? AND enabled`), hashKey(plaintext))
	if err != nil {
		return nil, errors.New("unknown key")
	}
	ts := now()
	if k.ExpiresAt.Valid && ts > k.ExpiresAt.Int64 {
		return nil, errors.New("key expired")
	}
	k.decode()
	if len(k.AllowedIPs) > 0 {
		allowed := false
		for _, ip := range k.AllowedIPs {
			if ip == clientIP {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, errors.New("ip not allowed")
		}
	}
	_, _ = d.Exec(d.q(`UPDATE {{p}}api_keys SET last_used = ? WHERE key_id = ?`), ts, k.KeyID)
	return &k, nil
}

// ListAPIKeys returns all key records (hashes omitted from JSON).
func (d *DB) ListAPIKeys() ([]APIKey, error) {
	var ks []APIKey
	if err := d.Select(&ks, d.q(`SELECT * FROM {{p}}api_keys ORDER BY created_at, key_id`)); err != nil {
		return nil, err
	}
	for i := range ks {
		ks[i].decode()
	}
	return ks, nil
}

// RevokeAPIKey disables a key.
func (d *DB) RevokeAPIKey(keyID string) error {
	res, err := d.Exec(d.q(`UPDATE {{p}}api_keys SET enabled = FALSE WHERE key_id = ?`), keyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
