// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package metadb

import (
	"database/sql"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// Login log status values.
const (
	LoginSuccess = "success"
	LoginFailed  = "failed"
	LoginLocked  = "locked"
)

// ErrLocked is returned while a user's lockout window is active.
var ErrLocked = errors.New("account locked")

// ErrBadCredentials is returned on username or password mismatch.
var ErrBadCredentials = errors.New("invalid credentials")

// User is a stored account.
type User struct {
	ID             int64          `db:"id" json:"-"`
	Username       string         `db:"username" json:"username"`
	PasswordHash   string         `db:"password_hash" json:"-"`
	Role           string         `db:"role" json:"role"`
	Email          sql.NullString `db:"email" json:"email,omitempty"`
	LastLogin      sql.NullInt64  `db:"last_login" json:"last_login,omitempty"`
	LoginCount     int64          `db:"login_count" json:"login_count"`
	FailedAttempts int            `db:"failed_attempts" json:"failed_attempts"`
	LockedUntil    sql.NullInt64  `db:"locked_until" json:"locked_until,omitempty"`
	Enabled        bool           `db:"enabled" json:"enabled"`
	CreatedAt      int64          `db:"created_at" json:"created_at"`
}

// LoginLog is one append-only login attempt record.
type LoginLog struct {
	ID        int64          `db:"id" json:"-"`
	Username  string         `db:"username" json:"username"`
	IP        sql.NullString `db:"ip" json:"ip,omitempty"`
	UserAgent sql.NullString `db:"user_agent" json:"user_agent,omitempty"`
	Status    string         `db:"status" json:"status"`
	Reason    sql.NullString `db:"reason" json:"reason,omitempty"`
	CreatedAt int64          `db:"created_at" json:"created_at"`
}

// CreateUser inserts an account with a bcrypt password hash.
func (d *DB) CreateUser(username, password, role, email string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	u := &User{
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		Email:        sql.NullString{String: email, Valid: email != ""},
		Enabled:      true,
		CreatedAt:    now(),
	}
	_, err = d.Exec(d.q(`INSERT INTO {{p}}users (username, password_hash, role, email, enabled, created_at)
		VALUES (?, ?, ?, ?, TRUE, ?)`),
		u.Username, u.PasswordHash, u.Role, u.Email, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Errorf("user %q already exists", username)
		}
		return nil, err
	}
	return u, nil
}

// GetUser fetches an account by username.
func (d *DB) GetUser(username string) (*User, error) {
	var u User
	if err := d.Get(&u, d.q(`SELECT * FROM {{p}}users WHERE username = ?`), username); err != nil {
		return nil, err
	}
	return &u, nil
}

// VerifyLogin checks credentials, maintains the lockout counters, and appends
// a login log row. lockThreshold consecutive failures lock the account for
// lockSecs; verification fails fast until the window passes.
func (d *DB) VerifyLogin(username, password, ip, userAgent string, lockThreshold, lockSecs int) (*User, error) {
	logIt := func(status, reason string) {
		_, err := d.Exec(d.q(`INSERT INTO {{p}}login_logs (username, ip, user_agent, status, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			username,
			sql.NullString{String: ip, Valid: ip != ""},
			sql.NullString{String: userAgent, Valid: userAgent != ""},
			status,
			sql.NullString{String: reason, Valid: reason != ""},
			now())
		if err != nil {
			d.log.Warn("login log write failed")
		}
	}
	u, err := d.GetUser(username)
	if err != nil {
		logIt(LoginFailed, "unknown user")
		return nil, ErrBadCredentials
	}
	if !u.Enabled {
		logIt(LoginFailed, "disabled")
		return nil, ErrBadCredentials
	}
	ts := now()
	if u.LockedUntil.Valid && ts < u.LockedUntil.Int64 {
		logIt(LoginLocked, "lockout active")
		return nil, ErrLocked
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		attempts := u.FailedAttempts + 1
		var lockedUntil sql.NullInt64
		if lockThreshold > 0 && attempts >= lockThreshold {
			lockedUntil = sql.NullInt64{Int64: ts + int64(lockSecs), Valid: true}
			attempts = 0
		}
		_, _ = d.Exec(d.q(`UPDATE {{p}}users SET failed_attempts = ?, locked_until = ? WHERE username = ?`),
			attempts, lockedUntil, username)
		logIt(LoginFailed, "bad password")
		return nil, ErrBadCredentials
	}
	_, _ = d.Exec(d.q(`UPDATE {{p}}users SET failed_attempts = 0, locked_until = NULL,
		last_login = ?, login_count = login_count + 1 WHERE username = ?`), ts, username)
	logIt(LoginSuccess, "")
	u.FailedAttempts = 0
	u.LockedUntil = sql.NullInt64{}
	return u, nil
}

// SetPassword replaces a user's password hash.
func (d *DB) SetPassword(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	res, err := d.Exec(d.q(`UPDATE {{p}}users SET password_hash = ? WHERE username = ?`), string(hash), username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// LoginHistory returns recent login attempts, newest first.
func (d *DB) LoginHistory(limit int) ([]LoginLog, error) {
	var out []LoginLog
	err := d.Select(&out, d.q(`SELECT * FROM {{p}}login_logs ORDER BY created_at DESC, id DESC LIMIT ?`), limit)
	return out, err
}
