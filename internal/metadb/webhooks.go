// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package metadb

import (
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Delivery status values.
const (
	DeliveryPending = "pending"
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

// Webhook is a registered event receiver.
type Webhook struct {
	ID        string         `db:"id" json:"id"`
	Name      string         `db:"name" json:"name"`
	URL       string         `db:"url" json:"url"`
	EventsRaw string         `db:"events" json:"-"`
	Events    []string       `db:"-" json:"events"`
	Secret    sql.NullString `db:"secret" json:"-"`
	Enabled   bool           `db:"enabled" json:"enabled"`
	CreatedAt int64          `db:"created_at" json:"created_at"`
	UpdatedAt int64          `db:"updated_at" json:"updated_at"`
}

func (w *Webhook) decode() {
	w.Events = nil
	_ = json.Unmarshal([]byte(w.EventsRaw), &w.Events)
}

// WebhookDelivery is one attempted event dispatch.
type WebhookDelivery struct {
	ID           int64          `db:"id" json:"id"`
	WebhookID    string         `db:"webhook_id" json:"webhook_id"`
	Event        string         `db:"event" json:"event"`
	Status       string         `db:"status" json:"status"`
	StatusCode   sql.NullInt64  `db:"status_code" json:"status_code,omitempty"`
	ResponseBody sql.NullString `db:"response_body" json:"response_body,omitempty"`
	ErrorMessage sql.NullString `db:"error_message" json:"error_message,omitempty"`
	DurationMS   sql.NullInt64  `db:"duration_ms" json:"duration_ms,omitempty"`
	RetryCount   int            `db:"retry_count" json:"retry_count"`
	CreatedAt    int64          `db:"created_at" json:"created_at"`
}

// CreateWebhook inserts a webhook and assigns its id.
func (d *DB) CreateWebhook(w *Webhook) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	b, err := json.Marshal(w.Events)
	if err != nil {
		return err
	}
	ts := now()
	w.CreatedAt, w.UpdatedAt = ts, ts
	_, err = d.Exec(d.q(`INSERT INTO {{p}}webhooks (id, name, url, events, secret, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		w.ID, w.Name, w.URL, string(b), w.Secret, w.Enabled, w.CreatedAt, w.UpdatedAt)
	return errors.Wrap(err, "inserting webhook")
}

// UpdateWebhook rewrites the mutable fields.
func (d *DB) UpdateWebhook(w *Webhook) error {
	b, err := json.Marshal(w.Events)
	if err != nil {
		return err
	}
	res, err := d.Exec(d.q(`UPDATE {{p}}webhooks SET name = ?, url = ?, events = ?, secret = ?, enabled = ?, updated_at = ?
		WHERE id = ?`),
		w.Name, w.URL, string(b), w.Secret, w.Enabled, now(), w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetWebhook fetches one webhook by id.
func (d *DB) GetWebhook(id string) (*Webhook, error) {
	var w Webhook
	if err := d.Get(&w, d.q(`SELECT * FROM {{p}}webhooks WHERE id = ?`), id); err != nil {
		return nil, err
	}
	w.decode()
	return &w, nil
}

// ListWebhooks returns all webhooks ordered by creation.
func (d *DB) ListWebhooks() ([]Webhook, error) {
	var ws []Webhook
	if err := d.Select(&ws, d.q(`SELECT * FROM {{p}}webhooks ORDER BY created_at, id`)); err != nil {
		return nil, err
	}
	for i := range ws {
		ws[i].decode()
	}
	return ws, nil
}

// WebhooksForEvent returns enabled webhooks subscribed to event
// (an empty subscription list means all events).
func (d *DB) WebhooksForEvent(event string) ([]Webhook, error) {
	all, err := d.ListWebhooks()
	if err != nil {
		return nil, err
	}
	var out []Webhook
	for _, w := range all {
		if !w.Enabled {
			continue
		}
		if len(w.Events) == 0 {
			out = append(out, w)
			continue
		}
		for _, e := range w.Events {
			if e == event || e == "*" {
				out = append(out, w)
				break
			}
		}
	}
	return out, nil
}

// DeleteWebhook removes a webhook and its delivery history.
func (d *DB) DeleteWebhook(id string) error {
	if _, err := d.Exec(d.q(`DELETE FROM {{p}}webhook_deliveries WHERE webhook_id = ?`), id); err != nil {
		return err
	}
	res, err := d.Exec(d.q(`DELETE FROM {{p}}webhooks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CreateDelivery appends a pending delivery row and returns its id.
func (d *DB) CreateDelivery(webhookID, event string) (int64, error) {
	res, err := d.Exec(d.q(`INSERT INTO {{p}}webhook_deliveries (webhook_id, event, status, created_at)
		VALUES (?, ?, ?, ?)`),
		webhookID, event, DeliveryPending, now())
	if err != nil {
		return 0, err
	}
	// lib/pq does not support LastInsertId; fall back to a lookup.
	if id, err := res.LastInsertId(); err == nil && id > 0 {
		return id, nil
	}
	var id int64
	err = d.Get(&id, d.q(`SELECT id FROM {{p}}webhook_deliveries WHERE webhook_id = ? ORDER BY id DESC LIMIT 1`), webhookID)
	return id, err
}

// FinishDelivery records the terminal result of a delivery attempt.
func (d *DB) FinishDelivery(id int64, status string, statusCode int, responseBody, errMsg string, durationMS int64, retryCount int) error {
	_, err := d.Exec(d.q(`UPDATE {{p}}webhook_deliveries
		SET status = ?, status_code = ?, response_body = ?, error_message = ?, duration_ms = ?, retry_count = ?
		WHERE id = ?`),
		status,
		sql.NullInt64{Int64: int64(statusCode), Valid: statusCode != 0},
		sql.NullString{String: responseBody, Valid: responseBody != ""},
		sql.NullString{String: errMsg, Valid: errMsg != ""},
		sql.NullInt64{Int64: durationMS, Valid: true},
		retryCount, id)
	return err
}

// ListDeliveries returns delivery history for one webhook, newest first.
func (d *DB) ListDeliveries(webhookID string, limit int) ([]WebhookDelivery, error) {
	var out []WebhookDelivery
	err := d.Select(&out, d.q(`SELECT * FROM {{p}}webhook_deliveries WHERE webhook_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`), webhookID, limit)
	return out, err
}

// DeliveryStats summarises delivery outcomes for one webhook.
type DeliveryStats struct {
	Total   int64 `db:"total" json:"total"`
	Success int64 `db:"success" json:"success"`
	Failed  int64 `db:"failed" json:"failed"`
	Pending int64 `db:"pending" json:"pending"`
}

func (d *DB) WebhookDeliveryStats(webhookID string) (*DeliveryStats, error) {
	var s DeliveryStats
	err := d.Get(&s, d.q(`SELECT COUNT(*) AS total,
		COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0) AS success,
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
		COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) AS pending
		FROM {{p}}webhook_deliveries WHERE webhook_id = ?`), webhookID)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
