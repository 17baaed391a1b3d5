// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/HEXIkx/mirror-server/internal/httpx"
	"github.com/HEXIkx/mirror-server/internal/metadb"
)

// Webhook event names emitted by the server.
const (
	EventFileUploaded  = "file.uploaded"
	EventFileDeleted   = "file.deleted"
	EventSyncCompleted = "sync.completed"
	EventFailover      = "health.failover"
	EventCacheCleaned  = "cache.cleaned"
)

const notifierRetries = 3

// Notifier delivers webhook events asynchronously and records every attempt.
type Notifier struct {
	db     *metadb.DB
	client httpx.BasicClient
	log    *zap.Logger
	jobs   chan job
}

type job struct {
	webhook metadb.Webhook
	event   string
	payload []byte
}

func NewNotifier(db *metadb.DB, client httpx.BasicClient, log *zap.Logger) *Notifier {
	return &Notifier{db: db, client: client, log: log, jobs: make(chan job, 256)}
}

// Run consumes the delivery queue until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-n.jobs:
			n.deliver(ctx, j)
		}
	}
}

// Emit fans an event out to every matching enabled webhook. Never blocks the
// caller: a full queue drops the delivery with a log line.
func (n *Notifier) Emit(event string, data map[string]any) {
	hooks, err := n.db.WebhooksForEvent(event)
	if err != nil {
		n.log.Warn("webhook lookup failed", zap.String("event", event), zap.Error(err))
		return
	}
	if len(hooks) == 0 {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"event":     event,
		"timestamp": time.Now().Unix(),
		"data":      data,
	})
	if err != nil {
		return
	}
	for _, h := range hooks {
		select {
		case n.jobs <- job{webhook: h, event: event, payload: payload}:
		default:
			n.log.Warn("webhook queue full, dropping delivery",
				zap.String("webhook", h.ID), zap.String("event", event))
		}
	}
}

// deliver posts one event with bounded retries, recording the delivery.
func (n *Notifier) deliver(ctx context.Context, j job) {
	id, err := n.db.CreateDelivery(j.webhook.ID, j.event)
	if err != nil {
		n.log.Warn("recording webhook delivery", zap.Error(err))
	}
	start := time.Now()
	var status int
	var respBody, errMsg string
	attempt := 0
	for ; attempt < notifierRetries; attempt++ {
		status, respBody, errMsg = n.post(ctx, j)
		if errMsg == "" && status < 500 {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	result := "success"
	if errMsg != "" || status >= 400 {
		result = "failed"
	}
	if id != 0 {
		_ = n.db.FinishDelivery(id, result, status, respBody, errMsg,
			time.Since(start).Milliseconds(), attempt)
	}
}

func (n *Notifier) post(ctx context.Context, j job) (status int, body, errMsg string) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.webhook.URL, bytes.NewReader(j.payload))
	if err != nil {
		return 0, "", err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", j.event)
	if j.webhook.Secret.Valid && j.webhook.Secret.String != "" {
		mac := hmac.New(sha256.New, []byte(j.webhook.Secret.String))
		mac.Write(j.payload)
		req.Header.Set("X-Webhook-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return 0, "", err.Error()
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return resp.StatusCode, string(b), ""
}
