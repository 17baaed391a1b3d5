// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle tracks in-flight requests and drives graceful shutdown
// and operator-requested restarts.
package lifecycle

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Server states.
const (
	StateRunning  = "running"
	StateStopping = "stopping"
)

// Restart strategies.
const (
	StrategyGraceful  = "graceful"
	StrategyImmediate = "immediate"
	// StrategyRolling exists for an external orchestrator; a single process
	// treats it like graceful.
	StrategyRolling = "rolling"
)

// RestartRequest is a restart awaiting confirmation.
type RestartRequest struct {
	Strategy    string    `json:"strategy"`
	TimeoutSecs int       `json:"timeout_secs"`
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
}

// RestartRecord is one completed (or cancelled) restart.
type RestartRecord struct {
	RestartRequest
	Result     string    `json:"result"` // completed, cancelled, timeout
	FinishedAt time.Time `json:"finished_at"`
}

// Manager owns the in-flight counter and the shutdown state machine.
type Manager struct {
	log      *zap.Logger
	inflight atomic.Int64
	stopping atomic.Bool
	done     chan struct{}
	doneOnce sync.Once

	mu      sync.Mutex
	pending *RestartRequest
	history []RestartRecord
}

func NewManager(log *zap.Logger) *Manager {
	return &Manager{log: log, done: make(chan struct{})}
}

// Done is closed when the server should exit.
func (m *Manager) Done() <-chan struct{} { return m.done }

// State reports running or stopping.
func (m *Manager) State() string {
	if m.stopping.Load() {
		return StateStopping
	}
	return StateRunning
}

// Pending returns the current in-flight request count.
func (m *Manager) Pending() int64 { return m.inflight.Load() }

// CountRequests is the outermost middleware: it rejects new requests once the
// server is stopping and otherwise balances the in-flight counter on every
// path out of the handler.
func (m *Manager) CountRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.stopping.Load() {
			http.Error(w, `{"error":"server is shutting down"}`, http.StatusServiceUnavailable)
			return
		}
		m.inflight.Add(1)
		defer m.inflight.Add(-1)
		next.ServeHTTP(w, r)
	})
}

// HandleSignals triggers a graceful shutdown on SIGTERM, SIGINT, or SIGHUP.
func (m *Manager) HandleSignals(gracefulTimeout time.Duration) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	go func() {
		sig := <-ch
		m.log.Info("signal received, shutting down", zap.String("signal", sig.String()))
		m.Shutdown(gracefulTimeout)
	}()
}

// Shutdown flips the state to stopping, waits for the in-flight counter to
// drain (bounded by timeout), and releases Done.
func (m *Manager) Shutdown(timeout time.Duration) {
	if !m.stopping.CompareAndSwap(false, true) {
		return
	}
	drained := m.drain(timeout)
	if !drained {
		m.log.Warn("drain timeout, exiting with requests in flight",
			zap.Int64("pending", m.Pending()))
	}
	m.doneOnce.Do(func() { close(m.done) })
}

// drain polls until no request is in flight or the timeout elapses.
func (m *Manager) drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for m.inflight.Load() > 0 {
		if timeout > 0 && time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
	return true
}

// RequestRestart stages a restart that takes effect on ConfirmRestart.
func (m *Manager) RequestRestart(strategy string, timeoutSecs int, by string) (*RestartRequest, error) {
	switch strategy {
	case StrategyGraceful, StrategyImmediate, StrategyRolling:
	default:
		return nil, errors.Errorf("unknown restart strategy %q", strategy)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		return nil, errors.New("a restart is already pending")
	}
	m.pending = &RestartRequest{
		Strategy:    strategy,
		TimeoutSecs: timeoutSecs,
		RequestedBy: by,
		RequestedAt: time.Now(),
	}
	return m.pending, nil
}

// PendingRestart returns the staged restart, if any.
func (m *Manager) PendingRestart() *RestartRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// CancelRestart drops the staged restart.
func (m *Manager) CancelRestart() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return errors.New("no restart pending")
	}
	m.record(*m.pending, "cancelled")
	m.pending = nil
	return nil
}

// ConfirmRestart executes the staged restart. Graceful and rolling drain
// first; immediate exits at once. The call returns after shutdown begins.
func (m *Manager) ConfirmRestart() error {
	m.mu.Lock()
	req := m.pending
	m.pending = nil
	m.mu.Unlock()
	if req == nil {
		return errors.New("no restart pending")
	}
	go m.execute(*req)
	return nil
}

// RestartNow performs an unstaged restart with the given strategy.
func (m *Manager) RestartNow(strategy string, timeoutSecs int, by string) error {
	switch strategy {
	case StrategyGraceful, StrategyImmediate, StrategyRolling:
	default:
		return errors.Errorf("unknown restart strategy %q", strategy)
	}
	go m.execute(RestartRequest{
		Strategy:    strategy,
		TimeoutSecs: timeoutSecs,
		RequestedBy: by,
		RequestedAt: time.Now(),
	})
	return nil
}

func (m *Manager) execute(req RestartRequest) {
	timeout := time.Duration(req.TimeoutSecs) * time.Second
	result := "completed"
	switch req.Strategy {
	case StrategyImmediate:
		m.stopping.Store(true)
	default:
		m.stopping.Store(true)
		if !m.drain(timeout) {
			result = "timeout"
		}
	}
	m.mu.Lock()
	m.record(req, result)
	m.mu.Unlock()
	m.doneOnce.Do(func() { close(m.done) })
}

// record appends to history; caller holds mu. History keeps the last 50.
func (m *Manager) record(req RestartRequest, result string) {
	m.history = append(m.history, RestartRecord{
		RestartRequest: req,
		Result:         result,
		FinishedAt:     time.Now(),
	})
	if len(m.history) > 50 {
		m.history = m.history[len(m.history)-50:]
	}
}

// History returns completed restarts, oldest first.
func (m *Manager) History() []RestartRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RestartRecord, len(m.history))
	copy(out, m.history)
	return out
}

// ShutdownServer closes the listener once Done fires.
func (m *Manager) ShutdownServer(srv *http.Server, timeout time.Duration) {
	<-m.done
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
