// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package monitor samples host resource usage for the control API.
package monitor

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	gnet "github.com/shirou/gopsutil/v4/net"
	"go.uber.org/zap"

	"github.com/HEXIkx/mirror-server/internal/metadb"
)

// Snapshot is a realtime view assembled on request. Notes carry counter
// names that could not be read (usually permissions) and were zeroed.
type Snapshot struct {
	Timestamp         int64    `json:"timestamp"`
	CPUPercent        float64  `json:"cpu_percent"`
	MemoryPercent     float64  `json:"memory_percent"`
	MemoryUsedBytes   uint64   `json:"memory_used_bytes"`
	MemoryTotalBytes  uint64   `json:"memory_total_bytes"`
	DiskPercent       float64  `json:"disk_percent"`
	DiskUsedBytes     uint64   `json:"disk_used_bytes"`
	DiskTotalBytes    uint64   `json:"disk_total_bytes"`
	NetworkRX         int64    `json:"network_rx"`
	NetworkTX         int64    `json:"network_tx"`
	ActiveConnections int      `json:"active_connections"`
	UptimeSecs        int64    `json:"uptime_secs"`
	Notes             []string `json:"notes,omitempty"`
}

// Sampler periodically persists a host sample and serves realtime snapshots.
type Sampler struct {
	db      *metadb.DB
	diskDir string
	log     *zap.Logger
	started time.Time
}

// New builds a Sampler. diskDir is the mount whose usage is reported,
// normally the cache base directory.
func New(db *metadb.DB, diskDir string, log *zap.Logger) *Sampler {
	return &Sampler{db: db, diskDir: diskDir, log: log, started: time.Now()}
}

// Realtime assembles a snapshot synchronously. A counter that cannot be read
// degrades to zero with a note instead of failing the call.
func (s *Sampler) Realtime(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		Timestamp:  time.Now().Unix(),
		UptimeSecs: int64(time.Since(s.started).Seconds()),
	}
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		snap.CPUPercent = pcts[0]
	} else {
		snap.Notes = append(snap.Notes, "cpu unavailable")
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryPercent = vm.UsedPercent
		snap.MemoryUsedBytes = vm.Used
		snap.MemoryTotalBytes = vm.Total
	} else {
		snap.Notes = append(snap.Notes, "memory unavailable")
	}
	if du, err := disk.UsageWithContext(ctx, s.diskDir); err == nil {
		snap.DiskPercent = du.UsedPercent
		snap.DiskUsedBytes = du.Used
		snap.DiskTotalBytes = du.Total
	} else {
		snap.Notes = append(snap.Notes, "disk unavailable")
	}
	if counters, err := gnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		snap.NetworkRX = int64(counters[0].BytesRecv)
		snap.NetworkTX = int64(counters[0].BytesSent)
	} else {
		snap.Notes = append(snap.Notes, "network unavailable")
	}
	if conns, err := gnet.ConnectionsWithContext(ctx, "tcp"); err == nil {
		snap.ActiveConnections = len(conns)
	} else {
		// Needs elevated privileges on some platforms.
		snap.Notes = append(snap.Notes, "connections unavailable")
	}
	return snap
}

// Sample persists one measurement.
func (s *Sampler) Sample(ctx context.Context) error {
	snap := s.Realtime(ctx)
	return s.db.InsertMonitorSample(&metadb.MonitorSample{
		Timestamp:         snap.Timestamp,
		CPUPercent:        snap.CPUPercent,
		MemoryPercent:     snap.MemoryPercent,
		DiskPercent:       snap.DiskPercent,
		NetworkRX:         snap.NetworkRX,
		NetworkTX:         snap.NetworkTX,
		ActiveConnections: snap.ActiveConnections,
		ServerUptime:      snap.UptimeSecs,
	})
}

// Run samples every interval and prunes samples older than retention until
// ctx is cancelled. Errors are logged, never propagated.
func (s *Sampler) Run(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.Sample(ctx); err != nil {
				s.log.Warn("monitor sample failed", zap.Error(err))
			}
			if retention > 0 {
				cutoff := time.Now().Add(-retention).Unix()
				if _, err := s.db.PruneMonitorSamples(cutoff); err != nil {
					s.log.Warn("monitor prune failed", zap.Error(err))
				}
			}
		}
	}
}

// Range returns persisted samples in [from, to).
func (s *Sampler) Range(from, to time.Time) ([]metadb.MonitorSample, error) {
	return s.db.MonitorRange(from.Unix(), to.Unix())
}
