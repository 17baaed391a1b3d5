// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package metadb

// MonitorSample is one periodic system measurement.
type MonitorSample struct {
	ID                int64   `db:"id" json:"-"`
	Timestamp         int64   `db:"timestamp" json:"timestamp"`
	CPUPercent        float64 `db:"cpu_percent" json:"cpu_percent"`
	MemoryPercent     float64 `db:"memory_percent" json:"memory_percent"`
	DiskPercent       float64 `db:"disk_percent" json:"disk_percent"`
	NetworkRX         int64   `db:"network_rx" json:"network_rx"`
	NetworkTX         int64   `db:"network_tx" json:"network_tx"`
	ActiveConnections int     `db:"active_connections" json:"active_connections"`
	ServerUptime      int64   `db:"server_uptime" json:"server_uptime"`
}

// InsertMonitorSample appends one sample.
func (d *DB) InsertMonitorSample(s *MonitorSample) error {
	if s.Timestamp == 0 {
		s.Timestamp = now()
	}
	_, err := d.Exec(d.q(`INSERT INTO {{p}}monitor_samples
		(timestamp, cpu_percent, memory_percent, disk_percent, network_rx, network_tx, active_connections, server_uptime)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		s.Timestamp, s.CPUPercent, s.MemoryPercent, s.DiskPercent,
		s.NetworkRX, s.NetworkTX, s.ActiveConnections, s.ServerUptime)
	return err
}

// MonitorRange returns samples within [fromEpoch, toEpoch), oldest first.
func (d *DB) MonitorRange(fromEpoch, toEpoch int64) ([]MonitorSample, error) {
	var out []MonitorSample
	err := d.Select(&out, d.q(`SELECT * FROM {{p}}monitor_samples
		WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp`), fromEpoch, toEpoch)
	return out, err
}

// PruneMonitorSamples deletes samples older than beforeEpoch.
func (d *DB) PruneMonitorSamples(beforeEpoch int64) (int64, error) {
	res, err := d.Exec(d.q(`DELETE FROM {{p}}monitor_samples WHERE timestamp < ?`), beforeEpoch)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
