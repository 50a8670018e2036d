package db

import (
	"context"
	"time"
)

// DeviceStats aggregates what the ledger knows about a device.
type DeviceStats struct {
	DeviceID    string     `json:"device_id"`
	FileCount   int        `json:"file_count"`
	SyncedCount int        `json:"synced_count"`
	LastSyncAt  *time.Time `json:"last_sync_at,omitempty"`
}

// GetDeviceStats returns file and copy counts for a device. An
// unknown device yields zero counts and no last sync time.
func (db *DB) GetDeviceStats(
	ctx context.Context, deviceID string,
) (DeviceStats, error) {
	s := DeviceStats{DeviceID: deviceID}

	var err error
	if s.FileCount, err = db.CountFilesByDevice(ctx, deviceID); err != nil {
		return DeviceStats{}, err
	}
	if s.SyncedCount, err = db.CountSyncedByDevice(ctx, deviceID); err != nil {
		return DeviceStats{}, err
	}
	d, err := db.GetDevice(ctx, deviceID)
	if err != nil {
		return DeviceStats{}, err
	}
	if d != nil {
		s.LastSyncAt = d.LastSyncAt
	}
	return s, nil
}
