// Package dbtest holds fixtures shared by tests that need a real
// ledger database.
package dbtest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/insightrecorder/recsync/internal/db"
)

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// OpenTestDB opens a fresh database in a temp directory and
// closes it when the test ends.
func OpenTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// SeedDevice registers an attached recorder with auto-sync on,
// then applies settings if any are given.
func SeedDevice(
	t *testing.T, d *db.DB, id, mountpoint string,
	settings ...db.DeviceSettings,
) {
	t.Helper()
	err := d.UpsertSeenDevice(db.DeviceSeen{
		ID:         id,
		Label:      id,
		Mountpoint: mountpoint,
		AutoSync:   true,
	}, time.Now())
	if err != nil {
		t.Fatalf("SeedDevice %s: %v", id, err)
	}
	for _, s := range settings {
		if err := d.UpdateDeviceSettings(id, s, true); err != nil {
			t.Fatalf("SeedDevice %s settings: %v", id, err)
		}
	}
}

// SeedJob creates a RUNNING job over deviceIDs.
func SeedJob(
	t *testing.T, d *db.DB, id string, startedAt time.Time,
	deviceIDs ...string,
) {
	t.Helper()
	err := d.CreateJob(db.SyncJob{
		ID:        id,
		DeviceIDs: deviceIDs,
		StartedAt: startedAt,
	})
	if err != nil {
		t.Fatalf("SeedJob %s: %v", id, err)
	}
}

// WriteTestFile writes content to path, creating parent
// directories, and sets its modification time when mtime is
// non-zero.
func WriteTestFile(
	t *testing.T, path string, content []byte, mtime time.Time,
) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("creating dir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("setting mtime on %s: %v", path, err)
		}
	}
}
