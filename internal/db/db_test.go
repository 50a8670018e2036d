package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// fixedClock pins bookkeeping timestamps to a known instant.
func fixedClock(t *testing.T, d *DB, at time.Time) {
	t.Helper()
	d.SetNow(func() time.Time { return at })
}

func TestOpenCreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "test.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("db file not created: %v", err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := d.UpsertSeenDevice(
		DeviceSeen{ID: "E", Mountpoint: "/media/E"}, time.Now(),
	); err != nil {
		t.Fatalf("UpsertSeenDevice: %v", err)
	}
	d.Close()

	d, err = Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer d.Close()

	got, err := d.GetDevice(context.Background(), "E")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got == nil {
		t.Fatal("device lost across reopen")
	}
}

func TestEnsureColumnAddsMissing(t *testing.T) {
	d := testDB(t)
	if _, err := d.writer.Exec(
		"CREATE TABLE legacy (id INTEGER)",
	); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if err := d.ensureColumn(
			"legacy", "extra", "TEXT",
		); err != nil {
			t.Fatalf("ensureColumn: %v", err)
		}
	}
	var n int
	if err := d.writer.QueryRow(
		"SELECT count(*) FROM pragma_table_info('legacy')" +
			" WHERE name='extra'",
	).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("extra column count = %d, want 1", n)
	}
}

func TestCreateJobRejectsDuplicateID(t *testing.T) {
	d := testDB(t)
	err := d.CreateJob(SyncJob{
		ID: "j1", DeviceIDs: []string{"E", "E"},
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	err = d.CreateJob(SyncJob{
		ID: "j1", DeviceIDs: []string{"F"},
	})
	if err == nil {
		t.Fatal("expected duplicate job error")
	}
	job, err := d.GetJob(context.Background(), "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if len(job.DeviceIDs) != 1 || job.DeviceIDs[0] != "E" {
		t.Errorf("DeviceIDs = %v, want [E]", job.DeviceIDs)
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	d := testDB(t)
	err := d.Update(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO devices (id, created_at, updated_at)
			 VALUES ('E', 1, 1)`,
		); err != nil {
			return err
		}
		return errors.New("boom")
	})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("Update error = %v, want boom", err)
	}
	got, err := d.GetDevice(context.Background(), "E")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got != nil {
		t.Error("insert survived rollback")
	}
}
