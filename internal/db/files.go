package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/insightrecorder/recsync/internal/timeutil"
)

// File represents a row in the files table: one file that was
// copied off a device at some point.
type File struct {
	ID           int64     `json:"id"`
	DeviceID     string    `json:"device_id"`
	RelativePath string    `json:"relative_path"`
	Size         int64     `json:"size"`
	MtimeMs      int64     `json:"mtime_ms"`
	Fingerprint  string    `json:"fingerprint"`
	ContentHash  *string   `json:"content_hash,omitempty"`
	Title        string    `json:"title"`
	DestPath     string    `json:"dest_path"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const fileCols = `id, device_id, relative_path, size, mtime_ms,
	fingerprint, content_hash, title, dest_path,
	created_at, updated_at`

func scanFileRow(rs rowScanner) (File, error) {
	var (
		f                File
		created, updated int64
	)
	err := rs.Scan(
		&f.ID, &f.DeviceID, &f.RelativePath, &f.Size, &f.MtimeMs,
		&f.Fingerprint, &f.ContentHash, &f.Title, &f.DestPath,
		&created, &updated,
	)
	f.CreatedAt = timeutil.FromMillis(created)
	f.UpdatedAt = timeutil.FromMillis(updated)
	return f, err
}

// GetFileByFingerprint returns the file row for fingerprint, or
// nil if it has not been copied yet. This is the dedup check.
func (db *DB) GetFileByFingerprint(
	ctx context.Context, fingerprint string,
) (*File, error) {
	row := db.reader.QueryRowContext(
		ctx,
		"SELECT "+fileCols+" FROM files WHERE fingerprint = ?",
		fingerprint,
	)
	f, err := scanFileRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting file: %w", err)
	}
	return &f, nil
}

// RegisterFile records a copied file. Registering a fingerprint
// that already exists keeps the original row and only refreshes
// its metadata. Returns the row id and whether a new row was
// inserted.
func (db *DB) RegisterFile(f File) (int64, bool, error) {
	var (
		id       int64
		inserted bool
	)
	err := db.Update(func(tx *sql.Tx) error {
		var err error
		id, inserted, err = registerFileTx(tx, f, db.nowMillis())
		return err
	})
	return id, inserted, err
}

func registerFileTx(
	tx *sql.Tx, f File, now int64,
) (int64, bool, error) {
	res, err := tx.Exec(`
		INSERT OR IGNORE INTO files (
			device_id, relative_path, size, mtime_ms,
			fingerprint, content_hash, title, dest_path,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.DeviceID, f.RelativePath, f.Size, f.MtimeMs,
		f.Fingerprint, f.ContentHash, f.Title, f.DestPath,
		now, now,
	)
	if err != nil {
		return 0, false, fmt.Errorf(
			"inserting file %s: %w", f.Fingerprint, err,
		)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, false, fmt.Errorf("file id: %w", err)
		}
		return id, true, nil
	}

	var id int64
	err = tx.QueryRow(`
		UPDATE files SET
			size = ?, mtime_ms = ?, title = ?, updated_at = ?
		WHERE fingerprint = ?
		RETURNING id`,
		f.Size, f.MtimeMs, f.Title, now, f.Fingerprint,
	).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf(
			"refreshing file %s: %w", f.Fingerprint, err,
		)
	}
	return id, false, nil
}

// CountFilesByDevice returns the number of recorded files that
// came from the device.
func (db *DB) CountFilesByDevice(
	ctx context.Context, deviceID string,
) (int, error) {
	var n int
	err := db.reader.QueryRowContext(
		ctx,
		"SELECT COUNT(*) FROM files WHERE device_id = ?",
		deviceID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf(
			"counting files for %s: %w", deviceID, err,
		)
	}
	return n, nil
}

// ListFilesByDevice returns the device's recorded files ordered
// by relative path.
func (db *DB) ListFilesByDevice(
	ctx context.Context, deviceID string,
) ([]File, error) {
	rows, err := db.reader.QueryContext(
		ctx,
		"SELECT "+fileCols+" FROM files WHERE device_id = ?"+
			" ORDER BY relative_path, id",
		deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	defer rows.Close()

	files := []File{}
	for rows.Next() {
		f, err := scanFileRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
