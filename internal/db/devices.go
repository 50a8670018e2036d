package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/insightrecorder/recsync/internal/timeutil"
)

// ErrDeviceNotFound is returned when a write targets a device
// that has never been registered.
var ErrDeviceNotFound = errors.New("device not found")

// DeviceType classifies a device for auto-sync purposes.
type DeviceType string

const (
	DeviceRecorder DeviceType = "recorder"
	DeviceGeneric  DeviceType = "generic"
	DeviceIgnored  DeviceType = "ignored"
)

// Valid reports whether t is a known device type.
func (t DeviceType) Valid() bool {
	switch t {
	case DeviceRecorder, DeviceGeneric, DeviceIgnored:
		return true
	}
	return false
}

// Device represents a row in the devices table. Nil override
// fields inherit the global sync settings.
type Device struct {
	ID                    string     `json:"id"`
	Label                 string     `json:"label"`
	Mountpoint            string     `json:"mountpoint"`
	Type                  DeviceType `json:"type"`
	AutoSync              bool       `json:"auto_sync"`
	DeleteSourceAfterSync *bool      `json:"delete_source_after_sync,omitempty"`
	SyncRootDir           *string    `json:"sync_root_dir,omitempty"`
	FolderNameRule        *string    `json:"folder_name_rule,omitempty"`
	FolderTemplate        *string    `json:"folder_template,omitempty"`
	Extensions            []string   `json:"extensions,omitempty"`
	MinSizeBytes          *int64     `json:"min_size_bytes,omitempty"`
	MaxSizeBytes          *int64     `json:"max_size_bytes,omitempty"`
	LastSeenAt            *time.Time `json:"last_seen_at,omitempty"`
	LastSyncAt            *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

const deviceCols = `id, label, mountpoint, type, auto_sync,
	delete_source_after_sync, sync_root_dir,
	folder_name_rule, folder_template, extensions,
	min_size_bytes, max_size_bytes,
	last_seen_at, last_sync_at, created_at, updated_at`

func scanDeviceRow(rs rowScanner) (Device, error) {
	var (
		d                  Device
		autoSync           int
		deleteAfter        sql.NullInt64
		extensions         sql.NullString
		lastSeen, lastSync *int64
		created, updated   int64
	)
	err := rs.Scan(
		&d.ID, &d.Label, &d.Mountpoint, &d.Type, &autoSync,
		&deleteAfter, &d.SyncRootDir,
		&d.FolderNameRule, &d.FolderTemplate, &extensions,
		&d.MinSizeBytes, &d.MaxSizeBytes,
		&lastSeen, &lastSync, &created, &updated,
	)
	if err != nil {
		return d, err
	}
	d.AutoSync = autoSync != 0
	if deleteAfter.Valid {
		v := deleteAfter.Int64 != 0
		d.DeleteSourceAfterSync = &v
	}
	if extensions.Valid {
		d.Extensions = DecodeExtensions(extensions.String)
	}
	d.LastSeenAt = timeutil.FromMillisPtr(lastSeen)
	d.LastSyncAt = timeutil.FromMillisPtr(lastSync)
	d.CreatedAt = timeutil.FromMillis(created)
	d.UpdatedAt = timeutil.FromMillis(updated)
	return d, nil
}

// NormalizeExtension lowercases ext and strips a leading dot.
func NormalizeExtension(ext string) string {
	return strings.ToLower(
		strings.TrimPrefix(strings.TrimSpace(ext), "."),
	)
}

// EncodeExtensions serializes an extension allow-list for the
// extensions column.
func EncodeExtensions(exts []string) string {
	norm := make([]string, 0, len(exts))
	for _, e := range exts {
		if e = NormalizeExtension(e); e != "" {
			norm = append(norm, e)
		}
	}
	data, _ := json.Marshal(norm)
	return string(data)
}

// DecodeExtensions parses the extensions column. Older rows
// stored a comma-separated list instead of a JSON array.
func DecodeExtensions(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []string
	if gjson.Valid(raw) {
		res := gjson.Parse(raw)
		if !res.IsArray() {
			return nil
		}
		for _, item := range res.Array() {
			if e := NormalizeExtension(item.String()); e != "" {
				out = append(out, e)
			}
		}
		return out
	}
	for _, part := range strings.Split(raw, ",") {
		if e := NormalizeExtension(part); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// DeviceSeen is what discovery reports about an attached device.
type DeviceSeen struct {
	ID         string
	Label      string
	Mountpoint string
	// AutoSync is applied only when the device is new.
	AutoSync bool
}

// UpsertSeenDevice registers an attached device. New rows get
// default policy; existing rows keep their policy and only have
// label, mountpoint and last_seen_at refreshed.
func (db *DB) UpsertSeenDevice(
	s DeviceSeen, seenAt time.Time,
) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	now := db.nowMillis()
	_, err := db.writer.Exec(`
		INSERT INTO devices (
			id, label, mountpoint, type, auto_sync,
			last_seen_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = CASE WHEN excluded.label != ''
				THEN excluded.label ELSE devices.label END,
			mountpoint = excluded.mountpoint,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at`,
		s.ID, s.Label, s.Mountpoint, string(DeviceRecorder),
		boolToInt(s.AutoSync), timeutil.Millis(seenAt),
		now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting device %s: %w", s.ID, err)
	}
	return nil
}

// GetDevice returns a single device by ID, or nil if unknown.
func (db *DB) GetDevice(
	ctx context.Context, id string,
) (*Device, error) {
	row := db.reader.QueryRowContext(
		ctx,
		"SELECT "+deviceCols+" FROM devices WHERE id = ?",
		id,
	)
	d, err := scanDeviceRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting device %s: %w", id, err)
	}
	return &d, nil
}

// ListDevices returns all known devices, most recently updated
// first.
func (db *DB) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := db.reader.QueryContext(
		ctx,
		"SELECT "+deviceCols+
			" FROM devices ORDER BY updated_at DESC, id",
	)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	devices := []Device{}
	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// DeviceSettings is a partial update of device policy. Nil
// fields are left untouched. Empty strings, empty extension
// lists and non-positive sizes clear the override so the
// global setting applies again.
type DeviceSettings struct {
	Label                 *string     `json:"label,omitempty"`
	Type                  *DeviceType `json:"type,omitempty"`
	AutoSync              *bool       `json:"auto_sync,omitempty"`
	DeleteSourceAfterSync *bool       `json:"delete_source_after_sync,omitempty"`
	InheritDeleteSource   bool        `json:"inherit_delete_source,omitempty"`
	SyncRootDir           *string     `json:"sync_root_dir,omitempty"`
	FolderNameRule        *string     `json:"folder_name_rule,omitempty"`
	FolderTemplate        *string     `json:"folder_template,omitempty"`
	Extensions            *[]string   `json:"extensions,omitempty"`
	MinSizeBytes          *int64      `json:"min_size_bytes,omitempty"`
	MaxSizeBytes          *int64      `json:"max_size_bytes,omitempty"`
}

// Validate checks field values that the schema cannot.
func (s DeviceSettings) Validate() error {
	if s.Type != nil && !s.Type.Valid() {
		return fmt.Errorf("invalid device type %q", *s.Type)
	}
	if s.MinSizeBytes != nil && s.MaxSizeBytes != nil &&
		*s.MinSizeBytes > 0 && *s.MaxSizeBytes > 0 &&
		*s.MinSizeBytes > *s.MaxSizeBytes {
		return fmt.Errorf(
			"min size %d exceeds max size %d",
			*s.MinSizeBytes, *s.MaxSizeBytes,
		)
	}
	return nil
}

func nullableString(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func nullableSize(n *int64) any {
	if n == nil || *n <= 0 {
		return nil
	}
	return *n
}

// UpdateDeviceSettings applies a partial policy update. A
// device that has not been seen yet is created as a recorder
// with auto_sync set to autoSyncDefault, the same policy
// UpsertSeenDevice gives a new attach, so settings can be
// prepared before first attach. autoSyncDefault is ignored for
// existing rows.
func (db *DB) UpdateDeviceSettings(
	id string, s DeviceSettings, autoSyncDefault bool,
) error {
	if err := s.Validate(); err != nil {
		return err
	}

	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if s.Label != nil {
		set("label", *s.Label)
	}
	if s.Type != nil {
		set("type", string(*s.Type))
	}
	if s.AutoSync != nil {
		set("auto_sync", boolToInt(*s.AutoSync))
	}
	if s.InheritDeleteSource {
		set("delete_source_after_sync", nil)
	} else if s.DeleteSourceAfterSync != nil {
		set("delete_source_after_sync",
			boolToInt(*s.DeleteSourceAfterSync))
	}
	if s.SyncRootDir != nil {
		set("sync_root_dir", nullableString(s.SyncRootDir))
	}
	if s.FolderNameRule != nil {
		set("folder_name_rule", nullableString(s.FolderNameRule))
	}
	if s.FolderTemplate != nil {
		set("folder_template", nullableString(s.FolderTemplate))
	}
	if s.Extensions != nil {
		if len(*s.Extensions) == 0 {
			set("extensions", nil)
		} else {
			set("extensions", EncodeExtensions(*s.Extensions))
		}
	}
	if s.MinSizeBytes != nil {
		set("min_size_bytes", nullableSize(s.MinSizeBytes))
	}
	if s.MaxSizeBytes != nil {
		set("max_size_bytes", nullableSize(s.MaxSizeBytes))
	}

	return db.Update(func(tx *sql.Tx) error {
		now := db.nowMillis()
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO devices
				(id, type, auto_sync, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			id, string(DeviceRecorder), boolToInt(autoSyncDefault),
			now, now,
		); err != nil {
			return fmt.Errorf("creating device %s: %w", id, err)
		}
		set("updated_at", now)
		_, err := tx.Exec(
			"UPDATE devices SET "+strings.Join(sets, ", ")+
				" WHERE id = ?",
			append(args, id)...,
		)
		if err != nil {
			return fmt.Errorf(
				"updating device settings %s: %w", id, err,
			)
		}
		return nil
	})
}

// SetDeviceLastSync records that a job finished processing the
// device at t.
func (db *DB) SetDeviceLastSync(id string, t time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	res, err := db.writer.Exec(
		`UPDATE devices SET last_sync_at = ?, updated_at = ?
		 WHERE id = ?`,
		timeutil.Millis(t), db.nowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("setting last sync for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("setting last sync for %s: %w",
			id, ErrDeviceNotFound)
	}
	return nil
}
