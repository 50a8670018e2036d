package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/insightrecorder/recsync/internal/timeutil"
)

var (
	// ErrJobNotFound is returned when a job id is unknown.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobFinalized is returned when writing to a job that
	// already reached a terminal status.
	ErrJobFinalized = errors.New("job already finalized")
)

const (
	// DefaultJobLimit is the default number of jobs returned.
	DefaultJobLimit = 20
	// MaxJobLimit is the maximum number of jobs returned.
	MaxJobLimit = 500
)

// JobStatus is the lifecycle state of a sync job.
type JobStatus string

const (
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Stage is the outcome recorded for one file.
type Stage string

const (
	StageCopied Stage = "copied"
	StageSkip   Stage = "skip"
	StageFailed Stage = "failed"
)

// JobCounts are the cached aggregates of a job's events.
type JobCounts struct {
	Total   int `json:"total"`
	Copied  int `json:"copied_count"`
	Skipped int `json:"skipped_count"`
	Failed  int `json:"failed_count"`
}

// Processed is the number of files with a recorded outcome.
func (c JobCounts) Processed() int {
	return c.Copied + c.Skipped + c.Failed
}

// JobDevice is the per-device breakdown of a job.
type JobDevice struct {
	DeviceID string `json:"device_id"`
	Position int    `json:"position"`
	JobCounts
}

// SyncJob represents a row in sync_jobs.
type SyncJob struct {
	ID        string     `json:"id"`
	Status    JobStatus  `json:"status"`
	DeviceIDs []string   `json:"device_ids"`
	Error     *string    `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	JobCounts
	Devices []JobDevice `json:"devices,omitempty"`
}

// SyncEvent represents a row in sync_events.
type SyncEvent struct {
	ID       int64     `json:"id"`
	JobID    string    `json:"job_id"`
	DeviceID string    `json:"device_id"`
	Stage    Stage     `json:"stage"`
	FileID   *int64    `json:"file_id,omitempty"`
	Path     string    `json:"path"`
	Error    *string   `json:"error,omitempty"`
	Ts       time.Time `json:"ts"`
}

const jobCols = `id, status, total_count, copied_count,
	skipped_count, failed_count, error, started_at, ended_at`

func scanJobRow(rs rowScanner) (SyncJob, error) {
	var (
		j       SyncJob
		started int64
		ended   *int64
	)
	err := rs.Scan(
		&j.ID, &j.Status, &j.Total, &j.Copied,
		&j.Skipped, &j.Failed, &j.Error, &started, &ended,
	)
	j.StartedAt = timeutil.FromMillis(started)
	j.EndedAt = timeutil.FromMillisPtr(ended)
	return j, err
}

// CreateJob persists a new RUNNING job together with its device
// list, in the order given.
func (db *DB) CreateJob(j SyncJob) error {
	if j.Status == "" {
		j.Status = JobRunning
	}
	if j.Status != JobRunning {
		return fmt.Errorf(
			"creating job %s: initial status must be %s, got %s",
			j.ID, JobRunning, j.Status,
		)
	}
	if j.StartedAt.IsZero() {
		j.StartedAt = db.now()
	}
	return db.Update(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO sync_jobs (id, status, total_count, started_at)
			VALUES (?, ?, ?, ?)`,
			j.ID, string(j.Status), j.Total,
			timeutil.Millis(j.StartedAt),
		); err != nil {
			return fmt.Errorf("creating job %s: %w", j.ID, err)
		}
		for i, dev := range j.DeviceIDs {
			if _, err := tx.Exec(`
				INSERT OR IGNORE INTO sync_job_devices
					(job_id, device_id, position)
				VALUES (?, ?, ?)`,
				j.ID, dev, i,
			); err != nil {
				return fmt.Errorf(
					"adding device %s to job %s: %w",
					dev, j.ID, err,
				)
			}
		}
		return nil
	})
}

// JobUpdate is a partial update of a running job. Nil fields are
// left untouched.
type JobUpdate struct {
	Status  *JobStatus
	Counts  *JobCounts
	EndedAt *time.Time
	Error   *string
}

// UpdateJob applies u to a RUNNING job. Once a terminal status
// has been written the row is frozen and ErrJobFinalized is
// returned.
func (db *DB) UpdateJob(id string, u JobUpdate) error {
	var (
		sets []string
		args []any
	)
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.Counts != nil {
		sets = append(sets,
			"total_count = ?", "copied_count = ?",
			"skipped_count = ?", "failed_count = ?")
		args = append(args,
			u.Counts.Total, u.Counts.Copied,
			u.Counts.Skipped, u.Counts.Failed)
	}
	if u.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, timeutil.Millis(*u.EndedAt))
	}
	if u.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *u.Error)
	}
	if len(sets) == 0 {
		return nil
	}

	return db.Update(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"UPDATE sync_jobs SET "+strings.Join(sets, ", ")+
				" WHERE id = ? AND status = ?",
			append(args, id, string(JobRunning))...,
		)
		if err != nil {
			return fmt.Errorf("updating job %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		return jobWriteMiss(tx, id)
	})
}

// jobWriteMiss explains why a guarded write touched no rows.
func jobWriteMiss(tx *sql.Tx, id string) error {
	var status string
	err := tx.QueryRow(
		"SELECT status FROM sync_jobs WHERE id = ?", id,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return fmt.Errorf("checking job %s: %w", id, err)
	}
	return fmt.Errorf("job %s is %s: %w", id, status, ErrJobFinalized)
}

// AddJobTotal adds n discovered candidates for deviceID to the
// job's running total.
func (db *DB) AddJobTotal(jobID, deviceID string, n int) error {
	return db.Update(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE sync_jobs SET total_count = total_count + ?
			WHERE id = ? AND status = ?`,
			n, jobID, string(JobRunning),
		)
		if err != nil {
			return fmt.Errorf("adding total to %s: %w", jobID, err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return jobWriteMiss(tx, jobID)
		}
		_, err = tx.Exec(`
			UPDATE sync_job_devices
			SET total_count = total_count + ?
			WHERE job_id = ? AND device_id = ?`,
			n, jobID, deviceID,
		)
		return err
	})
}

func insertEventTx(tx *sql.Tx, e SyncEvent, now time.Time) error {
	if e.Ts.IsZero() {
		e.Ts = now
	}
	_, err := tx.Exec(`
		INSERT INTO sync_events
			(job_id, device_id, stage, file_id, path, error, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.JobID, e.DeviceID, string(e.Stage), e.FileID,
		e.Path, e.Error, timeutil.Millis(e.Ts),
	)
	if err != nil {
		return fmt.Errorf("appending %s event: %w", e.Stage, err)
	}
	return nil
}

func counterColumn(s Stage) (string, error) {
	switch s {
	case StageCopied:
		return "copied_count", nil
	case StageSkip:
		return "skipped_count", nil
	case StageFailed:
		return "failed_count", nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// RecordOutcome appends the event for one file and bumps the
// matching job and device counters in the same transaction.
func (db *DB) RecordOutcome(e SyncEvent) error {
	return db.AppendEvents([]SyncEvent{e})
}

// AppendEvents records a batch of file outcomes atomically: each
// event is inserted and its job and device counters bumped. A
// bad event rolls back the whole batch. Events are never updated
// afterwards.
func (db *DB) AppendEvents(events []SyncEvent) error {
	if len(events) == 0 {
		return nil
	}
	cols := make([]string, len(events))
	for i, e := range events {
		col, err := counterColumn(e.Stage)
		if err != nil {
			return err
		}
		cols[i] = col
	}
	return db.Update(func(tx *sql.Tx) error {
		now := db.now()
		for i, e := range events {
			if err := bumpCountersTx(tx, e, cols[i]); err != nil {
				return err
			}
			if err := insertEventTx(tx, e, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func bumpCountersTx(tx *sql.Tx, e SyncEvent, col string) error {
	res, err := tx.Exec(
		"UPDATE sync_jobs SET "+col+" = "+col+" + 1"+
			" WHERE id = ? AND status = ?",
		e.JobID, string(JobRunning),
	)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", e.JobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return jobWriteMiss(tx, e.JobID)
	}
	if _, err := tx.Exec(
		"UPDATE sync_job_devices SET "+col+" = "+col+" + 1"+
			" WHERE job_id = ? AND device_id = ?",
		e.JobID, e.DeviceID,
	); err != nil {
		return fmt.Errorf(
			"updating device counters %s: %w", e.DeviceID, err,
		)
	}
	return nil
}

// GetJob returns a job with its per-device breakdown, or nil if
// it does not exist.
func (db *DB) GetJob(
	ctx context.Context, id string,
) (*SyncJob, error) {
	row := db.reader.QueryRowContext(
		ctx, "SELECT "+jobCols+" FROM sync_jobs WHERE id = ?", id,
	)
	j, err := scanJobRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting job %s: %w", id, err)
	}
	jobs := []SyncJob{j}
	if err := db.attachJobDevices(ctx, jobs); err != nil {
		return nil, err
	}
	return &jobs[0], nil
}

// ListJobs returns the most recent jobs first. limit <= 0
// selects DefaultJobLimit; larger values are capped at
// MaxJobLimit.
func (db *DB) ListJobs(
	ctx context.Context, limit int,
) ([]SyncJob, error) {
	if limit <= 0 {
		limit = DefaultJobLimit
	}
	if limit > MaxJobLimit {
		limit = MaxJobLimit
	}
	return db.queryJobs(ctx,
		"SELECT "+jobCols+" FROM sync_jobs"+
			" ORDER BY started_at DESC, rowid DESC LIMIT ?",
		limit,
	)
}

// ListStaleJobs returns RUNNING jobs started before cutoff,
// oldest first. These are left behind when the process exits
// mid-run.
func (db *DB) ListStaleJobs(
	ctx context.Context, cutoff time.Time,
) ([]SyncJob, error) {
	return db.queryJobs(ctx,
		"SELECT "+jobCols+" FROM sync_jobs"+
			" WHERE status = ? AND started_at < ?"+
			" ORDER BY started_at, rowid",
		string(JobRunning), timeutil.Millis(cutoff),
	)
}

func (db *DB) queryJobs(
	ctx context.Context, query string, args ...any,
) ([]SyncJob, error) {
	rows, err := db.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	jobs := []SyncJob{}
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := db.attachJobDevices(ctx, jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// attachJobDevices fills DeviceIDs and Devices for jobs.
func (db *DB) attachJobDevices(
	ctx context.Context, jobs []SyncJob,
) error {
	if len(jobs) == 0 {
		return nil
	}
	idx := make(map[string]int, len(jobs))
	args := make([]any, len(jobs))
	for i := range jobs {
		idx[jobs[i].ID] = i
		args[i] = jobs[i].ID
		jobs[i].DeviceIDs = []string{}
	}
	placeholders := strings.TrimSuffix(
		strings.Repeat("?,", len(jobs)), ",",
	)
	rows, err := db.reader.QueryContext(ctx, `
		SELECT job_id, device_id, position, total_count,
			copied_count, skipped_count, failed_count
		FROM sync_job_devices
		WHERE job_id IN (`+placeholders+`)
		ORDER BY job_id, position`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("querying job devices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			jobID string
			d     JobDevice
		)
		if err := rows.Scan(
			&jobID, &d.DeviceID, &d.Position, &d.Total,
			&d.Copied, &d.Skipped, &d.Failed,
		); err != nil {
			return fmt.Errorf("scanning job device: %w", err)
		}
		j := &jobs[idx[jobID]]
		j.DeviceIDs = append(j.DeviceIDs, d.DeviceID)
		j.Devices = append(j.Devices, d)
	}
	return rows.Err()
}

// ListJobEvents returns a job's events in append order.
func (db *DB) ListJobEvents(
	ctx context.Context, jobID string,
) ([]SyncEvent, error) {
	rows, err := db.reader.QueryContext(ctx, `
		SELECT id, job_id, device_id, stage, file_id,
			path, error, ts
		FROM sync_events WHERE job_id = ? ORDER BY id`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	events := []SyncEvent{}
	for rows.Next() {
		var (
			e  SyncEvent
			ts int64
		)
		if err := rows.Scan(
			&e.ID, &e.JobID, &e.DeviceID, &e.Stage, &e.FileID,
			&e.Path, &e.Error, &ts,
		); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Ts = timeutil.FromMillis(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeriveJobCounts recomputes a job's counters from its events.
// Total is taken from the job row since it counts candidates,
// not outcomes.
func (db *DB) DeriveJobCounts(
	ctx context.Context, jobID string,
) (JobCounts, error) {
	var c JobCounts
	err := db.reader.QueryRowContext(ctx, `
		SELECT
			(SELECT total_count FROM sync_jobs WHERE id = ?),
			COALESCE(SUM(stage = 'copied'), 0),
			COALESCE(SUM(stage = 'skip'), 0),
			COALESCE(SUM(stage = 'failed'), 0)
		FROM sync_events WHERE job_id = ?`,
		jobID, jobID,
	).Scan(&c.Total, &c.Copied, &c.Skipped, &c.Failed)
	if err != nil {
		return JobCounts{}, fmt.Errorf(
			"deriving counts for %s: %w", jobID, err,
		)
	}
	return c, nil
}

// CountSyncedByDevice sums the files copied from deviceID across
// all jobs.
func (db *DB) CountSyncedByDevice(
	ctx context.Context, deviceID string,
) (int, error) {
	var n int
	err := db.reader.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(copied_count), 0)
		FROM sync_job_devices WHERE device_id = ?`,
		deviceID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf(
			"counting synced for %s: %w", deviceID, err,
		)
	}
	return n, nil
}
