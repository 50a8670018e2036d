package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/insightrecorder/recsync/internal/config"
	"github.com/insightrecorder/recsync/internal/db"
	"github.com/insightrecorder/recsync/internal/device"
)

var (
	// ErrNoDevices is returned when a sync is requested for an
	// empty device list.
	ErrNoDevices = errors.New("no devices to sync")
	// ErrNoExportRoot is the setup error for a device with no
	// destination directory.
	ErrNoExportRoot = errors.New("export root not configured")
	// ErrJobNotRunning is returned when cancelling a job this
	// engine is not running.
	ErrJobNotRunning = errors.New("job is not running")

	errCancelled = errors.New("sync cancelled")
)

// Ledger is the persistence the engine drives. *db.DB
// implements it.
type Ledger interface {
	FileIndex
	GetFileByFingerprint(ctx context.Context, fingerprint string) (*db.File, error)
	GetDevice(ctx context.Context, id string) (*db.Device, error)
	UpsertSeenDevice(s db.DeviceSeen, seenAt time.Time) error
	SetDeviceLastSync(id string, t time.Time) error
	CreateJob(j db.SyncJob) error
	UpdateJob(id string, u db.JobUpdate) error
	AddJobTotal(jobID, deviceID string, n int) error
	RecordOutcome(e db.SyncEvent) error
	GetJob(ctx context.Context, id string) (*db.SyncJob, error)
	ListJobs(ctx context.Context, limit int) ([]db.SyncJob, error)
	GetDeviceStats(ctx context.Context, id string) (db.DeviceStats, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLister sets the discovery source used to find current
// mountpoints and to register devices.
func WithLister(l device.Lister) Option {
	return func(e *Engine) { e.lister = l }
}

// WithCopyFunc replaces the byte-level file copy.
func WithCopyFunc(fn func(src, dst string) error) Option {
	return func(e *Engine) { e.copyFile = fn }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
		e.resolver.now = now
	}
}

// WithIDFunc replaces job id generation.
func WithIDFunc(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

type runningJob struct {
	cancel    context.CancelFunc
	done      chan struct{}
	deviceIDs []string
	startedAt time.Time
}

// Engine runs sync jobs: for each requested device it scans for
// candidates, skips files already in the dedup index, copies the
// rest and records every outcome in the ledger.
type Engine struct {
	store    Ledger
	settings func() config.SyncSettings
	lister   device.Lister
	resolver *Resolver
	broker   *Broker
	copyFile func(src, dst string) error
	now      func() time.Time
	newID    func() string

	mu      gosync.Mutex
	running map[string]*runningJob
	wg      gosync.WaitGroup
}

// NewEngine creates a sync engine. settings is consulted at the
// start of every job so saved changes apply to the next run.
func NewEngine(
	store Ledger, settings func() config.SyncSettings,
	opts ...Option,
) *Engine {
	e := &Engine{
		store:    store,
		settings: settings,
		resolver: NewResolver(),
		broker:   NewBroker(),
		copyFile: copyFile,
		now:      time.Now,
		newID:    newJobID,
		running:  make(map[string]*runningJob),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// newJobID returns a time-ordered unique id.
func newJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// OnProgress subscribes fn to progress notifications for all
// jobs. The returned function unsubscribes.
func (e *Engine) OnProgress(fn ProgressFunc) func() {
	return e.broker.Subscribe(fn)
}

// StartSync persists a new RUNNING job for deviceIDs and runs it
// in the background. The devices are processed in the order
// given.
func (e *Engine) StartSync(deviceIDs []string) (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	jobID, rj, err := e.begin(deviceIDs, cancel)
	if err != nil {
		cancel()
		return "", err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(ctx, jobID, rj)
	}()
	return jobID, nil
}

// RunSync runs a job in the foreground and returns its final
// ledger record. Cancelling ctx cancels the job.
func (e *Engine) RunSync(
	ctx context.Context, deviceIDs []string,
) (*db.SyncJob, error) {
	ctx, cancel := context.WithCancel(ctx)
	jobID, rj, err := e.begin(deviceIDs, cancel)
	if err != nil {
		cancel()
		return nil, err
	}
	e.execute(ctx, jobID, rj)
	return e.store.GetJob(context.WithoutCancel(ctx), jobID)
}

// CancelSync requests cancellation of a running job. Work stops
// before the next file; a copy already in flight completes.
func (e *Engine) CancelSync(jobID string) error {
	e.mu.Lock()
	rj, ok := e.running[jobID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel %s: %w", jobID, ErrJobNotRunning)
	}
	rj.cancel()
	return nil
}

// Wait blocks until the job finishes or ctx is done. Unknown or
// finished jobs return immediately.
func (e *Engine) Wait(ctx context.Context, jobID string) error {
	e.mu.Lock()
	rj, ok := e.running[jobID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-rj.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveJobs returns the ids of jobs currently running.
func (e *Engine) ActiveJobs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// deviceBusy reports whether a running job covers deviceID.
func (e *Engine) deviceBusy(deviceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rj := range e.running {
		if slices.Contains(rj.deviceIDs, deviceID) {
			return true
		}
	}
	return false
}

// Shutdown cancels every running job and waits for them to
// record a terminal status.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, rj := range e.running {
		rj.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// History returns the most recent jobs first.
func (e *Engine) History(
	ctx context.Context, limit int,
) ([]db.SyncJob, error) {
	return e.store.ListJobs(ctx, limit)
}

// DeviceStats returns ledger aggregates for a device.
func (e *Engine) DeviceStats(
	ctx context.Context, deviceID string,
) (db.DeviceStats, error) {
	return e.store.GetDeviceStats(ctx, deviceID)
}

// RefreshDevices enumerates attached devices and registers them.
// Without a lister it returns nothing.
func (e *Engine) RefreshDevices(
	ctx context.Context,
) ([]device.Device, error) {
	if e.lister == nil {
		return nil, nil
	}
	devs, err := e.lister.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	autoSync := e.settings().AutoSyncDefault
	now := e.now()
	for _, d := range devs {
		if err := e.store.UpsertSeenDevice(db.DeviceSeen{
			ID:         d.ID,
			Label:      d.Label,
			Mountpoint: d.Mountpoint,
			AutoSync:   autoSync,
		}, now); err != nil {
			return devs, err
		}
	}
	return devs, nil
}

// begin validates the request, persists the RUNNING job and
// registers its cancel function.
func (e *Engine) begin(
	deviceIDs []string, cancel context.CancelFunc,
) (string, *runningJob, error) {
	ids := dedupe(deviceIDs)
	if len(ids) == 0 {
		return "", nil, ErrNoDevices
	}

	jobID := e.newID()
	rj := &runningJob{
		cancel:    cancel,
		done:      make(chan struct{}),
		deviceIDs: ids,
		startedAt: e.now(),
	}
	e.mu.Lock()
	if _, dup := e.running[jobID]; dup {
		e.mu.Unlock()
		return "", nil, fmt.Errorf("job %s already running", jobID)
	}
	e.running[jobID] = rj
	e.mu.Unlock()

	if err := e.store.CreateJob(db.SyncJob{
		ID:        jobID,
		Status:    db.JobRunning,
		DeviceIDs: ids,
		StartedAt: rj.startedAt,
	}); err != nil {
		e.release(jobID, rj)
		return "", nil, err
	}
	log.Printf("sync: job %s started for %v", jobID, ids)
	return jobID, rj, nil
}

func (e *Engine) release(jobID string, rj *runningJob) {
	e.mu.Lock()
	delete(e.running, jobID)
	e.mu.Unlock()
	close(rj.done)
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// jobState is the in-memory view of one running job. mu
// serializes outcome recording so counters and notifications
// stay monotonic when files are copied in parallel.
type jobState struct {
	id        string
	startedAt time.Time
	mu        gosync.Mutex
	counts db.JobCounts

	resolveMu gosync.Mutex
	reserved  map[string]bool
}

// execute runs the job to a terminal status and always records
// one.
func (e *Engine) execute(
	ctx context.Context, jobID string, rj *runningJob,
) {
	defer e.release(jobID, rj)
	defer rj.cancel()

	st := &jobState{
		id:        jobID,
		startedAt: rj.startedAt,
		reserved:  make(map[string]bool),
	}
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = e.run(ctx, st, rj.deviceIDs)
	}()

	status := db.JobSucceeded
	var msg *string
	switch {
	case errors.Is(err, errCancelled):
		status = db.JobCancelled
	case err != nil:
		status = db.JobFailed
		s := err.Error()
		msg = &s
	case st.counts.Failed > 0:
		status = db.JobFailed
	}
	e.finalize(st, status, msg)
}

func (e *Engine) finalize(
	st *jobState, status db.JobStatus, msg *string,
) {
	ended := e.now()
	if err := e.store.UpdateJob(st.id, db.JobUpdate{
		Status:  &status,
		EndedAt: &ended,
		Error:   msg,
	}); err != nil {
		log.Printf("sync: finalizing job %s: %v", st.id, err)
	}

	st.mu.Lock()
	c := st.counts
	st.mu.Unlock()
	log.Printf(
		"sync: job %s %s: %d copied, %d skipped, %d failed of %d",
		st.id, status, c.Copied, c.Skipped, c.Failed, c.Total,
	)
	p := Progress{
		JobID:        st.id,
		Stage:        StageDone,
		SuccessCount: c.Copied,
		FailCount:    c.Failed,
		SkipCount:    c.Skipped,
		Total:        c.Total,
		Status:       status,
	}
	if msg != nil {
		p.Error = *msg
	}
	e.broker.Publish(p)
}

// deviceConfig is a device's effective policy: per-device
// overrides with the global settings filling the gaps.
type deviceConfig struct {
	id           string
	mountpoint   string
	filter       ScanFilter
	naming       Naming
	deleteSource bool
}

func effectiveConfig(
	s config.SyncSettings, d *db.Device, runDate time.Time,
) deviceConfig {
	label := d.Label
	if label == "" {
		label = d.ID
	}
	dc := deviceConfig{
		id:         d.ID,
		mountpoint: d.Mountpoint,
		filter: ScanFilter{
			Extensions: s.Extensions,
			MinSize:    d.MinSizeBytes,
			MaxSize:    d.MaxSizeBytes,
		},
		naming: Naming{
			ExportRoot:     s.ExportRoot,
			FolderRule:     s.FolderNameRule,
			RenameTemplate: s.RenameTemplate,
			DeviceID:       d.ID,
			DeviceLabel:    label,
			RunDate:        runDate,
		},
		deleteSource: s.DeleteSourceAfterSync,
	}
	if len(d.Extensions) > 0 {
		dc.filter.Extensions = d.Extensions
	}
	if d.SyncRootDir != nil && *d.SyncRootDir != "" {
		dc.naming.ExportRoot = *d.SyncRootDir
	}
	if d.FolderTemplate != nil && *d.FolderTemplate != "" {
		dc.naming.FolderTemplate = *d.FolderTemplate
		dc.naming.FolderRule = config.FolderRuleCustom
	}
	if d.FolderNameRule != nil && *d.FolderNameRule != "" {
		dc.naming.FolderRule = *d.FolderNameRule
	}
	if d.DeleteSourceAfterSync != nil {
		dc.deleteSource = *d.DeleteSourceAfterSync
	}
	return dc
}

// accessible reports whether a mountpoint is a readable
// directory right now.
func accessible(mountpoint string) bool {
	if mountpoint == "" {
		return false
	}
	info, err := os.Stat(mountpoint)
	return err == nil && info.IsDir()
}

// loadConfigs resolves every requested device up front so a
// missing export root fails the job before any file work.
// Devices the registry has never seen and discovery cannot find
// are dropped. Date-based folders use runDate for every device.
func (e *Engine) loadConfigs(
	ctx context.Context, s config.SyncSettings, ids []string,
	runDate time.Time,
) ([]deviceConfig, error) {
	s.Normalize()

	live := make(map[string]device.Device)
	if e.lister != nil {
		devs, err := e.RefreshDevices(ctx)
		if err != nil {
			log.Printf("sync: %v", err)
		}
		for _, d := range devs {
			live[d.ID] = d
		}
	}

	var out []deviceConfig
	for _, id := range ids {
		d, err := e.store.GetDevice(ctx, id)
		if err != nil {
			return nil, err
		}
		if d == nil {
			log.Printf("sync: device %s is unknown, skipping", id)
			continue
		}
		dc := effectiveConfig(s, d, runDate)
		if l, ok := live[id]; ok {
			dc.mountpoint = l.Mountpoint
		}
		if dc.naming.ExportRoot == "" {
			return nil, fmt.Errorf("device %s: %w", id, ErrNoExportRoot)
		}
		out = append(out, dc)
	}
	return out, nil
}

func (e *Engine) run(
	ctx context.Context, st *jobState, ids []string,
) error {
	ledgerCtx := context.WithoutCancel(ctx)
	settings := e.settings()
	configs, err := e.loadConfigs(ledgerCtx, settings, ids, st.startedAt)
	if err != nil {
		return err
	}
	workers := max(settings.Concurrency, 1)
	exec := NewExecutor(e.store, settings.RetryCount)
	exec.copyFile = e.copyFile

	for _, dc := range configs {
		if ctx.Err() != nil {
			return errCancelled
		}
		if !accessible(dc.mountpoint) {
			log.Printf("sync: device %s not accessible at %q, skipping",
				dc.id, dc.mountpoint)
			continue
		}

		cands, err := Scan(ctx, dc.mountpoint, dc.filter)
		if err != nil {
			if ctx.Err() != nil {
				return errCancelled
			}
			log.Printf("sync: device %s: %v", dc.id, err)
			continue
		}
		if err := e.store.AddJobTotal(st.id, dc.id, len(cands)); err != nil {
			return err
		}
		st.mu.Lock()
		st.counts.Total += len(cands)
		st.mu.Unlock()

		if err := e.processFiles(ctx, st, exec, dc, cands, workers); err != nil {
			return err
		}
		if err := e.store.SetDeviceLastSync(dc.id, e.now()); err != nil {
			return err
		}
	}
	return nil
}

// processFiles handles a device's candidates in scan order, or
// through a bounded worker pool when workers > 1. Cancellation
// stops dispatch of queued files either way.
func (e *Engine) processFiles(
	ctx context.Context, st *jobState, exec *Executor,
	dc deviceConfig, cands []Candidate, workers int,
) error {
	if workers <= 1 {
		for _, c := range cands {
			if ctx.Err() != nil {
				return errCancelled
			}
			if err := e.processFile(ctx, st, exec, dc, c); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return errCancelled
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, c := range cands {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			return e.processFile(gctx, st, exec, dc, c)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return errCancelled
	}
	return nil
}

// processFile decides skip or copy for one candidate. Only
// ledger faults are returned; file failures become events.
func (e *Engine) processFile(
	ctx context.Context, st *jobState, exec *Executor,
	dc deviceConfig, c Candidate,
) error {
	ledgerCtx := context.WithoutCancel(ctx)
	fp := Fingerprint(dc.id, c.RelPath, c.Size, c.MtimeMs())
	known, err := e.store.GetFileByFingerprint(ledgerCtx, fp)
	if err != nil {
		return err
	}
	if known != nil {
		return e.record(st, dc.id, c.Path, CopyResult{
			Stage: db.StageSkip, FileID: known.ID,
		})
	}
	// Cancel observed after dispatch: leave the file unprocessed.
	if ctx.Err() != nil {
		return nil
	}

	dest, err := st.reserve(e.resolver, dc.naming, c)
	if err != nil {
		return e.record(st, dc.id, c.Path, CopyResult{
			Stage: db.StageFailed, Err: err,
		})
	}
	res := exec.CopyOne(CopyRequest{
		Source: c.Path,
		Dest:   dest,
		File: db.File{
			DeviceID:     dc.id,
			RelativePath: c.RelPath,
			Size:         c.Size,
			MtimeMs:      c.MtimeMs(),
			Fingerprint:  fp,
			Title:        c.Title(),
		},
		DeleteSource: dc.deleteSource,
	})
	st.unreserve(dest)
	if res.Fatal != nil {
		return res.Fatal
	}
	path := c.Path
	if res.Stage == db.StageCopied {
		path = dest
	}
	return e.record(st, dc.id, path, res)
}

// reserve resolves a destination and holds it until the copy
// finishes, so parallel workers never pick the same name.
func (st *jobState) reserve(
	r *Resolver, n Naming, c Candidate,
) (string, error) {
	st.resolveMu.Lock()
	defer st.resolveMu.Unlock()
	dest, err := r.resolve(n, c, st.reserved)
	if err != nil {
		return "", err
	}
	st.reserved[dest] = true
	return dest, nil
}

func (st *jobState) unreserve(dest string) {
	st.resolveMu.Lock()
	delete(st.reserved, dest)
	st.resolveMu.Unlock()
}

// record appends the outcome to the ledger, bumps the counters
// and notifies subscribers.
func (e *Engine) record(
	st *jobState, deviceID, path string, res CopyResult,
) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	ev := db.SyncEvent{
		JobID:    st.id,
		DeviceID: deviceID,
		Stage:    res.Stage,
		Path:     filepath.ToSlash(path),
		Ts:       e.now(),
	}
	if res.FileID != 0 {
		ev.FileID = &res.FileID
	}
	var errMsg string
	if res.Err != nil {
		errMsg = res.Err.Error()
		ev.Error = &errMsg
	}
	if err := e.store.RecordOutcome(ev); err != nil {
		return err
	}

	switch res.Stage {
	case db.StageCopied:
		st.counts.Copied++
	case db.StageSkip:
		st.counts.Skipped++
	case db.StageFailed:
		st.counts.Failed++
	}
	e.broker.Publish(Progress{
		JobID:        st.id,
		DeviceID:     deviceID,
		Stage:        string(res.Stage),
		CurrentFile:  path,
		SuccessCount: st.counts.Copied,
		FailCount:    st.counts.Failed,
		SkipCount:    st.counts.Skipped,
		Total:        st.counts.Total,
		Error:        errMsg,
		Status:       db.JobRunning,
	})
	return nil
}
