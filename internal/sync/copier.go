package sync

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/insightrecorder/recsync/internal/db"
)

const copyBufferSize = 1 << 20

// FileIndex records copied files in the dedup index.
type FileIndex interface {
	RegisterFile(f db.File) (id int64, inserted bool, err error)
}

// CopyRequest describes one file transfer.
type CopyRequest struct {
	Source       string
	Dest         string
	File         db.File // fingerprint and metadata to register
	DeleteSource bool
}

// CopyResult is the outcome of one transfer. Err is a per-file
// failure; Fatal means the dedup index could not be written and
// the job cannot continue meaningfully.
type CopyResult struct {
	Stage  db.Stage
	FileID int64
	Err    error
	Fatal  error
}

// Executor copies single files and registers them.
type Executor struct {
	index    FileIndex
	retries  int
	copyFile func(src, dst string) error
	remove   func(path string) error
}

// NewExecutor returns an Executor that retries a failed copy up
// to retries extra times.
func NewExecutor(index FileIndex, retries int) *Executor {
	if retries < 0 {
		retries = 0
	}
	return &Executor{
		index:    index,
		retries:  retries,
		copyFile: copyFile,
		remove:   os.Remove,
	}
}

// CopyOne transfers req.Source to req.Dest. The fingerprint is
// only registered after the bytes are safely written, so a
// failed file is attempted again on the next run. The source is
// deleted last, and a failed delete does not undo the copy.
func (x *Executor) CopyOne(req CopyRequest) CopyResult {
	if err := os.MkdirAll(filepath.Dir(req.Dest), 0o755); err != nil {
		return CopyResult{
			Stage: db.StageFailed,
			Err:   fmt.Errorf("creating destination dir: %w", err),
		}
	}

	var err error
	for attempt := 0; attempt <= x.retries; attempt++ {
		if err = x.copyFile(req.Source, req.Dest); err == nil {
			break
		}
		if attempt < x.retries {
			log.Printf("sync: copy %s failed, retrying: %v",
				req.Source, err)
		}
	}
	if err != nil {
		return CopyResult{Stage: db.StageFailed, Err: err}
	}

	f := req.File
	f.DestPath = req.Dest
	id, _, err := x.index.RegisterFile(f)
	if err != nil {
		return CopyResult{
			Stage: db.StageFailed,
			Err:   err,
			Fatal: fmt.Errorf("registering %s: %w", f.Fingerprint, err),
		}
	}

	if req.DeleteSource {
		if err := x.remove(req.Source); err != nil {
			log.Printf("sync: removing source %s: %v", req.Source, err)
		}
	}
	return CopyResult{Stage: db.StageCopied, FileID: id}
}

// copyFile writes src to a new file at dst, preserving the
// modification time. dst must not exist. A partial file is
// removed on failure.
func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	written, err := io.CopyBuffer(out, in, make([]byte, copyBufferSize))
	if err != nil {
		out.Close()
		return fmt.Errorf("copying bytes: %w", err)
	}
	if written != info.Size() {
		out.Close()
		return fmt.Errorf(
			"incomplete copy: expected %d bytes, wrote %d",
			info.Size(), written,
		)
	}
	if err = out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("syncing destination: %w", err)
	}
	if err = out.Close(); err != nil {
		return fmt.Errorf("closing destination: %w", err)
	}
	if err = os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("setting file times: %w", err)
	}
	return nil
}
