package main

import (
	"io"
	"log"
	"os"
	"path/filepath"
)

// maxLogSize is the size past which the log is cleared at
// startup.
const maxLogSize = 10 << 20

// setupLogFile sends log output to recsync.log in dataDir as
// well as stderr. Failure to open the file only warns.
func setupLogFile(dataDir string) {
	path := filepath.Join(dataDir, "recsync.log")
	truncateLogFile(path, maxLogSize)
	f, err := os.OpenFile(path,
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("warning: cannot open log file: %v", err)
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
}

// truncateLogFile empties path when it exceeds limit. Symlinks
// are left alone.
func truncateLogFile(path string, limit int64) {
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	if info.Size() <= limit {
		return
	}
	if err := os.Truncate(path, 0); err != nil {
		log.Printf("warning: truncating log file: %v", err)
	}
}
