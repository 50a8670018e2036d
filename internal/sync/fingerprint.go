package sync

import (
	"path/filepath"
	"strconv"
	"strings"
)

// Fingerprint returns the dedup key for a file on a device. It
// is an identity key, not a content hash: a file whose mtime
// changes gets a new fingerprint and is copied again. relPath is
// normalized to forward slashes so the key does not depend on
// the host OS.
func Fingerprint(deviceID, relPath string, size, mtimeMs int64) string {
	var b strings.Builder
	b.WriteString(deviceID)
	b.WriteByte('|')
	b.WriteString(filepath.ToSlash(relPath))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(size, 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(mtimeMs, 10))
	return b.String()
}
