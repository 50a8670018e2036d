package device

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// MountRootLister treats every directory directly below one of
// Roots as an attached removable volume. This matches how
// desktop automounters lay out /media/$USER and /Volumes.
type MountRootLister struct {
	Roots []string
}

// List implements Lister. Roots that do not exist are skipped.
func (l MountRootLister) List(ctx context.Context) ([]Device, error) {
	var out []Device
	for _, root := range l.Roots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if strings.HasPrefix(name, ".") {
				continue
			}
			path := filepath.Join(root, name)
			if !isVolumeDir(path) {
				continue
			}
			out = append(out, Device{
				ID:         DeriveID(path),
				Label:      name,
				Mountpoint: path,
				Removable:  true,
			})
		}
	}
	return out, nil
}

// isVolumeDir reports whether path is a directory that is not an
// alias of the system root (macOS links the boot volume into
// /Volumes).
func isVolumeDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	if target, err := filepath.EvalSymlinks(path); err == nil &&
		target == string(filepath.Separator) {
		return false
	}
	return true
}
