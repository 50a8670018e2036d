package sync

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/insightrecorder/recsync/internal/db"
)

// Candidate is a file on a device that passed the filters.
type Candidate struct {
	Path    string    // absolute path on the device
	RelPath string    // slash-separated, relative to the device root
	Size    int64
	ModTime time.Time
}

// MtimeMs returns the modification time in epoch milliseconds.
func (c Candidate) MtimeMs() int64 {
	return c.ModTime.UnixMilli()
}

// Title is the file name without its extension.
func (c Candidate) Title() string {
	base := filepath.Base(c.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ScanFilter selects candidate files. An empty extension list
// matches every file; nil size bounds are unbounded.
type ScanFilter struct {
	Extensions []string
	MinSize    *int64
	MaxSize    *int64
}

func (f ScanFilter) extensionSet() map[string]bool {
	if len(f.Extensions) == 0 {
		return nil
	}
	set := make(map[string]bool, len(f.Extensions))
	for _, e := range f.Extensions {
		if e = db.NormalizeExtension(e); e != "" {
			set[e] = true
		}
	}
	return set
}

func (f ScanFilter) sizeOK(size int64) bool {
	if f.MinSize != nil && size < *f.MinSize {
		return false
	}
	if f.MaxSize != nil && size > *f.MaxSize {
		return false
	}
	return true
}

// Scan walks root depth-first and returns regular files that
// match filter, in lexical order. Unreadable subdirectories are
// skipped and files that cannot be stat'ed are excluded; only a
// root that cannot be read at all is an error. A root that is a
// symlink is followed; candidate paths stay under root.
func Scan(
	ctx context.Context, root string, filter ScanFilter,
) ([]Candidate, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("reading device root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("device root %s is not a directory", root)
	}
	walkRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("resolving device root: %w", err)
	}

	exts := filter.extensionSet()
	var out []Candidate
	err = filepath.WalkDir(walkRoot,
		func(path string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				if path == walkRoot {
					return err
				}
				log.Printf("scan: skipping %s: %v", path, err)
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			if exts != nil {
				ext := db.NormalizeExtension(filepath.Ext(d.Name()))
				if !exts[ext] {
					return nil
				}
			}
			fi, err := d.Info()
			if err != nil {
				return nil
			}
			if !filter.sizeOK(fi.Size()) {
				return nil
			}
			rel, err := filepath.Rel(walkRoot, path)
			if err != nil {
				return nil
			}
			out = append(out, Candidate{
				Path:    filepath.Join(root, rel),
				RelPath: filepath.ToSlash(rel),
				Size:    fi.Size(),
				ModTime: fi.ModTime(),
			})
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	return out, nil
}
