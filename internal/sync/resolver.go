package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/insightrecorder/recsync/internal/config"
)

// maxNumberedCollisions is how many " (n)" suffixes are tried
// before falling back to a timestamp suffix.
const maxNumberedCollisions = 100

var (
	tokenPattern    = regexp.MustCompile(`\{(date|time)(?::([^}]*))?\}|\{(title|device)\}`)
	unsafeDevice    = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	unsafeName      = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	whitespaceRun   = regexp.MustCompile(`\s+`)
	separatorRun    = regexp.MustCompile(`[-_]{2,}`)
	perFileTokens   = regexp.MustCompile(`\{(date|time)(?::[^}]*)?\}|\{title\}`)
	edgeSeparators  = regexp.MustCompile(`^[-_\s]+|[-_\s]+$`)
	defaultStampFmt = map[string]string{"date": "YYYYMMDD", "time": "HHmmss"}
)

// SafeDeviceID replaces every character outside [A-Za-z0-9_-]
// with an underscore.
func SafeDeviceID(id string) string {
	return unsafeDevice.ReplaceAllString(id, "_")
}

// formatStamp renders t using a YYYY/YY/MM/DD/HH/mm/ss pattern.
// Anything that is not a token is copied literally.
func formatStamp(pattern string, t time.Time) string {
	tokens := []struct {
		tok    string
		layout string
	}{
		{"YYYY", "2006"}, {"YY", "06"}, {"MM", "01"}, {"DD", "02"},
		{"HH", "15"}, {"mm", "04"}, {"ss", "05"},
	}
	var b strings.Builder
	for i := 0; i < len(pattern); {
		matched := false
		for _, tk := range tokens {
			if strings.HasPrefix(pattern[i:], tk.tok) {
				b.WriteString(t.Format(tk.layout))
				i += len(tk.tok)
				matched = true
				break
			}
		}
		if !matched {
			b.WriteByte(pattern[i])
			i++
		}
	}
	return b.String()
}

// FileName expands a rename template for one source file. Date
// and time tokens come from the file's modification time in the
// local zone. Unknown tokens are left as written. The source
// extension is always kept.
func FileName(template, deviceID string, src Candidate) string {
	mtime := src.ModTime.Local()
	title := src.Title()
	expanded := tokenPattern.ReplaceAllStringFunc(template,
		func(m string) string {
			sub := tokenPattern.FindStringSubmatch(m)
			switch {
			case sub[1] != "":
				pattern := sub[2]
				if pattern == "" {
					pattern = defaultStampFmt[sub[1]]
				}
				return formatStamp(pattern, mtime)
			case sub[3] == "title":
				return title
			}
			return SafeDeviceID(deviceID)
		})

	name := unsafeName.ReplaceAllString(expanded, "_")
	name = strings.TrimSpace(strings.Trim(name, "."))
	if name == "" {
		name = title
	}
	return name + filepath.Ext(src.Path)
}

// FolderName expands a template in directory mode: per-file
// tokens are removed, {device} and {label} are substituted, and
// the result is reduced to a single safe path element. An empty
// result falls back to the sanitized device id.
func FolderName(template, deviceID, label string) string {
	safe := SafeDeviceID(deviceID)
	s := perFileTokens.ReplaceAllString(template, "")
	s = strings.ReplaceAll(s, "{device}", safe)
	s = strings.ReplaceAll(s, "{label}", label)
	s = unsafeName.ReplaceAllString(s, "_")
	s = whitespaceRun.ReplaceAllString(s, " ")
	s = separatorRun.ReplaceAllString(s, "-")
	s = edgeSeparators.ReplaceAllString(s, "")
	s = strings.Trim(s, ".")
	if s == "" {
		return safe
	}
	return s
}

// Naming is the effective naming policy for one device.
type Naming struct {
	ExportRoot     string
	FolderRule     string
	FolderTemplate string
	RenameTemplate string
	DeviceID       string
	DeviceLabel    string
	// RunDate pins date-based folders to the job start. Zero means
	// the resolver's clock.
	RunDate time.Time
}

// DeviceFolder returns the per-device directory name. Date
// based rules use the day the job runs.
func (n Naming) DeviceFolder(now time.Time) string {
	day := now.Local().Format("20060102")
	switch n.FolderRule {
	case config.FolderRuleIDDate:
		return FolderName("{device}-"+day, n.DeviceID, n.DeviceLabel)
	case config.FolderRuleLabelDate:
		return FolderName("{label}-"+day, n.DeviceID, n.DeviceLabel)
	case config.FolderRuleCustom:
		return FolderName(n.FolderTemplate, n.DeviceID, n.DeviceLabel)
	}
	return FolderName("{label}-{device}", n.DeviceID, n.DeviceLabel)
}

// Resolver computes conflict-free destination paths.
type Resolver struct {
	now func() time.Time
}

// NewResolver returns a Resolver using the wall clock for
// date-based folder rules and timestamp suffixes.
func NewResolver() *Resolver {
	return &Resolver{now: time.Now}
}

// Resolve creates the device directory under the export root if
// needed and returns a path there that does not exist yet. The
// existence check is best-effort against writers outside the
// engine.
func (r *Resolver) Resolve(n Naming, src Candidate) (string, error) {
	return r.resolve(n, src, nil)
}

// resolve is Resolve that also treats paths in taken as occupied.
func (r *Resolver) resolve(
	n Naming, src Candidate, taken map[string]bool,
) (string, error) {
	if n.ExportRoot == "" {
		return "", ErrNoExportRoot
	}
	day := n.RunDate
	if day.IsZero() {
		day = r.now()
	}
	dir := filepath.Join(n.ExportRoot, n.DeviceFolder(day))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating destination dir: %w", err)
	}
	name := FileName(n.RenameTemplate, n.DeviceID, src)
	return r.uniquePath(dir, name, taken)
}

// uniquePath tries name, then "name (2).ext" up to
// maxNumberedCollisions, then a millisecond timestamp suffix.
func (r *Resolver) uniquePath(
	dir, name string, taken map[string]bool,
) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	candidate := filepath.Join(dir, name)
	for i := 2; ; i++ {
		free, err := isFree(candidate, taken)
		if err != nil {
			return "", err
		}
		if free {
			return candidate, nil
		}
		if i > maxNumberedCollisions {
			break
		}
		candidate = filepath.Join(dir,
			stem+" ("+strconv.Itoa(i)+")"+ext)
	}

	stamp := strconv.FormatInt(r.now().UnixMilli(), 10)
	candidate = filepath.Join(dir, stem+"-"+stamp+ext)
	for n := 2; ; n++ {
		free, err := isFree(candidate, taken)
		if err != nil {
			return "", err
		}
		if free {
			return candidate, nil
		}
		candidate = filepath.Join(dir,
			stem+"-"+stamp+"-"+strconv.Itoa(n)+ext)
	}
}

func isFree(path string, taken map[string]bool) (bool, error) {
	if taken[path] {
		return false, nil
	}
	_, err := os.Lstat(path)
	if err == nil {
		return false, nil
	}
	if os.IsNotExist(err) {
		return true, nil
	}
	return false, fmt.Errorf("probing %s: %w", path, err)
}
