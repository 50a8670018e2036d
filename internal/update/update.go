// Package update checks whether a newer recsync release has been
// published. It never downloads or installs anything.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/mod/semver"
)

const (
	// DefaultReleaseURL is the latest-release endpoint queried
	// when Checker.URL is empty.
	DefaultReleaseURL = "https://api.github.com/repos/insightrecorder/recsync/releases/latest"

	cacheFileName    = "update_check.json"
	cacheDuration    = 24 * time.Hour
	devCacheDuration = 15 * time.Minute
	maxReleaseBytes  = 1 << 20
)

// Info describes a release newer than the running binary.
type Info struct {
	CurrentVersion string `json:"current_version"`
	LatestVersion  string `json:"latest_version"`
	URL            string `json:"url,omitempty"`
	IsDevBuild     bool   `json:"is_dev_build"`
}

// Checker queries the release endpoint and remembers the answer
// in CacheDir so repeated runs stay offline.
type Checker struct {
	URL      string
	CacheDir string
	Client   *http.Client
	Now      func() time.Time
}

type cachedCheck struct {
	CheckedAt time.Time `json:"checked_at"`
	Version   string    `json:"version"`
	URL       string    `json:"url,omitempty"`
}

func (c *Checker) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Check returns the newer release, or nil when current is up to
// date. Dev builds always report the latest release. force skips
// the cache.
func (c *Checker) Check(
	ctx context.Context, current string, force bool,
) (*Info, error) {
	dev := IsDevBuildVersion(current)

	var latest cachedCheck
	cached, err := c.loadCache()
	window := cacheDuration
	if dev {
		window = devCacheDuration
	}
	if !force && err == nil && c.now().Sub(cached.CheckedAt) < window {
		latest = *cached
	} else {
		latest, err = c.fetchLatest(ctx)
		if err != nil {
			return nil, fmt.Errorf("checking for updates: %w", err)
		}
		c.saveCache(latest)
	}

	if !dev && !isNewer(latest.Version, current) {
		return nil, nil
	}
	return &Info{
		CurrentVersion: current,
		LatestVersion:  latest.Version,
		URL:            latest.URL,
		IsDevBuild:     dev,
	}, nil
}

func (c *Checker) fetchLatest(ctx context.Context) (cachedCheck, error) {
	url := c.URL
	if url == "" {
		url = DefaultReleaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return cachedCheck{}, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "recsync-update")

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return cachedCheck{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return cachedCheck{}, fmt.Errorf(
			"release endpoint returned %s", resp.Status,
		)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReleaseBytes))
	if err != nil {
		return cachedCheck{}, fmt.Errorf("reading release: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return cachedCheck{}, fmt.Errorf("release response is not JSON")
	}
	tag := gjson.GetBytes(body, "tag_name").Str
	if tag == "" {
		return cachedCheck{}, fmt.Errorf("release response has no tag_name")
	}
	return cachedCheck{
		CheckedAt: c.now(),
		Version:   tag,
		URL:       gjson.GetBytes(body, "html_url").Str,
	}, nil
}

func (c *Checker) loadCache() (*cachedCheck, error) {
	if c.CacheDir == "" {
		return nil, os.ErrNotExist
	}
	data, err := os.ReadFile(filepath.Join(c.CacheDir, cacheFileName))
	if err != nil {
		return nil, err
	}
	var cached cachedCheck
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, err
	}
	return &cached, nil
}

func (c *Checker) saveCache(v cachedCheck) {
	if c.CacheDir == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = os.MkdirAll(c.CacheDir, 0o755)
	_ = os.WriteFile(filepath.Join(c.CacheDir, cacheFileName), data, 0o600)
}

var gitDescribePattern = regexp.MustCompile(`-\d+-g[0-9a-f]+(-dirty)?$`)

// IsDevBuildVersion reports whether v is not a tagged release:
// "dev", empty, or a git-describe version past a tag.
func IsDevBuildVersion(v string) bool {
	if baseSemver(v) == "" {
		return true
	}
	return gitDescribePattern.MatchString(v)
}

// baseSemver returns MAJOR.MINOR[.PATCH] without a leading v or
// prerelease, or "" if v does not start like a version.
func baseSemver(v string) string {
	v = strings.TrimPrefix(v, "v")
	if v == "" || v[0] < '0' || v[0] > '9' || !strings.Contains(v, ".") {
		return ""
	}
	if idx := strings.Index(v, "-"); idx > 0 {
		v = v[:idx]
	}
	return v
}

func isNewer(v1, v2 string) bool {
	if baseSemver(v1) == "" || baseSemver(v2) == "" {
		return false
	}
	return semver.Compare(canonical(v1), canonical(v2)) > 0
}

var prereleaseNumber = regexp.MustCompile(`^([A-Za-z]+)(\d+)$`)

// canonical turns v into the form x/mod/semver orders correctly:
// a leading v, no git-describe suffix, and "rc10" split into
// "rc.10" so numeric prerelease parts compare as numbers.
func canonical(v string) string {
	v = strings.TrimPrefix(v, "v")
	v = gitDescribePattern.ReplaceAllString(v, "")
	base, pre, found := strings.Cut(v, "-")
	if !found {
		return "v" + base
	}
	parts := strings.Split(pre, ".")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		m := prereleaseNumber.FindStringSubmatch(p)
		if m == nil || (len(m[2]) > 1 && m[2][0] == '0') {
			out = append(out, p)
			continue
		}
		out = append(out, m[1], m[2])
	}
	return "v" + base + "-" + strings.Join(out, ".")
}
