package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Folder naming rules for the per-device destination directory.
const (
	FolderRuleLabelID   = "label-id"
	FolderRuleIDDate    = "id-date"
	FolderRuleLabelDate = "label-date"
	FolderRuleCustom    = "custom"
)

// FolderRules lists the accepted folder naming rules.
var FolderRules = []string{
	FolderRuleLabelID, FolderRuleIDDate,
	FolderRuleLabelDate, FolderRuleCustom,
}

// DefaultRenameTemplate names copied files when nothing else is
// configured.
const DefaultRenameTemplate = "{date:YYYYMMDD}-{time:HHmmss}-{title}-{device}"

// SyncSettings are the global defaults every device inherits
// unless it carries its own override.
type SyncSettings struct {
	ExportRoot            string   `json:"export_root"`
	RenameTemplate        string   `json:"rename_template"`
	Extensions            []string `json:"extensions"`
	Concurrency           int      `json:"concurrency"`
	RetryCount            int      `json:"retry_count"`
	DeleteSourceAfterSync bool     `json:"delete_source_after_sync"`
	AutoSyncDefault       bool     `json:"auto_sync_default"`
	FolderNameRule        string   `json:"folder_name_rule"`
}

// DefaultSyncSettings returns the built-in sync defaults. The
// export root is left empty so a job refuses to run until the
// user picks a destination.
func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		RenameTemplate:  DefaultRenameTemplate,
		Extensions:      []string{"wav", "mp3", "m4a"},
		Concurrency:     1,
		AutoSyncDefault: true,
		FolderNameRule:  FolderRuleLabelID,
	}
}

// Normalize fills blanks with defaults and canonicalizes the
// extension list.
func (s *SyncSettings) Normalize() {
	def := DefaultSyncSettings()
	if strings.TrimSpace(s.RenameTemplate) == "" {
		s.RenameTemplate = def.RenameTemplate
	}
	if s.FolderNameRule == "" {
		s.FolderNameRule = def.FolderNameRule
	}
	if s.Concurrency == 0 {
		s.Concurrency = 1
	}
	exts := make([]string, 0, len(s.Extensions))
	for _, e := range s.Extensions {
		e = strings.ToLower(
			strings.TrimPrefix(strings.TrimSpace(e), "."),
		)
		if e != "" && !slices.Contains(exts, e) {
			exts = append(exts, e)
		}
	}
	s.Extensions = exts
}

// Validate rejects settings the engine cannot run with.
func (s SyncSettings) Validate() error {
	if s.Concurrency < 1 {
		return fmt.Errorf(
			"concurrency must be at least 1, got %d", s.Concurrency,
		)
	}
	if s.RetryCount < 0 {
		return fmt.Errorf(
			"retry count must not be negative, got %d", s.RetryCount,
		)
	}
	if !slices.Contains(FolderRules, s.FolderNameRule) {
		return fmt.Errorf(
			"unknown folder name rule %q", s.FolderNameRule,
		)
	}
	return nil
}

// Config holds all application configuration.
type Config struct {
	Host              string        `json:"host"`
	Port              int           `json:"port"`
	DataDir           string        `json:"data_dir"`
	DBPath            string        `json:"-"`
	WriteTimeout      time.Duration `json:"-"`
	WatchDebounce     time.Duration `json:"-"`
	MountRoots        []string      `json:"mount_roots,omitempty"`
	DeviceListCommand string        `json:"device_list_command,omitempty"`
	Sync              SyncSettings  `json:"sync"`
}

// Default returns a Config with default values.
func Default() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf(
			"determining home directory: %w", err,
		)
	}
	dataDir := filepath.Join(home, ".recsync")
	return Config{
		Host:          "127.0.0.1",
		Port:          8090,
		DataDir:       dataDir,
		DBPath:        filepath.Join(dataDir, "recsync.db"),
		WriteTimeout:  30 * time.Second,
		WatchDebounce: 2 * time.Second,
		MountRoots:    defaultMountRoots(),
		Sync:          DefaultSyncSettings(),
	}, nil
}

// defaultMountRoots returns the directories removable volumes
// are typically mounted under on this OS.
func defaultMountRoots() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"/Volumes"}
	case "windows":
		return nil
	}
	user := os.Getenv("USER")
	if user == "" {
		return []string{"/media", "/mnt"}
	}
	return []string{
		filepath.Join("/media", user),
		filepath.Join("/run/media", user),
	}
}

// Load builds a Config by layering: defaults < config file < env < flags.
// The provided FlagSet must already be parsed by the caller.
// Only flags that were explicitly set override the lower layers.
func Load(fs *flag.FlagSet) (Config, error) {
	cfg, err := LoadMinimal()
	if err != nil {
		return cfg, err
	}
	applyFlags(&cfg, fs)
	cfg.Sync.Normalize()
	if err := cfg.Sync.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid sync settings: %w", err)
	}
	return cfg, nil
}

// LoadMinimal builds a Config from defaults, config file and
// env, without parsing CLI flags. Use this for subcommands that
// manage their own flag sets.
func LoadMinimal() (Config, error) {
	cfg, err := Default()
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("RECSYNC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if err := cfg.loadFile(); err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}
	cfg.loadEnv()
	cfg.Sync.Normalize()
	cfg.DBPath = filepath.Join(cfg.DataDir, "recsync.db")
	return cfg, nil
}

func (c *Config) configPath() string {
	return filepath.Join(c.DataDir, "config.json")
}

func (c *Config) loadFile() error {
	data, err := os.ReadFile(c.configPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var file struct {
		Host              string          `json:"host"`
		Port              int             `json:"port"`
		MountRoots        []string        `json:"mount_roots"`
		DeviceListCommand string          `json:"device_list_command"`
		Sync              json.RawMessage `json:"sync"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if file.Host != "" {
		c.Host = file.Host
	}
	if file.Port != 0 {
		c.Port = file.Port
	}
	if len(file.MountRoots) > 0 {
		c.MountRoots = file.MountRoots
	}
	if file.DeviceListCommand != "" {
		c.DeviceListCommand = file.DeviceListCommand
	}
	// Keys missing from the sync object keep their defaults.
	if len(file.Sync) > 0 {
		if err := json.Unmarshal(file.Sync, &c.Sync); err != nil {
			return fmt.Errorf("parsing sync settings: %w", err)
		}
	}
	return nil
}

func (c *Config) loadEnv() {
	if v := os.Getenv("RECSYNC_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("RECSYNC_EXPORT_ROOT"); v != "" {
		c.Sync.ExportRoot = v
	}
	if v := os.Getenv("RECSYNC_MOUNT_ROOTS"); v != "" {
		c.MountRoots = filepath.SplitList(v)
	}
	if v := os.Getenv("RECSYNC_DEVICE_COMMAND"); v != "" {
		c.DeviceListCommand = v
	}
}

// RegisterServeFlags registers serve-command flags on fs.
// The caller must call fs.Parse before passing fs to Load.
func RegisterServeFlags(fs *flag.FlagSet) {
	fs.String("host", "127.0.0.1", "Host to bind to")
	fs.Int("port", 8090, "Port to listen on")
	RegisterSyncFlags(fs)
}

// RegisterSyncFlags registers the flags shared by every command
// that can run a sync job.
func RegisterSyncFlags(fs *flag.FlagSet) {
	fs.String(
		"export-root", "",
		"Directory copied recordings are written under",
	)
}

// applyFlags copies explicitly-set flags from fs into cfg.
func applyFlags(cfg *Config, fs *flag.FlagSet) {
	if fs == nil {
		return
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = f.Value.String()
		case "port":
			// flag already validated the int; ignore parse error
			cfg.Port, _ = strconv.Atoi(f.Value.String())
		case "export-root":
			cfg.Sync.ExportRoot = f.Value.String()
		}
	})
}

// SaveSettings validates s and persists it to the config file,
// leaving other keys untouched.
func (c *Config) SaveSettings(s SyncSettings) error {
	s.Normalize()
	if err := s.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	existing := make(map[string]any)
	data, err := os.ReadFile(c.configPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf(
				"existing config is invalid, cannot update: %w",
				err,
			)
		}
	}

	existing["sync"] = s
	out, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(c.configPath(), out, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	c.Sync = s
	return nil
}
