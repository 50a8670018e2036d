package config

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir string, data any) {
	t.Helper()
	b, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), b, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// setupConfigDir creates a temp data dir, sets the env var,
// and returns (dir, configPath).
func setupConfigDir(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("RECSYNC_DATA_DIR", dir)
	t.Setenv("RECSYNC_EXPORT_ROOT", "")
	t.Setenv("RECSYNC_MOUNT_ROOTS", "")
	t.Setenv("RECSYNC_DEVICE_COMMAND", "")
	return dir, filepath.Join(dir, "config.json")
}

// writeConfigRaw writes raw string content to config.json.
func writeConfigRaw(
	t *testing.T, dir string, content string,
) {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(
		path, []byte(content), 0o600,
	); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// readConfigFile reads config.json into a generic map.
func readConfigFile(t *testing.T, dir string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(
		filepath.Join(dir, "config.json"),
	)
	if err != nil {
		t.Fatalf("reading config file: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("parsing config file: %v", err)
	}
	return m
}

func loadConfigFromFlags(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterServeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return Load(fs)
}

func TestDefaultSyncSettings(t *testing.T) {
	s := DefaultSyncSettings()
	assert.Equal(t, "", s.ExportRoot)
	assert.Equal(t, DefaultRenameTemplate, s.RenameTemplate)
	assert.Equal(t, []string{"wav", "mp3", "m4a"}, s.Extensions)
	assert.Equal(t, 1, s.Concurrency)
	assert.Equal(t, 0, s.RetryCount)
	assert.False(t, s.DeleteSourceAfterSync)
	assert.True(t, s.AutoSyncDefault)
	assert.Equal(t, FolderRuleLabelID, s.FolderNameRule)
	assert.NoError(t, s.Validate())
}

func TestLoad_AppliesExplicitFlags(t *testing.T) {
	setupConfigDir(t)
	cfg, err := loadConfigFromFlags(t,
		"-host", "0.0.0.0", "-port", "9090",
		"-export-root", "/srv/audio",
	)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "/srv/audio", cfg.Sync.ExportRoot)
}

func TestLoad_DefaultsWithoutFlags(t *testing.T) {
	dir, _ := setupConfigDir(t)
	cfg, err := loadConfigFromFlags(t)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 8090, cfg.Port)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "recsync.db"), cfg.DBPath)
}

func TestLoad_NilFlagSet(t *testing.T) {
	setupConfigDir(t)
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host)
}

func TestLoad_LayerOrder(t *testing.T) {
	dir, _ := setupConfigDir(t)
	writeConfig(t, dir, map[string]any{
		"port":        7000,
		"mount_roots": []string{"/from/file"},
		"sync": map[string]any{
			"export_root": "/file/root",
			"extensions":  []string{".WAV", "wav", "Flac"},
			"retry_count": 2,
		},
	})
	t.Setenv("RECSYNC_EXPORT_ROOT", "/env/root")

	cfg, err := loadConfigFromFlags(t)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port, "file overrides default")
	assert.Equal(t, []string{"/from/file"}, cfg.MountRoots)
	assert.Equal(t, "/env/root", cfg.Sync.ExportRoot, "env overrides file")
	assert.Equal(t, []string{"wav", "flac"}, cfg.Sync.Extensions)
	assert.Equal(t, 2, cfg.Sync.RetryCount)
	assert.Equal(t, DefaultRenameTemplate, cfg.Sync.RenameTemplate,
		"missing keys keep defaults")

	cfg, err = loadConfigFromFlags(t, "-export-root", "/flag/root")
	require.NoError(t, err)
	assert.Equal(t, "/flag/root", cfg.Sync.ExportRoot, "flag overrides env")
}

func TestLoad_MountRootsEnv(t *testing.T) {
	setupConfigDir(t)
	sep := string(os.PathListSeparator)
	t.Setenv("RECSYNC_MOUNT_ROOTS", "/a"+sep+"/b")
	cfg, err := LoadMinimal()
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b"}, cfg.MountRoots)
}

func TestLoad_RejectsInvalidSettings(t *testing.T) {
	dir, _ := setupConfigDir(t)
	writeConfig(t, dir, map[string]any{
		"sync": map[string]any{"folder_name_rule": "by-moon-phase"},
	})
	_, err := loadConfigFromFlags(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "folder name rule")
}

func TestLoad_CorruptConfig(t *testing.T) {
	dir, _ := setupConfigDir(t)
	writeConfigRaw(t, dir, "{not json")
	_, err := LoadMinimal()
	require.Error(t, err)
}

func TestSyncSettingsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SyncSettings)
		wantErr string
	}{
		{"defaults", func(*SyncSettings) {}, ""},
		{"zero concurrency", func(s *SyncSettings) { s.Concurrency = 0 }, "concurrency"},
		{"negative retries", func(s *SyncSettings) { s.RetryCount = -1 }, "retry"},
		{"unknown rule", func(s *SyncSettings) { s.FolderNameRule = "x" }, "rule"},
		{"custom rule", func(s *SyncSettings) { s.FolderNameRule = FolderRuleCustom }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSyncSettings()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveSettings_PreservesExistingKeys(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, map[string]any{
		"device_list_command": "lsblk --json",
		"custom":              "keep",
	})
	cfg := Config{DataDir: dir}

	s := DefaultSyncSettings()
	s.ExportRoot = "/srv/audio"
	s.Extensions = []string{".MP3"}
	require.NoError(t, cfg.SaveSettings(s))

	m := readConfigFile(t, dir)
	assert.Equal(t, "keep", m["custom"])
	assert.Equal(t, "lsblk --json", m["device_list_command"])
	sync, ok := m["sync"].(map[string]any)
	require.True(t, ok, "sync key missing")
	assert.Equal(t, "/srv/audio", sync["export_root"])
	assert.Equal(t, []any{"mp3"}, sync["extensions"])
	assert.Equal(t, "/srv/audio", cfg.Sync.ExportRoot)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(dir, "config.json"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

func TestSaveSettings_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{DataDir: dir}
	s := DefaultSyncSettings()
	s.RetryCount = -3
	require.Error(t, cfg.SaveSettings(s))
	_, err := os.Stat(filepath.Join(dir, "config.json"))
	assert.True(t, os.IsNotExist(err), "config written despite error")
}

func TestSaveSettings_RejectsCorruptConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfigRaw(t, dir, "{broken")
	cfg := Config{DataDir: dir}
	err := cfg.SaveSettings(DefaultSyncSettings())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "invalid"))
}

func TestSaveThenLoad(t *testing.T) {
	dir, _ := setupConfigDir(t)
	cfg, err := LoadMinimal()
	require.NoError(t, err)

	s := cfg.Sync
	s.ExportRoot = "/lib"
	s.Concurrency = 3
	s.FolderNameRule = FolderRuleIDDate
	require.NoError(t, cfg.SaveSettings(s))

	reloaded, err := LoadMinimal()
	require.NoError(t, err)
	assert.Equal(t, dir, reloaded.DataDir)
	assert.Equal(t, "/lib", reloaded.Sync.ExportRoot)
	assert.Equal(t, 3, reloaded.Sync.Concurrency)
	assert.Equal(t, FolderRuleIDDate, reloaded.Sync.FolderNameRule)
}
