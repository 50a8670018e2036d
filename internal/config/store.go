package config

import gosync "sync"

// SettingsStore holds the live sync settings. The server writes
// through it and the engine reads a fresh copy at the start of
// each job.
type SettingsStore struct {
	mu  gosync.RWMutex
	cfg Config
}

// NewSettingsStore wraps a copy of cfg.
func NewSettingsStore(cfg Config) *SettingsStore {
	return &SettingsStore{cfg: cfg}
}

// Get returns the current settings.
func (s *SettingsStore) Get() SyncSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.cfg.Sync
	out.Extensions = append([]string(nil), s.cfg.Sync.Extensions...)
	return out
}

// Save validates v, writes it to the config file and makes it
// current. On error the previous settings stay in effect.
func (s *SettingsStore) Save(v SyncSettings) (SyncSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cfg.SaveSettings(v); err != nil {
		return SyncSettings{}, err
	}
	return s.cfg.Sync, nil
}
