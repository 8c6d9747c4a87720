package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	configDirName  = ".polyrelay"
	configFileName = "config.json"

	// maxLogEntries bounds the in-memory collaborator log ring.
	maxLogEntries = 1000
)

// fileConfig is the on-disk shape of the gateway configuration.
type fileConfig struct {
	Settings  Settings   `json:"settings"`
	Providers []Provider `json:"providers"`
	Accounts  []Account  `json:"accounts"`
}

// Store holds the full gateway configuration behind a read-write lock.
// Reads return copies so callers never observe concurrent mutation.
type Store struct {
	mu         sync.RWMutex
	configFile string
	settings   Settings
	providers  []Provider
	accounts   []Account

	logs []LogEntry
}

// NewStore loads the configuration from configFile, creating a default file
// when none exists. An empty path resolves to ~/.polyrelay/config.json.
func NewStore(configFile string) (*Store, error) {
	if configFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		configFile = filepath.Join(home, configDirName, configFileName)
	}

	s := &Store{configFile: configFile}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// ConfigFile returns the path backing this store.
func (s *Store) ConfigFile() string {
	return s.configFile
}

// load reads the config file into the store, writing defaults first when the
// file does not exist yet.
func (s *Store) load() error {
	data, err := os.ReadFile(s.configFile)
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.settings = Settings{}
		s.settings.ApplyDefaults()
		s.providers = nil
		s.accounts = nil
		s.mu.Unlock()
		return s.Save()
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	fc.Settings.ApplyDefaults()

	s.mu.Lock()
	s.settings = fc.Settings
	s.providers = fc.Providers
	s.accounts = fc.Accounts
	s.mu.Unlock()

	logrus.Debugf("Loaded config: %d providers, %d accounts", len(fc.Providers), len(fc.Accounts))
	return nil
}

// Reload re-reads the config file from disk.
func (s *Store) Reload() error {
	return s.load()
}

// Save writes the current configuration back to disk.
func (s *Store) Save() error {
	s.mu.RLock()
	fc := fileConfig{
		Settings:  s.settings,
		Providers: append([]Provider(nil), s.providers...),
		Accounts:  append([]Account(nil), s.accounts...),
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.configFile), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Write to a temp file first so readers never see a torn config.
	tmp := s.configFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return os.Rename(tmp, s.configFile)
}

// GetSettings returns a copy of the gateway settings.
func (s *Store) GetSettings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// UpdateSettings replaces the gateway settings.
func (s *Store) UpdateSettings(settings Settings) {
	settings.ApplyDefaults()
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}

// GetProviders returns copies of all configured providers.
func (s *Store) GetProviders() []Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Provider(nil), s.providers...)
}

// GetProvider returns the provider with the given id.
func (s *Store) GetProvider(id string) (Provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.providers {
		if p.ID == id {
			return p, true
		}
	}
	return Provider{}, false
}

// SetProviders replaces the provider list.
func (s *Store) SetProviders(providers []Provider) {
	s.mu.Lock()
	s.providers = append([]Provider(nil), providers...)
	s.mu.Unlock()
}

// GetAccounts returns copies of all accounts.
func (s *Store) GetAccounts() []Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyAccounts(s.accounts)
}

// GetAccount returns the account with the given id.
func (s *Store) GetAccount(id string) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.ID == id {
			return cloneAccount(a), true
		}
	}
	return Account{}, false
}

// GetAccountsByProviderID returns copies of the accounts bound to a provider.
// When includeCredentials is false the credential maps are stripped, for
// surfaces that report account state without secrets.
func (s *Store) GetAccountsByProviderID(providerID string, includeCredentials bool) []Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Account
	for _, a := range s.accounts {
		if a.ProviderID != providerID {
			continue
		}
		clone := cloneAccount(a)
		if !includeCredentials {
			clone.Credentials = nil
		}
		out = append(out, clone)
	}
	return out
}

// SetAccounts replaces the account list.
func (s *Store) SetAccounts(accounts []Account) {
	s.mu.Lock()
	s.accounts = copyAccounts(accounts)
	s.mu.Unlock()
}

// UpdateAccount applies fn to the account with the given id under the write
// lock. Counter updates from concurrent requests serialize here.
func (s *Store) UpdateAccount(id string, fn func(*Account)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.accounts {
		if s.accounts[i].ID == id {
			fn(&s.accounts[i])
			return true
		}
	}
	return false
}

// RecordAccountUsage bumps the request counters of an account after a
// successful forward, rolling TodayUsed over at local midnight.
func (s *Store) RecordAccountUsage(id string) bool {
	now := time.Now()
	return s.UpdateAccount(id, func(a *Account) {
		if !sameDay(a.LastUsed, now) {
			a.TodayUsed = 0
		}
		a.RequestCount++
		a.TodayUsed++
		a.LastUsed = now
	})
}

// AddLog appends a collaborator log record to the bounded ring and mirrors it
// to the process logger.
func (s *Store) AddLog(level, message string, fields map[string]interface{}) {
	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Fields:    fields,
	}

	s.mu.Lock()
	s.logs = append(s.logs, entry)
	if len(s.logs) > maxLogEntries {
		s.logs = s.logs[len(s.logs)-maxLogEntries:]
	}
	s.mu.Unlock()

	logger := logrus.WithFields(logrus.Fields(fields))
	switch level {
	case "error":
		logger.Error(message)
	case "warn":
		logger.Warn(message)
	case "debug":
		logger.Debug(message)
	default:
		logger.Info(message)
	}
}

// GetLogs returns a copy of the buffered log entries, newest last.
func (s *Store) GetLogs() []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]LogEntry(nil), s.logs...)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func cloneAccount(a Account) Account {
	if a.Credentials != nil {
		creds := make(map[string]string, len(a.Credentials))
		for k, v := range a.Credentials {
			creds[k] = v
		}
		a.Credentials = creds
	}
	return a
}

func copyAccounts(accounts []Account) []Account {
	out := make([]Account, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, cloneAccount(a))
	}
	return out
}
