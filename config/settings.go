package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Settings is the bootstrap configuration persisted to disk. Runtime
// behavior toggles (fallback switches, limits, blacklists) live in the
// DB-backed config store instead; this file only holds what is needed
// before the database is open.
type Settings struct {
	Server    ServerSettings    `json:"server"`
	Database  DatabaseSettings  `json:"database"`
	Workers   WorkerSettings    `json:"workers"`
	RateLimit RateLimitSettings `json:"rateLimit"`
	Scrapers  ScraperSettings   `json:"scrapers"`
	Proxy     ProxySettings     `json:"proxy"`
	Log       LogConfig         `json:"log"`
}

type ServerSettings struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DatabaseSettings defines where the library database lives.
type DatabaseSettings struct {
	Path string `json:"path"`
}

// WorkerSettings sizes the task-manager queues. Management stays at one
// worker so mutating tasks serialize.
type WorkerSettings struct {
	DownloadWorkers int `json:"downloadWorkers"`
	FallbackWorkers int `json:"fallbackWorkers"`
}

// RateLimitSettings configures the limiter windows.
type RateLimitSettings struct {
	GlobalLimit   int `json:"globalLimit"`   // 0 = unlimited
	FallbackLimit int `json:"fallbackLimit"` // shared by match+search buckets
	PeriodSeconds int `json:"periodSeconds"`
}

// ScraperSettings configures adapter signature verification.
type ScraperSettings struct {
	VerificationEnabled bool   `json:"verificationEnabled"`
	PublicKeyPath       string `json:"publicKeyPath"` // empty = embedded key
	SignatureDir        string `json:"signatureDir"`
}

// ProxySettings configures the optional outbound proxy for adapters that
// opt in via use_proxy.
type ProxySettings struct {
	URL string `json:"url"`
}

// LogConfig represents logging configuration with rotation.
type LogConfig struct {
	File       string `json:"file"`
	Level      string `json:"level"`
	MaxSize    int    `json:"maxSize"`
	MaxAge     int    `json:"maxAge"`
	MaxBackups int    `json:"maxBackups"`
	Compress   bool   `json:"compress"`
}

// DefaultSettings returns sane defaults for a fresh install.
func DefaultSettings() Settings {
	return Settings{
		Server:   ServerSettings{Host: "0.0.0.0", Port: 7768},
		Database: DatabaseSettings{Path: "cache/danmu.db"},
		Workers:  WorkerSettings{DownloadWorkers: 2, FallbackWorkers: 2},
		RateLimit: RateLimitSettings{
			GlobalLimit:   120,
			FallbackLimit: 30,
			PeriodSeconds: 3600,
		},
		Scrapers: ScraperSettings{
			VerificationEnabled: false,
			SignatureDir:        "cache/signatures",
		},
		Log: LogConfig{
			File:       "cache/logs/server.log",
			Level:      "info",
			MaxSize:    50,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
	}
}

// Manager loads and persists settings to a JSON file.
type Manager struct {
	path string
}

func NewManager(configPath string) *Manager {
	return &Manager{path: configPath}
}

// EnsureDir ensures the parent directory exists.
func (m *Manager) EnsureDir() error {
	dir := filepath.Dir(m.path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Load reads settings from disk or creates defaults if missing.
func (m *Manager) Load() (Settings, error) {
	if m.path == "" {
		return Settings{}, errors.New("config path not set")
	}
	if _, err := os.Stat(m.path); errors.Is(err, fs.ErrNotExist) {
		defaults := DefaultSettings()
		if err := m.Save(defaults); err != nil {
			return Settings{}, err
		}
		return defaults, nil
	}

	f, err := os.Open(m.path)
	if err != nil {
		return Settings{}, err
	}
	defer f.Close()

	var s Settings
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return Settings{}, err
	}

	// Fill gaps left by hand-edited files.
	defaults := DefaultSettings()
	if s.Server.Port == 0 {
		s.Server = defaults.Server
	}
	if s.Database.Path == "" {
		s.Database = defaults.Database
	}
	if s.Workers.DownloadWorkers <= 0 {
		s.Workers.DownloadWorkers = defaults.Workers.DownloadWorkers
	}
	if s.Workers.FallbackWorkers <= 0 {
		s.Workers.FallbackWorkers = defaults.Workers.FallbackWorkers
	}
	if s.RateLimit.PeriodSeconds <= 0 {
		s.RateLimit = defaults.RateLimit
	}

	return s, nil
}

// Save writes settings atomically (tmp file + rename).
func (m *Manager) Save(s Settings) error {
	if err := m.EnsureDir(); err != nil {
		return err
	}

	tmp := m.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, m.path)
}
