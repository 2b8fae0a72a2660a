// Package config owns the process-wide Config record (spec §3, §6):
// loaded once at startup from config.json under the app data directory,
// and atomically swappable at runtime so that HTTP handlers never observe
// a partially-updated configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// DevicePreference selects which device kind a model should prefer when no
// explicit choice is given on load.
type DevicePreference string

const (
	DeviceAuto DevicePreference = "auto"
	DeviceCPU  DevicePreference = "cpu"
	DeviceGPU  DevicePreference = "gpu"
	DeviceNPU  DevicePreference = "npu"
)

// ResourceMode selects the ResourceAdmitter's strictness (spec §4.2).
type ResourceMode string

const (
	ModeStrict ResourceMode = "strict"
	ModeLoose  ResourceMode = "loose"
)

// Config is the persisted daemon configuration (spec §3).
type Config struct {
	BindHost            string           `json:"bind_host"`
	BindPort            int              `json:"bind_port"`
	DevicePreference    DevicePreference `json:"device_preference"`
	ResourceMode        ResourceMode     `json:"resource_mode"`
	DefaultContextTokens int             `json:"default_context_tokens"`
	AutoStart           bool             `json:"auto_start"`
	// IdleTimeoutSeconds enables idle worker eviction when > 0 (spec §4.7,
	// §9: off by default absent an explicit product decision).
	IdleTimeoutSeconds int `json:"idle_timeout_seconds"`
	// AllowedOrigins configures internal/middleware.CorsMiddleware; empty
	// disables CORS handling entirely.
	AllowedOrigins []string `json:"allowed_origins"`
}

// Default returns the configuration used when no config.json exists yet.
func Default() Config {
	return Config{
		BindHost:             "127.0.0.1",
		BindPort:             8947,
		DevicePreference:     DeviceAuto,
		ResourceMode:         ModeStrict,
		DefaultContextTokens: 4096,
		AutoStart:            false,
		IdleTimeoutSeconds:   0,
	}
}

func (c Config) Validate() error {
	if c.BindPort <= 0 || c.BindPort > 65535 {
		return fmt.Errorf("bind_port out of range: %d", c.BindPort)
	}
	switch c.DevicePreference {
	case DeviceAuto, DeviceCPU, DeviceGPU, DeviceNPU:
	default:
		return fmt.Errorf("invalid device_preference: %s", c.DevicePreference)
	}
	switch c.ResourceMode {
	case ModeStrict, ModeLoose:
	default:
		return fmt.Errorf("invalid resource_mode: %s", c.ResourceMode)
	}
	if c.DefaultContextTokens <= 0 {
		return fmt.Errorf("default_context_tokens must be positive: %d", c.DefaultContextTokens)
	}
	return nil
}

// Store holds the live Config behind an atomic pointer so readers never
// race a concurrent Set/Reload. This mirrors the lock-protected rebuild the
// teacher uses for its CORS origin list, generalized to the whole record.
type Store struct {
	path    string
	current atomic.Pointer[Config]
}

// Load reads config.json from dir, creating it with defaults if absent.
func Load(dir string) (*Store, error) {
	path := filepath.Join(dir, "config.json")
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		s.current.Store(&cfg)
		if err := s.persist(cfg); err != nil {
			return nil, fmt.Errorf("writing default config: %w", err)
		}
		return s, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	s.current.Store(&cfg)
	return s, nil
}

// Get returns a snapshot of the current configuration.
func (s *Store) Get() Config {
	return *s.current.Load()
}

// Set validates and atomically swaps in a new configuration, persisting it
// to disk before returning.
func (s *Store) Set(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := s.persist(cfg); err != nil {
		return err
	}
	s.current.Store(&cfg)
	return nil
}

func (s *Store) persist(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Path returns the path to config.json.
func (s *Store) Path() string { return s.path }

// HomeDir resolves the app data directory, honoring CAPI_HOME (spec §6).
func HomeDir() (string, error) {
	if home := os.Getenv("CAPI_HOME"); home != "" {
		return home, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving user home directory: %w", err)
	}
	return filepath.Join(userHome, ".capi"), nil
}
