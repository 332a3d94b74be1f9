// Package config loads and persists the application configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/franksops/devcopy/device"
	"github.com/franksops/devcopy/engine"
	"github.com/franksops/devcopy/optimizer"
	"github.com/franksops/devcopy/recovery"
)

const appName = "devcopy"

// AppConfig is the content of config.json.
type AppConfig struct {
	ConflictResolution engine.GlobalPolicy `json:"conflict_resolution"`
	CopyOptions        optimizer.Options   `json:"copy_options"`
	Retry              struct {
		MaxRetries   int  `json:"max_retries"`
		RetryDelayMs int  `json:"retry_delay_ms"`
		AutoRecover  bool `json:"auto_recover"`
	} `json:"retry"`
	ConflictTimeoutMs     int                    `json:"conflict_timeout_ms"`
	ProgressSendTimeoutMs int                    `json:"progress_send_timeout_ms"`
	HistoryLimit          int                    `json:"history_limit"`
	Devices               map[string]device.Type `json:"devices,omitempty"`     // Device type overrides by mount path
	MountRoots            []string               `json:"mount_roots,omitempty"` // Directories watched for removable devices
	IgnorePatterns        []string               `json:"ignore_patterns,omitempty"`
	StateDir              string                 `json:"state_dir"` // Database and log files
	Logging               struct {
		Enabled   bool   `json:"enabled"`
		Level     string `json:"level"` // "debug", "info", "warn", "error"
		LogToFile bool   `json:"log_to_file"`
	} `json:"logging"`
}

// DefaultPath returns $XDG_CONFIG_HOME/devcopy/config.json.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not locate the configuration directory: %w", err)
	}
	return filepath.Join(dir, appName, "config.json"), nil
}

func defaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", appName)
	}
	return filepath.Join(os.TempDir(), appName)
}

// Default returns a configuration with every field set to its default.
func Default() *AppConfig {
	var cfg AppConfig
	setDefaults(&cfg)
	return &cfg
}

// setDefaults sets default values for fields that are not specified in config.json.
func setDefaults(cfg *AppConfig) {
	cfg.ConflictResolution = engine.DefaultGlobalPolicy()
	cfg.CopyOptions = optimizer.DefaultOptions()
	cfg.Retry.MaxRetries = recovery.DefaultPolicy.MaxRetries
	cfg.Retry.RetryDelayMs = int(recovery.DefaultPolicy.RetryDelay / time.Millisecond)
	cfg.Retry.AutoRecover = recovery.DefaultPolicy.AutoRecover
	cfg.ConflictTimeoutMs = int(engine.DefaultConflictTimeout / time.Millisecond)
	cfg.ProgressSendTimeoutMs = int(engine.DefaultSendTimeout / time.Millisecond)
	cfg.HistoryLimit = engine.DefaultHistoryLimit
	cfg.MountRoots = []string{"/media", "/run/media", "/mnt"}
	cfg.IgnorePatterns = []string{".DS_Store", "Thumbs.db", "*" + engine.PartSuffix}
	cfg.StateDir = defaultStateDir()
	cfg.Logging.Enabled = true
	cfg.Logging.Level = "info"
	cfg.Logging.LogToFile = true
}

// validate returns an error if a field holds a value the engine cannot use.
func validate(cfg *AppConfig) error {
	if cfg.ConflictResolution.RenamePattern == "" {
		cfg.ConflictResolution.RenamePattern = engine.DefaultRenamePattern
	}
	if !strings.Contains(cfg.ConflictResolution.RenamePattern, "{name}") {
		return fmt.Errorf("the 'conflict_resolution.rename_pattern' must contain {name}")
	}
	if o := cfg.CopyOptions; o.BufferSize < 0 || o.BufferSize > 64<<20 {
		return fmt.Errorf("the 'copy_options.buffer_size' must be between 0 and 64MiB")
	}
	if cfg.CopyOptions.MaxThreads < 0 || cfg.CopyOptions.MaxThreads > 256 {
		return fmt.Errorf("the 'copy_options.max_threads' must be between 0 and 256")
	}
	if cfg.Retry.MaxRetries < 0 || cfg.Retry.RetryDelayMs < 0 {
		return fmt.Errorf("the 'retry' values cannot be negative")
	}
	if cfg.ConflictTimeoutMs < 0 || cfg.ProgressSendTimeoutMs < 0 || cfg.HistoryLimit < 0 {
		return fmt.Errorf("timeouts and 'history_limit' cannot be negative")
	}
	for path := range cfg.Devices {
		if !filepath.IsAbs(path) {
			return fmt.Errorf("device path %q must be absolute", path)
		}
	}
	if _, err := parseLevel(cfg.Logging.Level); err != nil {
		return err
	}
	if cfg.StateDir == "" {
		return fmt.Errorf("the 'state_dir' field cannot be empty")
	}
	return nil
}

// Load reads the configuration at path. A missing file is created with the
// defaults.
func Load(path string) (*AppConfig, error) {
	cfg := Default()

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path, replacing the file atomically.
func Save(path string, cfg *AppConfig) error {
	if err := validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ConflictTimeout is the wait for a conflict decision.
func (c *AppConfig) ConflictTimeout() time.Duration {
	return time.Duration(c.ConflictTimeoutMs) * time.Millisecond
}

// SendTimeout is the backpressure bound on progress events.
func (c *AppConfig) SendTimeout() time.Duration {
	return time.Duration(c.ProgressSendTimeoutMs) * time.Millisecond
}

// RetryPolicy converts the retry section.
func (c *AppConfig) RetryPolicy() recovery.Policy {
	return recovery.Policy{
		MaxRetries:  c.Retry.MaxRetries,
		RetryDelay:  time.Duration(c.Retry.RetryDelayMs) * time.Millisecond,
		AutoRecover: c.Retry.AutoRecover,
	}
}

// DatabasePath is the bbolt file under the state directory.
func (c *AppConfig) DatabasePath() string {
	return filepath.Join(c.StateDir, appName+".db")
}

// Manager serialises updates to a loaded configuration and persists each one.
type Manager struct {
	mu   sync.Mutex
	path string
	cfg  *AppConfig
}

// NewManager loads the configuration at path.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{path: path, cfg: cfg}, nil
}

// Path returns the file the manager persists to.
func (m *Manager) Path() string { return m.path }

// Config returns a copy of the current configuration.
func (m *Manager) Config() AppConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.clone()
}

func (c *AppConfig) clone() AppConfig {
	out := *c
	if c.Devices != nil {
		out.Devices = make(map[string]device.Type, len(c.Devices))
		for k, v := range c.Devices {
			out.Devices[k] = v
		}
	}
	out.MountRoots = append([]string(nil), c.MountRoots...)
	out.IgnorePatterns = append([]string(nil), c.IgnorePatterns...)
	return out
}

// Update applies fn to a copy of the configuration and saves it. The change
// is discarded if fn or the save fails.
func (m *Manager) Update(fn func(*AppConfig) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.cfg.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := Save(m.path, &next); err != nil {
		return err
	}
	m.cfg = &next
	return nil
}

// UpdateConflictResolution persists a new global conflict policy.
func (m *Manager) UpdateConflictResolution(p engine.GlobalPolicy) error {
	return m.Update(func(c *AppConfig) error {
		c.ConflictResolution = p
		return nil
	})
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("the 'logging.level' must be debug, info, warn or error: %w", err)
	}
	return l, nil
}

// SetupLogging builds the logger described by cfg. Records go to console,
// when non-nil, and to a dated file under the state directory's logs folder
// when log_to_file is set. The returned function closes the log file.
func SetupLogging(cfg *AppConfig, console io.Writer) (*slog.Logger, func() error, error) {
	noop := func() error { return nil }
	if !cfg.Logging.Enabled {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), noop, nil
	}
	level, err := parseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}

	var writers []io.Writer
	if console != nil {
		writers = append(writers, console)
	}
	closer := noop
	if cfg.Logging.LogToFile {
		logDir := filepath.Join(cfg.StateDir, "logs")
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("could not create logs folder: %w", err)
		}
		name := fmt.Sprintf("%s_%s.log", appName, time.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(logDir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("could not open log file: %w", err)
		}
		writers = append(writers, f)
		closer = f.Close
	}

	out := io.Discard
	if len(writers) > 0 {
		out = io.MultiWriter(writers...)
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), closer, nil
}
