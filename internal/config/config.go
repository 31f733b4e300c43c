// Package config handles configuration loading, validation and hot
// reload for proctord.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"proctord/internal/logging"
	"proctord/internal/monitor"
	"proctord/internal/store"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override. Keys are section and
// field names in upper snake case, e.g. PROCTORD_TIMER_DURATION_MINUTES.
// Leaf fields use split_words rather than envconfig tags, which would
// also match unprefixed variables such as PATH.
const EnvPrefix = "proctord"

// Config holds the complete proctord configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version" ignored:"true"`

	Storage    StorageConfig    `toml:"storage" json:"storage" yaml:"storage"`
	Session    SessionConfig    `toml:"session" json:"session" yaml:"session"`
	Timer      TimerConfig      `toml:"timer" json:"timer" yaml:"timer"`
	Fullscreen FullscreenConfig `toml:"fullscreen" json:"fullscreen" yaml:"fullscreen"`
	Monitor    MonitorConfig    `toml:"monitor" json:"monitor" yaml:"monitor"`
	Browser    BrowserConfig    `toml:"browser" json:"browser" yaml:"browser"`
	Review     ReviewConfig     `toml:"review" json:"review" yaml:"review"`
	Logging    LoggingConfig    `toml:"logging" json:"logging" yaml:"logging"`
	Export     ExportConfig     `toml:"export" json:"export" yaml:"export"`
}

// StorageConfig selects the persistent store.
type StorageConfig struct {
	// Backend is "file", "sqlite", "badger" or "memory".
	Backend string `toml:"backend" json:"backend" yaml:"backend" split_words:"true" validate:"oneof=file sqlite badger memory"`

	// Path is a directory for file and badger, a database file for sqlite.
	Path string `toml:"path" json:"path" yaml:"path" split_words:"true" validate:"required_unless=Backend memory"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms" split_words:"true" validate:"gte=0"`
}

// SessionConfig tunes the session manager.
type SessionConfig struct {
	// ActivityIntervalMs limits how often user activity is persisted.
	// Zero persists every activity signal.
	ActivityIntervalMs int `toml:"activity_interval_ms" json:"activity_interval_ms" yaml:"activity_interval_ms" split_words:"true" validate:"gte=0"`

	// MaxInactiveMinutes is the inactivity after which an attempt is
	// reported as expired. Zero disables the check.
	MaxInactiveMinutes int `toml:"max_inactive_minutes" json:"max_inactive_minutes" yaml:"max_inactive_minutes" split_words:"true" validate:"gte=0"`
}

// TimerConfig describes the attempt deadline.
type TimerConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled" split_words:"true"`

	DurationMinutes int `toml:"duration_minutes" json:"duration_minutes" yaml:"duration_minutes" split_words:"true" validate:"required_if=Enabled true,gte=0,lte=1440"`

	// TickIntervalMs is the length of one countdown second. Only tests
	// and demos change it.
	TickIntervalMs int `toml:"tick_interval_ms" json:"tick_interval_ms" yaml:"tick_interval_ms" split_words:"true" validate:"gte=0"`
}

// FullscreenConfig controls the enforcement loop.
type FullscreenConfig struct {
	Enforce      bool `toml:"enforce" json:"enforce" yaml:"enforce" split_words:"true"`
	RetryDelayMs int  `toml:"retry_delay_ms" json:"retry_delay_ms" yaml:"retry_delay_ms" split_words:"true" validate:"gte=0"`
}

// MonitorConfig tunes the security monitor. The devtools constants are
// heuristics and differ between desktop environments.
type MonitorConfig struct {
	PollIntervalMs    int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms" split_words:"true" validate:"gte=0"`
	DevtoolsThreshold int `toml:"devtools_threshold" json:"devtools_threshold" yaml:"devtools_threshold" split_words:"true" validate:"gte=0"`
	SelectionLimit    int `toml:"selection_limit" json:"selection_limit" yaml:"selection_limit" split_words:"true" validate:"gte=0"`

	// Shortcuts replaces the blocked shortcut table when non-empty.
	Shortcuts []monitor.Shortcut `toml:"shortcuts" json:"shortcuts" yaml:"shortcuts" ignored:"true" validate:"dive"`
}

// BrowserConfig controls the browser gate.
type BrowserConfig struct {
	// RequireChrome blocks enforcement and the timer on other browsers.
	RequireChrome bool `toml:"require_chrome" json:"require_chrome" yaml:"require_chrome" split_words:"true"`
}

// ReviewConfig configures the local review server.
type ReviewConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled" split_words:"true"`

	// Addr must be a loopback address: the logs never leave the machine.
	Addr string `toml:"addr" json:"addr" yaml:"addr" split_words:"true" validate:"required_if=Enabled true,omitempty,hostname_port"`

	// Recipient is the default address of the mailto summary.
	Recipient string `toml:"recipient" json:"recipient" yaml:"recipient" split_words:"true" validate:"omitempty,email"`
}

// LoggingConfig configures diagnostic logging.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level" split_words:"true" validate:"oneof=debug info warn warning error"`
	Format     string `toml:"format" json:"format" yaml:"format" split_words:"true" validate:"oneof=text json"`
	Output     string `toml:"output" json:"output" yaml:"output" split_words:"true" validate:"oneof=stderr file both"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path" split_words:"true"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb" split_words:"true" validate:"gte=0"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups" split_words:"true" validate:"gte=0"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress" split_words:"true"`
}

// ExportConfig configures file exports.
type ExportConfig struct {
	// Dir receives JSON and CSV exports.
	Dir string `toml:"dir" json:"dir" yaml:"dir" split_words:"true"`
}

// DefaultConfig returns a configuration with the stock policy: Chrome
// only, fullscreen enforced, a 500ms re-request delay, a 160px devtools
// threshold polled every second.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Backend:       "file",
			Path:          filepath.Join(dir, "store"),
			BusyTimeoutMs: 5000,
		},
		Session: SessionConfig{
			MaxInactiveMinutes: 30,
		},
		Timer: TimerConfig{
			TickIntervalMs: 1000,
		},
		Fullscreen: FullscreenConfig{
			Enforce:      true,
			RetryDelayMs: 500,
		},
		Monitor: MonitorConfig{
			PollIntervalMs:    1000,
			DevtoolsThreshold: monitor.DefaultDevtoolsThreshold,
			SelectionLimit:    monitor.DefaultSelectionLimit,
		},
		Browser: BrowserConfig{RequireChrome: true},
		Review: ReviewConfig{
			Enabled: true,
			Addr:    "127.0.0.1:7842",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "proctord.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Export: ExportConfig{Dir: filepath.Join(dir, "exports")},
	}
}

// Load reads configuration from path, applies PROCTORD_* environment
// overrides and validates the result. A missing file yields the
// defaults. TOML, JSON and YAML are recognised by extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = FindConfigFile()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// loadConfigFromFile reads and parses a config file based on its
// extension. Unknown extensions are parsed as TOML.
func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	}
	return cfg, nil
}

// ApplyEnvOverrides overlays PROCTORD_* environment variables. Unset
// variables leave the loaded value alone.
func (c *Config) ApplyEnvOverrides() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Monitor.Shortcuts = append([]monitor.Shortcut(nil), c.Monitor.Shortcuts...)
	return &clone
}

// EnsureDirectories creates the storage and export directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Export.Dir}
	switch c.Storage.Backend {
	case "file", "badger":
		dirs = append(dirs, c.Storage.Path)
	case "sqlite":
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// ActivityInterval returns Session.ActivityIntervalMs as a duration.
func (c *Config) ActivityInterval() time.Duration { return ms(c.Session.ActivityIntervalMs) }

// MaxInactive returns Session.MaxInactiveMinutes as a duration.
func (c *Config) MaxInactive() time.Duration {
	return time.Duration(c.Session.MaxInactiveMinutes) * time.Minute
}

// TickInterval returns Timer.TickIntervalMs as a duration.
func (c *Config) TickInterval() time.Duration { return ms(c.Timer.TickIntervalMs) }

// RetryDelay returns Fullscreen.RetryDelayMs as a duration.
func (c *Config) RetryDelay() time.Duration { return ms(c.Fullscreen.RetryDelayMs) }

// PollInterval returns Monitor.PollIntervalMs as a duration.
func (c *Config) PollInterval() time.Duration { return ms(c.Monitor.PollIntervalMs) }

// LoggingConfig converts the logging section for logging.New.
func (c *Config) LoggingConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = c.Logging.Output
	lc.FilePath = c.Logging.FilePath
	lc.MaxSizeMB = int64(c.Logging.MaxSizeMB)
	lc.MaxBackups = c.Logging.MaxBackups
	lc.Compress = c.Logging.Compress
	return lc, nil
}

// StoreOptions converts the storage section for store.Open.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Backend:       c.Storage.Backend,
		Path:          c.Storage.Path,
		BusyTimeoutMs: c.Storage.BusyTimeoutMs,
	}
}
