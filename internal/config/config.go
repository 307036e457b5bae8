// Package config handles mcplink configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./mcplink.yaml, ~/.config/mcplink/config.yaml, /etc/mcplink/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"mcplink.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcplink", "config.yaml"))
	}

	paths = append(paths, "/etc/mcplink/config.yaml")
	return paths
}

// ErrNoConfig means no config file exists on the search path.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error wrapping ErrNoConfig if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all mcplink configuration.
type Config struct {
	// Catalog is the MCP server catalog file. Relative paths resolve
	// against the directory of the config file.
	Catalog string `yaml:"catalog" env:"MCPLINK_CATALOG"`
	// DataDir holds the audit database and the instance id.
	DataDir string `yaml:"data_dir" env:"MCPLINK_DATA_DIR"`
	// EnvFile is loaded into the environment before the catalog so
	// ${VAR} references in server env and headers can use it.
	EnvFile string `yaml:"env_file"`

	LogLevel  string        `yaml:"log_level" env:"MCPLINK_LOG_LEVEL"`
	LogFormat string        `yaml:"log_format" env:"MCPLINK_LOG_FORMAT"` // text or json
	LogFile   LogFileConfig `yaml:"log_file"`

	// WatchCatalog reloads the fleet when the catalog file changes.
	WatchCatalog bool `yaml:"watch_catalog"`

	Timeouts TimeoutConfig `yaml:"timeouts"`
	Health   HealthConfig  `yaml:"health"`
	Audit    AuditConfig   `yaml:"audit"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
}

// LogFileConfig sends logs to a rotating file instead of stderr.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TimeoutConfig bounds MCP operations.
type TimeoutConfig struct {
	// Request is the per-request deadline (default 30s).
	Request time.Duration `yaml:"request"`
	// Stop is how long a server process gets to exit before it is
	// killed (default 5s).
	Stop time.Duration `yaml:"stop"`
	// Probe bounds a health check ping (default 10s).
	Probe time.Duration `yaml:"probe"`
}

// HealthConfig drives the background health monitor in run mode.
type HealthConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	Reconnect bool          `yaml:"reconnect"`
	// Backoff for reconnect attempts. MaxRetries 0 retries forever.
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxRetries   int           `yaml:"max_retries"`
}

// AuditConfig controls the SQLite tool call log.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path defaults to audit.db in DataDir.
	Path string `yaml:"path"`
}

// MQTTConfig defines the optional MQTT event publisher.
type MQTTConfig struct {
	Broker     string `yaml:"broker" env:"MCPLINK_MQTT_BROKER"` // mqtt://host:1883 or mqtts://
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"`
	// BaseTopic defaults to mcplink/<device_name>.
	BaseTopic string `yaml:"base_topic"`
	// DiscoveryPrefix enables Home Assistant discovery for per-server
	// state sensors when set (usually "homeassistant").
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// Configured reports whether the publisher has enough to connect.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.DeviceName != ""
}

// Topic returns the base topic under which everything is published.
func (c MQTTConfig) Topic() string {
	if c.BaseTopic != "" {
		return strings.TrimSuffix(c.BaseTopic, "/")
	}
	return "mcplink/" + c.DeviceName
}

// Load reads configuration from a YAML file. Environment variables are
// expanded before parsing and missing fields take their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	cfg.Catalog = resolve(dir, cfg.Catalog)
	cfg.EnvFile = resolve(dir, cfg.EnvFile)
	cfg.DataDir = resolve(dir, cfg.DataDir)
	cfg.Audit.Path = resolve(dir, cfg.Audit.Path)
	cfg.LogFile.Path = resolve(dir, cfg.LogFile.Path)
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		LogLevel:     "info",
		LogFormat:    "text",
		WatchCatalog: true,
		Timeouts: TimeoutConfig{
			Request: 30 * time.Second,
			Stop:    5 * time.Second,
			Probe:   10 * time.Second,
		},
		Health: HealthConfig{
			Enabled:      true,
			Interval:     60 * time.Second,
			Reconnect:    true,
			InitialDelay: 2 * time.Second,
			MaxDelay:     60 * time.Second,
			MaxRetries:   10,
		},
		Audit: AuditConfig{Enabled: true},
		MQTT:  MQTTConfig{DeviceName: "mcplink"},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills path fields that depend on the user's home.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".local", "share", "mcplink")
		} else {
			c.DataDir = "data"
		}
	}
	if c.Catalog == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Catalog = filepath.Join(home, ".config", "mcplink", "mcp.yaml")
		} else {
			c.Catalog = "mcp.yaml"
		}
	}
}

// AuditPath returns where the audit database lives.
func (c *Config) AuditPath() string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.DataDir, "audit.db")
}

// ApplyEnv overrides fields from MCPLINK_* environment variables.
func (c *Config) ApplyEnv() error {
	err := envdecode.Decode(c)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

// LoadEnvFile loads EnvFile, if set, into the process environment.
// Variables that are already set keep their values.
func (c *Config) LoadEnvFile() error {
	if c.EnvFile == "" {
		return nil
	}
	if err := godotenv.Load(c.EnvFile); err != nil {
		return fmt.Errorf("load env file %s: %w", c.EnvFile, err)
	}
	return nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q (valid: text, json)", c.LogFormat))
	}
	if c.Timeouts.Request < 0 || c.Timeouts.Stop < 0 || c.Timeouts.Probe < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.Health.Enabled && c.Health.Interval <= 0 {
		errs = append(errs, errors.New("health.interval must be positive when health is enabled"))
	}
	if c.Health.MaxRetries < 0 {
		errs = append(errs, errors.New("health.max_retries must not be negative"))
	}
	if c.MQTT.Broker != "" && c.MQTT.DeviceName == "" {
		errs = append(errs, errors.New("mqtt.device_name is required when mqtt.broker is set"))
	}
	return errors.Join(errs...)
}

// resolve makes p relative to dir unless it is empty or absolute.
// A leading ~/ expands to the home directory.
func resolve(dir, p string) string {
	if p == "" {
		return ""
	}
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
