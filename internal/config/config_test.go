package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	// Create a temp config file
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("log_level: debug\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)

	_, err := FindConfig("")
	if !errors.Is(err, ErrNoConfig) {
		t.Fatalf("FindConfig(\"\") = %v, want ErrNoConfig", err)
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcplink.yaml")
	os.WriteFile(path, []byte("log_level: info\n"), 0600)
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "mcplink.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "mcplink.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_MQTT_PASSWORD", "hunter2")

	dir := t.TempDir()
	path := filepath.Join(dir, "mcplink.yaml")
	os.WriteFile(path, []byte("mqtt:\n  broker: mqtt://localhost:1883\n  password: ${TEST_MQTT_PASSWORD}\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQTT.Password != "hunter2" {
		t.Errorf("MQTT.Password = %q, want %q", cfg.MQTT.Password, "hunter2")
	}
}

func TestLoad_DefaultsAndDurations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcplink.yaml")
	os.WriteFile(path, []byte(`catalog: servers/mcp.yaml
data_dir: /var/lib/mcplink
env_file: .env
audit:
  path: db/audit.db
timeouts:
  request: 45s
health:
  interval: 2m
  max_retries: 0
`), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if want := filepath.Join(dir, "servers", "mcp.yaml"); cfg.Catalog != want {
		t.Errorf("Catalog = %q, want %q", cfg.Catalog, want)
	}
	if want := filepath.Join(dir, ".env"); cfg.EnvFile != want {
		t.Errorf("EnvFile = %q, want %q", cfg.EnvFile, want)
	}
	if cfg.DataDir != "/var/lib/mcplink" {
		t.Errorf("DataDir = %q, want absolute path kept", cfg.DataDir)
	}
	if want := filepath.Join(dir, "db", "audit.db"); cfg.AuditPath() != want {
		t.Errorf("AuditPath() = %q, want %q", cfg.AuditPath(), want)
	}
	if cfg.Timeouts.Request != 45*time.Second {
		t.Errorf("Timeouts.Request = %v, want 45s", cfg.Timeouts.Request)
	}
	if cfg.Timeouts.Stop != 5*time.Second {
		t.Errorf("Timeouts.Stop = %v, want default 5s", cfg.Timeouts.Stop)
	}
	if cfg.Health.Interval != 2*time.Minute || cfg.Health.MaxRetries != 0 || !cfg.Health.Reconnect {
		t.Errorf("Health = %+v", cfg.Health)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcplink.yaml")
	os.WriteFile(path, []byte("timeouts: [unclosed\n"), 0600)

	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted malformed YAML")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()

	// Nothing set is not an error.
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv with no overrides: %v", err)
	}

	t.Setenv("MCPLINK_CATALOG", "/srv/mcp.yaml")
	t.Setenv("MCPLINK_LOG_LEVEL", "debug")
	t.Setenv("MCPLINK_MQTT_BROKER", "mqtt://broker:1883")
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Catalog != "/srv/mcp.yaml" || cfg.LogLevel != "debug" || cfg.MQTT.Broker != "mqtt://broker:1883" {
		t.Errorf("cfg = catalog %q, level %q, broker %q", cfg.Catalog, cfg.LogLevel, cfg.MQTT.Broker)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, unset variables must not clear fields", cfg.LogFormat)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	os.WriteFile(path, []byte("MCPLINK_TEST_TOKEN=from-file\nMCPLINK_TEST_KEEP=from-file\n"), 0600)
	t.Setenv("MCPLINK_TEST_KEEP", "from-env")
	t.Setenv("MCPLINK_TEST_TOKEN", "")
	os.Unsetenv("MCPLINK_TEST_TOKEN")

	cfg := &Config{EnvFile: path}
	if err := cfg.LoadEnvFile(); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if got := os.Getenv("MCPLINK_TEST_TOKEN"); got != "from-file" {
		t.Errorf("MCPLINK_TEST_TOKEN = %q, want from-file", got)
	}
	if got := os.Getenv("MCPLINK_TEST_KEEP"); got != "from-env" {
		t.Errorf("MCPLINK_TEST_KEEP = %q, existing variables must win", got)
	}

	cfg.EnvFile = filepath.Join(t.TempDir(), "missing.env")
	if err := cfg.LoadEnvFile(); err == nil {
		t.Error("LoadEnvFile accepted a missing file")
	}
	if err := (&Config{}).LoadEnvFile(); err != nil {
		t.Errorf("LoadEnvFile without a file = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "unknown log format"},
		{"negative timeout", func(c *Config) { c.Timeouts.Request = -time.Second }, "timeouts"},
		{"zero interval", func(c *Config) { c.Health.Interval = 0 }, "health.interval"},
		{"health off", func(c *Config) { c.Health.Enabled = false; c.Health.Interval = 0 }, ""},
		{"mqtt without name", func(c *Config) { c.MQTT.Broker = "mqtt://x"; c.MQTT.DeviceName = "" }, "device_name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMQTTConfig(t *testing.T) {
	tests := []struct {
		name      string
		cfg       MQTTConfig
		wantReady bool
		wantTopic string
	}{
		{"both set", MQTTConfig{Broker: "mqtt://localhost", DeviceName: "den"}, true, "mcplink/den"},
		{"missing broker", MQTTConfig{DeviceName: "den"}, false, "mcplink/den"},
		{"missing device_name", MQTTConfig{Broker: "mqtt://localhost"}, false, "mcplink/"},
		{"base topic", MQTTConfig{Broker: "mqtt://localhost", DeviceName: "den", BaseTopic: "lab/mcp/"}, true, "lab/mcp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.wantReady {
				t.Errorf("Configured() = %v, want %v", got, tt.wantReady)
			}
			if got := tt.cfg.Topic(); got != tt.wantTopic {
				t.Errorf("Topic() = %q, want %q", got, tt.wantTopic)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.LogLevel = "trace"
	cfg.LogFormat = "json"

	logger, closer, err := NewLogger(cfg, &buf)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer closer.Close()

	logger.Log(t.Context(), LevelTrace, "frame", "dir", "send")
	if !strings.Contains(buf.String(), `"level":"TRACE"`) {
		t.Errorf("trace level not rendered: %s", buf.String())
	}
}

func TestNewLogger_File(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.LogFile.Path = filepath.Join(t.TempDir(), "mcplink.log")

	logger, closer, err := NewLogger(cfg, &buf)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("hello", "mcp_server", "alpha")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	if buf.Len() != 0 {
		t.Errorf("stderr got output with a log file configured: %q", buf.String())
	}
	data, err := os.ReadFile(cfg.LogFile.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "mcp_server=alpha") {
		t.Errorf("log file = %q", data)
	}

	cfg.LogLevel = "nope"
	if _, _, err := NewLogger(cfg, &buf); err == nil {
		t.Error("NewLogger accepted a bad level")
	}
}
