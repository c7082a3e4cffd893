// Package config provides layered configuration loading for the SourceCheck
// server.
//
// Sources are merged in priority order:
//  1. Global config (~/.config/sourcecheck/sourcecheck.json[c])
//  2. Project config (sourcecheck.json[c] or .sourcecheck/sourcecheck.json[c])
//  3. SOURCECHECK_CONFIG file (JSON, JSONC, or YAML)
//  4. Environment variables (highest priority)
//
// JSON files may contain JSONC comments and {env:VAR} placeholders.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Tools   ToolsConfig   `json:"tools" yaml:"tools"`
	History HistoryConfig `json:"history" yaml:"history"`
}

// ServerConfig holds HTTP and connection-lifecycle settings.
type ServerConfig struct {
	Host       string `json:"host,omitempty" yaml:"host,omitempty"`
	Port       int    `json:"port,omitempty" yaml:"port,omitempty"`
	EnableCORS *bool  `json:"enableCors,omitempty" yaml:"enableCors,omitempty"`

	// HeartbeatInterval paces SSE heartbeat events.
	HeartbeatInterval Duration `json:"heartbeatInterval,omitempty" yaml:"heartbeatInterval,omitempty"`
	// InactivityThreshold is how long a client may idle before eviction.
	InactivityThreshold Duration `json:"inactivityThreshold,omitempty" yaml:"inactivityThreshold,omitempty"`
	// SweepPeriod is how often the liveness sweeper runs.
	SweepPeriod Duration `json:"sweepPeriod,omitempty" yaml:"sweepPeriod,omitempty"`
	// QueueCapacity bounds each client's outbound queue.
	QueueCapacity int `json:"queueCapacity,omitempty" yaml:"queueCapacity,omitempty"`
	// ToolTimeout bounds a single tool execution.
	ToolTimeout Duration `json:"toolTimeout,omitempty" yaml:"toolTimeout,omitempty"`
}

// ToolsConfig holds per-tool runner settings.
type ToolsConfig struct {
	TempDir string       `json:"tempDir,omitempty" yaml:"tempDir,omitempty"`
	Flake8  Flake8Config `json:"flake8,omitempty" yaml:"flake8,omitempty"`
	Black   BlackConfig  `json:"black,omitempty" yaml:"black,omitempty"`
	Bandit  BanditConfig `json:"bandit,omitempty" yaml:"bandit,omitempty"`
}

// Flake8Config configures the flake8 runner.
type Flake8Config struct {
	ConfigPath    string `json:"configPath,omitempty" yaml:"configPath,omitempty"`
	MaxLineLength int    `json:"maxLineLength,omitempty" yaml:"maxLineLength,omitempty"`
}

// BlackConfig configures the black runner.
type BlackConfig struct {
	LineLength              int    `json:"lineLength,omitempty" yaml:"lineLength,omitempty"`
	SkipStringNormalization bool   `json:"skipStringNormalization,omitempty" yaml:"skipStringNormalization,omitempty"`
	TargetVersion           string `json:"targetVersion,omitempty" yaml:"targetVersion,omitempty"`
}

// BanditConfig configures the bandit runner.
type BanditConfig struct {
	ConfigPath string `json:"configPath,omitempty" yaml:"configPath,omitempty"`
}

// HistoryConfig configures the execution history store.
type HistoryConfig struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Dir     string `json:"dir,omitempty" yaml:"dir,omitempty"`
	Keep    int    `json:"keep,omitempty" yaml:"keep,omitempty"`
}

// Duration is a time.Duration that unmarshals from Go duration strings in
// both JSON and YAML ("30s", "2m").
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.parse(s)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the config duration, or fallback when unset.
func (d Duration) Std(fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return time.Duration(d)
}

// Default returns the built-in configuration.
func Default() *Config {
	enableCORS := true
	return &Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			EnableCORS:          &enableCORS,
			HeartbeatInterval:   Duration(30 * time.Second),
			InactivityThreshold: Duration(90 * time.Second),
			SweepPeriod:         Duration(60 * time.Second),
			QueueCapacity:       64,
			ToolTimeout:         Duration(30 * time.Second),
		},
		Tools: ToolsConfig{
			Flake8: Flake8Config{MaxLineLength: 100},
			Black:  BlackConfig{LineLength: 88, TargetVersion: "py39"},
		},
		History: HistoryConfig{Keep: 200},
	}
}

// Load builds the configuration for a working directory by merging all
// sources over the defaults.
func Load(directory string) (*Config, error) {
	cfg := Default()

	loaded := make(map[string]bool)
	loadOnce := func(path string) {
		abs, err := filepath.Abs(path)
		if err != nil || loaded[abs] {
			return
		}
		if loadFile(path, cfg) == nil {
			loaded[abs] = true
		}
	}

	// 1. Global config.
	if configHome := globalConfigDir(); configHome != "" {
		loadOnce(filepath.Join(configHome, "sourcecheck.json"))
		loadOnce(filepath.Join(configHome, "sourcecheck.jsonc"))
		loadOnce(filepath.Join(configHome, "sourcecheck.yaml"))
	}

	// 2. Project config.
	if directory != "" {
		for _, name := range []string{"sourcecheck.json", "sourcecheck.jsonc", "sourcecheck.yaml"} {
			loadOnce(filepath.Join(directory, name))
			loadOnce(filepath.Join(directory, ".sourcecheck", name))
		}
	}

	// 3. SOURCECHECK_CONFIG override.
	if path := os.Getenv("SOURCECHECK_CONFIG"); path != "" {
		loadOnce(path)
	}

	// 4. Environment variables.
	applyEnvOverrides(cfg)

	return cfg, nil
}

// globalConfigDir resolves the XDG config directory for sourcecheck.
func globalConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sourcecheck")
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".config", "sourcecheck")
	}
	return ""
}

// loadFile merges a single config file into cfg. YAML files are detected by
// extension; everything else is treated as JSONC.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		data = jsonc.ToJSON(data)
		data = interpolate(data)
		return json.Unmarshal(data, cfg)
	}
}

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// interpolate replaces {env:VAR} placeholders with environment values.
func interpolate(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// applyEnvOverrides applies SOURCECHECK_* environment variables on top of
// the file-based configuration.
func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("SOURCECHECK_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("SOURCECHECK_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = n
		}
	}
	if dir := os.Getenv("SOURCECHECK_TEMP_DIR"); dir != "" {
		cfg.Tools.TempDir = dir
	}
	if timeout := os.Getenv("SOURCECHECK_TOOL_TIMEOUT"); timeout != "" {
		if parsed, err := time.ParseDuration(timeout); err == nil {
			cfg.Server.ToolTimeout = Duration(parsed)
		}
	}
	if length := os.Getenv("FLAKE8_MAX_LINE_LENGTH"); length != "" {
		if n, err := strconv.Atoi(length); err == nil {
			cfg.Tools.Flake8.MaxLineLength = n
		}
	}
	if path := os.Getenv("FLAKE8_CONFIG"); path != "" {
		cfg.Tools.Flake8.ConfigPath = path
	}
	if length := os.Getenv("BLACK_LINE_LENGTH"); length != "" {
		if n, err := strconv.Atoi(length); err == nil {
			cfg.Tools.Black.LineLength = n
		}
	}
	if skip := os.Getenv("BLACK_SKIP_STRING_NORMALIZATION"); skip != "" {
		cfg.Tools.Black.SkipStringNormalization = strings.EqualFold(skip, "true")
	}
	if version := os.Getenv("BLACK_PYTHON_VERSION"); version != "" {
		cfg.Tools.Black.TargetVersion = version
	}
	if path := os.Getenv("BANDIT_CONFIG"); path != "" {
		cfg.Tools.Bandit.ConfigPath = path
	}
	if dir := os.Getenv("SOURCECHECK_HISTORY_DIR"); dir != "" {
		cfg.History.Dir = dir
	}
}

// CORSEnabled reports whether CORS middleware should be installed.
func (c *Config) CORSEnabled() bool {
	return c.Server.EnableCORS == nil || *c.Server.EnableCORS
}

// HistoryEnabled reports whether the execution history store is enabled.
func (c *Config) HistoryEnabled() bool {
	return c.History.Enabled == nil || *c.History.Enabled
}

// HistoryDir resolves the directory for the execution history store,
// defaulting to the XDG data directory.
func (c *Config) HistoryDir() string {
	if c.History.Dir != "" {
		return c.History.Dir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "sourcecheck", "history")
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".local", "share", "sourcecheck", "history")
	}
	return filepath.Join(os.TempDir(), "sourcecheck", "history")
}
