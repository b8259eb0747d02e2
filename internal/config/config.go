// Package config handles CAAL infrastructure configuration loading.
//
// Infrastructure config describes where things live (listen address,
// service URLs, data directory, settings store). The user-tunable
// runtime settings that change per session are handled by package
// settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/caal/config.yaml, /etc/caal/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "caal", "config.yaml"))
	}

	paths = append(paths, "/etc/caal/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all CAAL infrastructure configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	DataDir   string          `yaml:"data_dir"`
	Settings  SettingsConfig  `yaml:"settings"`
	Services  ServicesConfig  `yaml:"services"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Health    HealthConfig    `yaml:"health"`
	MCP       MCPConfig       `yaml:"mcp"`
	MQTT      MQTTConfig      `yaml:"mqtt"`

	// ContentDir optionally overrides the embedded localized content
	// assets. Files present there shadow the embedded ones.
	ContentDir string `yaml:"content_dir"`

	// Timezone is an IANA zone name used for date context in prompts.
	// Empty means the process local zone.
	Timezone string `yaml:"timezone"`
	// TimezoneDisplay is the spoken name of the zone (e.g. "Pacific Time").
	TimezoneDisplay string `yaml:"timezone_display"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json
}

// ListenConfig defines the HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// SettingsConfig selects the runtime settings store.
type SettingsConfig struct {
	// Driver is one of sqlite, redis or memory. Default sqlite.
	Driver string `yaml:"driver"`
	// Path is the SQLite database file. Defaults to data_dir/settings.db.
	Path string `yaml:"path"`
	// RedisURL is used when Driver is redis (redis://host:6379/0).
	RedisURL string `yaml:"redis_url"`
	// Namespace scopes the settings keys within the store.
	Namespace string `yaml:"namespace"`
}

// ServicesConfig holds the addresses of the speech backends. The LLM
// host and credentials are runtime settings, not infrastructure.
type ServicesConfig struct {
	SpeachesURL  string `yaml:"speaches_url"`
	KokoroURL    string `yaml:"kokoro_url"`
	GroqBaseURL  string `yaml:"groq_base_url"`
	WhisperModel string `yaml:"whisper_model"`
	GroqSTTModel string `yaml:"groq_stt_model"`
	KokoroModel  string `yaml:"kokoro_model"`
	SearXNGURL   string `yaml:"searxng_url"`
	// BraveAPIKey adds Brave Search as a fallback web search provider.
	BraveAPIKey string `yaml:"brave_api_key"`
}

// DiscoveryConfig bounds tool discovery.
type DiscoveryConfig struct {
	// Timeout applies to each integration independently.
	Timeout time.Duration `yaml:"timeout"`
	// Parallelism caps concurrent discovery requests.
	Parallelism int `yaml:"parallelism"`
}

// HealthConfig bounds health probes.
type HealthConfig struct {
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// MCPConfig lists capability-discovery servers beyond the built-in
// Home Assistant and n8n integrations.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one extra MCP server reachable over
// streamable HTTP.
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Token   string            `yaml:"token"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// MQTTConfig enables the MQTT trigger bridge.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // mqtt://host:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`

	// DeviceName is the Home Assistant device name. Default "caal".
	DeviceName string `yaml:"device_name"`
	// DiscoveryPrefix is HA's discovery topic root. Default "homeassistant".
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// PublishIntervalSec is how often sensor states are refreshed.
	PublishIntervalSec int `yaml:"publish_interval"`
	// RateLimit caps inbound triggers per minute. Zero disables the cap.
	RateLimit int `yaml:"rate_limit"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration suitable for a single-host
// deployment with every backend on localhost.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8889
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Settings.Driver == "" {
		c.Settings.Driver = "sqlite"
	}
	if c.Settings.Path == "" {
		c.Settings.Path = filepath.Join(c.DataDir, "settings.db")
	}
	if c.Settings.Namespace == "" {
		c.Settings.Namespace = "caal"
	}
	if c.Services.SpeachesURL == "" {
		c.Services.SpeachesURL = "http://localhost:8000"
	}
	if c.Services.KokoroURL == "" {
		c.Services.KokoroURL = "http://localhost:8880"
	}
	if c.Services.GroqBaseURL == "" {
		c.Services.GroqBaseURL = "https://api.groq.com/openai/v1"
	}
	if c.Services.WhisperModel == "" {
		c.Services.WhisperModel = "Systran/faster-whisper-small"
	}
	if c.Services.GroqSTTModel == "" {
		c.Services.GroqSTTModel = "whisper-large-v3-turbo"
	}
	if c.Services.KokoroModel == "" {
		c.Services.KokoroModel = "kokoro"
	}
	if c.Discovery.Timeout == 0 {
		c.Discovery.Timeout = 10 * time.Second
	}
	if c.Discovery.Parallelism == 0 {
		c.Discovery.Parallelism = 4
	}
	if c.Health.ProbeTimeout == 0 {
		c.Health.ProbeTimeout = 2 * time.Second
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "caal"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "caal"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "caal"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.MQTT.RateLimit == 0 {
		c.MQTT.RateLimit = 60
	}
	for i := range c.MCP.Servers {
		if c.MCP.Servers[i].Timeout == 0 {
			c.MCP.Servers[i].Timeout = c.Discovery.Timeout
		}
	}
}

// Validate checks the configuration for values that would fail at
// startup anyway, so the operator sees them early.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}

	switch c.Settings.Driver {
	case "sqlite", "memory":
	case "redis":
		if c.Settings.RedisURL == "" {
			errs = append(errs, errors.New("settings.redis_url is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("settings.driver %q unknown (valid: sqlite, redis, memory)", c.Settings.Driver))
	}

	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q unknown (valid: text, json)", c.LogFormat))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone: %w", err))
		}
	}

	if c.Discovery.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("discovery.parallelism must be positive, got %d", c.Discovery.Parallelism))
	}

	seen := make(map[string]bool)
	for i, s := range c.MCP.Servers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: name is required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d] (%s): url is required", i, s.Name))
		}
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}

	return errors.Join(errs...)
}

// Location returns the configured time zone, or time.Local.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// TimezoneName returns the spoken timezone name for prompts.
func (c *Config) TimezoneName() string {
	if c.TimezoneDisplay != "" {
		return c.TimezoneDisplay
	}
	if c.Timezone != "" {
		return c.Timezone
	}
	name, _ := time.Now().Zone()
	return name
}
