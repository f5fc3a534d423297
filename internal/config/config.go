// Package config handles configuration loading and management for locum.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with human-friendly YAML parsing ("800ms",
// "15s", "1m").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// BridgeConfig configures the local WebSocket bridge the host
// instrumentation connects to.
type BridgeConfig struct {
	// Host is the listen address (default: 127.0.0.1).
	Host string `yaml:"host"`
	// Port is the listen port (default: 8941).
	Port int `yaml:"port"`
}

// BackendConfig configures the assistant backend API.
type BackendConfig struct {
	// URL is the completion endpoint.
	URL string `yaml:"url"`
	// APIKey authorizes requests. Falls back to LOCUM_API_KEY.
	APIKey string `yaml:"api_key"`
	// Model selects the backend model, if the endpoint offers several.
	Model string `yaml:"model"`
	// Timeout bounds one completion call.
	Timeout Duration `yaml:"timeout"`
}

// Configured reports whether the backend has credentials. Without them
// every session is reported as uninitialized and mode changes are refused.
func (b BackendConfig) Configured() bool {
	return b.APIKey != ""
}

// PacingConfig tunes human-plausible reply and typing pacing.
type PacingConfig struct {
	// Enabled turns reading-time pacing on.
	Enabled bool `yaml:"enabled"`
	// MinDelay is the floor for paced reply delays.
	MinDelay Duration `yaml:"min_delay"`
	// ReadSpeedMin/Max bound the randomized reading speed in characters
	// per second used to estimate reading time.
	ReadSpeedMin int `yaml:"read_speed_min"`
	ReadSpeedMax int `yaml:"read_speed_max"`
	// ImageReadMin/Max bound the flat randomized addition per image.
	ImageReadMin Duration `yaml:"image_read_min"`
	ImageReadMax Duration `yaml:"image_read_max"`
	// UnpacedMin/Max bound the flat randomized delay used when pacing
	// is disabled.
	UnpacedMin Duration `yaml:"unpaced_min"`
	UnpacedMax Duration `yaml:"unpaced_max"`
	// ExtendCap limits how far debounce extension can push a pending
	// reply past the first arm of the current burst.
	ExtendCap Duration `yaml:"extend_cap"`
	// InFlightRetry is the wait before re-attempting a fire that found
	// another backend call in flight.
	InFlightRetry Duration `yaml:"inflight_retry"`
	// TypePerChar is the base per-character delay for outbound typing.
	TypePerChar Duration `yaml:"type_per_char"`
	// TypeCeiling caps the total typing time of one message.
	TypeCeiling Duration `yaml:"type_ceiling"`
	// TypeMinPerChar disables typing pacing when the effective
	// per-character delay would fall below it.
	TypeMinPerChar Duration `yaml:"type_min_per_char"`
}

// QueuePolicy selects how non-foreground sessions are serviced.
type QueuePolicy string

const (
	// PolicyIgnore disables background monitoring entirely.
	PolicyIgnore QueuePolicy = "ignore"
	// PolicyProcess admits queued sessions as soon as the foreground
	// is available.
	PolicyProcess QueuePolicy = "process"
	// PolicyIdle admits queued sessions only after the configured
	// inactivity threshold has elapsed.
	PolicyIdle QueuePolicy = "idle"
)

// Valid returns true for a recognized policy value.
func (p QueuePolicy) Valid() bool {
	return p == PolicyIgnore || p == PolicyProcess || p == PolicyIdle
}

// QueueConfig tunes the background queue orchestrator.
type QueueConfig struct {
	// Policy is one of ignore, process, idle.
	Policy QueuePolicy `yaml:"policy"`
	// IdleThreshold is the inactivity duration required by the idle policy.
	IdleThreshold Duration `yaml:"idle_threshold"`
	// IdlePoll is the re-check interval while waiting for inactivity.
	IdlePoll Duration `yaml:"idle_poll"`
	// GatePoll is the admission-gate poll interval.
	GatePoll Duration `yaml:"gate_poll"`
	// GateTimeout bounds one round of gate polling before backing off.
	GateTimeout Duration `yaml:"gate_timeout"`
	// Backoff is the wait after a gate timeout before retrying.
	Backoff Duration `yaml:"backoff"`
	// NavConfirmTimeout bounds the wait for a viewport switch to take
	// effect.
	NavConfirmTimeout Duration `yaml:"nav_confirm_timeout"`
	// QuiescenceTimeout bounds the wait for the single-session pipeline
	// to go quiet after a switch.
	QuiescenceTimeout Duration `yaml:"quiescence_timeout"`
	// Settle is the fixed pause after quiescence before moving on.
	Settle Duration `yaml:"settle"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	FileLevel  string `yaml:"file_level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	JSON       bool   `yaml:"json"`
}

// Config is the complete locum configuration.
type Config struct {
	// DataDir is where session state is persisted.
	DataDir string `yaml:"data_dir"`
	// AssistantName is the display name the assistant is addressed by.
	AssistantName string `yaml:"assistant_name"`
	// SelfSnippetPrefix marks change-feed snippets produced by our own
	// outgoing content (host preview convention, e.g. "You:").
	SelfSnippetPrefix string `yaml:"self_snippet_prefix"`
	// RecentWindow is the number of literal messages sent to the backend.
	RecentWindow int `yaml:"recent_window"`
	// ResumeMatchWindow bounds the trailing window searched when
	// re-locating the last-processed marker by content.
	ResumeMatchWindow int `yaml:"resume_match_window"`
	// CatalogRetry is the retry interval while rebuilding a catalog whose
	// content is not yet available.
	CatalogRetry Duration `yaml:"catalog_retry"`
	// InputClearTimeout bounds the wait for the local input to clear
	// before outbound delivery.
	InputClearTimeout Duration `yaml:"input_clear_timeout"`

	Backend BackendConfig `yaml:"backend"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Pacing  PacingConfig  `yaml:"pacing"`
	Queue   QueueConfig   `yaml:"queue"`
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	if envPath := os.Getenv("LOCUMRC"); envPath != "" {
		return envPath
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		configDir = home
	}
	return filepath.Join(configDir, "locum", "config.yaml")
}

// DefaultDataDir returns the default session data directory.
func DefaultDataDir() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		configDir = home
	}
	return filepath.Join(configDir, "locum", "sessions")
}

// Default returns the configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file from the given path.
// A missing file yields the default configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data into a Config struct and applies
// defaults for unset fields.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.AssistantName == "" {
		c.AssistantName = "Assistant"
	}
	if c.SelfSnippetPrefix == "" {
		c.SelfSnippetPrefix = "You:"
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = 20
	}
	if c.ResumeMatchWindow <= 0 {
		c.ResumeMatchWindow = 50
	}
	if c.CatalogRetry <= 0 {
		c.CatalogRetry = Duration(500 * time.Millisecond)
	}
	if c.InputClearTimeout <= 0 {
		c.InputClearTimeout = Duration(30 * time.Second)
	}

	if c.Backend.URL == "" {
		c.Backend.URL = "https://api.locum.sh/v1/respond"
	}
	if c.Backend.APIKey == "" {
		c.Backend.APIKey = os.Getenv("LOCUM_API_KEY")
	}
	if c.Backend.Timeout <= 0 {
		c.Backend.Timeout = Duration(60 * time.Second)
	}

	if c.Bridge.Host == "" {
		c.Bridge.Host = "127.0.0.1"
	}
	if c.Bridge.Port == 0 {
		c.Bridge.Port = 8941
	}

	p := &c.Pacing
	if p.MinDelay <= 0 {
		p.MinDelay = Duration(800 * time.Millisecond)
	}
	if p.ReadSpeedMin <= 0 {
		p.ReadSpeedMin = 25
	}
	if p.ReadSpeedMax <= 0 {
		p.ReadSpeedMax = 60
	}
	if p.ImageReadMin <= 0 {
		p.ImageReadMin = Duration(2 * time.Second)
	}
	if p.ImageReadMax <= 0 {
		p.ImageReadMax = Duration(5 * time.Second)
	}
	if p.UnpacedMin <= 0 {
		p.UnpacedMin = Duration(1 * time.Second)
	}
	if p.UnpacedMax <= 0 {
		p.UnpacedMax = Duration(3 * time.Second)
	}
	if p.ExtendCap <= 0 {
		p.ExtendCap = Duration(15 * time.Second)
	}
	if p.InFlightRetry <= 0 {
		p.InFlightRetry = Duration(3 * time.Second)
	}
	if p.TypePerChar <= 0 {
		p.TypePerChar = Duration(45 * time.Millisecond)
	}
	if p.TypeCeiling <= 0 {
		p.TypeCeiling = Duration(8 * time.Second)
	}
	if p.TypeMinPerChar <= 0 {
		p.TypeMinPerChar = Duration(15 * time.Millisecond)
	}

	q := &c.Queue
	if q.Policy == "" {
		q.Policy = PolicyIdle
	}
	if q.IdleThreshold <= 0 {
		q.IdleThreshold = Duration(2 * time.Minute)
	}
	if q.IdlePoll <= 0 {
		q.IdlePoll = Duration(10 * time.Second)
	}
	if q.GatePoll <= 0 {
		q.GatePoll = Duration(500 * time.Millisecond)
	}
	if q.GateTimeout <= 0 {
		q.GateTimeout = Duration(15 * time.Second)
	}
	if q.Backoff <= 0 {
		q.Backoff = Duration(30 * time.Second)
	}
	if q.NavConfirmTimeout <= 0 {
		q.NavConfirmTimeout = Duration(5 * time.Second)
	}
	if q.QuiescenceTimeout <= 0 {
		q.QuiescenceTimeout = Duration(30 * time.Second)
	}
	if q.Settle <= 0 {
		q.Settle = Duration(1500 * time.Millisecond)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	if !c.Queue.Policy.Valid() {
		return fmt.Errorf("invalid queue policy %q (want ignore, process or idle)", c.Queue.Policy)
	}
	if c.Pacing.ReadSpeedMax < c.Pacing.ReadSpeedMin {
		return fmt.Errorf("read_speed_max (%d) below read_speed_min (%d)",
			c.Pacing.ReadSpeedMax, c.Pacing.ReadSpeedMin)
	}
	return nil
}
