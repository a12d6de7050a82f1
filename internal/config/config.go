package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the classifier section
const (
	EnvClassifierEndpoint = "ASC_CLASSIFIER_ENDPOINT"
	EnvClassifierAPIKey   = "ASC_CLASSIFIER_API_KEY"
)

// Config represents the complete service configuration
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Audio      AudioConfig      `yaml:"audio"`
	Synthetic  SyntheticConfig  `yaml:"synthetic"`
	Classifier ClassifierConfig `yaml:"classifier"`
	History    HistoryConfig    `yaml:"history"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains capture parameters
type AudioConfig struct {
	Source          string `yaml:"source"`            // synthetic or microphone
	SampleRate      int    `yaml:"sample_rate"`       // 0 = from model metadata
	FramesPerBuffer int    `yaml:"frames_per_buffer"` // samples per device callback
	ChannelBuffer   int    `yaml:"channel_buffer"`    // chunks queued between device and pump
}

// SyntheticConfig contains the test tone generator parameters
type SyntheticConfig struct {
	Frequency float64 `yaml:"frequency"` // Hz
	Amplitude float64 `yaml:"amplitude"`
	Phase     float64 `yaml:"phase"` // radians
	Noise     float64 `yaml:"noise"`
	Seed      int64   `yaml:"seed"`
	Realtime  bool    `yaml:"realtime"`
}

// ClassifierConfig contains classification service configuration
type ClassifierConfig struct {
	Endpoint            string `yaml:"endpoint"`
	APIKey              string `yaml:"api_key"`
	Timeout             int    `yaml:"timeout"` // seconds
	MaxRetries          int    `yaml:"max_retries"`
	ModelFile           string `yaml:"model_file"`
	BreakerMaxFailures  int    `yaml:"breaker_max_failures"`
	BreakerResetTimeout int    `yaml:"breaker_reset_timeout"` // seconds
}

// HistoryConfig contains prediction history configuration
type HistoryConfig struct {
	MaxEntries int    `yaml:"max_entries"` // Records kept in memory for display; 0 keeps all
	SQLitePath string `yaml:"sqlite_path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Audio: AudioConfig{
			Source:          "microphone",
			FramesPerBuffer: 4096,
			ChannelBuffer:   16,
		},
		Synthetic: SyntheticConfig{
			Frequency: 440,
			Amplitude: 0.5,
			Realtime:  true,
		},
		Classifier: ClassifierConfig{
			Endpoint:            "http://127.0.0.1:8000",
			Timeout:             30,
			MaxRetries:          3,
			BreakerMaxFailures:  5,
			BreakerResetTimeout: 5,
		},
		History: HistoryConfig{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads and parses the configuration file. Fields missing from the file
// keep their Default values. A .env file in the working directory and the
// ASC_CLASSIFIER_* variables are applied on top.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := LoadEnv(); err != nil {
		return nil, err
	}
	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// LoadEnv loads .env into the process environment. A missing file is not an
// error and variables already set are not overwritten.
func LoadEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// ApplyEnv overrides classifier settings from the environment
func (c *Config) ApplyEnv() {
	if endpoint := os.Getenv(EnvClassifierEndpoint); endpoint != "" {
		c.Classifier.Endpoint = endpoint
	}
	if key := os.Getenv(EnvClassifierAPIKey); key != "" {
		c.Classifier.APIKey = key
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Synthetic.Validate(); err != nil {
		return fmt.Errorf("synthetic config: %w", err)
	}

	if err := c.Classifier.Validate(); err != nil {
		return fmt.Errorf("classifier config: %w", err)
	}

	if err := c.History.Validate(); err != nil {
		return fmt.Errorf("history config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.Source != "synthetic" && a.Source != "microphone" {
		return fmt.Errorf("source must be 'synthetic' or 'microphone', got '%s'", a.Source)
	}

	if a.SampleRate < 0 || a.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 0 and 192000 Hz, got %d", a.SampleRate)
	}

	if a.FramesPerBuffer < 1 {
		return fmt.Errorf("frames_per_buffer must be at least 1, got %d", a.FramesPerBuffer)
	}

	if a.ChannelBuffer < 1 {
		return fmt.Errorf("channel_buffer must be at least 1, got %d", a.ChannelBuffer)
	}

	return nil
}

// Validate validates synthetic source configuration
func (s *SyntheticConfig) Validate() error {
	if s.Frequency <= 0 {
		return fmt.Errorf("frequency must be positive, got %f", s.Frequency)
	}

	if s.Amplitude <= 0 || s.Amplitude > 1 {
		return fmt.Errorf("amplitude must be in (0, 1], got %f", s.Amplitude)
	}

	if s.Noise < 0 {
		return fmt.Errorf("noise cannot be negative, got %f", s.Noise)
	}

	return nil
}

// Validate validates classifier configuration
func (c *ClassifierConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if c.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", c.Timeout)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", c.MaxRetries)
	}

	if c.BreakerMaxFailures < 0 {
		return fmt.Errorf("breaker_max_failures cannot be negative, got %d", c.BreakerMaxFailures)
	}

	if c.BreakerResetTimeout < 0 {
		return fmt.Errorf("breaker_reset_timeout cannot be negative, got %d", c.BreakerResetTimeout)
	}

	return nil
}

// Validate validates history configuration
func (h *HistoryConfig) Validate() error {
	if h.MaxEntries < 0 {
		return fmt.Errorf("max_entries cannot be negative, got %d", h.MaxEntries)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is treated as a file path
	return nil
}

// GetTimeoutDuration returns the classification timeout as a time.Duration
func (c *ClassifierConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// GetBreakerResetTimeout returns the breaker cool-down as a time.Duration
func (c *ClassifierConfig) GetBreakerResetTimeout() time.Duration {
	return time.Duration(c.BreakerResetTimeout) * time.Second
}

// ListenAddress returns the host:port the HTTP server listens on
func (h *HTTPConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}
