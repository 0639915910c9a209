// Package config provides configuration loading and management for semmission.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete semmission configuration
type Config struct {
	API     APIConfig     `yaml:"api"`
	Stream  StreamConfig  `yaml:"stream"`
	Mission MissionConfig `yaml:"mission"`
	NATS    NATSConfig    `yaml:"nats"`
	Log     LogConfig     `yaml:"log"`
}

// APIConfig configures the mission backend
type APIConfig struct {
	// BaseURL is the backend root, e.g. http://localhost:8080/api
	BaseURL string `yaml:"base_url"`
	// Timeout bounds each command request (default: 10s)
	Timeout time.Duration `yaml:"timeout"`
	// Token is sent as a bearer Authorization header when set
	Token string `yaml:"token,omitempty"`
	// Headers are added to every request
	Headers map[string]string `yaml:"headers,omitempty"`
}

// StreamConfig configures the event transport
type StreamConfig struct {
	// Transport is sse, websocket or file (default: sse)
	Transport string `yaml:"transport"`
	// IdleTimeout drops a stream that delivers nothing, heartbeats included (0 = never)
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// Retry governs connection attempts
	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig configures connection retry with exponential backoff
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
}

// MissionConfig holds defaults applied to new missions
type MissionConfig struct {
	// MaxRevisions caps deliverable revision requests (1-10, default: 3)
	MaxRevisions int `yaml:"max_revisions"`
	// MaxRounds caps panel rounds (1-20, default: 3)
	MaxRounds int `yaml:"max_rounds"`
	// ConsensusThreshold is the agreement score that ends a panel early (0-1)
	ConsensusThreshold float64 `yaml:"consensus_threshold,omitempty"`
}

// NATSConfig configures the optional resume cache
type NATSConfig struct {
	// URL is the NATS server URL (empty = in-memory cache only)
	URL string `yaml:"url"`
	// Bucket is the KV bucket for resume entries
	Bucket string `yaml:"bucket"`
	// TTL expires resume entries
	TTL time.Duration `yaml:"ttl"`
}

// LogConfig configures logging
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level"`
}

// Transport names accepted by StreamConfig.Transport
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
	TransportFile      = "file"
)

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "http://localhost:8080/api",
			Timeout: 10 * time.Second,
		},
		Stream: StreamConfig{
			Transport: TransportSSE,
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffBase:       500 * time.Millisecond,
				BackoffMultiplier: 2.0,
				MaxBackoff:        10 * time.Second,
			},
		},
		Mission: MissionConfig{
			MaxRevisions: 3,
			MaxRounds:    3,
		},
		NATS: NATSConfig{
			Bucket: "MISSION_SESSIONS",
			TTL:    7 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if !strings.HasPrefix(c.API.BaseURL, "http://") && !strings.HasPrefix(c.API.BaseURL, "https://") {
		return fmt.Errorf("api.base_url must be an http(s) URL")
	}
	if c.API.Timeout < 0 {
		return fmt.Errorf("api.timeout must not be negative")
	}
	switch c.Stream.Transport {
	case TransportSSE, TransportWebSocket, TransportFile:
	default:
		return fmt.Errorf("stream.transport must be one of sse, websocket, file")
	}
	if c.Stream.Retry.MaxAttempts < 1 {
		return fmt.Errorf("stream.retry.max_attempts must be at least 1")
	}
	if c.Stream.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("stream.retry.backoff_multiplier must be at least 1")
	}
	if c.Mission.MaxRevisions < 1 || c.Mission.MaxRevisions > 10 {
		return fmt.Errorf("mission.max_revisions must be between 1 and 10")
	}
	if c.Mission.MaxRounds < 1 || c.Mission.MaxRounds > 20 {
		return fmt.Errorf("mission.max_rounds must be between 1 and 20")
	}
	if c.Mission.ConsensusThreshold < 0 || c.Mission.ConsensusThreshold > 1 {
		return fmt.Errorf("mission.consensus_threshold must be between 0 and 1")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a level name to a slog level
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: must be debug, info, warn or error", level)
	}
	return l, nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file may hold an API token.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// API
	if other.API.BaseURL != "" {
		c.API.BaseURL = other.API.BaseURL
	}
	if other.API.Timeout != 0 {
		c.API.Timeout = other.API.Timeout
	}
	if other.API.Token != "" {
		c.API.Token = other.API.Token
	}
	if len(other.API.Headers) > 0 {
		if c.API.Headers == nil {
			c.API.Headers = make(map[string]string, len(other.API.Headers))
		}
		for k, v := range other.API.Headers {
			c.API.Headers[k] = v
		}
	}

	// Stream
	if other.Stream.Transport != "" {
		c.Stream.Transport = other.Stream.Transport
	}
	if other.Stream.IdleTimeout != 0 {
		c.Stream.IdleTimeout = other.Stream.IdleTimeout
	}
	if other.Stream.Retry.MaxAttempts != 0 {
		c.Stream.Retry.MaxAttempts = other.Stream.Retry.MaxAttempts
	}
	if other.Stream.Retry.BackoffBase != 0 {
		c.Stream.Retry.BackoffBase = other.Stream.Retry.BackoffBase
	}
	if other.Stream.Retry.BackoffMultiplier != 0 {
		c.Stream.Retry.BackoffMultiplier = other.Stream.Retry.BackoffMultiplier
	}
	if other.Stream.Retry.MaxBackoff != 0 {
		c.Stream.Retry.MaxBackoff = other.Stream.Retry.MaxBackoff
	}

	// Mission
	if other.Mission.MaxRevisions != 0 {
		c.Mission.MaxRevisions = other.Mission.MaxRevisions
	}
	if other.Mission.MaxRounds != 0 {
		c.Mission.MaxRounds = other.Mission.MaxRounds
	}
	if other.Mission.ConsensusThreshold != 0 {
		c.Mission.ConsensusThreshold = other.Mission.ConsensusThreshold
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Bucket != "" {
		c.NATS.Bucket = other.NATS.Bucket
	}
	if other.NATS.TTL != 0 {
		c.NATS.TTL = other.NATS.TTL
	}

	// Log
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
}
