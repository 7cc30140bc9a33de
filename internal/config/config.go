package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	HTTP          HTTPConfig          `yaml:"http"`
	Audio         AudioConfig         `yaml:"audio"`
	Batch         BatchConfig         `yaml:"batch"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains WebSocket server settings
type ServerConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	ReadLimit        int64  `yaml:"read_limit"`        // max message size in bytes
	HandshakeTimeout int    `yaml:"handshake_timeout"` // seconds, max wait for the first message
	IdleTimeout      int    `yaml:"idle_timeout"`      // seconds, idle relay reap threshold
	CleanupPeriod    int    `yaml:"cleanup_period"`    // seconds, idle reaper interval
	ShutdownGrace    int    `yaml:"shutdown_grace"`    // seconds, graceful shutdown budget
}

// HTTPConfig contains monitoring API settings
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// AudioConfig contains audio format settings
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// BatchConfig contains audio batching settings
type BatchConfig struct {
	FlushInterval float64 `yaml:"flush_interval"` // seconds
	SubmitTimeout int     `yaml:"submit_timeout"` // seconds
	ScratchDir    string  `yaml:"scratch_dir"`
}

// TranscriptionConfig contains transcription backend settings
type TranscriptionConfig struct {
	Provider      string `yaml:"provider"`
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	Language      string `yaml:"language"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// StorageConfig contains transcript persistence settings
type StorageConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout" or "stderr"
}

// Load reads configuration from a YAML file, applies defaults and
// environment overlays, and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns configuration with sensible defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadLimit:        1 << 20, // 1MB
			HandshakeTimeout: 10,
			IdleTimeout:      300,
			CleanupPeriod:    30,
			ShutdownGrace:    30,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8081,
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			Channels:   1,
		},
		Batch: BatchConfig{
			FlushInterval: 5,
			SubmitTimeout: 30,
		},
		Transcription: TranscriptionConfig{
			Provider:      "whisper",
			Endpoint:      "http://localhost:9000/transcribe",
			Model:         "whisper-1",
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 10,
		},
		Storage: StorageConfig{
			Enabled:    false,
			Database:   "meeting_relay",
			Collection: "transcripts",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnv overlays secrets from environment variables so they never have
// to live in the config file
func (c *Config) applyEnv() {
	if v := os.Getenv("TRANSCRIPTION_API_KEY"); v != "" {
		c.Transcription.APIKey = v
	}
	if v := os.Getenv("MONGODB_URI"); v != "" {
		c.Storage.URI = v
	}
}

// Validate checks the complete configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	if err := c.Batch.Validate(); err != nil {
		return fmt.Errorf("batch: %w", err)
	}
	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}

// Validate checks WebSocket server settings
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.ReadLimit <= 0 {
		return fmt.Errorf("read_limit must be positive, got %d", c.ReadLimit)
	}
	if c.HandshakeTimeout < 1 {
		return fmt.Errorf("handshake_timeout must be at least 1 second, got %d", c.HandshakeTimeout)
	}
	if c.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", c.IdleTimeout)
	}
	if c.CleanupPeriod < 1 {
		return fmt.Errorf("cleanup_period must be at least 1 second, got %d", c.CleanupPeriod)
	}
	if c.ShutdownGrace < 1 {
		return fmt.Errorf("shutdown_grace must be at least 1 second, got %d", c.ShutdownGrace)
	}
	return nil
}

// Validate checks monitoring API settings
func (c *HTTPConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

// Validate checks audio format settings
func (c *AudioConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels < 1 || c.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", c.Channels)
	}
	return nil
}

// Validate checks batching settings
func (c *BatchConfig) Validate() error {
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive, got %f", c.FlushInterval)
	}
	if c.SubmitTimeout < 1 {
		return fmt.Errorf("submit_timeout must be at least 1 second, got %d", c.SubmitTimeout)
	}
	return nil
}

// Validate checks transcription settings
func (c *TranscriptionConfig) Validate() error {
	switch c.Provider {
	case "whisper", "deepgram":
	default:
		return fmt.Errorf("unknown provider: %q", c.Provider)
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", c.Timeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive, got %d", c.MaxConcurrent)
	}
	return nil
}

// Validate checks storage settings
func (c *StorageConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URI == "" {
		return fmt.Errorf("uri is required when storage is enabled")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required when storage is enabled")
	}
	if c.Collection == "" {
		return fmt.Errorf("collection is required when storage is enabled")
	}
	return nil
}

// Validate checks logging settings
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %q", c.Level)
	}
	switch c.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format: %q", c.Format)
	}
	switch c.Output {
	case "stdout", "stderr":
	default:
		return fmt.Errorf("unknown log output: %q", c.Output)
	}
	return nil
}

// GetHandshakeTimeout returns the handshake timeout as a time.Duration
func (c *ServerConfig) GetHandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeout) * time.Second
}

// GetIdleTimeout returns the idle relay timeout as a time.Duration
func (c *ServerConfig) GetIdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeout) * time.Second
}

// GetCleanupPeriod returns the idle reaper interval as a time.Duration
func (c *ServerConfig) GetCleanupPeriod() time.Duration {
	return time.Duration(c.CleanupPeriod) * time.Second
}

// GetShutdownGrace returns the shutdown budget as a time.Duration
func (c *ServerConfig) GetShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGrace) * time.Second
}

// GetFlushInterval returns the flush cadence as a time.Duration
func (c *BatchConfig) GetFlushInterval() time.Duration {
	return time.Duration(c.FlushInterval * float64(time.Second))
}

// GetSubmitTimeout returns the submission timeout as a time.Duration
func (c *BatchConfig) GetSubmitTimeout() time.Duration {
	return time.Duration(c.SubmitTimeout) * time.Second
}

// GetTimeout returns the transcription timeout as a time.Duration
func (c *TranscriptionConfig) GetTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}
