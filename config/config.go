package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"flvrelay/internal/session"
)

// EnvPrefix is prepended to every environment variable override
const EnvPrefix = "FLVRELAY_"

// Config holds all application configuration
type Config struct {
	// HTTP Server: egress, API, metrics and HTTP/WebSocket ingest
	HTTPAddr        string        `yaml:"http_addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`

	Stream  StreamConfig  `yaml:"stream"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Logging LoggingConfig `yaml:"logging"`
}

// StreamConfig controls per-stream caching and fan-out
type StreamConfig struct {
	GOPCacheSize          int    `yaml:"gop_cache_size" validate:"min=1"`
	MissingStreamPolicy   string `yaml:"missing_stream_policy" validate:"oneof=wait reject"`
	ReplayMetadata        bool   `yaml:"replay_metadata"`
	ReplaySequenceHeaders bool   `yaml:"replay_sequence_headers"`
	SubscriberQueueSize   int    `yaml:"subscriber_queue_size" validate:"min=1"`
	MaxViewersPerStream   int    `yaml:"max_viewers_per_stream" validate:"min=0"`
}

// IngestConfig controls publisher-side parsing
type IngestConfig struct {
	StrictFraming     bool `yaml:"strict_framing"`
	WSMaxPayloadBytes int  `yaml:"ws_max_payload_bytes" validate:"min=1024"`
}

// LoggingConfig selects the log level and handler
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		HTTPAddr:        ":8080",
		ShutdownTimeout: 10 * time.Second,
		Stream: StreamConfig{
			GOPCacheSize:          1024,
			MissingStreamPolicy:   "wait",
			ReplayMetadata:        false,
			ReplaySequenceHeaders: true,
			SubscriberQueueSize:   512,
			MaxViewersPerStream:   0,
		},
		Ingest: IngestConfig{
			StrictFraming:     false,
			WSMaxPayloadBytes: 16 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// FLVRELAY_* environment variables, in that order, and validates the result
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.ShutdownTimeout = getDurationEnv("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	c.Stream.GOPCacheSize = getIntEnv("GOP_CACHE_SIZE", c.Stream.GOPCacheSize)
	c.Stream.MissingStreamPolicy = getEnv("MISSING_STREAM_POLICY", c.Stream.MissingStreamPolicy)
	c.Stream.ReplayMetadata = getBoolEnv("REPLAY_METADATA", c.Stream.ReplayMetadata)
	c.Stream.ReplaySequenceHeaders = getBoolEnv("REPLAY_SEQUENCE_HEADERS", c.Stream.ReplaySequenceHeaders)
	c.Stream.SubscriberQueueSize = getIntEnv("SUBSCRIBER_QUEUE_SIZE", c.Stream.SubscriberQueueSize)
	c.Stream.MaxViewersPerStream = getIntEnv("MAX_VIEWERS_PER_STREAM", c.Stream.MaxViewersPerStream)

	c.Ingest.StrictFraming = getBoolEnv("STRICT_FRAMING", c.Ingest.StrictFraming)
	c.Ingest.WSMaxPayloadBytes = getIntEnv("WS_MAX_PAYLOAD_BYTES", c.Ingest.WSMaxPayloadBytes)

	c.Logging.Level = strings.ToLower(getEnv("LOG_LEVEL", c.Logging.Level))
	c.Logging.Format = strings.ToLower(getEnv("LOG_FORMAT", c.Logging.Format))
}

// Validate checks field constraints and returns one error listing every
// offending field
func (c *Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Session converts the stream settings into a session configuration
func (c *Config) Session() session.Config {
	return session.Config{
		GOPCacheSize:          c.Stream.GOPCacheSize,
		ReplayMetadata:        c.Stream.ReplayMetadata,
		ReplaySequenceHeaders: c.Stream.ReplaySequenceHeaders,
		StrictFraming:         c.Ingest.StrictFraming,
		MaxSubscribers:        c.Stream.MaxViewersPerStream,
	}
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
