package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/orchestra-mcp/broker/src/destination"
	"github.com/orchestra-mcp/broker/src/pipeline"
)

// BrokerConfig holds broker and WebSocket server configuration.
// It is read once at startup.
type BrokerConfig struct {
	ListenAddr        string               `json:"listen_addr"`
	Prefixes          destination.Prefixes `json:"prefixes"`
	Inbound           pipeline.Config      `json:"inbound"`
	Outbound          pipeline.Config      `json:"outbound"`
	SendTimeLimitMS   int                  `json:"send_time_limit_ms"`
	HeartbeatMS       int                  `json:"heartbeat_interval_ms"`
	InboundRateLimit  int                  `json:"inbound_rate_limit"` // frames/s per connection, 0 disables
	InboundRateBurst  int                  `json:"inbound_rate_burst"`
	MaxConnections    int                  `json:"max_connections"`
	ReadBufferSize    int                  `json:"read_buffer_size"`
	WriteBufferSize   int                  `json:"write_buffer_size"`
	MaxFrameSizeBytes int64                `json:"max_frame_size_bytes"`
	MaxCPUPercent     int                  `json:"max_cpu_percent"` // 0 disables the host load guard for CPU
	MaxMemPercent     int                  `json:"max_mem_percent"` // 0 disables the host load guard for memory
	LoadSampleMS      int                  `json:"load_sample_ms"`
}

// DefaultConfig returns the default broker configuration.
func DefaultConfig() *BrokerConfig {
	return &BrokerConfig{
		ListenAddr: ":8080",
		Prefixes:   destination.DefaultPrefixes(),
		Inbound: pipeline.Config{
			Workers:   4,
			QueueSize: 256,
			Policy:    pipeline.Reject,
		},
		Outbound: pipeline.Config{
			Workers:   16,
			QueueSize: 1024,
			Policy:    pipeline.DropOldest,
		},
		SendTimeLimitMS:   10000,
		HeartbeatMS:       10000,
		MaxConnections:    1000,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		MaxFrameSizeBytes: 64 * 1024,
		LoadSampleMS:      5000,
	}
}

// SendTimeLimit bounds a single write to one connection.
func (c *BrokerConfig) SendTimeLimit() time.Duration {
	return time.Duration(c.SendTimeLimitMS) * time.Millisecond
}

// HeartbeatInterval is the server heartbeat period; zero disables heartbeats.
func (c *BrokerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatMS) * time.Millisecond
}

// LoadSampleInterval is how often host CPU and memory usage are sampled.
func (c *BrokerConfig) LoadSampleInterval() time.Duration {
	return time.Duration(c.LoadSampleMS) * time.Millisecond
}

// Validate checks pool sizes, policies and prefixes.
func (c *BrokerConfig) Validate() error {
	var errs []error
	if err := c.Inbound.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("inbound: %w", err))
	}
	if err := c.Outbound.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("outbound: %w", err))
	}
	if _, err := destination.NewMatcher(c.Prefixes); err != nil {
		errs = append(errs, fmt.Errorf("prefixes: %w", err))
	}
	if c.SendTimeLimitMS <= 0 {
		errs = append(errs, fmt.Errorf("send_time_limit_ms must be positive, got %d", c.SendTimeLimitMS))
	}
	if c.HeartbeatMS < 0 {
		errs = append(errs, fmt.Errorf("heartbeat_interval_ms must not be negative, got %d", c.HeartbeatMS))
	}
	if c.InboundRateLimit < 0 || c.InboundRateBurst < 0 {
		errs = append(errs, errors.New("inbound rate limit must not be negative"))
	}
	if c.MaxCPUPercent < 0 || c.MaxCPUPercent > 100 || c.MaxMemPercent < 0 || c.MaxMemPercent > 100 {
		errs = append(errs, errors.New("load guard percentages must be within 0-100"))
	}
	if (c.MaxCPUPercent > 0 || c.MaxMemPercent > 0) && c.LoadSampleMS <= 0 {
		errs = append(errs, fmt.Errorf("load_sample_ms must be positive, got %d", c.LoadSampleMS))
	}
	return errors.Join(errs...)
}

// FromEnv loads configuration from BROKER_* environment variables.
// Falls back to defaults for any missing or invalid values.
func FromEnv() *BrokerConfig {
	cfg := DefaultConfig()

	envString("BROKER_LISTEN_ADDR", &cfg.ListenAddr)
	envString("BROKER_TOPIC_PREFIX", &cfg.Prefixes.Topic)
	envString("BROKER_QUEUE_PREFIX", &cfg.Prefixes.Queue)
	envString("BROKER_USER_PREFIX", &cfg.Prefixes.User)
	envString("BROKER_APP_PREFIX", &cfg.Prefixes.Application)

	envInt("BROKER_INBOUND_WORKERS", &cfg.Inbound.Workers)
	envInt("BROKER_INBOUND_QUEUE_SIZE", &cfg.Inbound.QueueSize)
	envPolicy("BROKER_INBOUND_POLICY", &cfg.Inbound.Policy)
	envInt("BROKER_OUTBOUND_WORKERS", &cfg.Outbound.Workers)
	envInt("BROKER_OUTBOUND_QUEUE_SIZE", &cfg.Outbound.QueueSize)
	envPolicy("BROKER_OUTBOUND_POLICY", &cfg.Outbound.Policy)

	envInt("BROKER_SEND_TIME_LIMIT_MS", &cfg.SendTimeLimitMS)
	envInt("BROKER_HEARTBEAT_MS", &cfg.HeartbeatMS)
	envInt("BROKER_INBOUND_RATE_LIMIT", &cfg.InboundRateLimit)
	envInt("BROKER_INBOUND_RATE_BURST", &cfg.InboundRateBurst)
	envInt("BROKER_MAX_CONNECTIONS", &cfg.MaxConnections)
	envInt("BROKER_MAX_CPU_PERCENT", &cfg.MaxCPUPercent)
	envInt("BROKER_MAX_MEM_PERCENT", &cfg.MaxMemPercent)
	envInt("BROKER_LOAD_SAMPLE_MS", &cfg.LoadSampleMS)
	return cfg
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envPolicy(key string, dst *pipeline.Policy) {
	if v := os.Getenv(key); v != "" {
		if p, err := pipeline.ParsePolicy(v); err == nil {
			*dst = p
		}
	}
}
