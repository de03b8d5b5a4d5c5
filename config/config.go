// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the broker node.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Storage   StorageConfig   `yaml:"storage"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Log       LogConfig       `yaml:"log"`
}

// NodeConfig identifies this broker process within the cluster topology.
type NodeConfig struct {
	ID   uint64 `yaml:"id"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	MetricsAddr    string `yaml:"metrics_addr"` // OTLP endpoint
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	OtelServiceName    string `yaml:"otel_service_name"`
	OtelServiceVersion string `yaml:"otel_service_version"`
}

// BrokerConfig holds partition engine settings.
type BrokerConfig struct {
	// TimeoutScanInterval is the cadence of the in-flight deadline scan.
	TimeoutScanInterval time.Duration `yaml:"timeout_scan_interval"`

	// MaxAttempts bounds delivery attempts per message; 0 means unlimited.
	MaxAttempts uint32 `yaml:"max_attempts"`

	// DedupWindow is how long publish request ids are remembered.
	DedupWindow time.Duration `yaml:"dedup_window"`

	// ConsumerIdleTimeout destroys consumers that stop pulling.
	ConsumerIdleTimeout time.Duration `yaml:"consumer_idle_timeout"`

	// PermitTimeout bounds waits for a partition write permit.
	PermitTimeout time.Duration `yaml:"permit_timeout"`

	// MaxAttributeBytes bounds a message's attribute map size.
	MaxAttributeBytes int `yaml:"max_attribute_bytes"`
}

// StorageConfig holds transaction log backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // file, memory, badger

	Dir             string `yaml:"dir"`
	SegmentMaxBytes int64  `yaml:"segment_max_bytes"`
	SyncEveryAppend bool   `yaml:"sync_every_append"`

	Compression      string `yaml:"compression"` // none, s2
	CompressMinBytes int    `yaml:"compress_min_bytes"`
}

// CatalogConfig locates the topology snapshot.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// RateLimitConfig throttles publish requests per client IP.
type RateLimitConfig struct {
	Enabled    bool    `yaml:"enabled"`
	PublishRPS float64 `yaml:"publish_rps"`
	Burst      int     `yaml:"burst"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:   1,
			Host: "127.0.0.1",
			Port: 8640,
		},
		Server: ServerConfig{
			HTTPAddr:        ":8640",
			HealthAddr:      ":8641",
			HealthEnabled:   true,
			ShutdownTimeout: 30 * time.Second,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,

			OtelServiceName:    "feathermq-broker",
			OtelServiceVersion: "0.1.0",
		},
		Broker: BrokerConfig{
			TimeoutScanInterval: 100 * time.Millisecond,
			MaxAttempts:         0,
			DedupWindow:         10 * time.Second,
			ConsumerIdleTimeout: 5 * time.Minute,
			PermitTimeout:       2 * time.Second,
			MaxAttributeBytes:   16 * 1024,
		},
		Storage: StorageConfig{
			Type:             "file",
			Dir:              "/tmp/feathermq/txlog",
			SegmentMaxBytes:  64 * 1024 * 1024,
			SyncEveryAppend:  true,
			Compression:      "none",
			CompressMinBytes: 1024,
		},
		Catalog: CatalogConfig{
			Path: "/tmp/feathermq/catalog.yaml",
		},
		RateLimit: RateLimitConfig{
			Enabled:    false,
			PublishRPS: 1000,
			Burst:      2000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Node.ID == 0 {
		return fmt.Errorf("node.id must be set")
	}
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr cannot be empty")
	}

	if c.Broker.TimeoutScanInterval < 10*time.Millisecond {
		return fmt.Errorf("broker.timeout_scan_interval must be at least 10ms")
	}
	if c.Broker.PermitTimeout < 100*time.Millisecond {
		return fmt.Errorf("broker.permit_timeout must be at least 100ms")
	}
	if c.Broker.MaxAttributeBytes < 1024 {
		return fmt.Errorf("broker.max_attribute_bytes must be at least 1KB")
	}

	validStorage := map[string]bool{"file": true, "memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: file, memory, badger")
	}
	if c.Storage.Type != "memory" && c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir required when type is %s", c.Storage.Type)
	}
	if c.Storage.SegmentMaxBytes < 1024 {
		return fmt.Errorf("storage.segment_max_bytes must be at least 1KB")
	}
	validCompression := map[string]bool{"none": true, "s2": true}
	if !validCompression[c.Storage.Compression] {
		return fmt.Errorf("storage.compression must be one of: none, s2")
	}

	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog.path cannot be empty")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.PublishRPS <= 0 {
			return fmt.Errorf("ratelimit.publish_rps must be positive")
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("ratelimit.burst must be at least 1")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Server.MetricsEnabled && c.Server.OtelServiceName == "" {
		return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
