// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "file", cfg.Storage.Type)
	assert.True(t, cfg.Storage.SyncEveryAppend)
	assert.Equal(t, 100*time.Millisecond, cfg.Broker.TimeoutScanInterval)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
node:
  id: 7
storage:
  type: memory
broker:
  max_attempts: 5
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cfg.Node.ID)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, uint32(5), cfg.Broker.MaxAttempts)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched fields keep their defaults.
	assert.Equal(t, ":8640", cfg.Server.HTTPAddr)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero node id", func(c *Config) { c.Node.ID = 0 }},
		{"bad storage type", func(c *Config) { c.Storage.Type = "floppy" }},
		{"missing storage dir", func(c *Config) { c.Storage.Dir = "" }},
		{"bad compression", func(c *Config) { c.Storage.Compression = "lz77" }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"tiny scan interval", func(c *Config) { c.Broker.TimeoutScanInterval = time.Millisecond }},
		{"bad ratelimit", func(c *Config) { c.RateLimit.Enabled = true; c.RateLimit.PublishRPS = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Node.ID = 3
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
