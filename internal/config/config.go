/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package config loads bridge settings from a YAML file and RTBRIDGE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-rtbridge/internal/audio"
)

// Environment variables that override file settings
const (
	EnvHostAPI     = "RTBRIDGE_HOST_API"
	EnvBlockSize   = "RTBRIDGE_BLOCK_SIZE"
	EnvSampleRate  = "RTBRIDGE_SAMPLE_RATE"
	EnvMetricsAddr = "RTBRIDGE_METRICS_ADDR"
	EnvNATSURL     = "RTBRIDGE_NATS_URL"
	EnvStreamID    = "RTBRIDGE_STREAM_ID"
)

const DefaultNATSURL = "nats://127.0.0.1:4222"

// Config holds everything the CLI needs to open streams and relays
type Config struct {
	// HostAPI names the host API; empty selects the platform default
	HostAPI    string `yaml:"host_api"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	// BlockSize is the requested frames per callback; 0 lets the backend choose
	BlockSize int `yaml:"block_size"`
	// MetricsAddr enables the Prometheus exporter when set, e.g. ":9108"
	MetricsAddr string     `yaml:"metrics_addr"`
	NATS        NATSConfig `yaml:"nats"`
}

// NATSConfig configures the block relay
type NATSConfig struct {
	URL string `yaml:"url"`
	// StreamID is the relay stream UUID; empty generates one per run
	StreamID        string        `yaml:"stream_id"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	// RingBlocks sizes relay buffers in blocks
	RingBlocks int `yaml:"ring_blocks"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		HostAPI:    audio.DefaultHostAPI().String(),
		SampleRate: audio.DefaultSampleRate,
		Channels:   audio.DefaultChannels,
		BlockSize:  audio.DefaultBlockSize,
		NATS: NATSConfig{
			URL:             DefaultNATSURL,
			ConnectAttempts: 5,
			RetryDelay:      2 * time.Second,
			RingBlocks:      64,
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path) //nolint:gosec // G304: path comes from the operator
		if err != nil {
			return nil, fmt.Errorf("failed to open config: %w", err)
		}
		defer func() { _ = f.Close() }() // Read-only file, close error is irrelevant

		if err := cfg.decode(f); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv(EnvHostAPI); ok {
		c.HostAPI = v
	}
	if v, ok := os.LookupEnv(EnvMetricsAddr); ok {
		c.MetricsAddr = v
	}
	if v, ok := os.LookupEnv(EnvNATSURL); ok {
		c.NATS.URL = v
	}
	if v, ok := os.LookupEnv(EnvStreamID); ok {
		c.NATS.StreamID = v
	}

	for name, dst := range map[string]*int{
		EnvBlockSize:  &c.BlockSize,
		EnvSampleRate: &c.SampleRate,
	} {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
		*dst = n
	}
	return nil
}

// Validate checks ranges and that names and ids parse
func (c *Config) Validate() error {
	var errs []error

	if _, err := audio.ParseHostAPI(c.HostAPI); err != nil {
		errs = append(errs, err)
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate))
	}
	if c.Channels < 1 {
		errs = append(errs, fmt.Errorf("channels must be at least 1, got %d", c.Channels))
	}
	if c.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("block_size must not be negative, got %d", c.BlockSize))
	}
	if c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required"))
	}
	if c.NATS.StreamID != "" {
		if _, err := uuid.Parse(c.NATS.StreamID); err != nil {
			errs = append(errs, fmt.Errorf("nats.stream_id: %w", err))
		}
	}
	if c.NATS.ConnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("nats.connect_attempts must be at least 1, got %d", c.NATS.ConnectAttempts))
	}
	if c.NATS.RingBlocks < 1 {
		errs = append(errs, fmt.Errorf("nats.ring_blocks must be at least 1, got %d", c.NATS.RingBlocks))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// API resolves the configured host API
func (c *Config) API() audio.HostAPI {
	api, err := audio.ParseHostAPI(c.HostAPI)
	if err != nil || api == audio.HostAPIUnspecified {
		return audio.DefaultHostAPI()
	}
	return api
}

// StreamUUID returns the configured relay stream id, or a fresh one
func (c *Config) StreamUUID() uuid.UUID {
	if id, err := uuid.Parse(c.NATS.StreamID); err == nil {
		return id
	}
	return uuid.New()
}

// StreamOptions converts the stream settings into audio options
func (c *Config) StreamOptions() []audio.Option {
	return []audio.Option{
		audio.WithHostAPI(c.API()),
		audio.WithSampleRate(c.SampleRate),
		audio.WithChannels(c.Channels),
		audio.WithBlockSize(c.BlockSize),
	}
}
