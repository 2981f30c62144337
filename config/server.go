// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

const (
	defaultRetentionDays     = 14
	defaultHost              = "0.0.0.0"
	defaultPort              = 8080
	defaultRateLimitMax      = 300
	defaultRateLimitWindowMs = 60_000
)

// RateLimit bounds requests per client IP. cmd/vailix-server applies Max
// as a per-IP token bucket refilling at Max requests per minute; WindowMs
// is defaulted here but not read by the server, so a window other than
// one minute has no effect.
type RateLimit struct {
	Max      int   `toml:"max"`
	WindowMs int64 `toml:"windowMs"`
}

// ServerConfig is the ingest server's enumerated option set.
type ServerConfig struct {
	DataDir        string    `toml:"dataDir"`
	Secret         string    `toml:"secret"`
	RetentionDays  int       `toml:"retentionDays"`
	Host           string    `toml:"host"`
	Port           int       `toml:"port"`
	RateLimit      RateLimit `toml:"rateLimit"`
	AttestProvider string    `toml:"attestProvider"`

	Logging *Logging
}

// LoadServer parses and validates raw TOML bytes into a ServerConfig, then
// applies the environment-variable overlay used by the container image.
func LoadServer(b []byte) (*ServerConfig, error) {
	cfg := new(ServerConfig)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing server config: %w", err)
	}
	cfg.applyEnvOverlay(os.LookupEnv)
	if err := cfg.fixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadServerFile loads, parses, and validates the server config at path.
func LoadServerFile(path string) (*ServerConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading server config: %w", err)
	}
	return LoadServer(b)
}

// applyEnvOverlay lets the deployment environment override file-based
// settings without rebuilding the image, matching the container's
// MONGODB_URI/APP_SECRET/PORT/HOST/VAILIX_RETENTION_DAYS/ATTEST_PROVIDER
// contract.
func (c *ServerConfig) applyEnvOverlay(lookup func(string) (string, bool)) {
	if v, ok := lookup("MONGODB_URI"); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := lookup("APP_SECRET"); ok && v != "" {
		c.Secret = v
	}
	if v, ok := lookup("HOST"); ok && v != "" {
		c.Host = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v, ok := lookup("VAILIX_RETENTION_DAYS"); ok && v != "" {
		if days, err := strconv.Atoi(v); err == nil {
			c.RetentionDays = days
		}
	}
	if v, ok := lookup("ATTEST_PROVIDER"); ok && v != "" {
		c.AttestProvider = v
	}
}

func (c *ServerConfig) fixupAndValidate() error {
	if c.Secret == "" {
		return fmt.Errorf("%w: secret is required", ErrConfigInvalid)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: dataDir is required", ErrConfigInvalid)
	}

	if c.RetentionDays == 0 {
		c.RetentionDays = defaultRetentionDays
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("%w: retentionDays must be positive", ErrConfigInvalid)
	}
	if c.Host == "" {
		c.Host = defaultHost
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.RateLimit.Max == 0 {
		c.RateLimit.Max = defaultRateLimitMax
	}
	if c.RateLimit.WindowMs == 0 {
		c.RateLimit.WindowMs = defaultRateLimitWindowMs
	}

	if c.Logging == nil {
		l := defaultLogging
		c.Logging = &l
	}
	return c.Logging.validate()
}
