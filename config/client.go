// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

const (
	defaultRPIDurationMs = 15 * 60 * 1000 // 15 minutes.
	defaultReportDays    = 14
)

// ErrConfigInvalid reports an impossible option combination, surfaced
// synchronously from LoadClientFile/LoadClient rather than through any
// error stream.
var ErrConfigInvalid = errors.New("config: invalid configuration")

// ClientConfig is the client engine's enumerated option set.
type ClientConfig struct {
	ReportURL        string `toml:"reportUrl"`
	DownloadURL      string `toml:"downloadUrl"`
	AppSecret        string `toml:"appSecret"`
	RPIDurationMs    int64  `toml:"rpiDurationMs"`
	RescanIntervalMs int64  `toml:"rescanIntervalMs"`
	ReportDays       int    `toml:"reportDays"`
	DataDir          string `toml:"dataDir"`

	Logging *Logging
}

// LoadClient parses and validates raw TOML bytes into a ClientConfig.
func LoadClient(b []byte) (*ClientConfig, error) {
	cfg := new(ClientConfig)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing client config: %w", err)
	}
	if err := cfg.fixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClientFile loads, parses, and validates the client config at path.
func LoadClientFile(path string) (*ClientConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading client config: %w", err)
	}
	return LoadClient(b)
}

func (c *ClientConfig) fixupAndValidate() error {
	if c.ReportURL == "" {
		return fmt.Errorf("%w: reportUrl is required", ErrConfigInvalid)
	}
	if c.DownloadURL == "" {
		return fmt.Errorf("%w: downloadUrl is required", ErrConfigInvalid)
	}
	if c.AppSecret == "" {
		return fmt.Errorf("%w: appSecret is required", ErrConfigInvalid)
	}

	if c.RPIDurationMs == 0 {
		c.RPIDurationMs = defaultRPIDurationMs
	}
	if c.ReportDays == 0 {
		c.ReportDays = defaultReportDays
	}
	if c.RescanIntervalMs > c.RPIDurationMs {
		return fmt.Errorf("%w: rescanIntervalMs (%d) must be <= rpiDurationMs (%d)",
			ErrConfigInvalid, c.RescanIntervalMs, c.RPIDurationMs)
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}

	if c.Logging == nil {
		l := defaultLogging
		c.Logging = &l
	}
	return c.Logging.validate()
}
