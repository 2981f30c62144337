// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config implements TOML-decoded configuration for the client
// engine and the server binary, modeled on client2/config.Config's
// struct-of-sections-with-validate() shape.
package config

import (
	"fmt"
	"strings"
)

const defaultLogLevel = "NOTICE"

var defaultLogging = Logging{Level: defaultLogLevel}

// Logging configures the shared core/log backend.
type Logging struct {
	Disable bool   `toml:"disable"`
	File    string `toml:"file"`
	Level   string `toml:"level"`
}

func (l *Logging) validate() error {
	lvl := strings.ToUpper(l.Level)
	switch lvl {
	case "DEBUG", "INFO", "NOTICE", "WARNING", "ERROR", "CRITICAL":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging.Level %q is invalid", l.Level)
	}
	l.Level = lvl
	return nil
}
