// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package logging

import (
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"strings"

	"github.com/cocaine/cocaine-core/internal/config"
)

// NewDealerLogger builds the Dealer's structured logger from a parsed
// config.LoggerConfig (spec §6 "logger.type", "logger.flags"), the Go
// equivalent of the original's PLOG_* severity mask. STDOUT and FILE
// are built on NewLogger's own level-parsing and stdout/file-multiwriter
// core rather than reimplementing it; SYSLOG is the one sink with no
// third-party equivalent anywhere in the example pack, so it's built
// directly on the standard library's log/syslog.
func NewDealerLogger(cfg config.LoggerConfig) (*slog.Logger, io.Closer, error) {
	level := flagsToLevel(cfg.Flags)

	switch cfg.Type {
	case "", "STDOUT":
		logger, closer := NewLogger(level, "json", "")
		return logger, closer, nil

	case "FILE":
		if cfg.Path == "" {
			return nil, nil, fmt.Errorf("logging: logger.path required for FILE type")
		}
		logger, closer := NewLogger(level, "json", cfg.Path)
		return logger, closer, nil

	case "SYSLOG":
		w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, "cocained")
		if err != nil {
			return nil, nil, fmt.Errorf("logging: connecting to syslog: %w", err)
		}
		opts := &slog.HandlerOptions{Level: parseLevel(level)}
		return slog.New(slog.NewTextHandler(w, opts)), w, nil

	default:
		return nil, nil, fmt.Errorf("logging: unknown logger.type %q", cfg.Type)
	}
}

// flagsToLevel maps the original's PLOG_DEBUG|PLOG_WARNING-style mask to
// the least severe level named, defaulting to info when flags is empty
// or unrecognized, so it can be handed straight to NewLogger.
func flagsToLevel(flags string) string {
	upper := strings.ToUpper(flags)
	switch {
	case strings.Contains(upper, "PLOG_DEBUG"):
		return "debug"
	case strings.Contains(upper, "PLOG_INFO"):
		return "info"
	case strings.Contains(upper, "PLOG_WARNING"):
		return "warn"
	case strings.Contains(upper, "PLOG_ERROR"):
		return "error"
	default:
		return "info"
	}
}
