// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package config loads the Dealer's single JSON configuration file
// (spec §6 "Configuration").
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SupportedVersion is the only config.version this loader accepts.
const SupportedVersion = 1

// Config is the root of the single JSON configuration file (spec §6).
type Config struct {
	Version                int                      `json:"version"`
	DefaultMessageDeadline float64                  `json:"default_message_deadline"`
	MessageCache           MessageCacheConfig       `json:"message_cache"`
	Logger                 LoggerConfig             `json:"logger"`
	PersistentStorage      PersistentStorageConfig  `json:"persistent_storage"`
	TLS                    TLSConfig                `json:"tls"`
	ServiceLogDir          string                   `json:"service_log_dir"`
	Services               map[string]ServiceConfig `json:"services"`
}

// TLSConfig configures mutual TLS to worker connections (spec §9
// "Ambient Stack"). Optional: a zero value leaves the Dealer on plain
// TCP, matching the original's default.
type TLSConfig struct {
	Enabled    bool   `json:"enabled"`
	CACert     string `json:"ca_cert"`
	ClientCert string `json:"client_cert"`
	ClientKey  string `json:"client_key"`
}

// MessageCacheConfig selects between the RAM-only and persistent cache
// backends (spec §4.D "Persistence").
type MessageCacheConfig struct {
	Type string `json:"type"` // "RAM_ONLY" | "PERSISTENT"
}

// LoggerConfig configures the ambient logging sink (spec §6
// "logger.type", "logger.flags").
type LoggerConfig struct {
	Type  string `json:"type"`  // "STDOUT" | "FILE" | "SYSLOG"
	Flags string `json:"flags"` // e.g. "PLOG_INFO|PLOG_WARNING"
	Path  string `json:"path"`  // required when type == FILE
}

// PersistentStorageConfig configures the content-addressed append-log
// backend (spec §6 "persistent_storage").
type PersistentStorageConfig struct {
	EblobPath         string   `json:"eblob_path"`
	BlobSize          ByteSize `json:"blob_size"`
	EblobSyncInterval int      `json:"eblob_sync_interval"` // seconds
}

// ByteSize unmarshals persistent_storage.blob_size from either a plain
// byte count ("blob_size": 268435456) or a human-readable size string
// ("blob_size": "256mb"), via ParseByteSize.
type ByteSize int64

func (s *ByteSize) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*s = ByteSize(n)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("blob_size must be a byte count or a size string: %w", err)
	}
	parsed, err := ParseByteSize(str)
	if err != nil {
		return err
	}
	*s = ByteSize(parsed)
	return nil
}

// AutodiscoveryConfig names a service's endpoint source (spec §6
// "services.<alias>.autodiscovery").
type AutodiscoveryConfig struct {
	Source string `json:"source"`
	Type   string `json:"type"` // "FILE" | "HTTP" | "MULTICAST"
}

// ServiceConfig is one declared service entry (spec §6
// "services.<alias>").
type ServiceConfig struct {
	Description string              `json:"description"`
	App         string              `json:"app"`
	Autodiscovery AutodiscoveryConfig `json:"autodiscovery"`

	// MaxRequestsPerSecond is a §11 supplement beyond the distilled
	// spec's schema, plumbed to dealer.ServiceConfig.MaxRequestsPerSecond.
	MaxRequestsPerSecond float64 `json:"max_requests_per_second"`
}

// Load reads, parses, and validates the JSON config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %q: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %q: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Version != SupportedVersion {
		return fmt.Errorf("unsupported version %d, want %d", c.Version, SupportedVersion)
	}

	switch c.MessageCache.Type {
	case "", "RAM_ONLY":
		c.MessageCache.Type = "RAM_ONLY"
	case "PERSISTENT":
		if c.PersistentStorage.EblobPath == "" {
			return fmt.Errorf("persistent_storage.eblob_path is required when message_cache.type is PERSISTENT")
		}
	default:
		return fmt.Errorf("message_cache.type must be RAM_ONLY or PERSISTENT, got %q", c.MessageCache.Type)
	}

	switch c.Logger.Type {
	case "", "STDOUT":
		c.Logger.Type = "STDOUT"
	case "FILE":
		if c.Logger.Path == "" {
			return fmt.Errorf("logger.path is required when logger.type is FILE")
		}
	case "SYSLOG":
	default:
		return fmt.Errorf("logger.type must be STDOUT, FILE, or SYSLOG, got %q", c.Logger.Type)
	}

	if c.TLS.Enabled {
		if c.TLS.CACert == "" || c.TLS.ClientCert == "" || c.TLS.ClientKey == "" {
			return fmt.Errorf("tls.ca_cert, tls.client_cert, and tls.client_key are all required when tls.enabled is true")
		}
	}

	if len(c.Services) == 0 {
		return fmt.Errorf("services must declare at least one alias")
	}
	seenNormalized := make(map[string]string, len(c.Services))
	for alias, svc := range c.Services {
		// JSON object keys are already unique per Go's decoder, but
		// case/whitespace variants of the same alias are still a
		// duplicate in spirit (spec §6 "duplicate aliases reject the
		// config") — reject those too.
		normalized := strings.ToLower(strings.TrimSpace(alias))
		if other, dup := seenNormalized[normalized]; dup {
			return fmt.Errorf("duplicate service alias %q collides with %q", alias, other)
		}
		seenNormalized[normalized] = alias

		if svc.App == "" {
			return fmt.Errorf("services.%s.app is required", alias)
		}
		switch svc.Autodiscovery.Type {
		case "FILE", "HTTP", "MULTICAST":
		default:
			return fmt.Errorf("services.%s.autodiscovery.type must be FILE, HTTP, or MULTICAST, got %q", alias, svc.Autodiscovery.Type)
		}
		if svc.Autodiscovery.Type != "MULTICAST" && svc.Autodiscovery.Source == "" {
			return fmt.Errorf("services.%s.autodiscovery.source is required for type %q", alias, svc.Autodiscovery.Type)
		}
	}

	return nil
}

// DeadlineDuration converts default_message_deadline (seconds) to a
// time.Duration.
func (c *Config) DeadlineDuration() time.Duration {
	return time.Duration(c.DefaultMessageDeadline * float64(time.Second))
}

// BlobSizeBytes returns persistent_storage.blob_size in bytes.
func (c *Config) BlobSizeBytes() int64 {
	return int64(c.PersistentStorage.BlobSize)
}

// ParseByteSize converts human-readable sizes like "256mb", "1gb" into
// bytes. ByteSize.UnmarshalJSON uses it for string-valued blob_size.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("config: empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("config: invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: unknown size format %q", s)
	}
	return num, nil
}
