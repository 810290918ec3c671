// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package stats is the Dealer's in-process statistics collector,
// grounded on the original implementation's statistics_collector
// (original_source/include/cocaine/dealer/core/statistics_collector.hpp).
// It is deliberately NOT a metrics-aggregation service — spec §1 lists
// "logging aggregation as a service" among its Non-goals — this is
// plain in-process bookkeeping the CLI exposes over one HTTP endpoint.
package stats

import (
	"sync"
	"time"
)

// HandleStats mirrors the original's handle_stats: counters for one
// (service, handle) pair's message flow.
type HandleStats struct {
	SentMessages     int64     `json:"sent_messages"`
	AckedMessages    int64     `json:"acked_messages"`
	ResentMessages   int64     `json:"resent_messages"`
	ErrorMessages    int64     `json:"error_messages"`
	QueueLength      int       `json:"queue_length"`
	LastUpdated      time.Time `json:"last_updated"`
}

// ServiceStats mirrors the original's service_stats: the set of
// endpoints currently backing a service.
type ServiceStats struct {
	Endpoints   int       `json:"endpoints"`
	LastUpdated time.Time `json:"last_updated"`
}

type handleKey struct {
	service string
	handle  string
}

// Collector accumulates statistics fed by the Dealer's services and
// handles. Safe for concurrent use; every update is O(1) under one
// mutex, matching the original's single boost::mutex design.
type Collector struct {
	mu            sync.Mutex
	enabled       bool
	usedCacheSize int64
	services      map[string]ServiceStats
	handles       map[handleKey]HandleStats
}

// New constructs an enabled Collector.
func New() *Collector {
	return &Collector{
		enabled:  true,
		services: make(map[string]ServiceStats),
		handles:  make(map[handleKey]HandleStats),
	}
}

// Enable toggles collection; updates are dropped while disabled, as in
// the original's enable(bool) method.
func (c *Collector) Enable(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = v
}

// UpdateUsedCacheSize records the total payload bytes currently held
// across every handle's message cache.
func (c *Collector) UpdateUsedCacheSize(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.usedCacheSize = n
}

// UpdateServiceStats records stats for one service.
func (c *Collector) UpdateServiceStats(service string, s ServiceStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	s.LastUpdated = time.Now()
	c.services[service] = s
}

// UpdateHandleStats records stats for one (service, handle) pair.
func (c *Collector) UpdateHandleStats(service, handle string, s HandleStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	s.LastUpdated = time.Now()
	c.handles[handleKey{service, handle}] = s
}

// HandleStats returns a copy of one (service, handle) pair's stats.
func (c *Collector) HandleStats(service, handle string) (HandleStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.handles[handleKey{service, handle}]
	return s, ok
}

// Snapshot is the JSON-serializable view Snapshot() and the HTTP
// endpoint both return — the Go analogue of the original's as_json().
type Snapshot struct {
	UsedCacheSize int64                    `json:"used_cache_size"`
	Services      map[string]ServiceStats  `json:"services"`
	Handles       map[string]HandleStats   `json:"handles"` // keyed "service.handle"
}

// Snapshot returns a consistent point-in-time copy of all collected
// statistics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	services := make(map[string]ServiceStats, len(c.services))
	for k, v := range c.services {
		services[k] = v
	}
	handles := make(map[string]HandleStats, len(c.handles))
	for k, v := range c.handles {
		handles[k.service+"."+k.handle] = v
	}
	return Snapshot{
		UsedCacheSize: c.usedCacheSize,
		Services:      services,
		Handles:       handles,
	}
}
