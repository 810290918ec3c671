// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/cocaine/cocaine-core/internal/stats"
)

// startDiagnostics runs a periodic job that logs a one-line summary of
// the Dealer's stats snapshot, grounded on the scheduler pattern in
// the teacher's internal/agent/scheduler.go (cron.New +
// cron.WithLogger over a single slog handler). It is diagnostic only —
// the full snapshot is served over the HTTP stats endpoint when
// -stats-addr is set.
func startDiagnostics(collector *stats.Collector, logger *slog.Logger, schedule string) (*cron.Cron, error) {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	_, err := c.AddFunc(schedule, func() {
		snap := collector.Snapshot()
		logger.Info("cache diagnostics",
			"used_cache_size", snap.UsedCacheSize,
			"services", len(snap.Services),
			"handles", len(snap.Handles),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("registering diagnostics job: %w", err)
	}

	c.Start()
	return c, nil
}
