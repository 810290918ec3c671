// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// HandleEndpoint pairs a live endpoint with the route token a task
// reported at it, the unit the Dealer dispatches against (spec §4.E
// step 4, "project to app → { task → (endpoint, route) }").
type HandleEndpoint struct {
	Endpoint Endpoint
	Route    string
}

// Callback receives one service's fresh snapshot every tick: a full
// current view, not a diff (spec §4.E "Atomicity" — callers diff it
// themselves if they need to).
type Callback func(serviceAlias string, handles map[string][]HandleEndpoint)

type serviceEntry struct {
	alias   string
	app     string
	fetcher Fetcher

	lastGood []Endpoint // retained across fetch failures, spec §4.E "Failure handling"
}

// Coordinator runs the single per-Dealer resolver task described in
// spec §4.E: one tick fetches every configured service's candidate
// endpoints, dedupes them into one probe set, probes each endpoint
// once, then emits a per-service (app, handle) → endpoint snapshot.
type Coordinator struct {
	logger   *slog.Logger
	interval time.Duration
	callback Callback

	mu       sync.Mutex
	services []*serviceEntry

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewCoordinator builds a Coordinator that ticks every interval and
// invokes callback with each service's fresh snapshot.
func NewCoordinator(logger *slog.Logger, interval time.Duration, callback Callback) *Coordinator {
	if interval <= 0 {
		interval = fetchCadence
	}
	return &Coordinator{
		logger:   logger,
		interval: interval,
		callback: callback,
		stopCh:   make(chan struct{}),
	}
}

// Register adds a service's autodiscovery fetcher. Must be called
// before Start.
func (c *Coordinator) Register(alias, app string, fetcher Fetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services = append(c.services, &serviceEntry{alias: alias, app: app, fetcher: fetcher})
}

// Start launches the coordinator's single background tick loop.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.loop()
}

// Stop halts the tick loop and waits for it to exit.
func (c *Coordinator) Stop() {
	c.stopped.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Coordinator) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.tick(context.Background())
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.tick(context.Background())
		}
	}
}

// tick runs one full resolver pass: fetch, dedupe, probe, project,
// emit (spec §4.E steps 1-4).
func (c *Coordinator) tick(ctx context.Context) {
	c.mu.Lock()
	services := make([]*serviceEntry, len(c.services))
	copy(services, c.services)
	c.mu.Unlock()

	fetched := make(map[string][]Endpoint, len(services))
	allEndpoints := make(map[Endpoint]struct{})

	for _, svc := range services {
		eps, err := svc.fetcher.Fetch(ctx)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("heartbeat: fetcher failed, retaining last good list",
					"service", svc.alias, "error", err)
			}
			eps = svc.lastGood
		} else {
			svc.lastGood = eps
		}
		fetched[svc.alias] = eps
		for _, ep := range eps {
			allEndpoints[ep] = struct{}{}
		}
	}

	probed := make(map[Endpoint]NodeInfo, len(allEndpoints))
	for ep := range allEndpoints {
		info, err := Probe(ctx, ep)
		if err != nil {
			if c.logger != nil {
				c.logger.Debug("heartbeat: probe failed, endpoint down this round",
					"endpoint", ep, "error", err)
			}
			continue
		}
		probed[ep] = info
	}

	for _, svc := range services {
		handles := make(map[string][]HandleEndpoint)
		for _, ep := range fetched[svc.alias] {
			info, ok := probed[ep]
			if !ok {
				continue
			}
			app, ok := info.Apps[svc.app]
			if !ok || !app.Running {
				continue
			}
			for taskName, task := range app.Tasks {
				if task.Type != "native-server" {
					if c.logger != nil {
						c.logger.Debug("heartbeat: skipping non-native-server task",
							"service", svc.alias, "task", taskName, "type", task.Type)
					}
					continue
				}
				handles[taskName] = append(handles[taskName], HandleEndpoint{Endpoint: ep, Route: task.Route})
			}
		}
		if c.callback != nil {
			c.callback(svc.alias, handles)
		}
	}
}
