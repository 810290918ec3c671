// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package dealer

import (
	"log/slog"
	"sync"

	"github.com/cocaine/cocaine-core/internal/cache"
	"github.com/cocaine/cocaine-core/internal/heartbeat"
	"github.com/cocaine/cocaine-core/internal/stats"
)

// ResponseSink receives every Response for one outstanding message,
// in order, until a terminal status arrives (spec §4.F "send_message").
type ResponseSink func(cache.Response)

// Service owns every handle known under one configured app (spec §4.F
// "Dealer Facade"): a handle map, an orphan queue per not-yet-resolved
// handle name, and the response callback registry. Each of these is
// guarded by Service's own mutex — cross-component calls happen by
// message passing into handles' control channels, never by sharing
// their internals (spec §5 "Shared state and locks").
type Service struct {
	alias  string
	logger *slog.Logger
	dialer Dialer

	// newCache builds a fresh cache for the named handle; defaults to
	// an unbounded RAM-only cache. A Dealer configured for persistent
	// message caching (spec §6 "message_cache.type") overrides this to
	// open a distinct cache.BlobStore segment per handle, keyed by name.
	newCache func(handle string) *cache.Cache

	// handleRateLimit caps each created handle's outbound requests/sec;
	// 0 means unlimited.
	handleRateLimit float64

	// stats, if set, is wired into every handle this service creates so
	// their per-tick counters surface on the Dealer's stats endpoint.
	stats *stats.Collector

	mu        sync.Mutex
	handles   map[string]*Handle
	orphans   map[string][]*cache.Message
	callbacks map[string]ResponseSink

	stopped chan struct{}
	wg      sync.WaitGroup
}

// NewService constructs an empty Service for alias.
func NewService(alias string, dialer Dialer, logger *slog.Logger) *Service {
	return &Service{
		alias:     alias,
		logger:    logger,
		dialer:    dialer,
		newCache:  func(string) *cache.Cache { return cache.New(nil) },
		handles:   make(map[string]*Handle),
		orphans:   make(map[string][]*cache.Message),
		callbacks: make(map[string]ResponseSink),
		stopped:   make(chan struct{}),
	}
}

// SetCacheFactory overrides how this service builds a fresh per-handle
// cache. Used to plug in persistent caching (spec §4.D "Persistence").
func (s *Service) SetCacheFactory(factory func(handle string) *cache.Cache) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newCache = factory
}

// Enqueue accepts msg for handle. If the handle has not yet been
// revealed by the heartbeat callback, msg joins the orphan queue for
// that name and is spliced in once the handle is created, preserving
// enqueue order (spec §4.F "Service-level routing", §8 scenario 5).
func (s *Service) Enqueue(handle string, msg *cache.Message, sink ResponseSink) {
	s.mu.Lock()
	s.callbacks[msg.UUID] = sink
	h, ok := s.handles[handle]
	if !ok {
		s.orphans[handle] = append(s.orphans[handle], msg)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	_ = h.cache.Enqueue(msg)
}

// SetHandleRateLimit caps every handle this service creates henceforth
// to n requests/sec.
func (s *Service) SetHandleRateLimit(n float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handleRateLimit = n
}

// SetStatsCollector wires c into every handle this service creates
// henceforth; ApplySnapshot also reports the service's endpoint count
// to it.
func (s *Service) SetStatsCollector(c *stats.Collector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = c
}

// UnsetCallback removes uuid's registered response sink.
func (s *Service) UnsetCallback(uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.callbacks, uuid)
}

// ApplySnapshot reconciles the service's handle set against a fresh
// heartbeat snapshot (spec §4.E step 4, §4.F). Handles named in the
// snapshot but not yet known are created and their orphan queue is
// spliced in; handles no longer named are retired and their
// outstanding work folds back into the orphan queue.
func (s *Service) ApplySnapshot(handles map[string][]heartbeat.HandleEndpoint) {
	s.mu.Lock()

	for name, eps := range handles {
		endpoints := make([]cache.Endpoint, 0, len(eps))
		for _, e := range eps {
			endpoints = append(endpoints, cache.Endpoint{Address: e.Endpoint.String(), Route: e.Route})
		}

		h, exists := s.handles[name]
		if !exists {
			handleCache := s.newCache(name)
			if err := handleCache.Restore(); err != nil && s.logger != nil {
				s.logger.Error("dealer: restoring persistent cache failed", "service", s.alias, "handle", name, "error", err)
			}
			h = NewHandle(cache.Path{Service: s.alias, Handle: name}, handleCache, s.dialer, s.logger)
			if s.handleRateLimit > 0 {
				h.SetRateLimit(s.handleRateLimit)
			}
			if s.stats != nil {
				h.SetStatsCollector(s.stats)
			}
			s.handles[name] = h
			h.Start()
			s.wg.Add(1)
			go s.drainHandle(h)

			if pending := s.orphans[name]; len(pending) > 0 {
				for _, m := range pending {
					_ = h.cache.Enqueue(m)
				}
				delete(s.orphans, name)
			}
			h.Connect(endpoints)
			if s.stats != nil {
				s.stats.UpdateServiceStats(s.alias, stats.ServiceStats{Endpoints: len(endpoints)})
			}
			continue
		}
		h.Update(endpoints)
		if s.stats != nil {
			s.stats.UpdateServiceStats(s.alias, stats.ServiceStats{Endpoints: len(endpoints)})
		}
	}

	type retiree struct {
		name string
		h    *Handle
	}
	var retiring []retiree
	for name, h := range s.handles {
		if _, still := handles[name]; !still {
			retiring = append(retiring, retiree{name, h})
			delete(s.handles, name)
		}
	}
	s.mu.Unlock()

	// Kill blocks on the handle's loop goroutine exiting, which in turn
	// needs drainHandle to keep reading h.Responses() if its outbox is
	// full — and drainHandle needs s.mu to look up callbacks. Killing
	// while holding s.mu can deadlock the two against each other, so
	// retirement runs with the lock released; only the orphans/handles
	// map mutations above and below are ever done under s.mu.
	for _, r := range retiring {
		r.h.Kill()
		drained := r.h.cache.Drain()
		if len(drained) == 0 {
			continue
		}
		s.mu.Lock()
		s.orphans[r.name] = append(s.orphans[r.name], drained...)
		s.mu.Unlock()
	}
}

// drainHandle is the per-service "response dispatch thread" of spec
// §4.F: it drains one handle's outbound response queue and invokes
// the callback bound to each UUID, removing it on terminal frames.
func (s *Service) drainHandle(h *Handle) {
	defer s.wg.Done()
	for resp := range h.Responses() {
		s.mu.Lock()
		sink := s.callbacks[resp.UUID]
		terminal := resp.Status == cache.StatusChoke || resp.Status == cache.StatusError
		if terminal {
			delete(s.callbacks, resp.UUID)
		}
		s.mu.Unlock()

		if sink != nil {
			sink(resp)
		}
	}
}

// Shutdown kills every handle and waits for dispatch threads to drain.
func (s *Service) Shutdown() {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Kill()
	}
	s.wg.Wait()
}
