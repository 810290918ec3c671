// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package dealer

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cocaine/cocaine-core/internal/cache"
	"github.com/cocaine/cocaine-core/internal/stats"
)

// signalKind is one of the four control-socket signals the Dealer
// main thread sends a handle (spec §4.F step 1).
type signalKind int

const (
	sigConnect signalKind = iota
	sigUpdate
	sigDisconnect
	sigKill
)

type controlSignal struct {
	kind      signalKind
	endpoints []cache.Endpoint
}

// sendBatchSize bounds how many new_q messages one loop tick drains,
// spec §4.F step 2 "send up to a small batch (e.g. 100)".
const sendBatchSize = 100

// expiryInterval is the collect_expired cadence, spec §4.F step 5
// "every ~10 ms".
const expiryInterval = 10 * time.Millisecond

// degradedThreshold is how many consecutive failures (dial errors or
// dead connections) mark an endpoint degraded; the balancer skips a
// degraded endpoint in favor of a healthy one when one is available
// (spec §11 supplement, host/endpoint weighting).
const degradedThreshold = 3

// Dialer opens a transport connection to a worker's control address.
// Swappable for tests.
type Dialer func(address string) (net.Conn, error)

func defaultDialer(address string) (net.Conn, error) {
	return net.DialTimeout("tcp", address, 2*time.Second)
}

// Handle is the per-handle worker described in spec §4.F: one
// goroutine owning the handle's message cache, its connection set,
// and a round-robin cursor over the current endpoint list. Control
// signals, inbound frames, and timers are multiplexed with select —
// the Go replacement for a reactor's watcher/checker pair spelled out
// in spec §9.
type Handle struct {
	path   cache.Path
	cache  *cache.Cache
	dialer Dialer
	logger *slog.Logger

	control chan controlSignal
	inbox   chan inboundEvent
	outbox  chan cache.Response

	// limiter caps outbound requests/sec for this handle when set;
	// nil means unlimited. Guards against a single misbehaving handle
	// saturating a worker's control socket (spec §5 resource model).
	limiter *rate.Limiter

	// stats, if set, receives per-handle counters on every expiry tick
	// (spec §11 supplement).
	stats    *stats.Collector
	counters stats.HandleStats

	done chan struct{}
	wg   sync.WaitGroup

	// Accessed only from the loop goroutine.
	conns     map[string]net.Conn
	endpoints []cache.Endpoint
	rrCursor  int
	connected bool
	failures  map[string]int // address -> consecutive failure count
}

type inboundEvent struct {
	address string
	frame   inboundFrame
	err     error // non-nil means the connection at address died
}

// NewHandle constructs a Handle for path, backed by c. The caller must
// call Start.
func NewHandle(path cache.Path, c *cache.Cache, dialer Dialer, logger *slog.Logger) *Handle {
	if dialer == nil {
		dialer = defaultDialer
	}
	return &Handle{
		path:     path,
		cache:    c,
		dialer:   dialer,
		logger:   logger,
		control:  make(chan controlSignal, 8),
		inbox:    make(chan inboundEvent, 64),
		outbox:   make(chan cache.Response, 64),
		done:     make(chan struct{}),
		conns:    make(map[string]net.Conn),
		failures: make(map[string]int),
	}
}

// SetStatsCollector wires this handle's per-tick counters into c.
func (h *Handle) SetStatsCollector(c *stats.Collector) { h.stats = c }

func (h *Handle) publishStats() {
	if h.stats == nil {
		return
	}
	h.counters.QueueLength = h.cache.Len()
	h.stats.UpdateHandleStats(h.path.Service, h.path.Handle, h.counters)
}

// SetRateLimit caps this handle's outbound request rate to n/sec with
// a matching burst. Must be called before Start.
func (h *Handle) SetRateLimit(perSecond float64) {
	h.limiter = rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1)
}

// Responses returns the channel the per-service dispatch thread drains
// (spec §4.F "Response dispatch thread").
func (h *Handle) Responses() <-chan cache.Response { return h.outbox }

// Connect delivers the handle's initial endpoint set.
func (h *Handle) Connect(endpoints []cache.Endpoint) { h.signal(sigConnect, endpoints) }

// Update delivers a fresh endpoint snapshot.
func (h *Handle) Update(endpoints []cache.Endpoint) { h.signal(sigUpdate, endpoints) }

// Disconnect tears down the handle's sockets without killing the loop.
func (h *Handle) Disconnect() { h.signal(sigDisconnect, nil) }

// Kill stops the loop; the caller should then Drain the cache to
// splice outstanding work back into the service's orphan queue.
func (h *Handle) Kill() {
	h.signal(sigKill, nil)
	h.wg.Wait()
}

func (h *Handle) signal(kind signalKind, endpoints []cache.Endpoint) {
	select {
	case h.control <- controlSignal{kind: kind, endpoints: endpoints}:
	case <-h.done:
	}
}

// Start launches the handle's single worker goroutine.
func (h *Handle) Start() {
	h.wg.Add(1)
	go h.loop()
}

func (h *Handle) loop() {
	defer h.wg.Done()
	defer h.teardownAll()
	defer close(h.outbox)

	sendTicker := time.NewTicker(2 * time.Millisecond)
	defer sendTicker.Stop()
	expiryTicker := time.NewTicker(expiryInterval)
	defer expiryTicker.Stop()

	for {
		select {
		case sig := <-h.control:
			if h.applyControl(sig) {
				close(h.done)
				return
			}
		case ev := <-h.inbox:
			h.handleInbound(ev)
		case <-sendTicker.C:
			h.sendBatch()
		case <-expiryTicker.C:
			h.handleExpired()
		}
	}
}

// applyControl returns true when the handle should exit (kill).
func (h *Handle) applyControl(sig controlSignal) bool {
	switch sig.kind {
	case sigConnect:
		h.endpoints = sig.endpoints
		h.connected = len(h.endpoints) > 0
		h.connectMissing()
	case sigUpdate:
		added, removed := diffEndpoints(h.endpoints, sig.endpoints)
		h.endpoints = sig.endpoints
		h.connected = len(h.endpoints) > 0
		if len(removed) > 0 {
			// Per-identity route state goes stale; rebuild from scratch.
			h.teardownAll()
			h.connectMissing()
		} else if len(added) > 0 {
			h.connectMissing()
		}
	case sigDisconnect:
		h.teardownAll()
		h.connected = false
	case sigKill:
		return true
	}
	return false
}

func (h *Handle) connectMissing() {
	seen := make(map[string]bool)
	for _, ep := range h.endpoints {
		if seen[ep.Address] || h.conns[ep.Address] != nil {
			seen[ep.Address] = true
			continue
		}
		seen[ep.Address] = true
		conn, err := h.dialer(ep.Address)
		if err != nil {
			if h.logger != nil {
				h.logger.Warn("dealer: connect failed", "handle", h.path, "address", ep.Address, "error", err)
			}
			h.failures[ep.Address]++
			continue
		}
		h.conns[ep.Address] = conn
		h.wg.Add(1)
		go h.readConn(ep.Address, conn)
	}
}

func (h *Handle) teardownAll() {
	for addr, conn := range h.conns {
		conn.Close()
		delete(h.conns, addr)
	}
}

func (h *Handle) readConn(address string, conn net.Conn) {
	defer h.wg.Done()
	for {
		frame, err := recvResponse(conn)
		select {
		case h.inbox <- inboundEvent{address: address, frame: frame, err: err}:
		case <-h.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// nextEndpoint picks the next round-robin endpoint, skipping one marked
// degraded (degradedThreshold consecutive failures) as long as a
// healthy alternative exists; if every endpoint is degraded it falls
// back to plain round robin rather than refusing to send (spec §11
// supplement, host/endpoint weighting).
func (h *Handle) nextEndpoint() (cache.Endpoint, bool) {
	n := len(h.endpoints)
	if n == 0 {
		return cache.Endpoint{}, false
	}
	for i := 0; i < n; i++ {
		ep := h.endpoints[(h.rrCursor+i)%n]
		if h.failures[ep.Address] < degradedThreshold {
			h.rrCursor += i + 1
			return ep, true
		}
	}
	ep := h.endpoints[h.rrCursor%n]
	h.rrCursor++
	return ep, true
}

func (h *Handle) sendBatch() {
	if !h.connected {
		return
	}
	for i := 0; i < sendBatchSize; i++ {
		if h.cache.Len() == 0 {
			return
		}
		if h.limiter != nil && !h.limiter.Allow() {
			return
		}
		ep, ok := h.nextEndpoint()
		if !ok {
			return
		}
		conn, ok := h.conns[ep.Address]
		if !ok {
			// The connection died since it was dialed; redial before giving up.
			h.connectMissing()
			if conn, ok = h.conns[ep.Address]; !ok {
				return
			}
		}
		msg, ok := h.cache.PopNew()
		if !ok {
			return
		}
		if err := sendRequest(conn, ep.Route, msg); err != nil {
			if h.logger != nil {
				h.logger.Warn("dealer: send failed, re-routing", "handle", h.path, "uuid", msg.UUID, "error", err)
			}
			_ = h.cache.EnqueuePriority(msg)
			h.counters.ResentMessages++
			continue
		}
		h.cache.MoveToSent(ep, msg)
		h.counters.SentMessages++
	}
}

func (h *Handle) handleInbound(ev inboundEvent) {
	if ev.err != nil {
		if conn, ok := h.conns[ev.address]; ok {
			conn.Close()
			delete(h.conns, ev.address)
		}
		h.failures[ev.address]++
		return
	}

	ep := cache.Endpoint{Address: ev.address, Route: ev.frame.route}
	msg, ok := h.cache.Lookup(ep, ev.frame.uuid)
	if !ok {
		return
	}

	switch ev.frame.code {
	case 1: // ACK
		h.cache.OnAck(ep, ev.frame.uuid)
		h.counters.AckedMessages++
		h.failures[ev.address] = 0
	case 5: // CHUNK
		h.emit(cache.Response{
			UUID: ev.frame.uuid, Path: h.path, Route: ep.Route,
			Status: cache.StatusChunk, Payload: ev.frame.payload, ReceivedAt: time.Now(),
		})
	case 6: // ERROR (terminal)
		if err := h.cache.OnTerminal(ep, ev.frame.uuid); err != nil && h.logger != nil {
			h.logger.Error("dealer: persistent store delete failed", "uuid", ev.frame.uuid, "error", err)
		}
		h.counters.ErrorMessages++
		h.emit(cache.Response{
			UUID: ev.frame.uuid, Path: h.path, Route: ep.Route,
			Status: cache.StatusError, ErrorCode: ev.frame.errorCode,
			ErrorMessage: ev.frame.errorMessage, ReceivedAt: time.Now(),
		})
	case 7: // CHOKE (terminal)
		if err := h.cache.OnTerminal(ep, ev.frame.uuid); err != nil && h.logger != nil {
			h.logger.Error("dealer: persistent store delete failed", "uuid", ev.frame.uuid, "error", err)
		}
		h.emit(cache.Response{
			UUID: ev.frame.uuid, Path: h.path, Route: ep.Route,
			Status: cache.StatusChoke, ReceivedAt: time.Now(),
		})
	}
	_ = msg
}

func (h *Handle) handleExpired() {
	now := time.Now()
	for _, exp := range h.cache.CollectExpired(now) {
		msg := exp.Message
		if exp.PastDeadline {
			// A past-deadline message is either in sent (dispatched, awaiting
			// a reply) or still in new_q (never dispatched at all). Only one
			// of these removes anything; both must run or an un-dispatched
			// message would never leave new_q and collect_expired would
			// re-surface it on every tick (spec §8 "exactly one terminal
			// event").
			if err := h.cache.OnTerminal(msg.Endpoint, msg.UUID); err != nil && h.logger != nil {
				h.logger.Error("dealer: persistent store delete failed", "uuid", msg.UUID, "error", err)
			}
			h.cache.RemoveNew(msg.UUID)
			h.counters.ErrorMessages++
			h.emit(cache.Response{
				UUID: msg.UUID, Path: h.path,
				Status: cache.StatusError, ErrorCode: CodeDeadlineError,
				ErrorMessage: "message passed its deadline", ReceivedAt: now,
			})
			continue
		}

		if msg.CanRetry() {
			msg.RetryCount++
			if _, ok := h.cache.Requeue(msg.Endpoint, msg.UUID, true); ok && h.logger != nil {
				h.logger.Debug("dealer: retrying after timeout", "uuid", msg.UUID, "attempt", msg.RetryCount)
			}
			continue
		}

		if err := h.cache.OnTerminal(msg.Endpoint, msg.UUID); err != nil && h.logger != nil {
			h.logger.Error("dealer: persistent store delete failed", "uuid", msg.UUID, "error", err)
		}
		h.counters.ErrorMessages++
		h.emit(cache.Response{
			UUID: msg.UUID, Path: h.path,
			Status: cache.StatusError, ErrorCode: CodeRequestError,
			ErrorMessage: "server did not reply with ack in time", ReceivedAt: now,
		})
	}
	h.publishStats()
}

func (h *Handle) emit(resp cache.Response) {
	select {
	case h.outbox <- resp:
	case <-h.done:
	}
}

func diffEndpoints(old, next []cache.Endpoint) (added, removed []cache.Endpoint) {
	oldSet := make(map[cache.Endpoint]bool, len(old))
	for _, e := range old {
		oldSet[e] = true
	}
	nextSet := make(map[cache.Endpoint]bool, len(next))
	for _, e := range next {
		nextSet[e] = true
		if !oldSet[e] {
			added = append(added, e)
		}
	}
	for _, e := range old {
		if !nextSet[e] {
			removed = append(removed, e)
		}
	}
	return added, removed
}
