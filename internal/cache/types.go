// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package cache implements the Dealer's per-handle message cache: a
// new-queue of messages awaiting first dispatch and a sent-map of
// in-flight messages tracked per endpoint, with ACK tracking, timeout
// retry, and deadline expiration (spec §4.D).
package cache

import (
	"fmt"
	"time"
)

// Path names a logical destination, a (service, handle) pair.
// Immutable after construction, per spec §3 "Message path".
type Path struct {
	Service string
	Handle  string
}

func (p Path) String() string {
	return fmt.Sprintf("%s.%s", p.Service, p.Handle)
}

// Policy is the set of recognized per-message delivery options
// (spec §3 "Message policy").
type Policy struct {
	Urgent            bool
	Mailboxed         bool
	Timeout           time.Duration // single-attempt ACK window
	Deadline          time.Duration // absolute expiry from enqueue; 0 = never
	MaxTimeoutRetries int
}

// Endpoint is a (transport_address, route_token) pair. Two endpoints
// compare equal iff both fields match; ordering is lexicographic on
// their concatenation (spec §3 "Endpoint").
type Endpoint struct {
	Address string
	Route   string
}

func (e Endpoint) String() string { return e.Address + "|" + e.Route }

// Less orders endpoints lexicographically on their concatenation.
func (e Endpoint) Less(other Endpoint) bool {
	return e.String() < other.String()
}

// ResponseStatus enumerates the terminal/non-terminal classes a
// worker's reply can carry (spec §6).
type ResponseStatus int

const (
	StatusChunk ResponseStatus = iota
	StatusChoke
	StatusError
)

// Response is one reply the Dealer delivers to a user callback
// (spec §3 "Response").
type Response struct {
	UUID        string
	Path        Path
	Route       string
	Status      ResponseStatus
	Payload     []byte
	ErrorCode   int
	ErrorMessage string
	ReceivedAt  time.Time
}

// lifecycle enumerates the exactly-one-of-three states a Message
// occupies, per spec §3 "Message" invariant.
type lifecycle int

const (
	stateNew lifecycle = iota
	stateSent
	stateDone
)

// Message owns everything the cache and handle thread need to track
// one outstanding request (spec §3 "Message").
type Message struct {
	UUID        string
	Path        Path
	Policy      Policy
	Payload     []byte
	Metadata    map[string]string // §11 supplement: optional routing hints
	EnqueuedAt  time.Time
	SentAt      time.Time
	AckReceived bool
	RetryCount  int
	Endpoint    Endpoint

	state lifecycle
}

// Expired reports whether this message has passed its absolute
// deadline, relative to now. A zero Deadline never expires.
func (m *Message) Expired(now time.Time) bool {
	if m.Policy.Deadline <= 0 {
		return false
	}
	return now.Sub(m.EnqueuedAt) > m.Policy.Deadline
}

// TimedOut reports whether this message has been sent, is still
// unacknowledged, and its single-attempt timeout window has elapsed.
func (m *Message) TimedOut(now time.Time) bool {
	if m.state != stateSent || m.AckReceived {
		return false
	}
	return now.Sub(m.SentAt) > m.Policy.Timeout
}

// CanRetry reports whether another timeout-triggered reschedule is
// still permitted under policy.max_timeout_retries.
func (m *Message) CanRetry() bool {
	return m.RetryCount < m.Policy.MaxTimeoutRetries
}
