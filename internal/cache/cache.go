// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package cache

import (
	"sync"
	"time"
)

// Store is the optional persistence backend a Cache commits message
// metadata and payload into at enqueue, and removes from at terminal
// completion (spec §4.D "Persistence"). A nil Store means RAM_ONLY.
type Store interface {
	Put(msg *Message) error
	Delete(uuid string) error
	Load() ([]*Message, error)
}

// Cache is the per-handle message cache described in spec §4.D: a
// new-queue of messages awaiting first dispatch (FIFO, with a
// priority lane for retries) and a sent-map of in-flight messages
// keyed by destination endpoint then UUID.
type Cache struct {
	mu    sync.Mutex
	newQ  []*Message
	sent  map[Endpoint]map[string]*Message
	store Store
}

// New creates an empty, RAM-backed cache. Pass a non-nil Store to
// enable the persistent variant; the caller is responsible for
// invoking Restore once at startup to repopulate newQ from the store.
func New(store Store) *Cache {
	return &Cache{
		sent:  make(map[Endpoint]map[string]*Message),
		store: store,
	}
}

// Restore iterates the configured store and repopulates newQ, so a
// crash cannot silently drop accepted work (spec §4.D "Persistence").
// No-op when the cache has no store.
func (c *Cache) Restore() error {
	if c.store == nil {
		return nil
	}
	msgs, err := c.store.Load()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		m.state = stateNew
		c.newQ = append(c.newQ, m)
	}
	return nil
}

// Enqueue appends msg to the back of the new-queue and, if a store is
// configured, commits its metadata and payload. A store write failure
// aborts the enqueue with internal_error semantics: the caller must
// not consider the message accepted.
func (c *Cache) Enqueue(msg *Message) error {
	return c.enqueue(msg, false)
}

// EnqueuePriority inserts msg at the front of the new-queue. This is
// the only permitted reordering in the system: a requeued retry
// jumping ahead of older, not-yet-dispatched work (spec §5 "Ordering
// guarantees").
func (c *Cache) EnqueuePriority(msg *Message) error {
	return c.enqueue(msg, true)
}

func (c *Cache) enqueue(msg *Message, priority bool) error {
	if c.store != nil {
		if err := c.store.Put(msg); err != nil {
			return err
		}
	}
	msg.state = stateNew
	msg.AckReceived = false

	c.mu.Lock()
	defer c.mu.Unlock()
	if priority {
		c.newQ = append([]*Message{msg}, c.newQ...)
	} else {
		c.newQ = append(c.newQ, msg)
	}
	return nil
}

// PopNew removes and returns the message at the front of the
// new-queue, the handle thread's main driver (spec §4.D). ok is false
// when the queue is empty.
func (c *Cache) PopNew() (msg *Message, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.newQ) == 0 {
		return nil, false
	}
	msg = c.newQ[0]
	c.newQ = c.newQ[1:]
	return msg, true
}

// Len reports the number of messages currently waiting in the
// new-queue. Used by the handle thread's batch-send step.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.newQ)
}

// MoveToSent stamps msg as dispatched to endpoint: records the send
// time, clears any prior ack flag, and files it under sent[endpoint].
func (c *Cache) MoveToSent(endpoint Endpoint, msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg.state = stateSent
	msg.SentAt = time.Now()
	msg.AckReceived = false
	msg.Endpoint = endpoint

	bucket, ok := c.sent[endpoint]
	if !ok {
		bucket = make(map[string]*Message)
		c.sent[endpoint] = bucket
	}
	bucket[msg.UUID] = msg
}

// OnAck records that endpoint accepted uuid's request. The message
// stays in sent — only on_terminal removes it (spec §4.D table).
func (c *Cache) OnAck(endpoint Endpoint, uuid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bucket, ok := c.sent[endpoint]; ok {
		if m, ok := bucket[uuid]; ok {
			m.AckReceived = true
		}
	}
}

// OnTerminal removes uuid from sent[endpoint] and, if a store is
// configured, commits the deletion.
func (c *Cache) OnTerminal(endpoint Endpoint, uuid string) error {
	c.mu.Lock()
	var msg *Message
	if bucket, ok := c.sent[endpoint]; ok {
		msg = bucket[uuid]
		delete(bucket, uuid)
		if len(bucket) == 0 {
			delete(c.sent, endpoint)
		}
	}
	c.mu.Unlock()

	if msg != nil {
		msg.state = stateDone
	}
	if c.store != nil {
		return c.store.Delete(uuid)
	}
	return nil
}

// RemoveNew removes uuid from the new-queue, wherever it sits, and
// commits the deletion to the store if one is configured. It reports
// whether a message was found. This is the new-queue counterpart to
// OnTerminal: a message can reach its deadline before ever being
// dispatched, and a message not in sent[*] must still be found and
// removed here, or collect_expired would keep re-surfacing it forever
// (spec §8 "exactly one terminal event").
func (c *Cache) RemoveNew(uuid string) (*Message, bool) {
	c.mu.Lock()
	var msg *Message
	for i, m := range c.newQ {
		if m.UUID == uuid {
			msg = m
			c.newQ = append(c.newQ[:i], c.newQ[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if msg == nil {
		return nil, false
	}
	msg.state = stateDone
	if c.store != nil {
		c.store.Delete(uuid)
	}
	return msg, true
}

// Lookup finds an in-flight message by endpoint and uuid, used by the
// handle thread to classify an incoming ACK/CHUNK/ERROR/CHOKE frame.
func (c *Cache) Lookup(endpoint Endpoint, uuid string) (*Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.sent[endpoint]
	if !ok {
		return nil, false
	}
	m, ok := bucket[uuid]
	return m, ok
}

// Requeue resets a sent message's ack/sent state and moves it back to
// the new-queue, at the front if priority.
func (c *Cache) Requeue(endpoint Endpoint, uuid string, priority bool) (*Message, bool) {
	c.mu.Lock()
	var msg *Message
	if bucket, ok := c.sent[endpoint]; ok {
		msg = bucket[uuid]
		delete(bucket, uuid)
		if len(bucket) == 0 {
			delete(c.sent, endpoint)
		}
	}
	c.mu.Unlock()

	if msg == nil {
		return nil, false
	}

	msg.state = stateNew
	msg.AckReceived = false
	msg.SentAt = time.Time{}

	c.mu.Lock()
	if priority {
		c.newQ = append([]*Message{msg}, c.newQ...)
	} else {
		c.newQ = append(c.newQ, msg)
	}
	c.mu.Unlock()

	return msg, true
}

// Expired is one message collect_expired surfaced, tagged with the
// reason so the handle thread knows whether to retry or synthesize a
// terminal error.
type Expired struct {
	Message      *Message
	PastDeadline bool // true: deadline_error, not retried
}

// CollectExpired scans sent[*] and returns messages that either (a)
// passed their deadline, or (b) timed out waiting for an ACK
// (spec §4.D); it also scans new_q for messages past their deadline. It does not itself mutate the cache — callers decide
// retry vs. terminal and call Requeue/OnTerminal accordingly.
func (c *Cache) CollectExpired(now time.Time) []Expired {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Expired
	seen := make(map[string]bool)

	for _, bucket := range c.sent {
		for _, m := range bucket {
			if m.Expired(now) {
				out = append(out, Expired{Message: m, PastDeadline: true})
				seen[m.UUID] = true
				continue
			}
			if m.TimedOut(now) {
				out = append(out, Expired{Message: m, PastDeadline: false})
			}
		}
	}
	for _, m := range c.newQ {
		if !seen[m.UUID] && m.Expired(now) {
			out = append(out, Expired{Message: m, PastDeadline: true})
		}
	}
	return out
}

// MakeAllNew flushes every in-flight message in sent back to the
// new-queue, used on disconnect or handle retirement (spec §4.D).
func (c *Cache) MakeAllNew() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, bucket := range c.sent {
		for _, m := range bucket {
			m.state = stateNew
			m.AckReceived = false
			c.newQ = append(c.newQ, m)
		}
	}
	c.sent = make(map[Endpoint]map[string]*Message)
}

// Drain removes and returns every message currently held, from both
// new-queue and sent: newQ in queue order, followed by the sent
// messages in no particular order.
// Used when a handle is retired and its work folds back into the
// service's orphan queue (spec §4.F "Service-level routing").
func (c *Cache) Drain() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Message, 0, len(c.newQ))
	out = append(out, c.newQ...)
	for _, bucket := range c.sent {
		for _, m := range bucket {
			out = append(out, m)
		}
	}
	c.newQ = nil
	c.sent = make(map[Endpoint]map[string]*Message)
	return out
}
