// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package cache

import (
	"testing"
	"time"
)

func newTestMessage(uuid string, policy Policy) *Message {
	return &Message{
		UUID:       uuid,
		Path:       Path{Service: "svc", Handle: "h"},
		Policy:     policy,
		Payload:    []byte("payload"),
		EnqueuedAt: time.Now(),
	}
}

func TestEnqueuePopOrdering(t *testing.T) {
	c := New(nil)
	m1 := newTestMessage("u1", Policy{})
	m2 := newTestMessage("u2", Policy{})

	if err := c.Enqueue(m1); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := c.Enqueue(m2); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, ok := c.PopNew()
	if !ok || got.UUID != "u1" {
		t.Fatalf("first pop = %+v, want u1", got)
	}
	got, ok = c.PopNew()
	if !ok || got.UUID != "u2" {
		t.Fatalf("second pop = %+v, want u2", got)
	}
	if _, ok := c.PopNew(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestEnqueuePriorityJumpsFront(t *testing.T) {
	c := New(nil)
	m1 := newTestMessage("u1", Policy{})
	m2 := newTestMessage("u2", Policy{})

	_ = c.Enqueue(m1)
	_ = c.EnqueuePriority(m2)

	got, _ := c.PopNew()
	if got.UUID != "u2" {
		t.Fatalf("priority message should pop first, got %s", got.UUID)
	}
}

func TestAckThenTerminalRemovesFromSent(t *testing.T) {
	c := New(nil)
	m := newTestMessage("u1", Policy{Timeout: time.Second})
	_ = c.Enqueue(m)
	popped, _ := c.PopNew()

	ep := Endpoint{Address: "127.0.0.1:10053", Route: "r1"}
	c.MoveToSent(ep, popped)

	if _, ok := c.Lookup(ep, "u1"); !ok {
		t.Fatalf("expected message in sent after MoveToSent")
	}

	c.OnAck(ep, "u1")
	msg, ok := c.Lookup(ep, "u1")
	if !ok || !msg.AckReceived {
		t.Fatalf("expected ack_received=true, message to remain in sent")
	}

	if err := c.OnTerminal(ep, "u1"); err != nil {
		t.Fatalf("OnTerminal: %v", err)
	}
	if _, ok := c.Lookup(ep, "u1"); ok {
		t.Fatalf("expected message removed from sent after terminal")
	}
}

func TestCollectExpiredDeadlineAndTimeout(t *testing.T) {
	c := New(nil)

	deadlineMsg := newTestMessage("deadline", Policy{Deadline: 10 * time.Millisecond})
	deadlineMsg.EnqueuedAt = time.Now().Add(-20 * time.Millisecond)
	_ = c.Enqueue(deadlineMsg)

	timeoutMsg := newTestMessage("timeout", Policy{Timeout: 10 * time.Millisecond, MaxTimeoutRetries: 1})
	_ = c.Enqueue(timeoutMsg)
	popped, _ := c.PopNew()
	ep := Endpoint{Address: "a", Route: "r"}
	c.MoveToSent(ep, popped)
	popped.SentAt = time.Now().Add(-20 * time.Millisecond)

	expired := c.CollectExpired(time.Now())
	var sawDeadline, sawTimeout bool
	for _, e := range expired {
		switch e.Message.UUID {
		case "deadline":
			sawDeadline = e.PastDeadline
		case "timeout":
			sawTimeout = !e.PastDeadline
		}
	}
	if !sawDeadline {
		t.Fatalf("expected deadline-expired message to be surfaced")
	}
	if !sawTimeout {
		t.Fatalf("expected timed-out message to be surfaced")
	}
}

func TestRequeueMovesBackToNewQ(t *testing.T) {
	c := New(nil)
	m := newTestMessage("u1", Policy{MaxTimeoutRetries: 2})
	_ = c.Enqueue(m)
	popped, _ := c.PopNew()
	ep := Endpoint{Address: "a", Route: "r"}
	c.MoveToSent(ep, popped)

	requeued, ok := c.Requeue(ep, "u1", true)
	if !ok {
		t.Fatalf("expected Requeue to find the message")
	}
	if requeued.AckReceived {
		t.Fatalf("requeue must clear ack_received")
	}
	if c.Len() != 1 {
		t.Fatalf("expected requeued message back in new_q, Len=%d", c.Len())
	}
	if _, stillSent := c.Lookup(ep, "u1"); stillSent {
		t.Fatalf("requeued message must not remain in sent")
	}
}

func TestMakeAllNewFlushesSent(t *testing.T) {
	c := New(nil)
	m := newTestMessage("u1", Policy{})
	_ = c.Enqueue(m)
	popped, _ := c.PopNew()
	ep := Endpoint{Address: "a", Route: "r"}
	c.MoveToSent(ep, popped)

	c.MakeAllNew()

	if c.Len() != 1 {
		t.Fatalf("expected 1 message back in new_q, got %d", c.Len())
	}
	if _, ok := c.Lookup(ep, "u1"); ok {
		t.Fatalf("sent map should be empty after MakeAllNew")
	}
}

func TestUUIDNeverInBothQueues(t *testing.T) {
	c := New(nil)
	m := newTestMessage("u1", Policy{})
	_ = c.Enqueue(m)
	popped, _ := c.PopNew()
	ep := Endpoint{Address: "a", Route: "r"}
	c.MoveToSent(ep, popped)

	// Invariant: once in sent, must not also appear in new_q.
	for _, q := range c.newQ {
		if q.UUID == "u1" {
			t.Fatalf("u1 present in new_q while also in sent")
		}
	}
}
