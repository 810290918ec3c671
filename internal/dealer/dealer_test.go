// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package dealer

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cocaine/cocaine-core/internal/cache"
	"github.com/cocaine/cocaine-core/internal/protocol"
)

// replyScript describes how a stub worker responds to each accepted
// connection: which rpc codes to send back, in order, and whether to
// silently drop the request instead (simulating scenario 2/3 of spec §8).
type replyScript struct {
	drop  bool
	codes []uint32
}

func stubWorker(t *testing.T, script replyScript) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				parts, err := protocol.ReadMultipart(c)
				if err != nil || len(parts) < 5 {
					return
				}
				if script.drop {
					return // never reply; exercises the timeout/retry path
				}
				route := string(parts[0])
				uuidBytes := parts[2]
				uid, err := protocol.UnpackString(uuidBytes)
				if err != nil {
					return
				}

				for _, code := range script.codes {
					var tail [][]byte
					switch code {
					case protocol.RPCChunk:
						tail = [][]byte{[]byte("olleh")}
					case protocol.RPCError:
						ec, _ := protocol.PackInt(42)
						msg, _ := protocol.PackString("boom")
						tail = [][]byte{ec, msg}
					}
					codeBytes, _ := protocol.PackInt(int(code))
					parts := append([][]byte{[]byte(route), {}, uuidBytes, codeBytes}, tail...)
					if err := protocol.WriteMultipart(c, parts); err != nil {
						return
					}
					_ = uid
				}
			}(conn)
		}
	}()

	return ln.Addr().String()
}

func TestHappyChunkThenChoke(t *testing.T) {
	addr := stubWorker(t, replyScript{codes: []uint32{protocol.RPCAck, protocol.RPCChunk, protocol.RPCChoke}})

	c := cache.New(nil)
	h := NewHandle(cache.Path{Service: "svc", Handle: "h"}, c, defaultDialer, nil)
	h.Start()
	defer h.Kill()

	var mu sync.Mutex
	var statuses []cache.ResponseStatus
	done := make(chan struct{})
	go func() {
		for resp := range h.Responses() {
			mu.Lock()
			statuses = append(statuses, resp.Status)
			mu.Unlock()
			if resp.Status == cache.StatusChoke || resp.Status == cache.StatusError {
				close(done)
				return
			}
		}
	}()

	h.Connect([]cache.Endpoint{{Address: addr, Route: "instance/1"}})

	msg := &cache.Message{
		UUID:       "u1",
		Path:       cache.Path{Service: "svc", Handle: "h"},
		Policy:     cache.Policy{Timeout: time.Second, Deadline: 5 * time.Second},
		Payload:    []byte("hello"),
		EnqueuedAt: time.Now(),
	}
	if err := c.Enqueue(msg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for terminal response")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) != 2 || statuses[0] != cache.StatusChunk || statuses[1] != cache.StatusChoke {
		t.Fatalf("statuses = %v, want [chunk choke]", statuses)
	}
}

func TestRetryAfterTimeoutThenRequestError(t *testing.T) {
	addr := stubWorker(t, replyScript{drop: true})

	c := cache.New(nil)
	h := NewHandle(cache.Path{Service: "svc", Handle: "h"}, c, defaultDialer, nil)
	h.Start()
	defer h.Kill()

	respCh := make(chan cache.Response, 4)
	go func() {
		for resp := range h.Responses() {
			respCh <- resp
		}
	}()

	h.Connect([]cache.Endpoint{{Address: addr, Route: "instance/1"}})

	msg := &cache.Message{
		UUID:       "u1",
		Path:       cache.Path{Service: "svc", Handle: "h"},
		Policy:     cache.Policy{Timeout: 100 * time.Millisecond, MaxTimeoutRetries: 2},
		Payload:    []byte("hello"),
		EnqueuedAt: time.Now(),
	}
	if err := c.Enqueue(msg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case resp := <-respCh:
		if resp.Status != cache.StatusError || resp.ErrorCode != CodeRequestError {
			t.Fatalf("resp = %+v, want request_error", resp)
		}
		if resp.ErrorMessage != "server did not reply with ack in time" {
			t.Fatalf("error message = %q", resp.ErrorMessage)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for request_error")
	}
}

func TestDeadlineExpiry(t *testing.T) {
	addr := stubWorker(t, replyScript{drop: true})

	c := cache.New(nil)
	h := NewHandle(cache.Path{Service: "svc", Handle: "h"}, c, defaultDialer, nil)
	h.Start()
	defer h.Kill()

	respCh := make(chan cache.Response, 4)
	go func() {
		for resp := range h.Responses() {
			respCh <- resp
		}
	}()

	h.Connect([]cache.Endpoint{{Address: addr, Route: "instance/1"}})

	msg := &cache.Message{
		UUID:       "u1",
		Path:       cache.Path{Service: "svc", Handle: "h"},
		Policy:     cache.Policy{Timeout: 10 * time.Second, Deadline: 200 * time.Millisecond, MaxTimeoutRetries: 10},
		Payload:    []byte("hello"),
		EnqueuedAt: time.Now(),
	}
	if err := c.Enqueue(msg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case resp := <-respCh:
		if resp.Status != cache.StatusError || resp.ErrorCode != CodeDeadlineError {
			t.Fatalf("resp = %+v, want deadline_error", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for deadline_error")
	}

	if _, ok := c.Lookup(cache.Endpoint{Address: addr, Route: "instance/1"}, "u1"); ok {
		t.Fatalf("message should be removed from cache after deadline expiry")
	}
}
