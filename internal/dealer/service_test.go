// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package dealer

import (
	"testing"
	"time"

	"github.com/cocaine/cocaine-core/internal/cache"
	"github.com/cocaine/cocaine-core/internal/heartbeat"
)

func TestOrphanSpliceOnHandleReveal(t *testing.T) {
	svc := NewService("svc", defaultDialer, nil)

	var got []string
	sink := func(resp cache.Response) {}

	for _, uuid := range []string{"u1", "u2"} {
		msg := &cache.Message{UUID: uuid, Path: cache.Path{Service: "svc", Handle: "h"}, EnqueuedAt: time.Now()}
		svc.Enqueue("h", msg, sink)
		got = append(got, uuid)
	}

	svc.mu.Lock()
	if len(svc.orphans["h"]) != 2 {
		t.Fatalf("expected 2 orphaned messages before handle reveal, got %d", len(svc.orphans["h"]))
	}
	svc.mu.Unlock()

	svc.ApplySnapshot(map[string][]heartbeat.HandleEndpoint{
		"h": {{Endpoint: heartbeat.Endpoint{Host: "127.0.0.1", Port: 1}, Route: "instance/1"}},
	})
	defer svc.Shutdown()

	svc.mu.Lock()
	h := svc.handles["h"]
	svc.mu.Unlock()
	if h == nil {
		t.Fatalf("expected handle %q to be created", "h")
	}

	var order []string
	for i := 0; i < 2; i++ {
		m, ok := h.cache.PopNew()
		if !ok {
			t.Fatalf("expected 2 spliced messages in new_q, got %d", i)
		}
		order = append(order, m.UUID)
	}
	if order[0] != got[0] || order[1] != got[1] {
		t.Fatalf("splice order = %v, want %v (enqueue order preserved)", order, got)
	}
}

func TestHandleRetirementFoldsBackToOrphans(t *testing.T) {
	svc := NewService("svc", defaultDialer, nil)

	svc.ApplySnapshot(map[string][]heartbeat.HandleEndpoint{
		"h": {{Endpoint: heartbeat.Endpoint{Host: "127.0.0.1", Port: 1}, Route: "instance/1"}},
	})

	svc.mu.Lock()
	h := svc.handles["h"]
	svc.mu.Unlock()
	_ = h.cache.Enqueue(&cache.Message{UUID: "u1", Path: cache.Path{Service: "svc", Handle: "h"}, EnqueuedAt: time.Now()})

	// Next snapshot no longer names "h": the handle is retired.
	svc.ApplySnapshot(map[string][]heartbeat.HandleEndpoint{})

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if _, still := svc.handles["h"]; still {
		t.Fatalf("expected handle %q to be retired", "h")
	}
	if len(svc.orphans["h"]) != 1 || svc.orphans["h"][0].UUID != "u1" {
		t.Fatalf("expected retired handle's work folded back to orphans, got %+v", svc.orphans["h"])
	}
}

// TestApplySnapshotRetirementDoesNotDeadlockCallbackLookup guards
// against ApplySnapshot calling Handle.Kill (which blocks on the
// handle's loop goroutine exiting) while holding s.mu: drainHandle
// needs that same lock to look up each response's callback, so if Kill
// runs under the lock, drainHandle can never make progress and Kill
// never returns.
func TestApplySnapshotRetirementDoesNotDeadlockCallbackLookup(t *testing.T) {
	svc := NewService("svc", defaultDialer, nil)

	done := make(chan struct{})
	svc.Enqueue("h", &cache.Message{UUID: "u1", Path: cache.Path{Service: "svc", Handle: "h"}, EnqueuedAt: time.Now()}, func(resp cache.Response) {
		// A sink that itself touches the service, like a real caller's
		// would, to exercise the same lock drainHandle needs.
		svc.mu.Lock()
		svc.mu.Unlock()
	})

	svc.ApplySnapshot(map[string][]heartbeat.HandleEndpoint{
		"h": {{Endpoint: heartbeat.Endpoint{Host: "127.0.0.1", Port: 1}, Route: "instance/1"}},
	})

	go func() {
		svc.ApplySnapshot(map[string][]heartbeat.HandleEndpoint{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ApplySnapshot retirement deadlocked")
	}
}
