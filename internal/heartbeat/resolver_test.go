// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package heartbeat

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"
)

// stubNode listens on a TCP port and answers every probe with a fixed
// NodeInfo reply, standing in for a worker's control endpoint.
func stubNode(t *testing.T, info NodeInfo) Endpoint {
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
				reader := bufio.NewReader(c)
				if _, err := reader.ReadBytes('\n'); err != nil {
					return
				}
				body, _ := json.Marshal(info)
				body = append(body, '\n')
				_, _ = c.Write(body)
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return Endpoint{Host: "127.0.0.1", Port: addr.Port}
}

type staticFetcher struct {
	eps []Endpoint
}

func (f *staticFetcher) Fetch(ctx context.Context) ([]Endpoint, error) {
	return f.eps, nil
}

func TestCoordinatorEmitsHandleSnapshot(t *testing.T) {
	ep := stubNode(t, NodeInfo{
		Apps: map[string]App{
			"A": {
				Running: true,
				Tasks: map[string]Task{
					"h": {Type: "native-server", Endpoint: "ignored", Route: "instance/1"},
					"x": {Type: "other", Endpoint: "ignored", Route: "instance/2"},
				},
			},
		},
	})

	var mu sync.Mutex
	var lastHandles map[string][]HandleEndpoint
	received := make(chan struct{}, 1)

	coord := NewCoordinator(nil, 20*time.Millisecond, func(alias string, handles map[string][]HandleEndpoint) {
		mu.Lock()
		lastHandles = handles
		mu.Unlock()
		select {
		case received <- struct{}{}:
		default:
		}
	})
	coord.Register("svc", "A", &staticFetcher{eps: []Endpoint{ep}})
	coord.Start()
	defer coord.Stop()

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lastHandles["h"]) != 1 {
		t.Fatalf("handles[h] = %+v, want 1 endpoint", lastHandles["h"])
	}
	if _, ok := lastHandles["x"]; ok {
		t.Fatalf("non-native-server task %q must be skipped", "x")
	}
	if lastHandles["h"][0].Route != "instance/1" {
		t.Fatalf("route = %q, want instance/1", lastHandles["h"][0].Route)
	}
}

func TestCoordinatorRetainsLastGoodOnFetchError(t *testing.T) {
	failingFetcher := &errFetcher{}
	coord := NewCoordinator(nil, time.Hour, nil)
	coord.Register("svc", "A", failingFetcher)
	coord.services[0].lastGood = []Endpoint{{Host: "1.1.1.1", Port: 1}}

	coord.tick(context.Background())

	if len(coord.services[0].lastGood) != 1 {
		t.Fatalf("expected last good list retained after fetch error")
	}
}

type errFetcher struct{}

func (errFetcher) Fetch(ctx context.Context) ([]Endpoint, error) {
	return nil, errFetchFailed
}

var errFetchFailed = &fetchError{}

type fetchError struct{}

func (*fetchError) Error() string { return "stub fetch failure" }
