// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package heartbeat implements the Dealer's resolver: periodic
// endpoint discovery, node-info probing, and snapshot emission
// described in spec §4.E.
package heartbeat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// Endpoint is a candidate (host, control_port) pair a Fetcher yields.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

// Fetcher returns the current list of candidate endpoints for one
// service's autodiscovery source (spec §4.E step 1). Implementations
// must not block longer than the coordinator's tick budget; a failing
// fetcher returns an error, never panics, and the coordinator then keeps
// using that service's last good list.
type Fetcher interface {
	Fetch(ctx context.Context) ([]Endpoint, error)
}

// FileFetcher reads newline-delimited "host:port" entries from a
// local file, re-read on every call — the FILE autodiscovery source
// (spec §6 "services.<alias>.autodiscovery.type").
type FileFetcher struct {
	Path string
}

func (f *FileFetcher) Fetch(ctx context.Context) ([]Endpoint, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: opening endpoint file %q: %w", f.Path, err)
	}
	defer file.Close()

	var out []Endpoint
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ep, err := parseHostPort(line)
		if err != nil {
			continue
		}
		out = append(out, ep)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("heartbeat: reading endpoint file %q: %w", f.Path, err)
	}
	return out, nil
}

// HTTPFetcher polls a discovery URL returning a JSON array of
// "host:port" strings — the HTTP autodiscovery source.
type HTTPFetcher struct {
	URL    string
	Client *http.Client
}

func (f *HTTPFetcher) Fetch(ctx context.Context) ([]Endpoint, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: building discovery request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: fetching %q: %w", f.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("heartbeat: fetching %q: status %d", f.URL, resp.StatusCode)
	}

	var raw []string
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("heartbeat: decoding discovery response from %q: %w", f.URL, err)
	}

	out := make([]Endpoint, 0, len(raw))
	for _, s := range raw {
		ep, err := parseHostPort(s)
		if err != nil {
			continue
		}
		out = append(out, ep)
	}
	return out, nil
}

// MulticastFetcher stands in for the MULTICAST autodiscovery source
// named in spec §6. No UDP multicast group-membership library exists
// anywhere in the reference corpus and the spec does not define a
// wire format for it; per §9 "Open questions — do not guess", this
// fetcher surfaces a clear internal_error instead of fabricating a
// protocol, so a config naming MULTICAST fails fast rather than
// silently resolving to nothing.
type MulticastFetcher struct{}

func (f *MulticastFetcher) Fetch(ctx context.Context) ([]Endpoint, error) {
	return nil, fmt.Errorf("heartbeat: MULTICAST autodiscovery is not implemented (internal_error)")
}

func parseHostPort(s string) (Endpoint, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return Endpoint{}, fmt.Errorf("heartbeat: malformed endpoint %q", s)
	}
	host := s[:idx]
	var port int
	if _, err := fmt.Sscanf(s[idx+1:], "%d", &port); err != nil {
		return Endpoint{}, fmt.Errorf("heartbeat: malformed port in %q: %w", s, err)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// fetchCadence is the default interval between fetcher polls (spec
// §4.E step 1, "2 s cadence").
const fetchCadence = 2 * time.Second
