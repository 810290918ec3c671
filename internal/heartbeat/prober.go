// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package heartbeat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// probeRequest is the literal JSON probe body (spec §6 "Heartbeat
// probe"). The version field asserts node-info protocol 2, distinct
// from the RPC frame protocol version (spec §9 open question — these
// are different surfaces).
type probeRequest struct {
	Version int    `json:"version"`
	Action  string `json:"action"`
}

// Task describes one worker slot reported under an app (spec §6).
// Tasks whose Type is not "native-server" are skipped by the
// coordinator, not by the prober — decoding keeps them so callers can
// log what was filtered.
type Task struct {
	Type     string `json:"type"`
	Endpoint string `json:"endpoint"`
	Route    string `json:"route"`
}

// App is one application's reported state under a probed node.
type App struct {
	Running bool            `json:"running"`
	Tasks   map[string]Task `json:"tasks"`
}

// NodeInfo is the decoded probe reply tree (spec §4.E step 3).
type NodeInfo struct {
	Apps map[string]App `json:"apps"`
}

// probeTimeout bounds how long the coordinator waits for one
// endpoint's reply before considering it down this round (spec §4.E
// step 3, "await a reply within ~2 s").
const probeTimeout = 2 * time.Second

// Probe dials endpoint, sends the node-info request, and decodes the
// JSON reply. Any failure — dial, write, timeout, or malformed JSON —
// is returned as an error; the caller treats that endpoint as down
// this round and must not let the failure escape further (spec §4.E
// step 3).
func Probe(ctx context.Context, endpoint Endpoint) (NodeInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", endpoint.String())
	if err != nil {
		return NodeInfo{}, fmt.Errorf("heartbeat: dialing %s: %w", endpoint, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	body, err := json.Marshal(probeRequest{Version: 2, Action: "info"})
	if err != nil {
		return NodeInfo{}, fmt.Errorf("heartbeat: encoding probe request: %w", err)
	}
	body = append(body, '\n')
	if _, err := conn.Write(body); err != nil {
		return NodeInfo{}, fmt.Errorf("heartbeat: probing %s: %w", endpoint, err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return NodeInfo{}, fmt.Errorf("heartbeat: reading probe reply from %s: %w", endpoint, err)
	}

	var info NodeInfo
	if err := json.Unmarshal(line, &info); err != nil {
		return NodeInfo{}, fmt.Errorf("heartbeat: decoding probe reply from %s: %w", endpoint, err)
	}
	return info, nil
}
