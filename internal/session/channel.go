// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package session implements the Cocaine session/channel multiplexer:
// one session owns a transport connection and many concurrently live
// channels, each bound to a Dispatch that advances through a static
// protocol graph (spec §4.C).
package session

import "github.com/cocaine/cocaine-core/internal/protocol"

// State is a channel's position in its lifecycle.
type State int

const (
	StateOpen State = iota
	StateHalfClosedUp
	StateHalfClosedDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfClosedUp:
		return "half-closed-up"
	case StateHalfClosedDown:
		return "half-closed-down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// channel holds the live state of one multiplexed conversation: which
// dispatch currently owns inbound frames, and whether it has been
// revoked (so its id is never reused and no further inbound frame may
// reach it, per the invariant in spec §3 "Session").
type channel struct {
	id       uint64
	state    State
	dispatch Dispatch
	revoked  bool
}
