// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package session

import "github.com/cocaine/cocaine-core/internal/protocol"

// Dispatch is the callee side of a protocol: it owns the static graph
// describing which slots it currently accepts, and advances its own
// state as frames arrive. A Dispatch must be safe to invoke from the
// session's single reader goroutine; it may itself hand work off to
// other goroutines, but Process must not block on network I/O.
type Dispatch interface {
	// Graph returns the protocol graph this dispatch currently
	// validates inbound frames against.
	Graph() *protocol.Graph

	// Process advances the dispatch on receipt of one frame. The
	// returned next dispatch replaces this one for subsequent frames
	// on the same channel; nil means "stay on the current dispatch".
	// terminal reports whether the channel should close after this
	// frame is processed.
	Process(messageID uint32, args []interface{}) (next Dispatch, terminal bool, err error)

	// Discard notifies the dispatch that its channel was torn down by
	// a session failure rather than a normal terminal transition.
	// Called at most once per dispatch.
	Discard(err error)
}

// Upstream feeds outbound frames along one channel. It is handed back
// by Session.Fork and remains valid to use until the channel is
// revoked and the upstream itself dropped, independent of whether new
// inbound frames for that channel are still accepted (spec §4.C
// "Cancellation").
type Upstream struct {
	channelID uint64
	session   *Session
}

// ChannelID returns the channel this upstream is bound to.
func (u *Upstream) ChannelID() uint64 { return u.channelID }

// Send enqueues one outbound frame on this upstream's channel. Frames
// sent via the same upstream are delivered in send order; frames on
// different channels carry no ordering relation (spec §4.C "Ordering
// guarantees").
func (u *Upstream) Send(messageID uint32, args []interface{}) error {
	return u.session.push(u.channelID, messageID, args)
}
