// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package dealer

import (
	"fmt"
	"io"

	"github.com/cocaine/cocaine-core/internal/cache"
	"github.com/cocaine/cocaine-core/internal/protocol"
)

// sendRequest writes one "wire message to worker" (spec §6): the
// route token the worker reported during resolution, an empty
// delimiter frame, the packed UUID, the packed policy, and the raw
// payload. The absolute deadline is computed from the message's
// enqueue time, not the send time — preserved verbatim from the
// original implementation per spec §9's design note, so a message's
// remote-side deadline does not change across retries.
//
// When msg carries metadata (spec §11 "Request metadata"), a sixth
// part follows the payload: a msgpack-encoded map. Workers that don't
// know about it are unaffected — the first five parts are unchanged,
// and ReadMultipart has no fixed arity.
func sendRequest(w io.Writer, route string, msg *cache.Message) error {
	uuidBytes, err := protocol.PackString(msg.UUID)
	if err != nil {
		return err
	}

	wp := protocol.WirePolicy{
		Urgent:            msg.Policy.Urgent,
		Mailboxed:         msg.Policy.Mailboxed,
		TimeoutSeconds:    msg.Policy.Timeout.Seconds(),
		MaxTimeoutRetries: msg.Policy.MaxTimeoutRetries,
	}
	if msg.Policy.Deadline > 0 {
		wp.AbsoluteDeadline = float64(msg.EnqueuedAt.Add(msg.Policy.Deadline).Unix())
	}
	policyBytes, err := protocol.PackPolicy(wp)
	if err != nil {
		return err
	}

	parts := [][]byte{[]byte(route), {}, uuidBytes, policyBytes, msg.Payload}
	if len(msg.Metadata) > 0 {
		metaBytes, err := protocol.PackMetadata(msg.Metadata)
		if err != nil {
			return err
		}
		parts = append(parts, metaBytes)
	}
	return protocol.WriteMultipart(w, parts)
}

// inboundFrame is a decoded "wire message from worker" (spec §6).
type inboundFrame struct {
	route        string
	uuid         string
	code         uint32
	payload      []byte
	errorCode    int
	errorMessage string
}

func recvResponse(r io.Reader) (inboundFrame, error) {
	parts, err := protocol.ReadMultipart(r)
	if err != nil {
		return inboundFrame{}, err
	}
	if len(parts) < 4 {
		return inboundFrame{}, fmt.Errorf("%w: response has %d parts, want at least 4", protocol.ErrFrameFormat, len(parts))
	}

	uuid, err := protocol.UnpackString(parts[2])
	if err != nil {
		return inboundFrame{}, err
	}
	code, err := protocol.UnpackInt(parts[3])
	if err != nil {
		return inboundFrame{}, err
	}

	frame := inboundFrame{route: string(parts[0]), uuid: uuid, code: uint32(code)}
	tail := parts[4:]

	switch frame.code {
	case protocol.RPCChunk:
		if len(tail) >= 1 {
			frame.payload = tail[0]
		}
	case protocol.RPCError:
		if len(tail) >= 1 {
			if ec, err := protocol.UnpackInt(tail[0]); err == nil {
				frame.errorCode = ec
			}
		}
		if len(tail) >= 2 {
			if msg, err := protocol.UnpackString(tail[1]); err == nil {
				frame.errorMessage = msg
			}
		}
	}
	return frame, nil
}
